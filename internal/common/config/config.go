// Package config provides configuration management for tgbridge.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tgbridge/tgbridge/internal/common/logger"
)

// Config holds the process-wide configuration shared by all runtimes.
type Config struct {
	DatabaseURL string               `mapstructure:"databaseUrl"`
	Logging     logger.LoggingConfig `mapstructure:"logging"`
	Worker      WorkerConfig         `mapstructure:"worker"`
	Supervisor  SupervisorConfig     `mapstructure:"supervisor"`
	Telegram    TelegramConfig       `mapstructure:"telegram"`
}

// WorkerConfig holds job leasing and polling configuration.
type WorkerConfig struct {
	LeaseMS        int `mapstructure:"leaseMs"`
	PollIntervalMS int `mapstructure:"pollIntervalMs"`
}

// SupervisorConfig holds child-process supervision configuration.
type SupervisorConfig struct {
	RestartMaxBackoffSec int `mapstructure:"restartMaxBackoffSec"`
}

// TelegramConfig holds Bot API access defaults and the token-only bootstrap
// fields used when no bots file is present.
type TelegramConfig struct {
	APIBaseURL        string `mapstructure:"apiBaseUrl"`
	VirtualToken      string `mapstructure:"virtualToken"`
	BotToken          string `mapstructure:"botToken"`
	OwnerUserID       int64  `mapstructure:"ownerUserId"`
	BotID             string `mapstructure:"botId"`
	BotName           string `mapstructure:"botName"`
	BotMode           string `mapstructure:"botMode"`
	WebhookPublicURL  string `mapstructure:"webhookPublicUrl"`
	WebhookPathSecret string `mapstructure:"webhookPathSecret"`
	WebhookSecret     string `mapstructure:"webhookSecretToken"`

	// StrictBotDBIsolation requires a per-bot database_url for every bot
	// when more than one bot is configured.
	StrictBotDBIsolation bool `mapstructure:"strictBotDbIsolation"`
}

// LeaseDuration returns the job lease as a time.Duration.
func (w *WorkerConfig) LeaseDuration() time.Duration {
	return time.Duration(w.LeaseMS) * time.Millisecond
}

// PollInterval returns the worker poll interval as a time.Duration.
func (w *WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMS) * time.Millisecond
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("databaseUrl", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.output_path", "stdout")

	v.SetDefault("worker.leaseMs", 30000)
	v.SetDefault("worker.pollIntervalMs", 250)

	v.SetDefault("supervisor.restartMaxBackoffSec", 30)

	v.SetDefault("telegram.apiBaseUrl", "https://api.telegram.org")
	v.SetDefault("telegram.virtualToken", "mock_token_1")
	v.SetDefault("telegram.botId", "bot-1")
	v.SetDefault("telegram.botName", "Bot 1")
	v.SetDefault("telegram.botMode", "embedded")
	v.SetDefault("telegram.strictBotDbIsolation", false)
}

// Load reads configuration from defaults, an optional config file, and
// environment variables.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath is like Load but also searches configPath for a config file.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TGBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the unprefixed env vars the deployment scripts set.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("databaseUrl", "DATABASE_URL")
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("worker.leaseMs", "JOB_LEASE_MS")
	_ = v.BindEnv("worker.pollIntervalMs", "WORKER_POLL_INTERVAL_MS")
	_ = v.BindEnv("supervisor.restartMaxBackoffSec", "SUPERVISOR_RESTART_MAX_BACKOFF_SEC")
	_ = v.BindEnv("telegram.apiBaseUrl", "TELEGRAM_API_BASE_URL")
	_ = v.BindEnv("telegram.virtualToken", "TELEGRAM_VIRTUAL_TOKEN")
	_ = v.BindEnv("telegram.botToken", "TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("telegram.ownerUserId", "TELEGRAM_OWNER_USER_ID")
	_ = v.BindEnv("telegram.botId", "TELEGRAM_BOT_ID")
	_ = v.BindEnv("telegram.botName", "TELEGRAM_BOT_NAME")
	_ = v.BindEnv("telegram.botMode", "TELEGRAM_BOT_MODE")
	_ = v.BindEnv("telegram.webhookPublicUrl", "TELEGRAM_WEBHOOK_PUBLIC_URL")
	_ = v.BindEnv("telegram.webhookPathSecret", "TELEGRAM_WEBHOOK_PATH_SECRET")
	_ = v.BindEnv("telegram.webhookSecretToken", "TELEGRAM_WEBHOOK_SECRET_TOKEN")
	_ = v.BindEnv("telegram.strictBotDbIsolation", "STRICT_BOT_DB_ISOLATION")

	v.SetConfigName("tgbridge")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/tgbridge/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return fmt.Errorf("databaseUrl (DATABASE_URL) is required")
	}
	if cfg.Worker.LeaseMS < 1000 {
		return fmt.Errorf("worker.leaseMs must be >= 1000, got %d", cfg.Worker.LeaseMS)
	}
	if cfg.Worker.PollIntervalMS < 50 {
		return fmt.Errorf("worker.pollIntervalMs must be >= 50, got %d", cfg.Worker.PollIntervalMS)
	}
	if cfg.Supervisor.RestartMaxBackoffSec < 1 {
		return fmt.Errorf("supervisor.restartMaxBackoffSec must be >= 1, got %d", cfg.Supervisor.RestartMaxBackoffSec)
	}
	switch cfg.Telegram.BotMode {
	case "embedded", "gateway":
	default:
		return fmt.Errorf("telegram.botMode must be embedded or gateway, got %q", cfg.Telegram.BotMode)
	}
	return nil
}
