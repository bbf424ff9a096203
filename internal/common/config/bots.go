package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Bot modes and ingest modes.
const (
	ModeEmbedded = "embedded"
	ModeGateway  = "gateway"

	IngestWebhook = "webhook"
	IngestPolling = "polling"
)

// WebhookConfig holds per-bot webhook settings.
type WebhookConfig struct {
	PathSecret  string `yaml:"path_secret"`
	SecretToken string `yaml:"secret_token"`
	PublicURL   string `yaml:"public_url"`
}

// CodexConfig holds codex adapter settings.
type CodexConfig struct {
	Model   string `yaml:"model"`
	Sandbox string `yaml:"sandbox"`
}

// GeminiConfig holds gemini adapter settings.
type GeminiConfig struct {
	Model string `yaml:"model"`
}

// ClaudeConfig holds claude adapter settings.
type ClaudeConfig struct {
	Model string `yaml:"model"`
}

// BotConfig describes one managed bot.
type BotConfig struct {
	BotID              string        `yaml:"bot_id"`
	Name               string        `yaml:"name"`
	Mode               string        `yaml:"mode"`
	TelegramToken      string        `yaml:"telegram_token"`
	OwnerUserID        int64         `yaml:"owner_user_id"`
	Webhook            WebhookConfig `yaml:"webhook"`
	Adapter            string        `yaml:"adapter"`
	Codex              CodexConfig   `yaml:"codex"`
	Gemini             GeminiConfig  `yaml:"gemini"`
	Claude             ClaudeConfig  `yaml:"claude"`
	DatabaseURL        string        `yaml:"database_url"`
	TelegramAPIBaseURL string        `yaml:"telegram_api_base_url"`
}

type botsFile struct {
	Bots []BotConfig `yaml:"bots"`
}

// IngestMode returns "webhook" when a public webhook URL is configured,
// otherwise "polling".
func (b *BotConfig) IngestMode() string {
	if strings.TrimSpace(b.Webhook.PublicURL) != "" {
		return IngestWebhook
	}
	return IngestPolling
}

// DefaultModel returns the configured default model for the named adapter.
func (b *BotConfig) DefaultModel(adapter string) string {
	switch adapter {
	case "codex":
		return b.Codex.Model
	case "gemini":
		return b.Gemini.Model
	case "claude":
		return b.Claude.Model
	}
	return ""
}

// ResolveBotDatabaseURL returns the bot's database URL, falling back to the
// global one.
func ResolveBotDatabaseURL(bot *BotConfig, cfg *Config) string {
	if strings.TrimSpace(bot.DatabaseURL) != "" {
		return bot.DatabaseURL
	}
	return cfg.DatabaseURL
}

// ResolveTelegramAPIBaseURL returns the bot's Bot API base URL, falling back
// to the global one.
func ResolveTelegramAPIBaseURL(bot *BotConfig, cfg *Config) string {
	if candidate := strings.TrimSpace(bot.TelegramAPIBaseURL); candidate != "" {
		return candidate
	}
	return cfg.Telegram.APIBaseURL
}

// LoadBots reads and normalizes the bots file at path. When the file is
// missing or empty and allowEnvFallback is set, a single bot is synthesized
// from the token-only environment settings.
func LoadBots(path string, cfg *Config, allowEnvFallback bool) ([]BotConfig, error) {
	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve bots config path: %w", err)
	}

	var loaded []BotConfig
	raw, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		var parsed botsFile
		if err := yaml.Unmarshal(raw, &parsed); err != nil {
			return nil, fmt.Errorf("invalid bots config at %s: %w", resolved, err)
		}
		loaded = parsed.Bots
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read bots config at %s: %w", resolved, err)
	}

	if len(loaded) == 0 && allowEnvFallback {
		envBot := buildEnvBot(cfg)
		if envBot == nil {
			return nil, fmt.Errorf("bots config not found at %s and TELEGRAM_BOT_TOKEN is not set", resolved)
		}
		loaded = []BotConfig{*envBot}
	}
	if len(loaded) == 0 {
		return nil, nil
	}

	normalized, err := normalizeBots(loaded, cfg)
	if err != nil {
		return nil, err
	}

	seenIDs := make(map[string]bool, len(normalized))
	seenTokens := make(map[string]bool, len(normalized))
	for _, bot := range normalized {
		if seenIDs[bot.BotID] {
			return nil, fmt.Errorf("bots config contains duplicate bot_id values")
		}
		if seenTokens[bot.TelegramToken] {
			return nil, fmt.Errorf("bots config contains duplicate telegram_token values")
		}
		seenIDs[bot.BotID] = true
		seenTokens[bot.TelegramToken] = true
	}

	if cfg.Telegram.StrictBotDBIsolation && len(normalized) > 1 {
		var missing []string
		for _, bot := range normalized {
			if strings.TrimSpace(bot.DatabaseURL) == "" {
				missing = append(missing, bot.BotID)
			}
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("strict bot db isolation enabled but database_url missing for bots: %s",
				strings.Join(missing, ", "))
		}
	}

	return normalized, nil
}

func isLocalMockBaseURL(baseURL string) bool {
	normalized := strings.ToLower(strings.TrimSpace(baseURL))
	return strings.HasPrefix(normalized, "http://127.0.0.1") || strings.HasPrefix(normalized, "http://localhost")
}

func buildEnvBot(cfg *Config) *BotConfig {
	token := strings.TrimSpace(cfg.Telegram.BotToken)
	if token == "" && isLocalMockBaseURL(cfg.Telegram.APIBaseURL) {
		token = strings.TrimSpace(cfg.Telegram.VirtualToken)
		if token == "" {
			token = "mock_token_1"
		}
	}
	if token == "" {
		return nil
	}

	botID := strings.TrimSpace(cfg.Telegram.BotID)
	if botID == "" {
		botID = "bot-1"
	}
	name := strings.TrimSpace(cfg.Telegram.BotName)
	if name == "" {
		name = "Bot 1"
	}
	pathSecret := strings.TrimSpace(cfg.Telegram.WebhookPathSecret)
	if pathSecret == "" {
		pathSecret = botID + "-path"
	}
	secretToken := strings.TrimSpace(cfg.Telegram.WebhookSecret)
	if secretToken == "" {
		secretToken = botID + "-secret"
	}

	return &BotConfig{
		BotID:         botID,
		Name:          name,
		Mode:          cfg.Telegram.BotMode,
		TelegramToken: token,
		OwnerUserID:   cfg.Telegram.OwnerUserID,
		Webhook: WebhookConfig{
			PathSecret:  pathSecret,
			SecretToken: secretToken,
			PublicURL:   strings.TrimSpace(cfg.Telegram.WebhookPublicURL),
		},
		Adapter: "gemini",
	}
}

func normalizeBots(bots []BotConfig, cfg *Config) ([]BotConfig, error) {
	fallbackToken := strings.TrimSpace(cfg.Telegram.BotToken)
	virtualToken := strings.TrimSpace(cfg.Telegram.VirtualToken)
	if virtualToken == "" {
		virtualToken = "mock_token_1"
	}

	normalized := make([]BotConfig, 0, len(bots))
	for index, bot := range bots {
		baseURL := strings.TrimSpace(bot.TelegramAPIBaseURL)
		if baseURL == "" {
			baseURL = cfg.Telegram.APIBaseURL
		}
		isMockBase := isLocalMockBaseURL(baseURL)

		token := strings.TrimSpace(bot.TelegramToken)
		switch {
		case token == "TELEGRAM_BOT_TOKEN":
			if fallbackToken != "" {
				token = fallbackToken
			} else if isMockBase {
				token = virtualToken
			} else {
				token = ""
			}
		case token == "" && fallbackToken != "":
			token = fallbackToken
		case token == "" && isMockBase:
			token = virtualToken
		}
		if token == "" {
			return nil, fmt.Errorf("bot[%d] telegram_token is required", index+1)
		}

		botID := strings.TrimSpace(bot.BotID)
		if botID == "" {
			botID = fmt.Sprintf("bot-%d", index+1)
		}
		name := strings.TrimSpace(bot.Name)
		if name == "" {
			name = fmt.Sprintf("Bot %d", index+1)
		}
		mode := bot.Mode
		if mode == "" {
			mode = ModeEmbedded
		}
		if mode != ModeEmbedded && mode != ModeGateway {
			return nil, fmt.Errorf("bot[%d] mode must be embedded or gateway, got %q", index+1, mode)
		}
		ownerUserID := bot.OwnerUserID
		if ownerUserID == 0 {
			ownerUserID = cfg.Telegram.OwnerUserID
		}
		adapter := bot.Adapter
		if adapter == "" {
			adapter = "gemini"
		}
		sandbox := bot.Codex.Sandbox
		if sandbox == "" {
			sandbox = "workspace-write"
		}

		publicURL := strings.TrimSpace(bot.Webhook.PublicURL)
		pathSecret := strings.TrimSpace(bot.Webhook.PathSecret)
		if pathSecret == "" {
			pathSecret = botID + "-path"
		}
		secretToken := strings.TrimSpace(bot.Webhook.SecretToken)
		if secretToken == "" {
			secretToken = botID + "-secret"
		}

		normalized = append(normalized, BotConfig{
			BotID:         botID,
			Name:          name,
			Mode:          mode,
			TelegramToken: token,
			OwnerUserID:   ownerUserID,
			Webhook: WebhookConfig{
				PathSecret:  pathSecret,
				SecretToken: secretToken,
				PublicURL:   publicURL,
			},
			Adapter:            adapter,
			Codex:              CodexConfig{Model: bot.Codex.Model, Sandbox: sandbox},
			Gemini:             bot.Gemini,
			Claude:             bot.Claude,
			DatabaseURL:        bot.DatabaseURL,
			TelegramAPIBaseURL: bot.TelegramAPIBaseURL,
		})
	}

	return normalized, nil
}
