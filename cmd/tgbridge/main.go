// Package main is the tgbridge entry point. One binary serves three roles:
// the supervisor that spawns and restarts child processes, a single bot
// process (embedded server or workers-only), and the shared webhook gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/tgbridge/tgbridge/internal/common/config"
	"github.com/tgbridge/tgbridge/internal/common/logger"
	"github.com/tgbridge/tgbridge/internal/runtime"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: tgbridge <supervisor|run-bot|run-gateway> [flags]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "supervisor":
		err = runSupervisor(ctx, cfg, log, args)
	case "run-bot":
		err = runBot(ctx, cfg, log, args)
	case "run-gateway":
		err = runGateway(ctx, cfg, log, args)
	default:
		fmt.Fprintf(os.Stderr, "unsupported command: %s\n", command)
		os.Exit(2)
	}

	if err != nil && ctx.Err() == nil {
		log.WithError(err).Error("tgbridge exited with error")
		os.Exit(1)
	}
}

func runSupervisor(ctx context.Context, cfg *config.Config, log *logger.Logger, args []string) error {
	flags := flag.NewFlagSet("supervisor", flag.ExitOnError)
	configPath := flags.String("config", "config/bots.yaml", "bots config path")
	embeddedHost := flags.String("embedded-host", "127.0.0.1", "host for embedded bot servers")
	embeddedBasePort := flags.Int("embedded-base-port", 8600, "first port for embedded bot servers")
	gatewayHost := flags.String("gateway-host", "0.0.0.0", "gateway listen host")
	gatewayPort := flags.Int("gateway-port", 4312, "gateway listen port")
	if err := flags.Parse(args); err != nil {
		return err
	}

	resolved, err := filepath.Abs(*configPath)
	if err != nil {
		return err
	}

	supervisor := runtime.NewSupervisor(cfg, runtime.SupervisorConfig{
		ConfigPath:       resolved,
		EmbeddedHost:     *embeddedHost,
		EmbeddedBasePort: *embeddedBasePort,
		GatewayHost:      *gatewayHost,
		GatewayPort:      *gatewayPort,
		Logger:           log,
	})
	return supervisor.Run(ctx)
}

func runBot(ctx context.Context, cfg *config.Config, log *logger.Logger, args []string) error {
	flags := flag.NewFlagSet("run-bot", flag.ExitOnError)
	configPath := flags.String("config", "config/bots.yaml", "bots config path")
	botID := flags.String("bot-id", "", "bot id to run (required)")
	embeddedHost := flags.String("embedded-host", "127.0.0.1", "embedded server listen host")
	embeddedPort := flags.Int("embedded-port", 8600, "embedded server listen port")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *botID == "" {
		return fmt.Errorf("--bot-id is required")
	}

	bots, err := config.LoadBots(*configPath, cfg, true)
	if err != nil {
		return err
	}
	for _, bot := range bots {
		if bot.BotID != *botID {
			continue
		}
		if bot.Mode == config.ModeEmbedded {
			return runtime.RunEmbeddedBot(ctx, bot, cfg, *embeddedHost, *embeddedPort, log)
		}
		return runtime.RunBotWorkersOnly(ctx, bot, cfg, log)
	}
	return fmt.Errorf("bot not found: %s", *botID)
}

func runGateway(ctx context.Context, cfg *config.Config, log *logger.Logger, args []string) error {
	flags := flag.NewFlagSet("run-gateway", flag.ExitOnError)
	configPath := flags.String("config", "config/bots.yaml", "bots config path")
	host := flags.String("host", "0.0.0.0", "gateway listen host")
	port := flags.Int("port", 4312, "gateway listen port")
	if err := flags.Parse(args); err != nil {
		return err
	}

	bots, err := config.LoadBots(*configPath, cfg, true)
	if err != nil {
		return err
	}
	var gatewayBots []config.BotConfig
	for _, bot := range bots {
		if bot.Mode == config.ModeGateway {
			gatewayBots = append(gatewayBots, bot)
		}
	}
	return runtime.RunGateway(ctx, gatewayBots, cfg, *host, *port, log)
}
