package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tgbridge/tgbridge/internal/common/config"
	"github.com/tgbridge/tgbridge/internal/common/logger"
	"github.com/tgbridge/tgbridge/internal/persistence"
	"github.com/tgbridge/tgbridge/internal/service"
	"github.com/tgbridge/tgbridge/internal/store"
	"github.com/tgbridge/tgbridge/internal/streaming"
	"github.com/tgbridge/tgbridge/internal/telegram"
	"github.com/tgbridge/tgbridge/internal/worker"
)

// botStack holds one bot's fully wired runtime components.
type botStack struct {
	bot      config.BotConfig
	store    store.Store
	client   *telegram.Client
	handler  *telegram.CommandHandler
	streamer *streaming.Streamer
	baseURL  string
	log      *logger.Logger
}

func buildBotStack(ctx context.Context, bot config.BotConfig, cfg *config.Config, log *logger.Logger) (*botStack, error) {
	botLog := log.WithBotID(bot.BotID)

	st, err := persistence.Open(ctx, config.ResolveBotDatabaseURL(&bot, cfg), botLog)
	if err != nil {
		return nil, fmt.Errorf("open bot database: %w", err)
	}

	baseURL := config.ResolveTelegramAPIBaseURL(&bot, cfg)
	client := telegram.NewClient(bot.TelegramToken, baseURL, func(obsCtx context.Context, method string, retryAfter int) {
		now := time.Now().UnixMilli()
		if err := st.IncrementRuntimeMetric(obsCtx, bot.BotID, "telegram_rate_limit_retry_total", now, 1); err != nil {
			botLog.WithError(err).Error("failed to increment runtime metric")
		}
		if err := st.IncrementRuntimeMetric(obsCtx, bot.BotID, "telegram_rate_limit_retry."+method, now, 1); err != nil {
			botLog.WithError(err).Error("failed to increment runtime metric")
		}
	})

	var ownerUserID *int64
	if bot.OwnerUserID != 0 {
		owner := bot.OwnerUserID
		ownerUserID = &owner
	}

	streamer := streaming.NewStreamer(client)
	handler := telegram.NewCommandHandler(telegram.CommandHandlerConfig{
		Bot: telegram.BotIdentity{
			BotID:       bot.BotID,
			BotName:     bot.Name,
			Adapter:     bot.Adapter,
			OwnerUserID: ownerUserID,
			DefaultModels: map[string]string{
				"codex":  bot.Codex.Model,
				"gemini": bot.Gemini.Model,
				"claude": bot.Claude.Model,
			},
		},
		Client:        client,
		Sessions:      service.NewSessionService(st),
		Runs:          service.NewRunService(st),
		Store:         st,
		Youtube:       service.NewYoutubeSearchService(0),
		ActionTokens:  service.NewActionTokenService(st, service.DefaultTokenTTLMS),
		ButtonPrompts: service.NewButtonPromptService(),
		Logger:        botLog,
	})

	return &botStack{
		bot:      bot,
		store:    st,
		client:   client,
		handler:  handler,
		streamer: streamer,
		baseURL:  baseURL,
		log:      botLog,
	}, nil
}

func (s *botStack) upsertBot(ctx context.Context) error {
	now := time.Now().UnixMilli()
	return s.store.UpsertBot(ctx, store.Bot{
		BotID:       s.bot.BotID,
		Name:        s.bot.Name,
		Mode:        s.bot.Mode,
		OwnerUserID: s.bot.OwnerUserID,
		AdapterName: s.bot.Adapter,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

// startWorkers launches the poller (polling mode only), the update worker,
// and the run worker on the group.
func (s *botStack) startWorkers(ctx context.Context, group *errgroup.Group, cfg *config.Config) {
	if s.bot.IngestMode() == config.IngestPolling {
		s.log.Info("polling mode enabled")
		group.Go(func() error {
			return ignoreCancel(telegram.RunPoller(ctx, telegram.PollerConfig{
				BotID:                 s.bot.BotID,
				Store:                 s.store,
				Client:                s.client,
				PollInterval:          cfg.Worker.PollInterval(),
				IgnorePersistedOffset: isLocalMockBaseURL(s.baseURL),
				Logger:                s.log,
			}))
		})
	}

	updateWorker := worker.NewUpdateWorker(worker.UpdateWorkerConfig{
		BotID:          s.bot.BotID,
		Store:          s.store,
		Handler:        s.handler,
		LeaseMS:        int64(cfg.Worker.LeaseMS),
		PollIntervalMS: int64(cfg.Worker.PollIntervalMS),
		Logger:         s.log,
	})
	group.Go(func() error {
		return ignoreCancel(updateWorker.Run(ctx))
	})

	runWorker := worker.NewRunWorker(worker.RunWorkerConfig{
		BotID:    s.bot.BotID,
		Store:    s.store,
		Streamer: s.streamer,
		Artifacts: worker.NewArtifactDeliverer(s.client, s.streamer, s.log),
		DefaultModels: map[string]string{
			"codex":  s.bot.Codex.Model,
			"gemini": s.bot.Gemini.Model,
			"claude": s.bot.Claude.Model,
		},
		DefaultSandbox: s.bot.Codex.Sandbox,
		LeaseMS:        int64(cfg.Worker.LeaseMS),
		PollIntervalMS: int64(cfg.Worker.PollIntervalMS),
		Logger:         s.log,
	})
	group.Go(func() error {
		return ignoreCancel(runWorker.Run(ctx))
	})
}

func (s *botStack) registerWebhook(ctx context.Context) {
	if err := s.client.RegisterWebhook(ctx, s.bot.Webhook.PublicURL, s.bot.Webhook.SecretToken); err != nil {
		s.log.WithError(err).Warn("webhook registration failed")
		return
	}
	s.log.Info("webhook registered")
}

// RunEmbeddedBot runs one bot as a self-contained process: its own HTTP
// server with webhook and metrics endpoints plus the ingest and run workers.
func RunEmbeddedBot(ctx context.Context, bot config.BotConfig, cfg *config.Config, host string, port int, log *logger.Logger) error {
	if log == nil {
		log = logger.Default()
	}

	stack, err := buildBotStack(ctx, bot, cfg, log)
	if err != nil {
		return err
	}
	defer stack.store.Close()

	if err := stack.upsertBot(ctx); err != nil {
		return err
	}

	if bot.IngestMode() == config.IngestWebhook {
		stack.registerWebhook(ctx)
	}

	botID := bot.BotID
	router := NewRouter(RouterConfig{
		Store: stack.store,
		LookupBot: func(requested string) *WebhookBot {
			if requested != bot.BotID {
				return nil
			}
			return &WebhookBot{
				BotID:       bot.BotID,
				PathSecret:  bot.Webhook.PathSecret,
				SecretToken: bot.Webhook.SecretToken,
			}
		},
		MetricsBotID: &botID,
		Logger:       stack.log,
	})

	group, groupCtx := errgroup.WithContext(ctx)
	stack.startWorkers(groupCtx, group, cfg)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: router,
	}
	group.Go(func() error {
		stack.log.Info("embedded server listening", zap.String("addr", server.Addr))
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// RunBotWorkersOnly runs a bot's ingest and run workers without an HTTP
// server, for bots whose webhook traffic arrives via the shared gateway.
func RunBotWorkersOnly(ctx context.Context, bot config.BotConfig, cfg *config.Config, log *logger.Logger) error {
	if log == nil {
		log = logger.Default()
	}

	stack, err := buildBotStack(ctx, bot, cfg, log)
	if err != nil {
		return err
	}
	defer stack.store.Close()

	if err := stack.upsertBot(ctx); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	stack.startWorkers(groupCtx, group, cfg)
	return group.Wait()
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func isLocalMockBaseURL(baseURL string) bool {
	normalized := strings.ToLower(strings.TrimSpace(baseURL))
	return strings.HasPrefix(normalized, "http://127.0.0.1") || strings.HasPrefix(normalized, "http://localhost")
}
