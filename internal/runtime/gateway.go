package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tgbridge/tgbridge/internal/common/config"
	"github.com/tgbridge/tgbridge/internal/common/logger"
	"github.com/tgbridge/tgbridge/internal/persistence"
	"github.com/tgbridge/tgbridge/internal/store"
	"github.com/tgbridge/tgbridge/internal/telegram"
)

// RunGateway serves the shared webhook endpoint for all gateway-mode bots.
// Workers for those bots run in separate processes against the same database.
func RunGateway(ctx context.Context, bots []config.BotConfig, cfg *config.Config, host string, port int, log *logger.Logger) error {
	if log == nil {
		log = logger.Default()
	}
	if len(bots) == 0 {
		return fmt.Errorf("gateway mode requires at least one bot")
	}

	st, err := persistence.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return fmt.Errorf("open gateway database: %w", err)
	}
	defer st.Close()

	botMap := make(map[string]config.BotConfig, len(bots))
	for _, bot := range bots {
		botMap[bot.BotID] = bot

		now := time.Now().UnixMilli()
		if err := st.UpsertBot(ctx, store.Bot{
			BotID:       bot.BotID,
			Name:        bot.Name,
			Mode:        bot.Mode,
			OwnerUserID: bot.OwnerUserID,
			AdapterName: bot.Adapter,
			CreatedAt:   now,
			UpdatedAt:   now,
		}); err != nil {
			return err
		}

		if bot.IngestMode() == config.IngestWebhook {
			registerGatewayWebhook(ctx, st, bot, cfg, log)
		} else {
			log.Info("polling mode, webhook registration skipped", zap.String("bot_id", bot.BotID))
		}
	}

	router := NewRouter(RouterConfig{
		Store: st,
		LookupBot: func(botID string) *WebhookBot {
			bot, ok := botMap[botID]
			if !ok {
				return nil
			}
			return &WebhookBot{
				BotID:       bot.BotID,
				PathSecret:  bot.Webhook.PathSecret,
				SecretToken: bot.Webhook.SecretToken,
			}
		},
		MetricsBotID: nil,
		Logger:       log,
	})

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: router,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("gateway server listening", zap.String("addr", server.Addr))
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

func registerGatewayWebhook(ctx context.Context, st store.Store, bot config.BotConfig, cfg *config.Config, log *logger.Logger) {
	client := telegram.NewClient(bot.TelegramToken, config.ResolveTelegramAPIBaseURL(&bot, cfg),
		func(obsCtx context.Context, method string, retryAfter int) {
			now := time.Now().UnixMilli()
			if err := st.IncrementRuntimeMetric(obsCtx, bot.BotID, "telegram_rate_limit_retry_total", now, 1); err != nil {
				log.WithError(err).Error("failed to increment runtime metric")
			}
			if err := st.IncrementRuntimeMetric(obsCtx, bot.BotID, "telegram_rate_limit_retry."+method, now, 1); err != nil {
				log.WithError(err).Error("failed to increment runtime metric")
			}
		})
	if err := client.RegisterWebhook(ctx, bot.Webhook.PublicURL, bot.Webhook.SecretToken); err != nil {
		log.WithError(err).Warn("gateway webhook registration failed", zap.String("bot_id", bot.BotID))
		return
	}
	log.Info("gateway webhook registered", zap.String("bot_id", bot.BotID))
}
