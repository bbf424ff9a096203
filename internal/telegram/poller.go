package telegram

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/tgbridge/tgbridge/internal/common/logger"
	"github.com/tgbridge/tgbridge/internal/store"
)

const (
	pollTimeoutSec = 25
	pollLimit      = 100
)

// PollerConfig wires one bot's long-polling loop.
type PollerConfig struct {
	BotID        string
	Store        store.Store
	Client       *Client
	PollInterval time.Duration

	// IgnorePersistedOffset restarts ingestion from scratch. Local mock
	// servers can be recreated with update_id reset to low values, and stale
	// (bot_id, update_id) rows would otherwise drop newly delivered updates.
	IgnorePersistedOffset bool

	Logger *logger.Logger
}

// RunPoller long-polls getUpdates, persists each new update, and enqueues an
// ingest job for it. Runs until ctx is cancelled.
func RunPoller(ctx context.Context, cfg PollerConfig) error {
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	log = log.WithBotID(cfg.BotID)

	if cfg.IgnorePersistedOffset {
		if err := cfg.Store.ResetTelegramIngestState(ctx, cfg.BotID); err != nil {
			return err
		}
		log.Info("poller using fresh offset, ingest state cleared")
	}

	if err := cfg.Client.DeleteWebhook(ctx, false); err != nil {
		log.WithError(err).Warn("poller deleteWebhook failed")
	}

	var offset *int64
	if !cfg.IgnorePersistedOffset {
		lastSeen, err := cfg.Store.GetMaxTelegramUpdateID(ctx, cfg.BotID)
		if err != nil {
			return err
		}
		if lastSeen != nil {
			next := *lastSeen + 1
			offset = &next
		}
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		updates, err := cfg.Client.GetUpdates(ctx, offset, pollTimeoutSec, pollLimit)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("telegram poller stopping")
				return ctx.Err()
			}
			log.WithError(err).Warn("telegram poller loop error")
			if err := sleepCtx(ctx, time.Second); err != nil {
				return err
			}
			continue
		}
		if len(updates) == 0 {
			if err := sleepCtx(ctx, cfg.PollInterval); err != nil {
				return err
			}
			continue
		}

		for _, update := range updates {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			updateID, ok := asInt64(update["update_id"])
			if !ok {
				continue
			}

			now := time.Now().UnixMilli()
			payload, err := json.Marshal(update)
			if err != nil {
				log.WithError(err).Warn("skip unencodable update", zap.Int64("update_id", updateID))
				continue
			}
			accepted, err := cfg.Store.InsertTelegramUpdate(ctx, cfg.BotID, updateID, ExtractChatID(update), string(payload), now)
			if err != nil {
				log.WithError(err).Warn("persist update failed", zap.Int64("update_id", updateID))
				continue
			}
			if accepted {
				if err := cfg.Store.EnqueueTelegramUpdateJob(ctx, cfg.BotID, updateID, now); err != nil {
					log.WithError(err).Warn("enqueue update job failed", zap.Int64("update_id", updateID))
				}
			}

			if offset == nil || updateID >= *offset {
				next := updateID + 1
				offset = &next
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
