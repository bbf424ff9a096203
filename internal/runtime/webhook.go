// Package runtime assembles the deployable processes: the embedded per-bot
// server, the shared webhook gateway, and the supervisor that keeps them
// running.
package runtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tgbridge/tgbridge/internal/common/logger"
	"github.com/tgbridge/tgbridge/internal/store"
	"github.com/tgbridge/tgbridge/internal/telegram"
)

// GlobalMetricsBotID scopes counters that cannot be attributed to a bot, such
// as webhook posts for unknown bot ids.
const GlobalMetricsBotID = "__global__"

// WebhookBot is the secret material the webhook endpoint validates against.
type WebhookBot struct {
	BotID       string
	PathSecret  string
	SecretToken string
}

// RouterConfig wires the shared HTTP surface.
type RouterConfig struct {
	Store store.Store

	// LookupBot returns the bot for a webhook path segment, or nil.
	LookupBot func(botID string) *WebhookBot

	// MetricsBotID scopes GET /metrics to one bot; nil aggregates all bots.
	MetricsBotID *string

	Logger *logger.Logger
}

// NewRouter builds the gin engine serving health, metrics, the Telegram
// webhook, and the live turn event tail.
func NewRouter(cfg RouterConfig) *gin.Engine {
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	router.GET("/readyz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	router.GET("/metrics", func(c *gin.Context) {
		metrics, err := cfg.Store.GetMetrics(c.Request.Context(), cfg.MetricsBotID)
		if err != nil {
			log.WithError(err).Error("metrics query failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "metrics unavailable"})
			return
		}
		c.JSON(http.StatusOK, metrics)
	})

	router.POST("/telegram/webhook/:bot_id/:path_secret", webhookHandler(cfg, log))
	router.GET("/ws/turns/:turn_id", turnTailHandler(cfg.Store, log))

	return router
}

func webhookHandler(cfg RouterConfig, log *logger.Logger) gin.HandlerFunc {
	incMetric := func(c *gin.Context, botID, metricKey string) {
		if err := cfg.Store.IncrementRuntimeMetric(c.Request.Context(), botID, metricKey, time.Now().UnixMilli(), 1); err != nil {
			log.WithError(err).Error("failed to increment runtime metric", zap.String("metric", metricKey))
		}
	}

	return func(c *gin.Context) {
		botID := c.Param("bot_id")
		pathSecret := c.Param("path_secret")

		bot := cfg.LookupBot(botID)
		if bot == nil {
			incMetric(c, GlobalMetricsBotID, "webhook_reject_unknown_bot")
			c.JSON(http.StatusNotFound, gin.H{"error": "bot not found"})
			return
		}
		if bot.PathSecret != "" && pathSecret != bot.PathSecret {
			incMetric(c, bot.BotID, "webhook_reject_invalid_path_secret")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid path secret"})
			return
		}
		if bot.SecretToken != "" && c.GetHeader("X-Telegram-Bot-Api-Secret-Token") != bot.SecretToken {
			incMetric(c, bot.BotID, "webhook_reject_invalid_secret_token")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid secret token"})
			return
		}

		var payload map[string]any
		decoder := json.NewDecoder(c.Request.Body)
		decoder.UseNumber()
		if err := decoder.Decode(&payload); err != nil || payload == nil {
			incMetric(c, bot.BotID, "webhook_reject_invalid_update")
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}

		updateID, ok := webhookUpdateID(payload["update_id"])
		if !ok {
			incMetric(c, bot.BotID, "webhook_reject_invalid_update")
			c.JSON(http.StatusBadRequest, gin.H{"error": "update_id is required"})
			return
		}

		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			incMetric(c, bot.BotID, "webhook_reject_invalid_update")
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}

		now := time.Now().UnixMilli()
		accepted, err := cfg.Store.InsertTelegramUpdate(c.Request.Context(), bot.BotID, updateID,
			telegram.ExtractChatID(payload), string(payloadJSON), now)
		if err != nil {
			log.WithError(err).Error("webhook update insert failed",
				zap.String("bot_id", bot.BotID), zap.Int64("update_id", updateID))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
			return
		}

		if accepted {
			if err := cfg.Store.EnqueueTelegramUpdateJob(c.Request.Context(), bot.BotID, updateID, now); err != nil {
				log.WithError(err).Error("webhook job enqueue failed",
					zap.String("bot_id", bot.BotID), zap.Int64("update_id", updateID))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
				return
			}
			incMetric(c, bot.BotID, "webhook_accept_total")
		} else {
			incMetric(c, bot.BotID, "webhook_duplicate_update")
		}

		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func webhookUpdateID(value any) (int64, bool) {
	switch v := value.(type) {
	case json.Number:
		id, err := v.Int64()
		return id, err == nil
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}
