package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgbridge/tgbridge/internal/store"
	"github.com/tgbridge/tgbridge/internal/store/sqlite"
)

func newTestRouter(t *testing.T) (http.Handler, store.Store) {
	t.Helper()
	st, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	router := NewRouter(RouterConfig{
		Store: st,
		LookupBot: func(botID string) *WebhookBot {
			if botID != "bot-1" {
				return nil
			}
			return &WebhookBot{BotID: "bot-1", PathSecret: "path-secret", SecretToken: "header-secret"}
		},
	})
	return router, st
}

func postWebhook(router http.Handler, path, secretToken, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if secretToken != "" {
		req.Header.Set("X-Telegram-Bot-Api-Secret-Token", secretToken)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func counterValue(t *testing.T, st store.Store, botID, key string) int64 {
	t.Helper()
	metrics, err := st.GetMetrics(context.Background(), &botID)
	require.NoError(t, err)
	return metrics.RuntimeCounters[key]
}

func TestHealthEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, req)
		assert.Equal(t, http.StatusOK, recorder.Code)
		assert.JSONEq(t, `{"ok":true}`, recorder.Body.String())
	}
}

func TestWebhookAcceptsUpdate(t *testing.T) {
	router, st := newTestRouter(t)

	body := `{"update_id":42,"message":{"chat":{"id":100},"from":{"id":555},"text":"hi"}}`
	recorder := postWebhook(router, "/telegram/webhook/bot-1/path-secret", "header-secret", body)
	assert.Equal(t, http.StatusOK, recorder.Code)

	job, err := st.LeaseNextTelegramUpdateJob(context.Background(), "bot-1", "w1", 9_000_000_000_000, 30_000)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, int64(42), job.UpdateID)

	update, err := st.GetTelegramUpdate(context.Background(), "bot-1", 42)
	require.NoError(t, err)
	require.NotNil(t, update)
	require.NotNil(t, update.ChatID)
	assert.Equal(t, "100", *update.ChatID)

	assert.Equal(t, int64(1), counterValue(t, st, "bot-1", "webhook_accept_total"))
}

func TestWebhookDeduplicatesUpdate(t *testing.T) {
	router, st := newTestRouter(t)

	body := `{"update_id":42,"message":{"chat":{"id":100},"from":{"id":555},"text":"hi"}}`
	assert.Equal(t, http.StatusOK, postWebhook(router, "/telegram/webhook/bot-1/path-secret", "header-secret", body).Code)
	assert.Equal(t, http.StatusOK, postWebhook(router, "/telegram/webhook/bot-1/path-secret", "header-secret", body).Code)

	assert.Equal(t, int64(1), counterValue(t, st, "bot-1", "webhook_accept_total"))
	assert.Equal(t, int64(1), counterValue(t, st, "bot-1", "webhook_duplicate_update"))
}

func TestWebhookRejectsUnknownBot(t *testing.T) {
	router, st := newTestRouter(t)

	recorder := postWebhook(router, "/telegram/webhook/ghost/path-secret", "header-secret", `{"update_id":1}`)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
	assert.Equal(t, int64(1), counterValue(t, st, GlobalMetricsBotID, "webhook_reject_unknown_bot"))
}

func TestWebhookRejectsBadSecrets(t *testing.T) {
	router, st := newTestRouter(t)

	recorder := postWebhook(router, "/telegram/webhook/bot-1/wrong", "header-secret", `{"update_id":1}`)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.Equal(t, int64(1), counterValue(t, st, "bot-1", "webhook_reject_invalid_path_secret"))

	recorder = postWebhook(router, "/telegram/webhook/bot-1/path-secret", "wrong", `{"update_id":1}`)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.Equal(t, int64(1), counterValue(t, st, "bot-1", "webhook_reject_invalid_secret_token"))
}

func TestWebhookRejectsInvalidPayloads(t *testing.T) {
	router, st := newTestRouter(t)

	cases := []string{
		`garbage`,
		`{"no_update_id":true}`,
		`{"update_id":"42"}`,
		`{"update_id":4.5}`,
	}
	for _, body := range cases {
		recorder := postWebhook(router, "/telegram/webhook/bot-1/path-secret", "header-secret", body)
		assert.Equal(t, http.StatusBadRequest, recorder.Code, body)
	}
	assert.Equal(t, int64(4), counterValue(t, st, "bot-1", "webhook_reject_invalid_update"))
}

func TestMetricsEndpoint(t *testing.T) {
	router, st := newTestRouter(t)
	require.NoError(t, st.IncrementRuntimeMetric(context.Background(), "bot-1", "webhook_accept_total", 1000, 3))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	require.Equal(t, http.StatusOK, recorder.Code)

	var metrics store.Metrics
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &metrics))
	assert.Equal(t, int64(3), metrics.RuntimeCounters["webhook_accept_total"])
}

func TestWebhookUpdateID(t *testing.T) {
	id, ok := webhookUpdateID(json.Number("42"))
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)

	_, ok = webhookUpdateID(json.Number("4.5"))
	assert.False(t, ok)

	id, ok = webhookUpdateID(float64(7))
	assert.True(t, ok)
	assert.Equal(t, int64(7), id)

	_, ok = webhookUpdateID("42")
	assert.False(t, ok)

	_, ok = webhookUpdateID(nil)
	assert.False(t, ok)
}
