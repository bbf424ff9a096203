package telegram

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgbridge/tgbridge/internal/service"
	"github.com/tgbridge/tgbridge/internal/store"
	"github.com/tgbridge/tgbridge/internal/store/sqlite"
)

type fakeCommandClient struct {
	sent      []SendMessageParams
	callbacks []string
}

func (f *fakeCommandClient) Send(ctx context.Context, params SendMessageParams) (int64, error) {
	f.sent = append(f.sent, params)
	return int64(len(f.sent)), nil
}

func (f *fakeCommandClient) SendMessage(ctx context.Context, chatID, text, parseMode string) (int64, error) {
	return f.Send(ctx, SendMessageParams{ChatID: chatID, Text: text, ParseMode: parseMode})
}

func (f *fakeCommandClient) AnswerCallbackQuery(ctx context.Context, callbackQueryID, text string) error {
	f.callbacks = append(f.callbacks, text)
	return nil
}

func (f *fakeCommandClient) lastText(t *testing.T) string {
	t.Helper()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1].Text
}

func newTestHandler(t *testing.T) (*CommandHandler, *fakeCommandClient, store.Store) {
	t.Helper()
	st, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	owner := int64(555)
	client := &fakeCommandClient{}
	handler := NewCommandHandler(CommandHandlerConfig{
		Bot: BotIdentity{
			BotID:       "bot-1",
			BotName:     "testbot",
			Adapter:     "codex",
			OwnerUserID: &owner,
			DefaultModels: map[string]string{
				"codex":  "gpt-5.2-codex",
				"gemini": "gemini-2.5-pro",
				"claude": "claude-sonnet-4-5",
			},
		},
		Client:        client,
		Sessions:      service.NewSessionService(st),
		Runs:          service.NewRunService(st),
		Store:         st,
		ActionTokens:  service.NewActionTokenService(st, service.DefaultTokenTTLMS),
		ButtonPrompts: service.NewButtonPromptService(),
	})
	return handler, client, st
}

func messagePayload(updateID, chatID, userID int64, text string) map[string]any {
	return map[string]any{
		"update_id": float64(updateID),
		"message": map[string]any{
			"message_id": float64(1),
			"chat":       map[string]any{"id": float64(chatID)},
			"from":       map[string]any{"id": float64(userID)},
			"text":       text,
		},
	}
}

func callbackPayload(updateID, chatID, userID int64, data string) map[string]any {
	return map[string]any{
		"update_id": float64(updateID),
		"callback_query": map[string]any{
			"id":      fmt.Sprintf("cb-%d", updateID),
			"from":    map[string]any{"id": float64(userID)},
			"data":    data,
			"message": map[string]any{"message_id": float64(2), "chat": map[string]any{"id": float64(chatID)}},
		},
	}
}

func TestHandlerRejectsNonOwner(t *testing.T) {
	handler, client, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(1, 100, 999, "hi"), 1000))
	assert.Equal(t, "Access denied: owner only.", client.lastText(t))

	require.NoError(t, handler.HandleUpdatePayload(ctx, callbackPayload(2, 100, 999, "act:x"), 1000))
	assert.Equal(t, []string{"Access denied"}, client.callbacks)
}

func TestHandlerFreeTextEnqueuesTurn(t *testing.T) {
	handler, client, st := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(1, 100, 555, "do something"), 1000))

	last := client.sent[len(client.sent)-1]
	assert.True(t, strings.HasPrefix(last.Text, "Queued turn: "))
	assert.Contains(t, last.Text, "agent=codex")
	require.NotNil(t, last.ReplyMarkup)
	require.Len(t, last.ReplyMarkup.InlineKeyboard, 2)
	assert.Equal(t, "요약", last.ReplyMarkup.InlineKeyboard[0][0].Text)
	assert.True(t, strings.HasPrefix(last.ReplyMarkup.InlineKeyboard[0][0].CallbackData, "act:"))

	active, err := st.HasActiveRun(ctx, "bot-1", "100")
	require.NoError(t, err)
	assert.True(t, active)

	// A second message while the run is active is rejected.
	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(2, 100, 555, "more"), 2000))
	assert.Equal(t, "A run is already active in this chat. Use /stop first.", client.lastText(t))
}

func TestHandlerStopCommand(t *testing.T) {
	handler, client, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(1, 100, 555, "/stop"), 1000))
	assert.Equal(t, "No active run.", client.lastText(t))

	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(2, 100, 555, "work"), 2000))
	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(3, 100, 555, "/stop"), 3000))
	assert.Equal(t, "Stop requested.", client.lastText(t))
}

func TestHandlerModeSwitch(t *testing.T) {
	handler, client, st := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(1, 100, 555, "/mode"), 1000))
	assert.Contains(t, client.lastText(t), "usage: /mode <codex|gemini|claude>")

	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(2, 100, 555, "/mode whisper"), 2000))
	assert.Contains(t, client.lastText(t), "Unsupported provider: whisper")

	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(3, 100, 555, "/mode gemini"), 3000))
	reply := client.lastText(t)
	assert.Contains(t, reply, "mode switched: codex -> gemini")
	assert.Contains(t, reply, "context continuity: rolling summary retained, provider thread reset.")

	session, err := st.GetActiveSession(ctx, "bot-1", "100")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "gemini", session.AdapterName)

	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(4, 100, 555, "/mode gemini"), 4000))
	assert.Equal(t, "mode unchanged: adapter=gemini", client.lastText(t))

	botID := "bot-1"
	metrics, err := st.GetMetrics(ctx, &botID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), metrics.RuntimeCounters["provider_switch_total.gemini"])
}

func TestHandlerModeBlockedDuringActiveRun(t *testing.T) {
	handler, client, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(1, 100, 555, "work"), 1000))
	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(2, 100, 555, "/mode gemini"), 2000))
	assert.Equal(t, "A run is active. Use /stop first, then retry /mode.", client.lastText(t))
}

func TestHandlerModelCommand(t *testing.T) {
	handler, client, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(1, 100, 555, "/model"), 1000))
	assert.Contains(t, client.lastText(t), "usage: /model <model-name>")

	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(2, 100, 555, "/model gpt-4"), 2000))
	assert.Contains(t, client.lastText(t), "Unsupported model for codex: gpt-4")

	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(3, 100, 555, "/model gpt-5"), 3000))
	assert.Contains(t, client.lastText(t), "model updated: gpt-5.2-codex -> gpt-5")
}

func TestHandlerProjectCommand(t *testing.T) {
	handler, client, st := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(1, 100, 555, "/project"), 1000))
	reply := client.lastText(t)
	assert.Contains(t, reply, "project=none")
	assert.Contains(t, reply, "usage: /project <dir> | /project off")

	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(2, 100, 555, "/project /srv/work"), 2000))
	assert.Contains(t, client.lastText(t), "project root set: /srv/work")

	session, err := st.GetActiveSession(ctx, "bot-1", "100")
	require.NoError(t, err)
	require.NotNil(t, session.ProjectRoot)
	assert.Equal(t, "/srv/work", *session.ProjectRoot)

	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(3, 100, 555, "/status"), 3000))
	assert.Contains(t, client.lastText(t), "project=/srv/work")

	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(4, 100, 555, "/project off"), 4000))
	assert.Contains(t, client.lastText(t), "project root cleared.")

	session, err = st.GetActiveSession(ctx, "bot-1", "100")
	require.NoError(t, err)
	assert.Nil(t, session.ProjectRoot)
}

func TestHandlerProjectBlockedDuringActiveRun(t *testing.T) {
	handler, client, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(1, 100, 555, "work"), 1000))
	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(2, 100, 555, "/project /srv/work"), 2000))
	assert.Equal(t, "A run is active. Use /stop first, then retry /project.", client.lastText(t))
}

func TestHandlerUnsafeCommand(t *testing.T) {
	handler, client, st := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(1, 100, 555, "/unsafe"), 1000))
	assert.Equal(t, "usage: /unsafe on [minutes] | off", client.lastText(t))

	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(2, 100, 555, "/unsafe on nope"), 2000))
	assert.Equal(t, "usage: /unsafe on [minutes] | off", client.lastText(t))

	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(3, 100, 555, "/unsafe on 30"), 3000))
	reply := client.lastText(t)
	assert.Contains(t, reply, "unsafe mode on for 30 minutes")
	assert.Contains(t, reply, "unsafe_until=1803000")

	session, err := st.GetActiveSession(ctx, "bot-1", "100")
	require.NoError(t, err)
	require.NotNil(t, session.UnsafeUntil)
	assert.Equal(t, int64(3000+30*60_000), *session.UnsafeUntil)

	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(4, 100, 555, "/status"), 4000))
	assert.Contains(t, client.lastText(t), "unsafe_until=1803000")

	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(5, 100, 555, "/unsafe off"), 5000))
	assert.Contains(t, client.lastText(t), "unsafe mode off.")

	session, err = st.GetActiveSession(ctx, "bot-1", "100")
	require.NoError(t, err)
	assert.Nil(t, session.UnsafeUntil)

	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(6, 100, 555, "/status"), 6000))
	assert.Contains(t, client.lastText(t), "unsafe_until=none")
}

func TestHandlerUnsafeBlockedDuringActiveRun(t *testing.T) {
	handler, client, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(1, 100, 555, "work"), 1000))
	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(2, 100, 555, "/unsafe on"), 2000))
	assert.Equal(t, "A run is active. Use /stop first, then retry /unsafe.", client.lastText(t))
}

func TestHandlerUnknownCommand(t *testing.T) {
	handler, client, _ := newTestHandler(t)

	require.NoError(t, handler.HandleUpdatePayload(context.Background(),
		messagePayload(1, 100, 555, "/frobnicate"), 1000))
	assert.Contains(t, client.lastText(t), "Unknown command: /frobnicate")
	assert.Contains(t, client.lastText(t), "/providers")
}

func TestHandlerStatusAndNew(t *testing.T) {
	handler, client, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(1, 100, 555, "/status"), 1000))
	assert.Equal(t, "No session yet. Send a message to start.", client.lastText(t))

	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(2, 100, 555, "/new"), 2000))
	assert.Contains(t, client.lastText(t), "New session created:")

	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(3, 100, 555, "/status"), 3000))
	status := client.lastText(t)
	assert.Contains(t, status, "adapter=codex")
	assert.Contains(t, status, "thread=none")
	assert.Contains(t, status, "summary=none")
}

func TestHandlerCallbackStopAction(t *testing.T) {
	handler, client, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(1, 100, 555, "work"), 1000))
	markup := client.sent[len(client.sent)-1].ReplyMarkup
	require.NotNil(t, markup)
	stopData := markup.InlineKeyboard[1][1].CallbackData

	require.NoError(t, handler.HandleUpdatePayload(ctx, callbackPayload(2, 100, 555, stopData), 2000))
	assert.Equal(t, []string{"Stopping..."}, client.callbacks)

	// The token is single use.
	require.NoError(t, handler.HandleUpdatePayload(ctx, callbackPayload(3, 100, 555, stopData), 3000))
	assert.Equal(t, "Action expired or already used", client.callbacks[len(client.callbacks)-1])
}

func TestHandlerCallbackDefersWhileRunActive(t *testing.T) {
	handler, client, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(1, 100, 555, "work"), 1000))
	markup := client.sent[len(client.sent)-1].ReplyMarkup
	require.NotNil(t, markup)
	summaryData := markup.InlineKeyboard[0][0].CallbackData

	require.NoError(t, handler.HandleUpdatePayload(ctx, callbackPayload(2, 100, 555, summaryData), 2000))
	assert.Equal(t, []string{"Queued after current run"}, client.callbacks)
	assert.Equal(t, "[button] queued summary action.", client.lastText(t))
}

func TestHandlerCallbackStartsActionWhenIdle(t *testing.T) {
	handler, client, st := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, handler.HandleUpdatePayload(ctx, messagePayload(1, 100, 555, "work"), 1000))
	markup := client.sent[len(client.sent)-1].ReplyMarkup
	require.NotNil(t, markup)
	regenData := markup.InlineKeyboard[0][1].CallbackData

	// Finish the active run so the action starts immediately.
	cancelled, err := st.CancelActiveTurn(ctx, "bot-1", "100", 1500)
	require.NoError(t, err)
	require.NotNil(t, cancelled)

	require.NoError(t, handler.HandleUpdatePayload(ctx, callbackPayload(2, 100, 555, regenData), 2000))
	assert.Equal(t, []string{"Started"}, client.callbacks)
	assert.Contains(t, client.lastText(t), "[button] queued regen: ")

	active, err := st.HasActiveRun(ctx, "bot-1", "100")
	require.NoError(t, err)
	assert.True(t, active)
}

func TestHandlerLegacyStopCallback(t *testing.T) {
	handler, client, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, handler.HandleUpdatePayload(ctx, callbackPayload(1, 100, 555, "stop_run"), 1000))
	assert.Equal(t, []string{"No active run"}, client.callbacks)
}

func TestHandlerUnsupportedCallbackData(t *testing.T) {
	handler, client, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, handler.HandleUpdatePayload(ctx, callbackPayload(1, 100, 555, "mystery"), 1000))
	assert.Equal(t, []string{"Unsupported action"}, client.callbacks)
}
