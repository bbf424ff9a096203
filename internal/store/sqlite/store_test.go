package sqlite

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgbridge/tgbridge/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestSession(t *testing.T, s *Store, botID, chatID string) *store.Session {
	t.Helper()
	session, err := s.GetOrCreateActiveSession(context.Background(), store.NewSessionParams{
		BotID:       botID,
		ChatID:      chatID,
		AdapterName: "codex",
		Now:         1000,
	})
	require.NoError(t, err)
	return session
}

func TestCreateTurnAndJobRejectsSecondActiveRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := newTestSession(t, s, "bot-1", "100")

	turnID, err := s.CreateTurnAndJob(ctx, session.SessionID, "bot-1", "100", "first", 1000)
	require.NoError(t, err)
	require.NotEmpty(t, turnID)

	_, err = s.CreateTurnAndJob(ctx, session.SessionID, "bot-1", "100", "second", 1001)
	require.ErrorIs(t, err, store.ErrActiveRunExists)

	// Another chat is unaffected.
	other := newTestSession(t, s, "bot-1", "200")
	_, err = s.CreateTurnAndJob(ctx, other.SessionID, "bot-1", "200", "elsewhere", 1002)
	require.NoError(t, err)
}

func TestLeaseNextRunJobIsFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	first := newTestSession(t, s, "bot-1", "100")
	second := newTestSession(t, s, "bot-1", "200")

	firstTurn, err := s.CreateTurnAndJob(ctx, first.SessionID, "bot-1", "100", "a", 1000)
	require.NoError(t, err)
	secondTurn, err := s.CreateTurnAndJob(ctx, second.SessionID, "bot-1", "200", "b", 2000)
	require.NoError(t, err)

	job, err := s.LeaseNextRunJob(ctx, "bot-1", "w1", 3000, 60_000)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, firstTurn, job.TurnID)

	job, err = s.LeaseNextRunJob(ctx, "bot-1", "w1", 3000, 60_000)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, secondTurn, job.TurnID)

	job, err = s.LeaseNextRunJob(ctx, "bot-1", "w1", 3000, 60_000)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestLeaseNextRunJobReclaimsExpiredLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := newTestSession(t, s, "bot-1", "100")

	turnID, err := s.CreateTurnAndJob(ctx, session.SessionID, "bot-1", "100", "hi", 1000)
	require.NoError(t, err)

	job, err := s.LeaseNextRunJob(ctx, "bot-1", "w1", 1000, 500)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, s.MarkRunInFlight(ctx, job.ID, turnID, 1100))

	// Lease still valid: no job available.
	reclaimed, err := s.LeaseNextRunJob(ctx, "bot-1", "w2", 1400, 500)
	require.NoError(t, err)
	assert.Nil(t, reclaimed)

	// Lease expired: same job is claimable again and its turn restarts clean.
	reclaimed, err = s.LeaseNextRunJob(ctx, "bot-1", "w2", 1600, 500)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, job.ID, reclaimed.ID)

	turn, err := s.GetTurn(ctx, turnID)
	require.NoError(t, err)
	require.NotNil(t, turn)
	assert.Equal(t, store.StatusQueued, turn.Status)
}

func TestRenewRunJobLeaseKeepsJobClaimed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := newTestSession(t, s, "bot-1", "100")

	_, err := s.CreateTurnAndJob(ctx, session.SessionID, "bot-1", "100", "hi", 1000)
	require.NoError(t, err)
	job, err := s.LeaseNextRunJob(ctx, "bot-1", "w1", 1000, 500)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, s.RenewRunJobLease(ctx, job.ID, 1400, 500))

	stolen, err := s.LeaseNextRunJob(ctx, "bot-1", "w2", 1600, 500)
	require.NoError(t, err)
	assert.Nil(t, stolen)
}

func TestFailRunJobAndTurnTruncatesError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := newTestSession(t, s, "bot-1", "100")

	turnID, err := s.CreateTurnAndJob(ctx, session.SessionID, "bot-1", "100", "hi", 1000)
	require.NoError(t, err)
	job, err := s.LeaseNextRunJob(ctx, "bot-1", "w1", 1000, 60_000)
	require.NoError(t, err)
	require.NotNil(t, job)

	longError := strings.Repeat("x", 5000)
	require.NoError(t, s.FailRunJobAndTurn(ctx, job.ID, turnID, longError, 2000))

	turn, err := s.GetTurn(ctx, turnID)
	require.NoError(t, err)
	require.NotNil(t, turn)
	assert.Equal(t, store.StatusFailed, turn.Status)
	require.NotNil(t, turn.ErrorText)
	assert.Len(t, *turn.ErrorText, store.MaxTurnErrorLen)

	// Failure is terminal: never re-leased.
	reclaimed, err := s.LeaseNextRunJob(ctx, "bot-1", "w1", 9_000_000, 60_000)
	require.NoError(t, err)
	assert.Nil(t, reclaimed)
}

func TestCancelActiveTurn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := newTestSession(t, s, "bot-1", "100")

	turnID, err := s.CreateTurnAndJob(ctx, session.SessionID, "bot-1", "100", "hi", 1000)
	require.NoError(t, err)

	cancelled, err := s.CancelActiveTurn(ctx, "bot-1", "100", 2000)
	require.NoError(t, err)
	require.NotNil(t, cancelled)
	assert.Equal(t, turnID, *cancelled)

	isCancelled, err := s.IsTurnCancelled(ctx, turnID)
	require.NoError(t, err)
	assert.True(t, isCancelled)

	active, err := s.HasActiveRun(ctx, "bot-1", "100")
	require.NoError(t, err)
	assert.False(t, active)

	// Nothing left to cancel.
	cancelled, err = s.CancelActiveTurn(ctx, "bot-1", "100", 3000)
	require.NoError(t, err)
	assert.Nil(t, cancelled)
}

func TestCompleteRunJobAndTurn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := newTestSession(t, s, "bot-1", "100")

	turnID, err := s.CreateTurnAndJob(ctx, session.SessionID, "bot-1", "100", "hi", 1000)
	require.NoError(t, err)
	job, err := s.LeaseNextRunJob(ctx, "bot-1", "w1", 1000, 60_000)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, s.CompleteRunJobAndTurn(ctx, job.ID, turnID, "done", 2000))

	turn, err := s.GetTurn(ctx, turnID)
	require.NoError(t, err)
	require.NotNil(t, turn)
	assert.Equal(t, store.StatusCompleted, turn.Status)
	require.NotNil(t, turn.AssistantText)
	assert.Equal(t, "done", *turn.AssistantText)

	latest, err := s.GetLatestCompletedTurn(ctx, session.SessionID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, turnID, latest.TurnID)

	// A completed run frees the active-run slot.
	_, err = s.CreateTurnAndJob(ctx, session.SessionID, "bot-1", "100", "next", 3000)
	require.NoError(t, err)
}

func TestSessionsExclusiveActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := newTestSession(t, s, "bot-1", "100")
	again := newTestSession(t, s, "bot-1", "100")
	assert.Equal(t, first.SessionID, again.SessionID)

	fresh, err := s.CreateFreshSession(ctx, store.NewSessionParams{
		BotID:       "bot-1",
		ChatID:      "100",
		AdapterName: "gemini",
		Now:         2000,
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, fresh.SessionID)

	active, err := s.GetActiveSession(ctx, "bot-1", "100")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, fresh.SessionID, active.SessionID)

	old, err := s.GetSession(ctx, first.SessionID)
	require.NoError(t, err)
	require.NotNil(t, old)
	assert.Equal(t, store.SessionReset, old.Status)
}

func TestSetSessionAdapterClearsThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := newTestSession(t, s, "bot-1", "100")

	threadID := "thread-abc"
	require.NoError(t, s.SetSessionThreadID(ctx, session.SessionID, &threadID, 2000))

	loaded, err := s.GetSession(ctx, session.SessionID)
	require.NoError(t, err)
	require.NotNil(t, loaded.AdapterThreadID)

	model := "gemini-2.5-pro"
	require.NoError(t, s.SetSessionAdapter(ctx, session.SessionID, "gemini", &model, 3000))

	loaded, err = s.GetSession(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "gemini", loaded.AdapterName)
	assert.Nil(t, loaded.AdapterThreadID)
	require.NotNil(t, loaded.AdapterModel)
	assert.Equal(t, model, *loaded.AdapterModel)
}

func TestSetSessionProjectRootAndUnsafeUntil(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := newTestSession(t, s, "bot-1", "100")

	threadID := "thread-abc"
	require.NoError(t, s.SetSessionThreadID(ctx, session.SessionID, &threadID, 1500))

	root := "/home/user/project"
	require.NoError(t, s.SetSessionProjectRoot(ctx, session.SessionID, &root, 2000))
	until := int64(5_000_000)
	require.NoError(t, s.SetSessionUnsafeUntil(ctx, session.SessionID, &until, 2100))

	loaded, err := s.GetSession(ctx, session.SessionID)
	require.NoError(t, err)
	require.NotNil(t, loaded.ProjectRoot)
	assert.Equal(t, root, *loaded.ProjectRoot)
	require.NotNil(t, loaded.UnsafeUntil)
	assert.Equal(t, until, *loaded.UnsafeUntil)
	assert.Equal(t, store.SessionActive, loaded.Status)
	// Unlike adapter/model switches, the provider thread survives.
	require.NotNil(t, loaded.AdapterThreadID)
	assert.Equal(t, threadID, *loaded.AdapterThreadID)

	require.NoError(t, s.SetSessionProjectRoot(ctx, session.SessionID, nil, 3000))
	require.NoError(t, s.SetSessionUnsafeUntil(ctx, session.SessionID, nil, 3100))

	loaded, err = s.GetSession(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Nil(t, loaded.ProjectRoot)
	assert.Nil(t, loaded.UnsafeUntil)

	// Setting on an unknown session is a silent no-op.
	require.NoError(t, s.SetSessionProjectRoot(ctx, "no-such-session", &root, 3200))
}

func TestUpsertSessionSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := newTestSession(t, s, "bot-1", "100")
	turnID, err := s.CreateTurnAndJob(ctx, session.SessionID, "bot-1", "100", "hi", 1000)
	require.NoError(t, err)

	require.NoError(t, s.UpsertSessionSummary(ctx, session.SessionID, "bot-1", turnID, "## Goal\n- do things", 2000))

	loaded, err := s.GetSession(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "## Goal\n- do things", loaded.RollingSummaryMD)
	assert.Equal(t, store.SessionActive, loaded.Status)
	require.NotNil(t, loaded.LastTurnAt)
	assert.Equal(t, int64(2000), *loaded.LastTurnAt)
}

func TestActionTokenSingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateActionToken(ctx, store.ActionToken{
		Token:       "tok1",
		BotID:       "bot-1",
		ChatID:      "100",
		Action:      "summary",
		PayloadJSON: `{"action_type":"summary"}`,
		ExpiresAt:   5000,
		CreatedAt:   1000,
	}))

	consumed, err := s.ConsumeActionToken(ctx, "tok1", "bot-1", "100", 2000)
	require.NoError(t, err)
	require.NotNil(t, consumed)
	assert.Equal(t, "summary", consumed.Action)

	again, err := s.ConsumeActionToken(ctx, "tok1", "bot-1", "100", 2100)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestActionTokenExpiryAndChatBinding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateActionToken(ctx, store.ActionToken{
		Token:       "tok2",
		BotID:       "bot-1",
		ChatID:      "100",
		Action:      "regen",
		PayloadJSON: `{}`,
		ExpiresAt:   5000,
		CreatedAt:   1000,
	}))

	// Wrong chat.
	consumed, err := s.ConsumeActionToken(ctx, "tok2", "bot-1", "999", 2000)
	require.NoError(t, err)
	assert.Nil(t, consumed)

	// Expired.
	consumed, err = s.ConsumeActionToken(ctx, "tok2", "bot-1", "100", 6000)
	require.NoError(t, err)
	assert.Nil(t, consumed)
}

func TestDeferredActionsCapAndPromotionOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := newTestSession(t, s, "bot-1", "100")

	enqueue := func(actionType string, now int64) {
		_, err := s.EnqueueDeferredButtonAction(ctx, store.DeferredActionParams{
			BotID:        "bot-1",
			ChatID:       "100",
			SessionID:    session.SessionID,
			ActionType:   actionType,
			PromptText:   "prompt " + actionType,
			OriginTurnID: "origin",
			MaxQueue:     2,
			Now:          now,
		})
		require.NoError(t, err)
	}
	enqueue("summary", 1000)
	enqueue("regen", 2000)
	enqueue("next", 3000)

	// Oldest entry beyond the cap was cancelled; promotion yields the rest in
	// queue order.
	promoted, err := s.PromoteNextDeferredAction(ctx, "bot-1", "100", 4000)
	require.NoError(t, err)
	require.NotNil(t, promoted)
	assert.Equal(t, "regen", promoted.ActionType)

	turn, err := s.GetTurn(ctx, promoted.TurnID)
	require.NoError(t, err)
	require.NotNil(t, turn)
	assert.Equal(t, "prompt regen", turn.UserText)

	// The promoted turn's run is active; no further promotion until it ends.
	blocked, err := s.PromoteNextDeferredAction(ctx, "bot-1", "100", 5000)
	require.NoError(t, err)
	assert.Nil(t, blocked)

	cancelled, err := s.CancelActiveTurn(ctx, "bot-1", "100", 6000)
	require.NoError(t, err)
	require.NotNil(t, cancelled)

	promoted, err = s.PromoteNextDeferredAction(ctx, "bot-1", "100", 7000)
	require.NoError(t, err)
	require.NotNil(t, promoted)
	assert.Equal(t, "next", promoted.ActionType)
}

func TestAppendCliEventIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := newTestSession(t, s, "bot-1", "100")
	turnID, err := s.CreateTurnAndJob(ctx, session.SessionID, "bot-1", "100", "hi", 1000)
	require.NoError(t, err)

	event := store.CliEvent{
		TurnID:      turnID,
		BotID:       "bot-1",
		Seq:         1,
		EventType:   store.EventTurnStarted,
		PayloadJSON: `{"ts":"2026-01-01T00:00:00Z","payload":{}}`,
		CreatedAt:   1000,
	}
	require.NoError(t, s.AppendCliEvent(ctx, event))
	require.NoError(t, s.AppendCliEvent(ctx, event))

	count, err := s.GetTurnEventsCount(ctx, turnID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	event.Seq = 2
	event.EventType = store.EventAssistantMessage
	require.NoError(t, s.AppendCliEvent(ctx, event))

	events, err := s.ListTurnEvents(ctx, turnID, 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].Seq)
	assert.Equal(t, store.EventAssistantMessage, events[0].EventType)
}

func TestTelegramUpdateDedupeAndJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	chatID := "100"

	accepted, err := s.InsertTelegramUpdate(ctx, "bot-1", 7, &chatID, `{"update_id":7}`, 1000)
	require.NoError(t, err)
	assert.True(t, accepted)

	accepted, err = s.InsertTelegramUpdate(ctx, "bot-1", 7, &chatID, `{"update_id":7}`, 1001)
	require.NoError(t, err)
	assert.False(t, accepted)

	maxID, err := s.GetMaxTelegramUpdateID(ctx, "bot-1")
	require.NoError(t, err)
	require.NotNil(t, maxID)
	assert.Equal(t, int64(7), *maxID)

	require.NoError(t, s.EnqueueTelegramUpdateJob(ctx, "bot-1", 7, 1000))
	require.NoError(t, s.EnqueueTelegramUpdateJob(ctx, "bot-1", 7, 1002))

	job, err := s.LeaseNextTelegramUpdateJob(ctx, "bot-1", "w1", 2000, 30_000)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, int64(7), job.UpdateID)

	// Only one job exists for the duplicate enqueue.
	second, err := s.LeaseNextTelegramUpdateJob(ctx, "bot-1", "w1", 2000, 30_000)
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, s.CompleteTelegramUpdateJob(ctx, job.ID, 3000))

	done, err := s.LeaseNextTelegramUpdateJob(ctx, "bot-1", "w1", 9_000_000, 30_000)
	require.NoError(t, err)
	assert.Nil(t, done)
}

func TestResetTelegramIngestState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertTelegramUpdate(ctx, "bot-1", 1, nil, `{"update_id":1}`, 1000)
	require.NoError(t, err)
	require.NoError(t, s.EnqueueTelegramUpdateJob(ctx, "bot-1", 1, 1000))

	require.NoError(t, s.ResetTelegramIngestState(ctx, "bot-1"))

	maxID, err := s.GetMaxTelegramUpdateID(ctx, "bot-1")
	require.NoError(t, err)
	assert.Nil(t, maxID)

	job, err := s.LeaseNextTelegramUpdateJob(ctx, "bot-1", "w1", 2000, 30_000)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRuntimeMetricsAccumulate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.IncrementRuntimeMetric(ctx, "bot-1", "webhook_accept_total", 1000, 1))
	require.NoError(t, s.IncrementRuntimeMetric(ctx, "bot-1", "webhook_accept_total", 2000, 1))
	require.NoError(t, s.IncrementRuntimeMetric(ctx, "bot-1", "webhook_accept_total", 3000, 0))
	require.NoError(t, s.IncrementRuntimeMetric(ctx, "bot-2", "webhook_accept_total", 3000, 5))

	botID := "bot-1"
	metrics, err := s.GetMetrics(ctx, &botID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), metrics.RuntimeCounters["webhook_accept_total"])

	all, err := s.GetMetrics(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), all.RuntimeCounters["webhook_accept_total"])
}
