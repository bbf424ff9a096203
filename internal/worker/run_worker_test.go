package worker

import (
	"context"
	"fmt"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgbridge/tgbridge/internal/adapter"
	"github.com/tgbridge/tgbridge/internal/store"
	"github.com/tgbridge/tgbridge/internal/store/sqlite"
)

type stubAdapter struct {
	name     string
	events   []adapter.Event
	spawnErr error
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) RunNewTurn(ctx context.Context, req adapter.RunRequest) (<-chan adapter.Event, error) {
	if s.spawnErr != nil {
		return nil, s.spawnErr
	}
	out := make(chan adapter.Event, len(s.events))
	for _, event := range s.events {
		out <- event
	}
	close(out)
	return out, nil
}

func (s *stubAdapter) RunResumeTurn(ctx context.Context, req adapter.ResumeRequest) (<-chan adapter.Event, error) {
	return s.RunNewTurn(ctx, req.RunRequest)
}

func (s *stubAdapter) NormalizeEvent(rawLine string, seqStart int) []adapter.Event { return nil }

func (s *stubAdapter) ExtractThreadID(event adapter.Event) (string, bool) {
	if event.Type != adapter.EventThreadStarted {
		return "", false
	}
	id, ok := event.Payload["thread_id"].(string)
	return id, ok && id != ""
}

func newRunWorkerFixture(t *testing.T, adapterName string, resolve AdapterResolver) (*RunWorker, *fakeEventStreamer, store.Store, string, *store.LeasedRunJob) {
	t.Helper()
	st, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	session, err := st.GetOrCreateActiveSession(ctx, store.NewSessionParams{
		BotID:       "bot-1",
		ChatID:      "100",
		AdapterName: adapterName,
		Now:         1000,
	})
	require.NoError(t, err)

	turnID, err := st.CreateTurnAndJob(ctx, session.SessionID, "bot-1", "100", "do the thing", 1000)
	require.NoError(t, err)
	job, err := st.LeaseNextRunJob(ctx, "bot-1", "test-worker", 1000, 60_000)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, turnID, job.TurnID)

	streamer := &fakeEventStreamer{}
	worker := NewRunWorker(RunWorkerConfig{
		BotID:          "bot-1",
		Store:          st,
		Streamer:       streamer,
		ResolveAdapter: resolve,
	})
	return worker, streamer, st, turnID, job
}

func TestRunWorkerCompletesEchoTurn(t *testing.T) {
	worker, streamer, st, turnID, job := newRunWorkerFixture(t, "echo", nil)
	ctx := context.Background()

	worker.processJob(ctx, job)

	turn, err := st.GetTurn(ctx, turnID)
	require.NoError(t, err)
	require.NotNil(t, turn)
	assert.Equal(t, store.StatusCompleted, turn.Status)
	require.NotNil(t, turn.AssistantText)
	assert.Equal(t, "echo: do the thing", *turn.AssistantText)

	// All four echo events were persisted with continuous seq.
	events, err := st.ListTurnEvents(ctx, turnID, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, event := range events {
		assert.Equal(t, i+1, event.Seq)
	}
	assert.Equal(t, store.EventThreadStarted, events[0].EventType)
	assert.Equal(t, store.EventTurnCompleted, events[3].EventType)

	// The provider thread and rolling summary were recorded on the session.
	session, err := st.GetActiveSession(ctx, "bot-1", "100")
	require.NoError(t, err)
	require.NotNil(t, session.AdapterThreadID)
	assert.Equal(t, "echo-thread", *session.AdapterThreadID)
	assert.Contains(t, session.RollingSummaryMD, "## Goal\n- do the thing")

	assert.Equal(t, []string{turnID}, streamer.closed)
	assert.Len(t, streamer.events, 4)
}

func TestRunWorkerFailsWhenExecutableMissing(t *testing.T) {
	resolve := func(name string) (adapter.CliAdapter, error) {
		return &stubAdapter{name: name, spawnErr: fmt.Errorf("spawn: %w", exec.ErrNotFound)}, nil
	}
	worker, streamer, st, turnID, job := newRunWorkerFixture(t, "gemini", resolve)
	ctx := context.Background()

	worker.processJob(ctx, job)

	turn, err := st.GetTurn(ctx, turnID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, turn.Status)
	require.NotNil(t, turn.ErrorText)
	assert.Equal(t, "provider=gemini executable not found; install CLI or switch with /mode codex", *turn.ErrorText)

	// The synthesized error and turn_completed pair was persisted and streamed.
	events, err := st.ListTurnEvents(ctx, turnID, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, store.EventError, events[0].EventType)
	assert.Equal(t, store.EventTurnCompleted, events[1].EventType)
	assert.Equal(t, []string{turnID}, streamer.closed)

	botID := "bot-1"
	metrics, err := st.GetMetrics(ctx, &botID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), metrics.RuntimeCounters["provider_run_failed.gemini"])
}

func TestRunWorkerFailsOnAdapterError(t *testing.T) {
	resolve := func(name string) (adapter.CliAdapter, error) {
		return &stubAdapter{name: name, events: []adapter.Event{
			{TS: "2026-01-01T00:00:00Z", Type: adapter.EventTurnStarted, Payload: map[string]any{}},
			{TS: "2026-01-01T00:00:01Z", Type: adapter.EventError, Payload: map[string]any{"message": "rate limited"}},
			{TS: "2026-01-01T00:00:02Z", Type: adapter.EventTurnCompleted, Payload: map[string]any{"status": "error"}},
		}}, nil
	}
	worker, _, st, turnID, job := newRunWorkerFixture(t, "codex", resolve)
	ctx := context.Background()

	worker.processJob(ctx, job)

	turn, err := st.GetTurn(ctx, turnID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, turn.Status)
	require.NotNil(t, turn.ErrorText)
	assert.Equal(t, "rate limited", *turn.ErrorText)
}

func TestRunWorkerHonorsCancellation(t *testing.T) {
	resolve := func(name string) (adapter.CliAdapter, error) {
		return &stubAdapter{name: name, events: []adapter.Event{
			{TS: "2026-01-01T00:00:00Z", Type: adapter.EventTurnStarted, Payload: map[string]any{}},
			{TS: "2026-01-01T00:00:01Z", Type: adapter.EventTurnCompleted, Payload: map[string]any{"status": "cancelled"}},
		}}, nil
	}
	worker, streamer, st, turnID, job := newRunWorkerFixture(t, "codex", resolve)
	ctx := context.Background()

	worker.processJob(ctx, job)

	turn, err := st.GetTurn(ctx, turnID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, turn.Status)
	assert.Equal(t, []string{turnID}, streamer.closed)
}

func TestRunWorkerPromotesDeferredActionAfterRun(t *testing.T) {
	worker, _, st, turnID, job := newRunWorkerFixture(t, "echo", nil)
	ctx := context.Background()

	session, err := st.GetActiveSession(ctx, "bot-1", "100")
	require.NoError(t, err)
	_, err = st.EnqueueDeferredButtonAction(ctx, store.DeferredActionParams{
		BotID:        "bot-1",
		ChatID:       "100",
		SessionID:    session.SessionID,
		ActionType:   "summary",
		PromptText:   "summarize it",
		OriginTurnID: turnID,
		MaxQueue:     10,
		Now:          1500,
	})
	require.NoError(t, err)

	worker.processJob(ctx, job)

	// The deferred action became the next active run.
	active, err := st.HasActiveRun(ctx, "bot-1", "100")
	require.NoError(t, err)
	assert.True(t, active)

	next, err := st.LeaseNextRunJob(ctx, "bot-1", "test-worker", 9_000_000, 60_000)
	require.NoError(t, err)
	require.NotNil(t, next)
	nextTurn, err := st.GetTurn(ctx, next.TurnID)
	require.NoError(t, err)
	assert.Equal(t, "summarize it", nextTurn.UserText)
}

func TestRunWorkerFailsMissingTurn(t *testing.T) {
	st, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	streamer := &fakeEventStreamer{}
	worker := NewRunWorker(RunWorkerConfig{BotID: "bot-1", Store: st, Streamer: streamer})

	err = worker.executeJob(context.Background(), &store.LeasedRunJob{ID: "job-x", TurnID: "turn-x", ChatID: "100"})
	require.NoError(t, err)
}

func TestJoinAssistantParts(t *testing.T) {
	assert.Equal(t, "", joinAssistantParts(nil))
	assert.Equal(t, "a\nb", joinAssistantParts([]string{" a ", "", "  ", "b\n"}))
}

func TestRunWorkerResumeUsesThread(t *testing.T) {
	var resumed bool
	resolve := func(name string) (adapter.CliAdapter, error) {
		return &resumeProbeAdapter{stub: stubAdapter{name: name, events: []adapter.Event{
			{TS: "2026-01-01T00:00:00Z", Type: adapter.EventTurnStarted, Payload: map[string]any{}},
			{TS: "2026-01-01T00:00:01Z", Type: adapter.EventAssistantMessage, Payload: map[string]any{"text": "ok"}},
			{TS: "2026-01-01T00:00:02Z", Type: adapter.EventTurnCompleted, Payload: map[string]any{"status": "success"}},
		}}, resumed: &resumed}, nil
	}
	worker, _, st, turnID, job := newRunWorkerFixture(t, "codex", resolve)
	ctx := context.Background()

	session, err := st.GetActiveSession(ctx, "bot-1", "100")
	require.NoError(t, err)
	threadID := "thread-9"
	require.NoError(t, st.SetSessionThreadID(ctx, session.SessionID, &threadID, 1500))

	worker.processJob(ctx, job)

	assert.True(t, resumed)
	turn, err := st.GetTurn(ctx, turnID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, turn.Status)
}

type resumeProbeAdapter struct {
	stub    stubAdapter
	resumed *bool
}

func (r *resumeProbeAdapter) Name() string { return r.stub.name }

func (r *resumeProbeAdapter) RunNewTurn(ctx context.Context, req adapter.RunRequest) (<-chan adapter.Event, error) {
	return r.stub.RunNewTurn(ctx, req)
}

func (r *resumeProbeAdapter) RunResumeTurn(ctx context.Context, req adapter.ResumeRequest) (<-chan adapter.Event, error) {
	*r.resumed = true
	return r.stub.RunResumeTurn(ctx, req)
}

func (r *resumeProbeAdapter) NormalizeEvent(rawLine string, seqStart int) []adapter.Event {
	return nil
}

func (r *resumeProbeAdapter) ExtractThreadID(event adapter.Event) (string, bool) {
	return r.stub.ExtractThreadID(event)
}
