package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveKnownAdapters(t *testing.T) {
	for _, name := range KnownAdapters() {
		a, err := Resolve(name)
		require.NoError(t, err)
		assert.Equal(t, name, a.Name())
	}

	_, err := Resolve("gpt-terminal")
	require.Error(t, err)
	assert.False(t, IsKnownAdapter("gpt-terminal"))
	assert.True(t, IsKnownAdapter("codex"))
}

func TestComposePrompt(t *testing.T) {
	assert.Equal(t, "hello", composePrompt("", "hello"))
	assert.Equal(t, "hello", composePrompt("  \n", "hello"))
	assert.Equal(t, "context here\n\n[User Message]\nhello", composePrompt("context here", "hello"))
}

func TestCodexNormalizeEvent(t *testing.T) {
	a := NewCodexAdapter("codex")

	t.Run("blank line", func(t *testing.T) {
		assert.Nil(t, a.NormalizeEvent("   ", 1))
	})

	t.Run("invalid json", func(t *testing.T) {
		events := a.NormalizeEvent("not json", 3)
		require.Len(t, events, 1)
		assert.Equal(t, EventError, events[0].Type)
		assert.Equal(t, 3, events[0].Seq)
		assert.Equal(t, "invalid codex json event", events[0].Payload["message"])
	})

	t.Run("thread started", func(t *testing.T) {
		events := a.NormalizeEvent(`{"type":"thread.started","thread_id":"t-1"}`, 1)
		require.Len(t, events, 1)
		assert.Equal(t, EventThreadStarted, events[0].Type)
		assert.Equal(t, "t-1", events[0].Payload["thread_id"])

		threadID, ok := a.ExtractThreadID(events[0])
		require.True(t, ok)
		assert.Equal(t, "t-1", threadID)
	})

	t.Run("thread started nested id", func(t *testing.T) {
		events := a.NormalizeEvent(`{"type":"thread.started","thread":{"id":"t-2"}}`, 1)
		require.Len(t, events, 1)
		assert.Equal(t, "t-2", events[0].Payload["thread_id"])
	})

	t.Run("turn completed defaults status", func(t *testing.T) {
		events := a.NormalizeEvent(`{"type":"turn.completed"}`, 5)
		require.Len(t, events, 1)
		assert.Equal(t, EventTurnCompleted, events[0].Type)
		assert.Equal(t, "success", events[0].Payload["status"])
	})

	t.Run("reasoning item", func(t *testing.T) {
		events := a.NormalizeEvent(`{"type":"item.completed","item":{"type":"reasoning","text":"thinking"}}`, 1)
		require.Len(t, events, 1)
		assert.Equal(t, EventReasoning, events[0].Type)
		assert.Equal(t, "thinking", events[0].Payload["text"])
	})

	t.Run("assistant message from content parts", func(t *testing.T) {
		raw := `{"type":"item.completed","item":{"type":"agent_message","content":[{"text":"a"},{"text":"b"}]}}`
		events := a.NormalizeEvent(raw, 1)
		require.Len(t, events, 1)
		assert.Equal(t, EventAssistantMessage, events[0].Type)
		assert.Equal(t, "a\nb", events[0].Payload["text"])
	})

	t.Run("command lifecycle", func(t *testing.T) {
		started := a.NormalizeEvent(`{"type":"item.started","item":{"type":"command_execution","command":["ls","-la"]}}`, 1)
		require.Len(t, started, 1)
		assert.Equal(t, EventCommandStarted, started[0].Type)
		assert.Equal(t, "ls -la", started[0].Payload["command"])
		assert.Equal(t, "in_progress", started[0].Payload["status"])

		completed := a.NormalizeEvent(`{"type":"item.completed","item":{"type":"command_execution","command":"ls","exit_code":0,"aggregated_output":"out"}}`, 2)
		require.Len(t, completed, 1)
		assert.Equal(t, EventCommandCompleted, completed[0].Type)
		assert.Equal(t, "ls", completed[0].Payload["command"])
		assert.Equal(t, "out", completed[0].Payload["aggregated_output"])
	})

	t.Run("error with default message", func(t *testing.T) {
		events := a.NormalizeEvent(`{"type":"error"}`, 1)
		require.Len(t, events, 1)
		assert.Equal(t, EventError, events[0].Type)
		assert.Equal(t, "codex error", events[0].Payload["message"])
	})

	t.Run("unknown type falls back to reasoning", func(t *testing.T) {
		events := a.NormalizeEvent(`{"type":"telemetry","x":1}`, 9)
		require.Len(t, events, 1)
		assert.Equal(t, EventReasoning, events[0].Type)
		assert.Equal(t, 9, events[0].Seq)
	})
}

func TestClaudeNormalizeEvent(t *testing.T) {
	a := NewClaudeAdapter("claude")

	t.Run("init emits thread then turn", func(t *testing.T) {
		events := a.NormalizeEvent(`{"type":"system","subtype":"init","session_id":"s-1"}`, 4)
		require.Len(t, events, 2)
		assert.Equal(t, EventThreadStarted, events[0].Type)
		assert.Equal(t, 4, events[0].Seq)
		assert.Equal(t, "s-1", events[0].Payload["thread_id"])
		assert.Equal(t, EventTurnStarted, events[1].Type)
		assert.Equal(t, 5, events[1].Seq)
	})

	t.Run("init without session id", func(t *testing.T) {
		events := a.NormalizeEvent(`{"type":"system","subtype":"init"}`, 1)
		require.Len(t, events, 1)
		assert.Equal(t, EventTurnStarted, events[0].Type)
	})

	t.Run("assistant text blocks", func(t *testing.T) {
		raw := `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"},{"type":"tool_use"},{"type":"text","text":"there"}]}}`
		events := a.NormalizeEvent(raw, 1)
		require.Len(t, events, 1)
		assert.Equal(t, EventAssistantMessage, events[0].Type)
		assert.Equal(t, "hi\nthere", events[0].Payload["text"])
	})

	t.Run("assistant without text is dropped", func(t *testing.T) {
		raw := `{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use"}]}}`
		assert.Nil(t, a.NormalizeEvent(raw, 1))
	})

	t.Run("result status mapping", func(t *testing.T) {
		ok := a.NormalizeEvent(`{"type":"result","subtype":"success","is_error":false}`, 1)
		require.Len(t, ok, 1)
		assert.Equal(t, "success", ok[0].Payload["status"])

		failed := a.NormalizeEvent(`{"type":"result","subtype":"error_during_execution"}`, 1)
		require.Len(t, failed, 1)
		assert.Equal(t, "error", failed[0].Payload["status"])
	})
}

func TestGeminiNormalizeEvent(t *testing.T) {
	a := NewGeminiAdapter("gemini")

	t.Run("init emits thread then turn", func(t *testing.T) {
		events := a.NormalizeEvent(`{"type":"init","session_id":"g-1"}`, 1)
		require.Len(t, events, 2)
		assert.Equal(t, EventThreadStarted, events[0].Type)
		assert.Equal(t, EventTurnStarted, events[1].Type)
	})

	t.Run("non assistant message is dropped", func(t *testing.T) {
		assert.Nil(t, a.NormalizeEvent(`{"type":"message","role":"user","content":"x"}`, 1))
	})

	t.Run("blank assistant content is dropped", func(t *testing.T) {
		assert.Nil(t, a.NormalizeEvent(`{"type":"message","role":"assistant","content":"  "}`, 1))
	})

	t.Run("assistant message", func(t *testing.T) {
		events := a.NormalizeEvent(`{"type":"message","role":"assistant","content":"answer"}`, 1)
		require.Len(t, events, 1)
		assert.Equal(t, EventAssistantMessage, events[0].Type)
		assert.Equal(t, "answer", events[0].Payload["text"])
	})

	t.Run("result", func(t *testing.T) {
		events := a.NormalizeEvent(`{"type":"result","status":"cancelled"}`, 1)
		require.Len(t, events, 1)
		assert.Equal(t, EventTurnCompleted, events[0].Type)
		assert.Equal(t, "cancelled", events[0].Payload["status"])
	})
}

func TestEchoAdapterEmitsFullTurn(t *testing.T) {
	a := NewEchoAdapter()

	events, err := a.RunNewTurn(context.Background(), RunRequest{Prompt: "ping"})
	require.NoError(t, err)

	var collected []Event
	for event := range events {
		collected = append(collected, event)
	}
	require.Len(t, collected, 4)
	assert.Equal(t, EventThreadStarted, collected[0].Type)
	assert.Equal(t, EventTurnStarted, collected[1].Type)
	assert.Equal(t, EventAssistantMessage, collected[2].Type)
	assert.Equal(t, "echo: ping", collected[2].Payload["text"])
	assert.Equal(t, EventTurnCompleted, collected[3].Type)
	assert.Equal(t, "success", collected[3].Payload["status"])

	for i, event := range collected {
		assert.Equal(t, i+1, event.Seq)
	}
}

func TestEchoAdapterResumeKeepsThread(t *testing.T) {
	a := NewEchoAdapter()

	events, err := a.RunResumeTurn(context.Background(), ResumeRequest{
		RunRequest: RunRequest{Prompt: "again"},
		ThreadID:   "echo-7",
	})
	require.NoError(t, err)

	first := <-events
	threadID, ok := a.ExtractThreadID(first)
	require.True(t, ok)
	assert.Equal(t, "echo-7", threadID)
	for range events {
	}
}
