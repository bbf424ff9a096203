// Package adapter runs interactive CLI agents as subprocesses and normalizes
// their line-oriented JSON output into a fixed event vocabulary.
package adapter

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Event types emitted by every adapter.
const (
	EventThreadStarted    = "thread_started"
	EventTurnStarted      = "turn_started"
	EventReasoning        = "reasoning"
	EventCommandStarted   = "command_started"
	EventCommandCompleted = "command_completed"
	EventAssistantMessage = "assistant_message"
	EventTurnCompleted    = "turn_completed"
	EventError            = "error"
	EventDeliveryError    = "delivery_error"
)

// Event is one normalized adapter event. Seq is assigned per subprocess run
// starting at the caller's seq base.
type Event struct {
	Seq     int
	TS      string
	Type    string
	Payload map[string]any
}

// ShouldCancel is polled during a run; returning true terminates the
// subprocess.
type ShouldCancel func(ctx context.Context) (bool, error)

// RunRequest describes a new turn.
type RunRequest struct {
	Prompt       string
	Model        string
	Sandbox      string
	Workdir      string
	Preamble     string
	ShouldCancel ShouldCancel
}

// ResumeRequest continues an existing provider thread.
type ResumeRequest struct {
	RunRequest
	ThreadID string
}

// CliAdapter abstracts one CLI agent. RunNewTurn and RunResumeTurn return a
// channel that delivers events in order and is closed when the subprocess is
// done. Spawn failures are returned synchronously.
type CliAdapter interface {
	Name() string
	RunNewTurn(ctx context.Context, req RunRequest) (<-chan Event, error)
	RunResumeTurn(ctx context.Context, req ResumeRequest) (<-chan Event, error)
	NormalizeEvent(rawLine string, seqStart int) []Event
	ExtractThreadID(event Event) (string, bool)
}

// Resolve returns the adapter registered under name.
func Resolve(name string) (CliAdapter, error) {
	switch name {
	case "codex":
		return NewCodexAdapter("codex"), nil
	case "claude":
		return NewClaudeAdapter("claude"), nil
	case "gemini":
		return NewGeminiAdapter("gemini"), nil
	case "echo":
		return NewEchoAdapter(), nil
	default:
		return nil, fmt.Errorf("unknown adapter: %s", name)
	}
}

// KnownAdapters lists the registered adapter names.
func KnownAdapters() []string {
	return []string{"codex", "claude", "gemini", "echo"}
}

// IsKnownAdapter reports whether name resolves to a registered adapter.
func IsKnownAdapter(name string) bool {
	for _, known := range KnownAdapters() {
		if name == known {
			return true
		}
	}
	return false
}

func utcNowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func composePrompt(preamble, prompt string) string {
	trimmed := strings.TrimSpace(preamble)
	if trimmed == "" {
		return prompt
	}
	return fmt.Sprintf("%s\n\n[User Message]\n%s", trimmed, prompt)
}

func extractThreadIDPayload(event Event) (string, bool) {
	if event.Type != EventThreadStarted {
		return "", false
	}
	threadID, ok := event.Payload["thread_id"].(string)
	if !ok || threadID == "" {
		return "", false
	}
	return threadID, true
}
