package adapter

import (
	"context"
	"fmt"
	"time"
)

// EchoAdapter is a built-in adapter used for smoke tests and local wiring
// checks. It never spawns a subprocess.
type EchoAdapter struct{}

var _ CliAdapter = (*EchoAdapter)(nil)

func NewEchoAdapter() *EchoAdapter { return &EchoAdapter{} }

func (a *EchoAdapter) Name() string { return "echo" }

func (a *EchoAdapter) RunNewTurn(ctx context.Context, req RunRequest) (<-chan Event, error) {
	return a.emit("echo-thread", fmt.Sprintf("echo: %s", req.Prompt)), nil
}

func (a *EchoAdapter) RunResumeTurn(ctx context.Context, req ResumeRequest) (<-chan Event, error) {
	return a.emit(req.ThreadID, fmt.Sprintf("echo-resume: %s", req.Prompt)), nil
}

func (a *EchoAdapter) emit(threadID, text string) <-chan Event {
	events := make(chan Event, 4)
	go func() {
		defer close(events)
		seq := 1
		events <- Event{Seq: seq, TS: utcNowISO(), Type: EventThreadStarted,
			Payload: map[string]any{"thread_id": threadID}}
		seq++
		events <- Event{Seq: seq, TS: utcNowISO(), Type: EventTurnStarted, Payload: map[string]any{}}
		seq++
		time.Sleep(10 * time.Millisecond)
		events <- Event{Seq: seq, TS: utcNowISO(), Type: EventAssistantMessage,
			Payload: map[string]any{"text": text}}
		seq++
		events <- Event{Seq: seq, TS: utcNowISO(), Type: EventTurnCompleted,
			Payload: map[string]any{"status": "success"}}
	}()
	return events
}

func (a *EchoAdapter) NormalizeEvent(rawLine string, seqStart int) []Event {
	return []Event{{Seq: seqStart, TS: utcNowISO(), Type: EventReasoning,
		Payload: map[string]any{"raw": rawLine}}}
}

func (a *EchoAdapter) ExtractThreadID(event Event) (string, bool) {
	return extractThreadIDPayload(event)
}
