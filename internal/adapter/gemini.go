package adapter

import (
	"context"
	"encoding/json"
	"strings"
)

// GeminiAdapter drives the gemini CLI in stream-json mode.
type GeminiAdapter struct {
	bin string
}

var _ CliAdapter = (*GeminiAdapter)(nil)

func NewGeminiAdapter(bin string) *GeminiAdapter {
	if bin == "" {
		bin = "gemini"
	}
	return &GeminiAdapter{bin: bin}
}

func (a *GeminiAdapter) Name() string { return "gemini" }

func (a *GeminiAdapter) RunNewTurn(ctx context.Context, req RunRequest) (<-chan Event, error) {
	// Non-interactive worker mode must not block on approval prompts.
	args := []string{a.bin, "--approval-mode", "yolo", "-o", "stream-json"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, "-p", composePrompt(req.Preamble, req.Prompt))
	return runProcess(ctx, "gemini", args, req.Workdir, req.ShouldCancel, a.NormalizeEvent)
}

func (a *GeminiAdapter) RunResumeTurn(ctx context.Context, req ResumeRequest) (<-chan Event, error) {
	// Non-interactive worker mode must not block on approval prompts.
	args := []string{a.bin, "--resume", req.ThreadID, "--approval-mode", "yolo", "-o", "stream-json"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, "-p", composePrompt(req.Preamble, req.Prompt))
	return runProcess(ctx, "gemini", args, req.Workdir, req.ShouldCancel, a.NormalizeEvent)
}

func (a *GeminiAdapter) NormalizeEvent(rawLine string, seqStart int) []Event {
	line := strings.TrimSpace(rawLine)
	if line == "" {
		return nil
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(line), &parsed); err != nil {
		return []Event{{Seq: seqStart, TS: utcNowISO(), Type: EventError,
			Payload: map[string]any{"message": "invalid gemini json event", "raw_line": rawLine}}}
	}

	ts := utcNowISO()
	eventType, _ := parsed["type"].(string)

	switch eventType {
	case "init":
		var events []Event
		nextSeq := seqStart
		if sessionID, ok := parsed["session_id"].(string); ok && sessionID != "" {
			events = append(events, Event{Seq: nextSeq, TS: ts, Type: EventThreadStarted,
				Payload: map[string]any{"thread_id": sessionID}})
			nextSeq++
		}
		events = append(events, Event{Seq: nextSeq, TS: ts, Type: EventTurnStarted, Payload: map[string]any{}})
		return events

	case "message":
		if role, _ := parsed["role"].(string); role != "assistant" {
			return nil
		}
		content, _ := parsed["content"].(string)
		if strings.TrimSpace(content) == "" {
			return nil
		}
		return []Event{{Seq: seqStart, TS: ts, Type: EventAssistantMessage,
			Payload: map[string]any{"text": content}}}

	case "result":
		status, _ := parsed["status"].(string)
		if status == "" {
			status = "success"
		}
		return []Event{{Seq: seqStart, TS: ts, Type: EventTurnCompleted,
			Payload: map[string]any{"status": status}}}

	case "error":
		message, _ := parsed["message"].(string)
		if message == "" {
			message = "gemini error"
		}
		return []Event{{Seq: seqStart, TS: ts, Type: EventError,
			Payload: map[string]any{"message": message, "raw": parsed}}}
	}

	return []Event{{Seq: seqStart, TS: ts, Type: EventReasoning, Payload: map[string]any{"raw": parsed}}}
}

func (a *GeminiAdapter) ExtractThreadID(event Event) (string, bool) {
	return extractThreadIDPayload(event)
}
