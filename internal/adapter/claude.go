package adapter

import (
	"context"
	"encoding/json"
	"strings"
)

// ClaudeAdapter drives the claude CLI in stream-json print mode.
type ClaudeAdapter struct {
	bin string
}

var _ CliAdapter = (*ClaudeAdapter)(nil)

func NewClaudeAdapter(bin string) *ClaudeAdapter {
	if bin == "" {
		bin = "claude"
	}
	return &ClaudeAdapter{bin: bin}
}

func (a *ClaudeAdapter) Name() string { return "claude" }

func (a *ClaudeAdapter) RunNewTurn(ctx context.Context, req RunRequest) (<-chan Event, error) {
	args := []string{a.bin, "-p", "--verbose", "--output-format", "stream-json"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, composePrompt(req.Preamble, req.Prompt))
	return runProcess(ctx, "claude", args, req.Workdir, req.ShouldCancel, a.NormalizeEvent)
}

func (a *ClaudeAdapter) RunResumeTurn(ctx context.Context, req ResumeRequest) (<-chan Event, error) {
	args := []string{a.bin, "-p", "--verbose", "--output-format", "stream-json", "-r", req.ThreadID}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, composePrompt(req.Preamble, req.Prompt))
	return runProcess(ctx, "claude", args, req.Workdir, req.ShouldCancel, a.NormalizeEvent)
}

func (a *ClaudeAdapter) NormalizeEvent(rawLine string, seqStart int) []Event {
	line := strings.TrimSpace(rawLine)
	if line == "" {
		return nil
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(line), &parsed); err != nil {
		return []Event{{Seq: seqStart, TS: utcNowISO(), Type: EventError,
			Payload: map[string]any{"message": "invalid claude json event", "raw_line": rawLine}}}
	}

	ts := utcNowISO()
	eventType, _ := parsed["type"].(string)

	switch eventType {
	case "system":
		if subtype, _ := parsed["subtype"].(string); subtype == "init" {
			var events []Event
			nextSeq := seqStart
			if sessionID, ok := parsed["session_id"].(string); ok && sessionID != "" {
				events = append(events, Event{Seq: nextSeq, TS: ts, Type: EventThreadStarted,
					Payload: map[string]any{"thread_id": sessionID}})
				nextSeq++
			}
			events = append(events, Event{Seq: nextSeq, TS: ts, Type: EventTurnStarted, Payload: map[string]any{}})
			return events
		}

	case "assistant":
		text := extractClaudeAssistantText(parsed["message"])
		if text == "" {
			return nil
		}
		return []Event{{Seq: seqStart, TS: ts, Type: EventAssistantMessage,
			Payload: map[string]any{"text": text}}}

	case "result":
		isError, _ := parsed["is_error"].(bool)
		subtype, _ := parsed["subtype"].(string)
		status := "success"
		if isError || (subtype != "" && subtype != "success") {
			status = "error"
		}
		return []Event{{Seq: seqStart, TS: ts, Type: EventTurnCompleted,
			Payload: map[string]any{"status": status}}}

	case "error":
		message, _ := parsed["message"].(string)
		if message == "" {
			message = "claude error"
		}
		return []Event{{Seq: seqStart, TS: ts, Type: EventError,
			Payload: map[string]any{"message": message, "raw": parsed}}}
	}

	return []Event{{Seq: seqStart, TS: ts, Type: EventReasoning, Payload: map[string]any{"raw": parsed}}}
}

func (a *ClaudeAdapter) ExtractThreadID(event Event) (string, bool) {
	return extractThreadIDPayload(event)
}

func extractClaudeAssistantText(message any) string {
	m, ok := message.(map[string]any)
	if !ok {
		return ""
	}
	if role, _ := m["role"].(string); role != "assistant" {
		return ""
	}
	content, ok := m["content"].([]any)
	if !ok {
		return ""
	}
	var parts []string
	for _, item := range content {
		piece, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if pieceType, _ := piece["type"].(string); pieceType != "text" {
			continue
		}
		if text, ok := piece["text"].(string); ok && text != "" {
			parts = append(parts, text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
