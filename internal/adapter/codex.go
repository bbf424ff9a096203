package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// CodexAdapter drives the codex CLI in exec mode.
type CodexAdapter struct {
	bin string
}

var _ CliAdapter = (*CodexAdapter)(nil)

func NewCodexAdapter(bin string) *CodexAdapter {
	if bin == "" {
		bin = "codex"
	}
	return &CodexAdapter{bin: bin}
}

func (a *CodexAdapter) Name() string { return "codex" }

// baseExecArgs pins the reasoning effort so a user's global codex config
// cannot break non-interactive runs.
func (a *CodexAdapter) baseExecArgs() []string {
	return []string{a.bin, "exec", "--json", "--skip-git-repo-check", "-c", `model_reasoning_effort="high"`}
}

func (a *CodexAdapter) RunNewTurn(ctx context.Context, req RunRequest) (<-chan Event, error) {
	args := a.baseExecArgs()
	if req.Model != "" {
		args = append(args, "-m", req.Model)
	}
	if req.Sandbox != "" {
		args = append(args, "-s", req.Sandbox)
	}
	args = append(args, composePrompt(req.Preamble, req.Prompt))
	return runProcess(ctx, "codex", args, req.Workdir, req.ShouldCancel, a.NormalizeEvent)
}

func (a *CodexAdapter) RunResumeTurn(ctx context.Context, req ResumeRequest) (<-chan Event, error) {
	args := a.baseExecArgs()
	if req.Model != "" {
		args = append(args, "-m", req.Model)
	}
	if req.Sandbox != "" {
		args = append(args, "-s", req.Sandbox)
	}
	args = append(args, "resume", req.ThreadID, composePrompt(req.Preamble, req.Prompt))
	return runProcess(ctx, "codex", args, req.Workdir, req.ShouldCancel, a.NormalizeEvent)
}

func (a *CodexAdapter) NormalizeEvent(rawLine string, seqStart int) []Event {
	line := strings.TrimSpace(rawLine)
	if line == "" {
		return nil
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(line), &parsed); err != nil {
		return []Event{{Seq: seqStart, TS: utcNowISO(), Type: EventError,
			Payload: map[string]any{"message": "invalid codex json event", "raw_line": rawLine}}}
	}

	ts := utcNowISO()
	eventType, _ := parsed["type"].(string)

	switch eventType {
	case "thread.started":
		threadID, _ := parsed["thread_id"].(string)
		if threadID == "" {
			if thread, ok := parsed["thread"].(map[string]any); ok {
				threadID, _ = thread["id"].(string)
			}
		}
		return []Event{{Seq: seqStart, TS: ts, Type: EventThreadStarted,
			Payload: map[string]any{"thread_id": threadID}}}

	case "turn.started":
		return []Event{{Seq: seqStart, TS: ts, Type: EventTurnStarted, Payload: map[string]any{}}}

	case "turn.completed":
		usage, ok := parsed["usage"].(map[string]any)
		if !ok {
			usage = map[string]any{}
		}
		status, _ := parsed["status"].(string)
		if status == "" {
			status = "success"
		}
		return []Event{{Seq: seqStart, TS: ts, Type: EventTurnCompleted,
			Payload: map[string]any{"usage": usage, "status": status}}}

	case "item.started", "item.completed":
		item, _ := parsed["item"].(map[string]any)
		itemType, _ := item["type"].(string)
		status, _ := item["status"].(string)

		switch {
		case itemType == "reasoning":
			return []Event{{Seq: seqStart, TS: ts, Type: EventReasoning,
				Payload: map[string]any{"text": extractItemText(item)}}}

		case itemType == "agent_message" || itemType == "assistant_message" || itemType == "message":
			return []Event{{Seq: seqStart, TS: ts, Type: EventAssistantMessage,
				Payload: map[string]any{"text": extractItemText(item)}}}

		case itemType == "command_execution" && eventType == "item.started":
			if status == "" {
				status = "in_progress"
			}
			return []Event{{Seq: seqStart, TS: ts, Type: EventCommandStarted,
				Payload: map[string]any{"command": extractItemCommand(item), "status": status}}}

		case itemType == "command_execution" && eventType == "item.completed":
			if status == "" {
				status = "completed"
			}
			output, _ := item["aggregated_output"].(string)
			return []Event{{Seq: seqStart, TS: ts, Type: EventCommandCompleted,
				Payload: map[string]any{
					"command":           extractItemCommand(item),
					"exit_code":         item["exit_code"],
					"aggregated_output": output,
					"status":            status,
				}}}
		}

	case "error":
		message, _ := parsed["message"].(string)
		if message == "" {
			message = "codex error"
		}
		return []Event{{Seq: seqStart, TS: ts, Type: EventError,
			Payload: map[string]any{"message": message, "raw": parsed}}}
	}

	return []Event{{Seq: seqStart, TS: ts, Type: EventReasoning, Payload: map[string]any{"raw": parsed}}}
}

func (a *CodexAdapter) ExtractThreadID(event Event) (string, bool) {
	return extractThreadIDPayload(event)
}

func extractItemText(item map[string]any) string {
	if text, ok := item["text"].(string); ok {
		return text
	}
	content, ok := item["content"].([]any)
	if !ok {
		return ""
	}
	var parts []string
	for _, piece := range content {
		if m, ok := piece.(map[string]any); ok {
			if value, ok := m["text"].(string); ok {
				parts = append(parts, value)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func extractItemCommand(item map[string]any) string {
	switch command := item["command"].(type) {
	case string:
		return command
	case []any:
		parts := make([]string, 0, len(command))
		for _, part := range command {
			parts = append(parts, fmt.Sprint(part))
		}
		return strings.Join(parts, " ")
	}
	return ""
}
