package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tgbridge/tgbridge/internal/adapter"
	"github.com/tgbridge/tgbridge/internal/telegram"
)

const (
	maxRetries       = 5
	chunkMarkerSize  = 16
	maxDeliveryError = 500
)

type turnStreamState struct {
	chatID    string
	messageID int64
	text      string
}

// MessageSender is the subset of the Telegram client the streamer needs.
type MessageSender interface {
	SendMessage(ctx context.Context, chatID, text, parseMode string) (int64, error)
	EditMessageText(ctx context.Context, chatID string, messageID int64, text, parseMode string) error
}

// Streamer appends adapter events to a per-turn Telegram message by editing
// it in place, starting a continuation message when the limit is reached.
type Streamer struct {
	client MessageSender

	mu     sync.Mutex
	states map[string]*turnStreamState
}

func NewStreamer(client MessageSender) *Streamer {
	return &Streamer{client: client, states: make(map[string]*turnStreamState)}
}

// AppendEvent renders the event into one or more lines and appends each to
// the turn's live message.
func (s *Streamer) AppendEvent(ctx context.Context, turnID, chatID string, event adapter.Event) error {
	for _, line := range s.formatEventLines(event) {
		if err := s.appendLine(ctx, turnID, chatID, line); err != nil {
			return err
		}
	}
	return nil
}

// AppendDeliveryError reports a delivery failure in-band as a synthetic
// delivery_error event.
func (s *Streamer) AppendDeliveryError(ctx context.Context, turnID, chatID, message string) error {
	return s.AppendEvent(ctx, turnID, chatID, adapter.Event{
		Seq:     0,
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
		Type:    adapter.EventDeliveryError,
		Payload: map[string]any{"message": truncateRunes(message, maxDeliveryError)},
	})
}

// CloseTurn releases the turn's stream state.
func (s *Streamer) CloseTurn(turnID string) {
	s.mu.Lock()
	delete(s.states, turnID)
	s.mu.Unlock()
}

func (s *Streamer) formatEventLines(event adapter.Event) []string {
	prefix := fmt.Sprintf("[%d][%s][%s] ", event.Seq, toHHMMSS(event.TS), event.Type)
	body := eventPayloadText(event)
	if body == "" {
		return []string{strings.TrimSpace(prefix)}
	}

	maxBodySize := MaxMessageLen - len([]rune(prefix)) - chunkMarkerSize
	if maxBodySize < 200 {
		maxBodySize = 200
	}
	chunks := splitChunks(body, maxBodySize)
	if len(chunks) == 1 {
		return []string{strings.TrimSpace(prefix + chunks[0])}
	}
	lines := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		lines = append(lines, strings.TrimSpace(fmt.Sprintf("%s(%d/%d) %s", prefix, i+1, len(chunks), chunk)))
	}
	return lines
}

func eventPayloadText(event adapter.Event) string {
	payload := event.Payload

	switch event.Type {
	case adapter.EventAssistantMessage, adapter.EventReasoning:
		if text, ok := payload["text"].(string); ok && strings.TrimSpace(text) != "" {
			return text
		}

	case adapter.EventCommandStarted, adapter.EventCommandCompleted:
		var parts []string
		if command, ok := payload["command"].(string); ok && command != "" {
			parts = append(parts, command)
		}
		if event.Type == adapter.EventCommandCompleted {
			if exitCode, ok := payload["exit_code"]; ok {
				parts = append(parts, fmt.Sprintf("exit_code=%v", exitCode))
			}
			if output, ok := payload["aggregated_output"].(string); ok && output != "" {
				parts = append(parts, output)
			}
		}
		return strings.TrimSpace(strings.Join(parts, "\n"))

	case adapter.EventError:
		if message, ok := payload["message"].(string); ok {
			return message
		}
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func toHHMMSS(isoTS string) string {
	parsed, err := time.Parse(time.RFC3339Nano, isoTS)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339, isoTS)
		if err != nil {
			return "00:00:00"
		}
	}
	return parsed.UTC().Format("15:04:05")
}

func (s *Streamer) appendLine(ctx context.Context, turnID, chatID, line string) error {
	s.mu.Lock()
	state := s.states[turnID]
	s.mu.Unlock()

	if state == nil {
		messageID, err := s.sendWithRetry(ctx, chatID, line)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.states[turnID] = &turnStreamState{chatID: chatID, messageID: messageID, text: line}
		s.mu.Unlock()
		return nil
	}

	candidate := state.text + "\n" + line
	if len([]rune(candidate)) <= MaxMessageLen {
		if err := s.editWithRetry(ctx, state.chatID, state.messageID, candidate); err != nil {
			return err
		}
		s.mu.Lock()
		state.text = candidate
		s.mu.Unlock()
		return nil
	}

	continuation := "[continued]\n" + line
	messageID, err := s.sendWithRetry(ctx, state.chatID, continuation)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.states[turnID] = &turnStreamState{chatID: chatID, messageID: messageID, text: continuation}
	s.mu.Unlock()
	return nil
}

func (s *Streamer) sendWithRetry(ctx context.Context, chatID, text string) (int64, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		rendered, parseMode := RenderForTelegram(truncateRunes(text, MaxMessageLen))
		messageID, err := s.client.SendMessage(ctx, chatID, rendered, parseMode)
		if err == nil {
			return messageID, nil
		}
		if retryErr := s.backoff(ctx, err, attempt); retryErr != nil {
			return 0, retryErr
		}
	}
	return 0, errors.New("failed to send telegram message after retries")
}

func (s *Streamer) editWithRetry(ctx context.Context, chatID string, messageID int64, text string) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		rendered, parseMode := RenderForTelegram(truncateRunes(text, MaxMessageLen))
		err := s.client.EditMessageText(ctx, chatID, messageID, rendered, parseMode)
		if err == nil {
			return nil
		}
		if retryErr := s.backoff(ctx, err, attempt); retryErr != nil {
			return retryErr
		}
	}
	return errors.New("failed to edit telegram message after retries")
}

// backoff sleeps between retries: rate limits honor retry_after, other API
// errors back off linearly, anything else aborts immediately.
func (s *Streamer) backoff(ctx context.Context, err error, attempt int) error {
	var rateLimit *telegram.RateLimitError
	if errors.As(err, &rateLimit) {
		return sleepCtx(ctx, time.Duration(rateLimit.RetryAfter)*time.Second)
	}
	var apiErr *telegram.APIError
	if errors.As(err, &apiErr) {
		if attempt >= maxRetries-1 {
			return err
		}
		return sleepCtx(ctx, time.Duration(attempt+1)*500*time.Millisecond)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
