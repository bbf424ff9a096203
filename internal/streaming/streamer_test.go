package streaming

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgbridge/tgbridge/internal/adapter"
	"github.com/tgbridge/tgbridge/internal/telegram"
)

type fakeSender struct {
	sendErrs []error
	editErrs []error

	nextMessageID int64
	sent          []string
	edits         map[int64]string
}

func newFakeSender() *fakeSender {
	return &fakeSender{edits: make(map[int64]string)}
}

func (f *fakeSender) SendMessage(ctx context.Context, chatID, text, parseMode string) (int64, error) {
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	f.nextMessageID++
	f.sent = append(f.sent, text)
	return f.nextMessageID, nil
}

func (f *fakeSender) EditMessageText(ctx context.Context, chatID string, messageID int64, text, parseMode string) error {
	if len(f.editErrs) > 0 {
		err := f.editErrs[0]
		f.editErrs = f.editErrs[1:]
		if err != nil {
			return err
		}
	}
	f.edits[messageID] = text
	return nil
}

func TestStreamerAppendsByEditing(t *testing.T) {
	sender := newFakeSender()
	s := NewStreamer(sender)
	ctx := context.Background()

	err := s.AppendEvent(ctx, "turn-1", "100", adapter.Event{
		Seq: 1, TS: "2026-01-02T03:04:05Z", Type: adapter.EventTurnStarted,
		Payload: map[string]any{},
	})
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "[1][03:04:05][turn_started] {}", sender.sent[0])

	err = s.AppendEvent(ctx, "turn-1", "100", adapter.Event{
		Seq: 2, TS: "2026-01-02T03:04:06Z", Type: adapter.EventAssistantMessage,
		Payload: map[string]any{"text": "hello"},
	})
	require.NoError(t, err)
	// Second event edits the first message instead of sending a new one.
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "[1][03:04:05][turn_started] {}\n[2][03:04:06][assistant_message] hello",
		sender.edits[1])
}

func TestStreamerStartsContinuationMessage(t *testing.T) {
	sender := newFakeSender()
	s := NewStreamer(sender)
	ctx := context.Background()

	big := strings.Repeat("a", MaxMessageLen-100)
	require.NoError(t, s.AppendEvent(ctx, "turn-1", "100", adapter.Event{
		Seq: 1, TS: "2026-01-02T03:04:05Z", Type: adapter.EventAssistantMessage,
		Payload: map[string]any{"text": big},
	}))
	require.NoError(t, s.AppendEvent(ctx, "turn-1", "100", adapter.Event{
		Seq: 2, TS: "2026-01-02T03:04:06Z", Type: adapter.EventAssistantMessage,
		Payload: map[string]any{"text": strings.Repeat("b", 200)},
	}))

	require.Len(t, sender.sent, 2)
	assert.True(t, strings.HasPrefix(sender.sent[1], "[continued]\n"))
	assert.Empty(t, sender.edits)
}

func TestStreamerChunksLongEventBody(t *testing.T) {
	sender := newFakeSender()
	s := NewStreamer(sender)

	body := strings.Repeat("x", MaxMessageLen*2)
	err := s.AppendEvent(context.Background(), "turn-1", "100", adapter.Event{
		Seq: 1, TS: "2026-01-02T03:04:05Z", Type: adapter.EventReasoning,
		Payload: map[string]any{"text": body},
	})
	require.NoError(t, err)
	assert.Contains(t, sender.sent[0], "(1/3)")
}

func TestStreamerRetriesAPIErrors(t *testing.T) {
	sender := newFakeSender()
	sender.sendErrs = []error{
		&telegram.APIError{Method: "sendMessage", Description: "boom"},
		&telegram.APIError{Method: "sendMessage", Description: "boom"},
	}
	s := NewStreamer(sender)

	err := s.AppendEvent(context.Background(), "turn-1", "100", adapter.Event{
		Seq: 1, TS: "2026-01-02T03:04:05Z", Type: adapter.EventAssistantMessage,
		Payload: map[string]any{"text": "hi"},
	})
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
}

func TestStreamerAbortsOnUnknownError(t *testing.T) {
	sender := newFakeSender()
	sender.sendErrs = []error{assert.AnError}
	s := NewStreamer(sender)

	err := s.AppendEvent(context.Background(), "turn-1", "100", adapter.Event{
		Seq: 1, TS: "2026-01-02T03:04:05Z", Type: adapter.EventAssistantMessage,
		Payload: map[string]any{"text": "hi"},
	})
	require.ErrorIs(t, err, assert.AnError)
}

func TestStreamerCloseTurnResetsState(t *testing.T) {
	sender := newFakeSender()
	s := NewStreamer(sender)
	ctx := context.Background()

	event := adapter.Event{
		Seq: 1, TS: "2026-01-02T03:04:05Z", Type: adapter.EventAssistantMessage,
		Payload: map[string]any{"text": "hi"},
	}
	require.NoError(t, s.AppendEvent(ctx, "turn-1", "100", event))
	s.CloseTurn("turn-1")
	require.NoError(t, s.AppendEvent(ctx, "turn-1", "100", event))
	assert.Len(t, sender.sent, 2)
}

func TestAppendDeliveryErrorTruncates(t *testing.T) {
	sender := newFakeSender()
	s := NewStreamer(sender)

	err := s.AppendDeliveryError(context.Background(), "turn-1", "100", strings.Repeat("e", 900))
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Contains(t, sender.sent[0], "[delivery_error]")
	assert.Contains(t, sender.sent[0], strings.Repeat("e", maxDeliveryError))
	assert.NotContains(t, sender.sent[0], strings.Repeat("e", maxDeliveryError+1))
}

func TestToHHMMSS(t *testing.T) {
	assert.Equal(t, "03:04:05", toHHMMSS("2026-01-02T03:04:05.123456Z"))
	assert.Equal(t, "00:00:00", toHHMMSS("garbage"))
}
