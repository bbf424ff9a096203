package sqlite

import (
	"context"
	"fmt"

	"github.com/tgbridge/tgbridge/internal/store"
)

// AppendCliEvent persists one normalized event. The (turn_id, seq) unique
// index makes replays after a crash idempotent.
func (s *Store) AppendCliEvent(ctx context.Context, event store.CliEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cli_events (turn_id, bot_id, seq, event_type, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.TurnID, event.BotID, event.Seq, event.EventType, event.PayloadJSON, event.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "cli_events") {
			return nil
		}
		return fmt.Errorf("append cli event: %w", err)
	}
	return nil
}

// GetTurnEventsCount returns the number of persisted events for the turn.
func (s *Store) GetTurnEventsCount(ctx context.Context, turnID string) (int, error) {
	var count int
	err := s.ro.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM cli_events WHERE turn_id = ?`, turnID)
	if err != nil {
		return 0, fmt.Errorf("count turn events: %w", err)
	}
	return count, nil
}

// ListTurnEvents returns events with seq greater than afterSeq, in order.
func (s *Store) ListTurnEvents(ctx context.Context, turnID string, afterSeq, limit int) ([]store.CliEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []store.CliEvent
	err := s.ro.SelectContext(ctx, &rows, `
		SELECT id, turn_id, bot_id, seq, event_type, payload_json, created_at
		FROM cli_events
		WHERE turn_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`,
		turnID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list turn events: %w", err)
	}
	return rows, nil
}
