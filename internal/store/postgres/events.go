package postgres

import (
	"context"
	"fmt"

	"github.com/tgbridge/tgbridge/internal/store"
)

// AppendCliEvent persists one normalized event. The (turn_id, seq) unique
// index makes replays after a crash idempotent.
func (s *Store) AppendCliEvent(ctx context.Context, event store.CliEvent) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO cli_events (turn_id, bot_id, seq, event_type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (turn_id, seq) DO NOTHING`,
		event.TurnID, event.BotID, event.Seq, event.EventType, event.PayloadJSON, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("append cli event: %w", err)
	}
	return nil
}

// GetTurnEventsCount returns the number of persisted events for the turn.
func (s *Store) GetTurnEventsCount(ctx context.Context, turnID string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM cli_events WHERE turn_id = $1`, turnID).Scan(&count)
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
	rows, err := s.db.Query(ctx, `
		SELECT id, turn_id, bot_id, seq, event_type, payload_json, created_at
		FROM cli_events
		WHERE turn_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3`,
		turnID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list turn events: %w", err)
	}
	defer rows.Close()

	var events []store.CliEvent
	for rows.Next() {
		var e store.CliEvent
		if err := rows.Scan(&e.ID, &e.TurnID, &e.BotID, &e.Seq, &e.EventType, &e.PayloadJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn events: %w", err)
	}
	return events, nil
}
