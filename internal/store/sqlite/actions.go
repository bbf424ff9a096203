package sqlite

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tgbridge/tgbridge/internal/store"
)

// CreateActionToken stores a single-use callback token.
func (s *Store) CreateActionToken(ctx context.Context, token store.ActionToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO action_tokens
			(token, bot_id, chat_id, action, payload_json, expires_at, consumed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?)`,
		token.Token, token.BotID, token.ChatID, token.Action, token.PayloadJSON,
		token.ExpiresAt, token.CreatedAt)
	if err != nil {
		return fmt.Errorf("create action token: %w", err)
	}
	return nil
}

// ConsumeActionToken atomically consumes an unexpired, unconsumed token bound
// to the given bot and chat. Returns nil when no such token exists.
func (s *Store) ConsumeActionToken(ctx context.Context, token, botID, chatID string, now int64) (*store.ActionToken, error) {
	var consumed *store.ActionToken
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var row store.ActionToken
		err := tx.GetContext(ctx, &row, `
			SELECT token, bot_id, chat_id, action, payload_json, expires_at, consumed_at, created_at
			FROM action_tokens
			WHERE token = ? AND bot_id = ? AND chat_id = ?
			  AND consumed_at IS NULL AND expires_at >= ?
			LIMIT 1`,
			token, botID, chatID, now)
		if noRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select action token: %w", err)
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE action_tokens SET consumed_at = ?
			WHERE token = ? AND consumed_at IS NULL`,
			now, token)
		if err != nil {
			return fmt.Errorf("consume action token: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("consume action token rowcount: %w", err)
		}
		if affected == 0 {
			return nil
		}
		row.ConsumedAt = &now
		consumed = &row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return consumed, nil
}

// EnqueueDeferredButtonAction queues a button action for later promotion and
// cancels the oldest queued entries beyond the queue cap.
func (s *Store) EnqueueDeferredButtonAction(ctx context.Context, params store.DeferredActionParams) (string, error) {
	actionID := uuid.NewString()
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO deferred_button_actions
				(id, bot_id, chat_id, session_id, action_type, prompt_text, origin_turn_id,
				 status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'queued', ?, ?)`,
			actionID, params.BotID, params.ChatID, params.SessionID, params.ActionType,
			params.PromptText, params.OriginTurnID, params.Now, params.Now); err != nil {
			return fmt.Errorf("insert deferred action: %w", err)
		}

		var queuedIDs []string
		if err := tx.SelectContext(ctx, &queuedIDs, `
			SELECT id FROM deferred_button_actions
			WHERE bot_id = ? AND chat_id = ? AND status = 'queued'
			ORDER BY created_at ASC`,
			params.BotID, params.ChatID); err != nil {
			return fmt.Errorf("list queued deferred actions: %w", err)
		}

		maxQueue := params.MaxQueue
		if maxQueue < 1 {
			maxQueue = 1
		}
		overflow := len(queuedIDs) - maxQueue
		if overflow <= 0 {
			return nil
		}
		drop := queuedIDs[:overflow]
		query, args, err := sqlx.In(`
			UPDATE deferred_button_actions SET status = 'cancelled', updated_at = ?
			WHERE id IN (?)`, params.Now, drop)
		if err != nil {
			return fmt.Errorf("build overflow query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("cancel overflow deferred actions: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return actionID, nil
}

// PromoteNextDeferredAction promotes the oldest queued deferred action into a
// turn and run job, in one transaction, but only when the chat has no
// non-terminal run. Returns nil when nothing was promoted.
func (s *Store) PromoteNextDeferredAction(ctx context.Context, botID, chatID string, now int64) (*store.PromotedDeferredAction, error) {
	var promoted *store.PromotedDeferredAction
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var activeCount int
		if err := tx.GetContext(ctx, &activeCount, `
			SELECT COUNT(*)
			FROM cli_run_jobs
			WHERE bot_id = ? AND chat_id = ? AND status IN ('queued', 'leased', 'in_flight')`,
			botID, chatID); err != nil {
			return fmt.Errorf("count active runs: %w", err)
		}
		if activeCount > 0 {
			return nil
		}

		var row struct {
			ID         string `db:"id"`
			SessionID  string `db:"session_id"`
			ActionType string `db:"action_type"`
			PromptText string `db:"prompt_text"`
		}
		err := tx.GetContext(ctx, &row, `
			SELECT id, session_id, action_type, prompt_text
			FROM deferred_button_actions
			WHERE bot_id = ? AND chat_id = ? AND status = 'queued'
			ORDER BY created_at ASC
			LIMIT 1`,
			botID, chatID)
		if noRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select queued deferred action: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE deferred_button_actions SET status = 'promoted', updated_at = ? WHERE id = ?`,
			now, row.ID); err != nil {
			return fmt.Errorf("promote deferred action: %w", err)
		}

		turnID := uuid.NewString()
		jobID := uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO turns
				(turn_id, session_id, bot_id, chat_id, user_text, assistant_text,
				 status, error_text, started_at, finished_at, created_at)
			VALUES (?, ?, ?, ?, ?, NULL, 'queued', NULL, NULL, NULL, ?)`,
			turnID, row.SessionID, botID, chatID, row.PromptText, now); err != nil {
			return fmt.Errorf("insert promoted turn: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cli_run_jobs
				(id, turn_id, bot_id, chat_id, status, lease_owner, lease_expires_at,
				 available_at, attempts, last_error, created_at, updated_at)
			VALUES (?, ?, ?, ?, 'queued', NULL, NULL, ?, 0, NULL, ?, ?)`,
			jobID, turnID, botID, chatID, now, now, now); err != nil {
			return fmt.Errorf("insert promoted run job: %w", err)
		}

		promoted = &store.PromotedDeferredAction{
			ActionID:   row.ID,
			ActionType: row.ActionType,
			TurnID:     turnID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}
