package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tgbridge/tgbridge/internal/store"
)

// CreateActionToken stores a single-use callback token.
func (s *Store) CreateActionToken(ctx context.Context, token store.ActionToken) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO action_tokens
			(token, bot_id, chat_id, action, payload_json, expires_at, consumed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULL, $7)`,
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
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var row store.ActionToken
		err := tx.QueryRow(ctx, `
			SELECT token, bot_id, chat_id, action, payload_json, expires_at, consumed_at, created_at
			FROM action_tokens
			WHERE token = $1 AND bot_id = $2 AND chat_id = $3
			  AND consumed_at IS NULL AND expires_at >= $4
			FOR UPDATE
			LIMIT 1`,
			token, botID, chatID, now).Scan(&row.Token, &row.BotID, &row.ChatID, &row.Action,
			&row.PayloadJSON, &row.ExpiresAt, &row.ConsumedAt, &row.CreatedAt)
		if noRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select action token: %w", err)
		}
		tag, err := tx.Exec(ctx, `
			UPDATE action_tokens SET consumed_at = $1
			WHERE token = $2 AND consumed_at IS NULL`,
			now, token)
		if err != nil {
			return fmt.Errorf("consume action token: %w", err)
		}
		if tag.RowsAffected() == 0 {
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
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO deferred_button_actions
				(id, bot_id, chat_id, session_id, action_type, prompt_text, origin_turn_id,
				 status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 'queued', $8, $9)`,
			actionID, params.BotID, params.ChatID, params.SessionID, params.ActionType,
			params.PromptText, params.OriginTurnID, params.Now, params.Now); err != nil {
			return fmt.Errorf("insert deferred action: %w", err)
		}

		rows, err := tx.Query(ctx, `
			SELECT id FROM deferred_button_actions
			WHERE bot_id = $1 AND chat_id = $2 AND status = 'queued'
			ORDER BY created_at ASC`,
			params.BotID, params.ChatID)
		if err != nil {
			return fmt.Errorf("list queued deferred actions: %w", err)
		}
		var queuedIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan queued deferred action: %w", err)
			}
			queuedIDs = append(queuedIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate queued deferred actions: %w", err)
		}

		maxQueue := params.MaxQueue
		if maxQueue < 1 {
			maxQueue = 1
		}
		overflow := len(queuedIDs) - maxQueue
		if overflow <= 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, `
			UPDATE deferred_button_actions SET status = 'cancelled', updated_at = $1
			WHERE id = ANY($2)`,
			params.Now, queuedIDs[:overflow]); err != nil {
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
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var activeCount int
		if err := tx.QueryRow(ctx, `
			SELECT COUNT(*)
			FROM cli_run_jobs
			WHERE bot_id = $1 AND chat_id = $2 AND status IN ('queued', 'leased', 'in_flight')`,
			botID, chatID).Scan(&activeCount); err != nil {
			return fmt.Errorf("count active runs: %w", err)
		}
		if activeCount > 0 {
			return nil
		}

		var actionID, sessionID, actionType, promptText string
		err := tx.QueryRow(ctx, `
			SELECT id, session_id, action_type, prompt_text
			FROM deferred_button_actions
			WHERE bot_id = $1 AND chat_id = $2 AND status = 'queued'
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1`,
			botID, chatID).Scan(&actionID, &sessionID, &actionType, &promptText)
		if noRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select queued deferred action: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE deferred_button_actions SET status = 'promoted', updated_at = $1 WHERE id = $2`,
			now, actionID); err != nil {
			return fmt.Errorf("promote deferred action: %w", err)
		}

		turnID := uuid.NewString()
		jobID := uuid.NewString()
		if _, err := tx.Exec(ctx, `
			INSERT INTO turns
				(turn_id, session_id, bot_id, chat_id, user_text, assistant_text,
				 status, error_text, started_at, finished_at, created_at)
			VALUES ($1, $2, $3, $4, $5, NULL, 'queued', NULL, NULL, NULL, $6)`,
			turnID, sessionID, botID, chatID, promptText, now); err != nil {
			return fmt.Errorf("insert promoted turn: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO cli_run_jobs
				(id, turn_id, bot_id, chat_id, status, lease_owner, lease_expires_at,
				 available_at, attempts, last_error, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 'queued', NULL, NULL, $5, 0, NULL, $6, $7)`,
			jobID, turnID, botID, chatID, now, now, now); err != nil {
			return fmt.Errorf("insert promoted run job: %w", err)
		}

		promoted = &store.PromotedDeferredAction{
			ActionID:   actionID,
			ActionType: actionType,
			TurnID:     turnID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}
