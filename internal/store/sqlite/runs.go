package sqlite

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tgbridge/tgbridge/internal/store"
)

const turnColumns = `turn_id, session_id, bot_id, chat_id, user_text, assistant_text,
	status, error_text, started_at, finished_at, created_at`

// CreateTurnAndJob inserts the turn and its run job in one transaction.
// Returns store.ErrActiveRunExists when the chat already has a non-terminal
// run (partial unique index on cli_run_jobs).
func (s *Store) CreateTurnAndJob(ctx context.Context, sessionID, botID, chatID, userText string, availableAt int64) (string, error) {
	turnID := uuid.NewString()
	jobID := uuid.NewString()
	now := availableAt
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO turns
				(turn_id, session_id, bot_id, chat_id, user_text, assistant_text,
				 status, error_text, started_at, finished_at, created_at)
			VALUES (?, ?, ?, ?, ?, NULL, 'queued', NULL, NULL, NULL, ?)`,
			turnID, sessionID, botID, chatID, userText, now); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cli_run_jobs
				(id, turn_id, bot_id, chat_id, status, lease_owner, lease_expires_at,
				 available_at, attempts, last_error, created_at, updated_at)
			VALUES (?, ?, ?, ?, 'queued', NULL, NULL, ?, 0, NULL, ?, ?)`,
			jobID, turnID, botID, chatID, availableAt, now, now); err != nil {
			if isUniqueViolation(err, "cli_run_jobs") {
				return fmt.Errorf("bot=%s chat=%s: %w", botID, chatID, store.ErrActiveRunExists)
			}
			return fmt.Errorf("insert run job: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return turnID, nil
}

// LeaseNextRunJob claims the oldest claimable run job. Claimable means queued,
// or leased/in_flight with an expired lease. The claim predicate is re-applied
// in the UPDATE; zero rowcount means a lost race and nil is returned.
func (s *Store) LeaseNextRunJob(ctx context.Context, botID, owner string, now, leaseDurationMS int64) (*store.LeasedRunJob, error) {
	var leased *store.LeasedRunJob
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var row struct {
			ID     string `db:"id"`
			TurnID string `db:"turn_id"`
			ChatID string `db:"chat_id"`
		}
		err := tx.GetContext(ctx, &row, `
			SELECT id, turn_id, chat_id
			FROM cli_run_jobs
			WHERE bot_id = ? AND available_at <= ?
			  AND (
				status = 'queued'
				OR (status IN ('leased', 'in_flight') AND lease_expires_at IS NOT NULL AND lease_expires_at < ?)
			  )
			ORDER BY available_at ASC, created_at ASC
			LIMIT 1`,
			botID, now, now)
		if noRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select claimable run job: %w", err)
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE cli_run_jobs
			SET status = 'leased', lease_owner = ?, lease_expires_at = ?, attempts = attempts + 1, updated_at = ?
			WHERE id = ? AND bot_id = ? AND available_at <= ?
			  AND (
				status = 'queued'
				OR (status IN ('leased', 'in_flight') AND lease_expires_at IS NOT NULL AND lease_expires_at < ?)
			  )`,
			owner, now+leaseDurationMS, now, row.ID, botID, now, now)
		if err != nil {
			return fmt.Errorf("claim run job: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim run job rowcount: %w", err)
		}
		if affected == 0 {
			return nil
		}

		// A reclaimed expired job restarts from a clean turn state.
		if _, err := tx.ExecContext(ctx,
			`UPDATE turns SET status = 'queued' WHERE turn_id = ?`, row.TurnID); err != nil {
			return fmt.Errorf("requeue turn: %w", err)
		}
		leased = &store.LeasedRunJob{ID: row.ID, TurnID: row.TurnID, ChatID: row.ChatID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// MarkRunInFlight transitions job and turn to in_flight.
func (s *Store) MarkRunInFlight(ctx context.Context, jobID, turnID string, now int64) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE cli_run_jobs SET status = 'in_flight', updated_at = ? WHERE id = ?`,
			now, jobID); err != nil {
			return fmt.Errorf("mark job in flight: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE turns SET status = 'in_flight', started_at = ? WHERE turn_id = ?`,
			now, turnID); err != nil {
			return fmt.Errorf("mark turn in flight: %w", err)
		}
		return nil
	})
}

// RenewRunJobLease extends the lease while the job is leased or in flight.
func (s *Store) RenewRunJobLease(ctx context.Context, jobID string, now, leaseDurationMS int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cli_run_jobs
		SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('leased', 'in_flight')`,
		now+leaseDurationMS, now, jobID)
	if err != nil {
		return fmt.Errorf("renew run job lease: %w", err)
	}
	return nil
}

// CompleteRunJobAndTurn marks both terminal-success and stores the
// assistant's final text.
func (s *Store) CompleteRunJobAndTurn(ctx context.Context, jobID, turnID, assistantText string, now int64) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE cli_run_jobs
			SET status = 'completed', lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE id = ?`,
			now, jobID); err != nil {
			return fmt.Errorf("complete run job: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE turns SET status = 'completed', assistant_text = ?, finished_at = ? WHERE turn_id = ?`,
			assistantText, now, turnID); err != nil {
			return fmt.Errorf("complete turn: %w", err)
		}
		return nil
	})
}

// FailRunJobAndTurn marks both terminal-failed. Failure is terminal.
func (s *Store) FailRunJobAndTurn(ctx context.Context, jobID, turnID, errorText string, now int64) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE cli_run_jobs
			SET status = 'failed', lease_owner = NULL, lease_expires_at = NULL, last_error = ?, updated_at = ?
			WHERE id = ?`,
			store.Truncate(errorText, store.MaxJobErrorLen), now, jobID); err != nil {
			return fmt.Errorf("fail run job: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE turns SET status = 'failed', error_text = ?, finished_at = ? WHERE turn_id = ?`,
			store.Truncate(errorText, store.MaxTurnErrorLen), now, turnID); err != nil {
			return fmt.Errorf("fail turn: %w", err)
		}
		return nil
	})
}

// MarkRunJobCancelled marks both terminal-cancelled.
func (s *Store) MarkRunJobCancelled(ctx context.Context, jobID, turnID string, now int64) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE cli_run_jobs
			SET status = 'cancelled', lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE id = ?`,
			now, jobID); err != nil {
			return fmt.Errorf("cancel run job: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE turns SET status = 'cancelled', finished_at = ? WHERE turn_id = ?`,
			now, turnID); err != nil {
			return fmt.Errorf("cancel turn: %w", err)
		}
		return nil
	})
}

// CancelActiveTurn cancels the newest non-terminal run for the chat and
// returns its turn id, or nil when there is none. A worker already executing
// the turn observes the cancellation through IsTurnCancelled.
func (s *Store) CancelActiveTurn(ctx context.Context, botID, chatID string, now int64) (*string, error) {
	var cancelled *string
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var row struct {
			ID     string `db:"id"`
			TurnID string `db:"turn_id"`
		}
		err := tx.GetContext(ctx, &row, `
			SELECT id, turn_id
			FROM cli_run_jobs
			WHERE bot_id = ? AND chat_id = ? AND status IN ('queued', 'leased', 'in_flight')
			ORDER BY created_at DESC
			LIMIT 1`,
			botID, chatID)
		if noRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select active run: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE cli_run_jobs
			SET status = 'cancelled', lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE id = ?`,
			now, row.ID); err != nil {
			return fmt.Errorf("cancel run job: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE turns SET status = 'cancelled', finished_at = ? WHERE turn_id = ?`,
			now, row.TurnID); err != nil {
			return fmt.Errorf("cancel turn: %w", err)
		}
		cancelled = &row.TurnID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// IsTurnCancelled reports whether the turn has been marked cancelled.
func (s *Store) IsTurnCancelled(ctx context.Context, turnID string) (bool, error) {
	var status string
	err := s.ro.GetContext(ctx, &status,
		`SELECT status FROM turns WHERE turn_id = ?`, turnID)
	if noRows(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get turn status: %w", err)
	}
	return status == store.StatusCancelled, nil
}

// GetTurn loads a turn by id.
func (s *Store) GetTurn(ctx context.Context, turnID string) (*store.Turn, error) {
	var row store.Turn
	err := s.ro.GetContext(ctx, &row,
		`SELECT `+turnColumns+` FROM turns WHERE turn_id = ?`, turnID)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get turn: %w", err)
	}
	return &row, nil
}

// GetLatestCompletedTurn returns the session's newest completed turn.
func (s *Store) GetLatestCompletedTurn(ctx context.Context, sessionID string) (*store.Turn, error) {
	var row store.Turn
	err := s.ro.GetContext(ctx, &row, `
		SELECT `+turnColumns+`
		FROM turns
		WHERE session_id = ? AND status = 'completed'
		ORDER BY created_at DESC
		LIMIT 1`,
		sessionID)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest completed turn: %w", err)
	}
	return &row, nil
}

// HasActiveRun reports whether the chat has a non-terminal run job.
func (s *Store) HasActiveRun(ctx context.Context, botID, chatID string) (bool, error) {
	var count int
	err := s.ro.GetContext(ctx, &count, `
		SELECT COUNT(*)
		FROM cli_run_jobs
		WHERE bot_id = ? AND chat_id = ? AND status IN ('queued', 'leased', 'in_flight')`,
		botID, chatID)
	if err != nil {
		return false, fmt.Errorf("count active runs: %w", err)
	}
	return count > 0, nil
}
