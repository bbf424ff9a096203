package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tgbridge/tgbridge/internal/store"
)

const turnColumns = `turn_id, session_id, bot_id, chat_id, user_text, assistant_text,
	status, error_text, started_at, finished_at, created_at`

func scanTurn(row pgx.Row) (*store.Turn, error) {
	var t store.Turn
	err := row.Scan(&t.TurnID, &t.SessionID, &t.BotID, &t.ChatID, &t.UserText, &t.AssistantText,
		&t.Status, &t.ErrorText, &t.StartedAt, &t.FinishedAt, &t.CreatedAt)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTurnAndJob inserts the turn and its run job in one transaction.
// Returns store.ErrActiveRunExists when the chat already has a non-terminal
// run (partial unique index on cli_run_jobs).
func (s *Store) CreateTurnAndJob(ctx context.Context, sessionID, botID, chatID, userText string, availableAt int64) (string, error) {
	turnID := uuid.NewString()
	jobID := uuid.NewString()
	now := availableAt
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO turns
				(turn_id, session_id, bot_id, chat_id, user_text, assistant_text,
				 status, error_text, started_at, finished_at, created_at)
			VALUES ($1, $2, $3, $4, $5, NULL, 'queued', NULL, NULL, NULL, $6)`,
			turnID, sessionID, botID, chatID, userText, now); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO cli_run_jobs
				(id, turn_id, bot_id, chat_id, status, lease_owner, lease_expires_at,
				 available_at, attempts, last_error, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 'queued', NULL, NULL, $5, 0, NULL, $6, $7)`,
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
// or leased/in_flight with an expired lease. FOR UPDATE SKIP LOCKED keeps
// concurrent workers from blocking on the same row.
func (s *Store) LeaseNextRunJob(ctx context.Context, botID, owner string, now, leaseDurationMS int64) (*store.LeasedRunJob, error) {
	var leased *store.LeasedRunJob
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var jobID, turnID, chatID string
		err := tx.QueryRow(ctx, `
			SELECT id, turn_id, chat_id
			FROM cli_run_jobs
			WHERE bot_id = $1 AND available_at <= $2
			  AND (
				status = 'queued'
				OR (status IN ('leased', 'in_flight') AND lease_expires_at IS NOT NULL AND lease_expires_at < $2)
			  )
			ORDER BY available_at ASC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1`,
			botID, now).Scan(&jobID, &turnID, &chatID)
		if noRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select claimable run job: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE cli_run_jobs
			SET status = 'leased', lease_owner = $1, lease_expires_at = $2, attempts = attempts + 1, updated_at = $3
			WHERE id = $4`,
			owner, now+leaseDurationMS, now, jobID); err != nil {
			return fmt.Errorf("claim run job: %w", err)
		}

		// A reclaimed expired job restarts from a clean turn state.
		if _, err := tx.Exec(ctx,
			`UPDATE turns SET status = 'queued' WHERE turn_id = $1`, turnID); err != nil {
			return fmt.Errorf("requeue turn: %w", err)
		}
		leased = &store.LeasedRunJob{ID: jobID, TurnID: turnID, ChatID: chatID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// MarkRunInFlight transitions job and turn to in_flight.
func (s *Store) MarkRunInFlight(ctx context.Context, jobID, turnID string, now int64) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE cli_run_jobs SET status = 'in_flight', updated_at = $1 WHERE id = $2`,
			now, jobID); err != nil {
			return fmt.Errorf("mark job in flight: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE turns SET status = 'in_flight', started_at = $1 WHERE turn_id = $2`,
			now, turnID); err != nil {
			return fmt.Errorf("mark turn in flight: %w", err)
		}
		return nil
	})
}

// RenewRunJobLease extends the lease while the job is leased or in flight.
func (s *Store) RenewRunJobLease(ctx context.Context, jobID string, now, leaseDurationMS int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE cli_run_jobs
		SET lease_expires_at = $1, updated_at = $2
		WHERE id = $3 AND status IN ('leased', 'in_flight')`,
		now+leaseDurationMS, now, jobID)
	if err != nil {
		return fmt.Errorf("renew run job lease: %w", err)
	}
	return nil
}

// CompleteRunJobAndTurn marks both terminal-success and stores the
// assistant's final text.
func (s *Store) CompleteRunJobAndTurn(ctx context.Context, jobID, turnID, assistantText string, now int64) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE cli_run_jobs
			SET status = 'completed', lease_owner = NULL, lease_expires_at = NULL, updated_at = $1
			WHERE id = $2`,
			now, jobID); err != nil {
			return fmt.Errorf("complete run job: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE turns SET status = 'completed', assistant_text = $1, finished_at = $2 WHERE turn_id = $3`,
			assistantText, now, turnID); err != nil {
			return fmt.Errorf("complete turn: %w", err)
		}
		return nil
	})
}

// FailRunJobAndTurn marks both terminal-failed. Failure is terminal.
func (s *Store) FailRunJobAndTurn(ctx context.Context, jobID, turnID, errorText string, now int64) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE cli_run_jobs
			SET status = 'failed', lease_owner = NULL, lease_expires_at = NULL, last_error = $1, updated_at = $2
			WHERE id = $3`,
			store.Truncate(errorText, store.MaxJobErrorLen), now, jobID); err != nil {
			return fmt.Errorf("fail run job: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE turns SET status = 'failed', error_text = $1, finished_at = $2 WHERE turn_id = $3`,
			store.Truncate(errorText, store.MaxTurnErrorLen), now, turnID); err != nil {
			return fmt.Errorf("fail turn: %w", err)
		}
		return nil
	})
}

// MarkRunJobCancelled marks both terminal-cancelled.
func (s *Store) MarkRunJobCancelled(ctx context.Context, jobID, turnID string, now int64) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE cli_run_jobs
			SET status = 'cancelled', lease_owner = NULL, lease_expires_at = NULL, updated_at = $1
			WHERE id = $2`,
			now, jobID); err != nil {
			return fmt.Errorf("cancel run job: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE turns SET status = 'cancelled', finished_at = $1 WHERE turn_id = $2`,
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
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var jobID, turnID string
		err := tx.QueryRow(ctx, `
			SELECT id, turn_id
			FROM cli_run_jobs
			WHERE bot_id = $1 AND chat_id = $2 AND status IN ('queued', 'leased', 'in_flight')
			ORDER BY created_at DESC
			FOR UPDATE
			LIMIT 1`,
			botID, chatID).Scan(&jobID, &turnID)
		if noRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select active run: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE cli_run_jobs
			SET status = 'cancelled', lease_owner = NULL, lease_expires_at = NULL, updated_at = $1
			WHERE id = $2`,
			now, jobID); err != nil {
			return fmt.Errorf("cancel run job: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE turns SET status = 'cancelled', finished_at = $1 WHERE turn_id = $2`,
			now, turnID); err != nil {
			return fmt.Errorf("cancel turn: %w", err)
		}
		cancelled = &turnID
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
	err := s.db.QueryRow(ctx,
		`SELECT status FROM turns WHERE turn_id = $1`, turnID).Scan(&status)
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
	turn, err := scanTurn(s.db.QueryRow(ctx,
		`SELECT `+turnColumns+` FROM turns WHERE turn_id = $1`, turnID))
	if err != nil {
		return nil, fmt.Errorf("get turn: %w", err)
	}
	return turn, nil
}

// GetLatestCompletedTurn returns the session's newest completed turn.
func (s *Store) GetLatestCompletedTurn(ctx context.Context, sessionID string) (*store.Turn, error) {
	turn, err := scanTurn(s.db.QueryRow(ctx, `
		SELECT `+turnColumns+`
		FROM turns
		WHERE session_id = $1 AND status = 'completed'
		ORDER BY created_at DESC
		LIMIT 1`,
		sessionID))
	if err != nil {
		return nil, fmt.Errorf("get latest completed turn: %w", err)
	}
	return turn, nil
}

// HasActiveRun reports whether the chat has a non-terminal run job.
func (s *Store) HasActiveRun(ctx context.Context, botID, chatID string) (bool, error) {
	var count int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM cli_run_jobs
		WHERE bot_id = $1 AND chat_id = $2 AND status IN ('queued', 'leased', 'in_flight')`,
		botID, chatID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count active runs: %w", err)
	}
	return count > 0, nil
}
