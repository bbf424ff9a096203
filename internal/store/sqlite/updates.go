package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tgbridge/tgbridge/internal/store"
)

// UpsertBot inserts or refreshes the bots row.
func (s *Store) UpsertBot(ctx context.Context, bot store.Bot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bots (bot_id, name, mode, owner_user_id, adapter_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (bot_id) DO UPDATE SET
			name = excluded.name,
			mode = excluded.mode,
			owner_user_id = excluded.owner_user_id,
			adapter_name = excluded.adapter_name,
			updated_at = excluded.updated_at`,
		bot.BotID, bot.Name, bot.Mode, bot.OwnerUserID, bot.AdapterName, bot.CreatedAt, bot.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert bot: %w", err)
	}
	return nil
}

// InsertTelegramUpdate stores a raw update. Returns false when the
// (bot_id, update_id) pair was already seen.
func (s *Store) InsertTelegramUpdate(ctx context.Context, botID string, updateID int64, chatID *string, payloadJSON string, receivedAt int64) (bool, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO telegram_updates (bot_id, update_id, chat_id, payload_json, received_at)
		VALUES (?, ?, ?, ?, ?)`,
		botID, updateID, chatID, payloadJSON, receivedAt)
	if err != nil {
		if isUniqueViolation(err, "telegram_updates") {
			return false, nil
		}
		return false, fmt.Errorf("insert telegram update: %w", err)
	}
	return true, nil
}

// GetTelegramUpdate loads one raw update row.
func (s *Store) GetTelegramUpdate(ctx context.Context, botID string, updateID int64) (*store.TelegramUpdate, error) {
	var row store.TelegramUpdate
	err := s.ro.GetContext(ctx, &row, `
		SELECT bot_id, update_id, chat_id, payload_json, received_at
		FROM telegram_updates WHERE bot_id = ? AND update_id = ?`,
		botID, updateID)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get telegram update: %w", err)
	}
	return &row, nil
}

// GetMaxTelegramUpdateID returns the highest persisted update_id, or nil when
// no updates exist.
func (s *Store) GetMaxTelegramUpdateID(ctx context.Context, botID string) (*int64, error) {
	var value sql.NullInt64
	err := s.ro.GetContext(ctx, &value,
		`SELECT MAX(update_id) FROM telegram_updates WHERE bot_id = ?`, botID)
	if err != nil {
		return nil, fmt.Errorf("get max telegram update id: %w", err)
	}
	if !value.Valid {
		return nil, nil
	}
	return &value.Int64, nil
}

// ResetTelegramIngestState drops all persisted updates and ingest jobs for the
// bot. Used against mock Bot API servers that restart update_id from 1.
func (s *Store) ResetTelegramIngestState(ctx context.Context, botID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM telegram_update_jobs WHERE bot_id = ?`, botID); err != nil {
			return fmt.Errorf("delete telegram update jobs: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM telegram_updates WHERE bot_id = ?`, botID); err != nil {
			return fmt.Errorf("delete telegram updates: %w", err)
		}
		return nil
	})
}

// EnqueueTelegramUpdateJob queues an ingest job for the update. Duplicate
// (bot_id, update_id) jobs are ignored.
func (s *Store) EnqueueTelegramUpdateJob(ctx context.Context, botID string, updateID int64, availableAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO telegram_update_jobs
			(id, bot_id, update_id, status, lease_owner, lease_expires_at, available_at, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, NULL, NULL, ?, 0, NULL, ?, ?)`,
		uuid.NewString(), botID, updateID, store.StatusQueued, availableAt, availableAt, availableAt)
	if err != nil {
		if isUniqueViolation(err, "telegram_update_jobs") {
			return nil
		}
		return fmt.Errorf("enqueue telegram update job: %w", err)
	}
	return nil
}

// LeaseNextTelegramUpdateJob claims the oldest claimable ingest job. The
// claim predicate is re-applied in the UPDATE; a zero rowcount means another
// worker won the race and nil is returned.
func (s *Store) LeaseNextTelegramUpdateJob(ctx context.Context, botID, owner string, now, leaseDurationMS int64) (*store.LeasedTelegramUpdateJob, error) {
	var leased *store.LeasedTelegramUpdateJob
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var row struct {
			ID       string `db:"id"`
			UpdateID int64  `db:"update_id"`
		}
		err := tx.GetContext(ctx, &row, `
			SELECT id, update_id
			FROM telegram_update_jobs
			WHERE bot_id = ? AND available_at <= ?
			  AND (
				status = 'queued'
				OR (status = 'leased' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?)
			  )
			ORDER BY available_at ASC, created_at ASC
			LIMIT 1`,
			botID, now, now)
		if noRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select claimable update job: %w", err)
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE telegram_update_jobs
			SET status = 'leased', lease_owner = ?, lease_expires_at = ?, attempts = attempts + 1, updated_at = ?
			WHERE id = ? AND bot_id = ? AND available_at <= ?
			  AND (
				status = 'queued'
				OR (status = 'leased' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?)
			  )`,
			owner, now+leaseDurationMS, now, row.ID, botID, now, now)
		if err != nil {
			return fmt.Errorf("claim update job: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim update job rowcount: %w", err)
		}
		if affected == 0 {
			// Lost the claim race.
			return nil
		}
		leased = &store.LeasedTelegramUpdateJob{ID: row.ID, UpdateID: row.UpdateID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// RenewTelegramUpdateJobLease extends the lease of a leased job.
func (s *Store) RenewTelegramUpdateJobLease(ctx context.Context, jobID string, now, leaseDurationMS int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE telegram_update_jobs
		SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = 'leased'`,
		now+leaseDurationMS, now, jobID)
	if err != nil {
		return fmt.Errorf("renew telegram update job lease: %w", err)
	}
	return nil
}

// CompleteTelegramUpdateJob marks the job terminal-success.
func (s *Store) CompleteTelegramUpdateJob(ctx context.Context, jobID string, now int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE telegram_update_jobs
		SET status = 'completed', lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ?`,
		now, jobID)
	if err != nil {
		return fmt.Errorf("complete telegram update job: %w", err)
	}
	return nil
}

// FailTelegramUpdateJob marks the job terminal-failed. Failure is terminal;
// failed jobs are never re-leased.
func (s *Store) FailTelegramUpdateJob(ctx context.Context, jobID string, now int64, errText string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE telegram_update_jobs
		SET status = 'failed', lease_owner = NULL, lease_expires_at = NULL, last_error = ?, updated_at = ?
		WHERE id = ?`,
		store.Truncate(errText, store.MaxJobErrorLen), now, jobID)
	if err != nil {
		return fmt.Errorf("fail telegram update job: %w", err)
	}
	return nil
}
