package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tgbridge/tgbridge/internal/store"
)

// UpsertBot inserts or refreshes the bots row.
func (s *Store) UpsertBot(ctx context.Context, bot store.Bot) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO bots (bot_id, name, mode, owner_user_id, adapter_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (bot_id) DO UPDATE SET
			name = EXCLUDED.name,
			mode = EXCLUDED.mode,
			owner_user_id = EXCLUDED.owner_user_id,
			adapter_name = EXCLUDED.adapter_name,
			updated_at = EXCLUDED.updated_at`,
		bot.BotID, bot.Name, bot.Mode, bot.OwnerUserID, bot.AdapterName, bot.CreatedAt, bot.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert bot: %w", err)
	}
	return nil
}

// InsertTelegramUpdate stores a raw update. Returns false when the
// (bot_id, update_id) pair was already seen.
func (s *Store) InsertTelegramUpdate(ctx context.Context, botID string, updateID int64, chatID *string, payloadJSON string, receivedAt int64) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO telegram_updates (bot_id, update_id, chat_id, payload_json, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (bot_id, update_id) DO NOTHING`,
		botID, updateID, chatID, payloadJSON, receivedAt)
	if err != nil {
		return false, fmt.Errorf("insert telegram update: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetTelegramUpdate loads one raw update row.
func (s *Store) GetTelegramUpdate(ctx context.Context, botID string, updateID int64) (*store.TelegramUpdate, error) {
	var row store.TelegramUpdate
	err := s.db.QueryRow(ctx, `
		SELECT bot_id, update_id, chat_id, payload_json, received_at
		FROM telegram_updates WHERE bot_id = $1 AND update_id = $2`,
		botID, updateID).Scan(&row.BotID, &row.UpdateID, &row.ChatID, &row.PayloadJSON, &row.ReceivedAt)
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
	err := s.db.QueryRow(ctx,
		`SELECT MAX(update_id) FROM telegram_updates WHERE bot_id = $1`, botID).Scan(&value)
	if err != nil {
		return nil, fmt.Errorf("get max telegram update id: %w", err)
	}
	if !value.Valid {
		return nil, nil
	}
	return &value.Int64, nil
}

// ResetTelegramIngestState drops all persisted updates and ingest jobs for
// the bot.
func (s *Store) ResetTelegramIngestState(ctx context.Context, botID string) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM telegram_update_jobs WHERE bot_id = $1`, botID); err != nil {
			return fmt.Errorf("delete telegram update jobs: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM telegram_updates WHERE bot_id = $1`, botID); err != nil {
			return fmt.Errorf("delete telegram updates: %w", err)
		}
		return nil
	})
}

// EnqueueTelegramUpdateJob queues an ingest job for the update. Duplicate
// (bot_id, update_id) jobs are ignored.
func (s *Store) EnqueueTelegramUpdateJob(ctx context.Context, botID string, updateID int64, availableAt int64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO telegram_update_jobs
			(id, bot_id, update_id, status, lease_owner, lease_expires_at, available_at, attempts, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULL, NULL, $5, 0, NULL, $6, $7)
		ON CONFLICT (bot_id, update_id) DO NOTHING`,
		uuid.NewString(), botID, updateID, store.StatusQueued, availableAt, availableAt, availableAt)
	if err != nil {
		return fmt.Errorf("enqueue telegram update job: %w", err)
	}
	return nil
}

// LeaseNextTelegramUpdateJob claims the oldest claimable ingest job using
// FOR UPDATE SKIP LOCKED, so concurrent workers never block on each other.
func (s *Store) LeaseNextTelegramUpdateJob(ctx context.Context, botID, owner string, now, leaseDurationMS int64) (*store.LeasedTelegramUpdateJob, error) {
	var leased *store.LeasedTelegramUpdateJob
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var jobID string
		var updateID int64
		err := tx.QueryRow(ctx, `
			SELECT id, update_id
			FROM telegram_update_jobs
			WHERE bot_id = $1 AND available_at <= $2
			  AND (
				status = 'queued'
				OR (status = 'leased' AND lease_expires_at IS NOT NULL AND lease_expires_at < $2)
			  )
			ORDER BY available_at ASC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1`,
			botID, now).Scan(&jobID, &updateID)
		if noRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select claimable update job: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE telegram_update_jobs
			SET status = 'leased', lease_owner = $1, lease_expires_at = $2, attempts = attempts + 1, updated_at = $3
			WHERE id = $4`,
			owner, now+leaseDurationMS, now, jobID); err != nil {
			return fmt.Errorf("claim update job: %w", err)
		}
		leased = &store.LeasedTelegramUpdateJob{ID: jobID, UpdateID: updateID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// RenewTelegramUpdateJobLease extends the lease of a leased job.
func (s *Store) RenewTelegramUpdateJobLease(ctx context.Context, jobID string, now, leaseDurationMS int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE telegram_update_jobs
		SET lease_expires_at = $1, updated_at = $2
		WHERE id = $3 AND status = 'leased'`,
		now+leaseDurationMS, now, jobID)
	if err != nil {
		return fmt.Errorf("renew telegram update job lease: %w", err)
	}
	return nil
}

// CompleteTelegramUpdateJob marks the job terminal-success.
func (s *Store) CompleteTelegramUpdateJob(ctx context.Context, jobID string, now int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE telegram_update_jobs
		SET status = 'completed', lease_owner = NULL, lease_expires_at = NULL, updated_at = $1
		WHERE id = $2`,
		now, jobID)
	if err != nil {
		return fmt.Errorf("complete telegram update job: %w", err)
	}
	return nil
}

// FailTelegramUpdateJob marks the job terminal-failed.
func (s *Store) FailTelegramUpdateJob(ctx context.Context, jobID string, now int64, errText string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE telegram_update_jobs
		SET status = 'failed', lease_owner = NULL, lease_expires_at = NULL, last_error = $1, updated_at = $2
		WHERE id = $3`,
		store.Truncate(errText, store.MaxJobErrorLen), now, jobID)
	if err != nil {
		return fmt.Errorf("fail telegram update job: %w", err)
	}
	return nil
}
