// Package postgres implements the store on PostgreSQL via pgx. Job claims use
// FOR UPDATE SKIP LOCKED.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tgbridge/tgbridge/internal/common/database"
	"github.com/tgbridge/tgbridge/internal/store"
)

// schemaLockKey serializes concurrent schema creation across processes.
const schemaLockKey = 823741917432

// Store is the PostgreSQL-backed store implementation.
type Store struct {
	db *database.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to the database at databaseURL and applies the schema.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := database.NewDB(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.CreateSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewWithDB wraps an existing connection pool without applying the schema.
func NewWithDB(db *database.DB) *Store {
	return &Store{db: db}
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// CreateSchema applies the DDL under an advisory lock.
func (s *Store) CreateSchema(ctx context.Context) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(schemaLockKey)); err != nil {
			return fmt.Errorf("acquire schema lock: %w", err)
		}
		for _, stmt := range schemaStatements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("schema statement failed: %w", err)
			}
		}
		return nil
	})
}

// isUniqueViolation reports whether err is a unique violation whose constraint
// or message mentions all fragments.
func isUniqueViolation(err error, fragments ...string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != "23505" {
		return false
	}
	haystack := pgErr.ConstraintName + " " + pgErr.Message + " " + pgErr.TableName
	for _, fragment := range fragments {
		if !strings.Contains(haystack, fragment) {
			return false
		}
	}
	return true
}

func noRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS bots (
		bot_id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		mode VARCHAR(32) NOT NULL,
		owner_user_id BIGINT NOT NULL,
		adapter_name VARCHAR(32) NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS telegram_updates (
		bot_id VARCHAR(64) NOT NULL,
		update_id BIGINT NOT NULL,
		chat_id VARCHAR(255),
		payload_json TEXT NOT NULL,
		received_at BIGINT NOT NULL,
		PRIMARY KEY (bot_id, update_id)
	)`,
	`CREATE TABLE IF NOT EXISTS telegram_update_jobs (
		id VARCHAR(64) PRIMARY KEY,
		bot_id VARCHAR(64) NOT NULL,
		update_id BIGINT NOT NULL,
		status VARCHAR(32) NOT NULL,
		lease_owner VARCHAR(255),
		lease_expires_at BIGINT,
		available_at BIGINT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_telegram_update_jobs_bot_update
		ON telegram_update_jobs (bot_id, update_id)`,
	`CREATE INDEX IF NOT EXISTS ix_telegram_update_jobs_claim
		ON telegram_update_jobs (bot_id, status, available_at)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		session_id VARCHAR(64) PRIMARY KEY,
		bot_id VARCHAR(64) NOT NULL,
		chat_id VARCHAR(255) NOT NULL,
		adapter_name VARCHAR(32) NOT NULL,
		adapter_model VARCHAR(128),
		project_root VARCHAR(1024),
		unsafe_until BIGINT,
		adapter_thread_id VARCHAR(128),
		status VARCHAR(32) NOT NULL,
		rolling_summary_md TEXT NOT NULL DEFAULT '',
		last_turn_at BIGINT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_sessions_active
		ON sessions (bot_id, chat_id) WHERE status = 'active'`,
	`CREATE INDEX IF NOT EXISTS ix_sessions_bot_chat_updated
		ON sessions (bot_id, chat_id, updated_at DESC)`,
	`CREATE TABLE IF NOT EXISTS turns (
		turn_id VARCHAR(64) PRIMARY KEY,
		session_id VARCHAR(64) NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
		bot_id VARCHAR(64) NOT NULL,
		chat_id VARCHAR(255) NOT NULL,
		user_text TEXT NOT NULL,
		assistant_text TEXT,
		status VARCHAR(32) NOT NULL,
		error_text TEXT,
		started_at BIGINT,
		finished_at BIGINT,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_turns_session_created
		ON turns (session_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS cli_run_jobs (
		id VARCHAR(64) PRIMARY KEY,
		turn_id VARCHAR(64) NOT NULL UNIQUE REFERENCES turns(turn_id) ON DELETE CASCADE,
		bot_id VARCHAR(64) NOT NULL,
		chat_id VARCHAR(255) NOT NULL,
		status VARCHAR(32) NOT NULL,
		lease_owner VARCHAR(255),
		lease_expires_at BIGINT,
		available_at BIGINT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_cli_run_jobs_active
		ON cli_run_jobs (bot_id, chat_id)
		WHERE status IN ('queued', 'leased', 'in_flight')`,
	`CREATE INDEX IF NOT EXISTS ix_cli_run_jobs_claim
		ON cli_run_jobs (bot_id, status, available_at)`,
	`CREATE TABLE IF NOT EXISTS cli_events (
		id BIGSERIAL PRIMARY KEY,
		turn_id VARCHAR(64) NOT NULL REFERENCES turns(turn_id) ON DELETE CASCADE,
		bot_id VARCHAR(64) NOT NULL,
		seq INTEGER NOT NULL,
		event_type VARCHAR(64) NOT NULL,
		payload_json TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_cli_events_turn_seq
		ON cli_events (turn_id, seq)`,
	`CREATE TABLE IF NOT EXISTS session_summaries (
		id VARCHAR(64) PRIMARY KEY,
		session_id VARCHAR(64) NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
		bot_id VARCHAR(64) NOT NULL,
		turn_id VARCHAR(64) NOT NULL REFERENCES turns(turn_id) ON DELETE CASCADE,
		summary_md TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_session_summaries_session
		ON session_summaries (session_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS action_tokens (
		token VARCHAR(64) PRIMARY KEY,
		bot_id VARCHAR(64) NOT NULL,
		chat_id VARCHAR(255) NOT NULL,
		action VARCHAR(32) NOT NULL,
		payload_json TEXT NOT NULL,
		expires_at BIGINT NOT NULL,
		consumed_at BIGINT,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_action_tokens_expiry
		ON action_tokens (expires_at)`,
	`CREATE TABLE IF NOT EXISTS deferred_button_actions (
		id VARCHAR(64) PRIMARY KEY,
		bot_id VARCHAR(64) NOT NULL,
		chat_id VARCHAR(255) NOT NULL,
		session_id VARCHAR(64) NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
		action_type VARCHAR(32) NOT NULL,
		prompt_text TEXT NOT NULL,
		origin_turn_id VARCHAR(64) NOT NULL REFERENCES turns(turn_id) ON DELETE CASCADE,
		status VARCHAR(32) NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_deferred_button_actions_bot_chat_status_created
		ON deferred_button_actions (bot_id, chat_id, status, created_at)`,
	`CREATE TABLE IF NOT EXISTS runtime_metric_counters (
		bot_id VARCHAR(64) NOT NULL,
		metric_key VARCHAR(128) NOT NULL,
		metric_value BIGINT NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (bot_id, metric_key)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id VARCHAR(64) PRIMARY KEY,
		bot_id VARCHAR(64) NOT NULL,
		chat_id VARCHAR(255),
		session_id VARCHAR(64),
		action VARCHAR(64) NOT NULL,
		result VARCHAR(32) NOT NULL,
		detail_json TEXT,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_audit_logs_bot_chat_created
		ON audit_logs (bot_id, chat_id, created_at DESC)`,
}
