// Package sqlite implements the store on embedded SQLite via sqlx.
// Job claims use a compare-and-set update instead of FOR UPDATE SKIP LOCKED.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/tgbridge/tgbridge/internal/store"
)

const busyTimeout = 5 * time.Second

// Store is the SQLite-backed store implementation.
type Store struct {
	db *sqlx.DB // writer, single connection
	ro *sqlx.DB // read-only pool
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the SQLite database at path and applies the
// schema. Use ":memory:" for an in-process database.
func Open(path string) (*Store, error) {
	writer, reader, err := openPools(path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: writer, ro: reader}
	if err := s.CreateSchema(context.Background()); err != nil {
		_ = writer.Close()
		if reader != writer {
			_ = reader.Close()
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func openPools(path string) (*sqlx.DB, *sqlx.DB, error) {
	if path == ":memory:" {
		// Shared-cache in-memory database: writer and readers must share the
		// same pool or they would each get a private database.
		dsn := fmt.Sprintf("file:tgbridge-mem-%d?mode=memory&cache=shared&_foreign_keys=on&_busy_timeout=%d",
			time.Now().UnixNano(), int(busyTimeout/time.Millisecond))
		db, err := sqlx.Open("sqlite3", dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		return db, db, nil
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
	}

	// Writer DSN: single connection serializes writes and avoids SQLITE_BUSY.
	writerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		path, int(busyTimeout/time.Millisecond))
	writer, err := sqlx.Open("sqlite3", writerDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	readerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		path, int(busyTimeout/time.Millisecond))
	reader, err := sqlx.Open("sqlite3", readerDSN)
	if err != nil {
		_ = writer.Close()
		return nil, nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	reader.SetMaxOpenConns(4)
	reader.SetMaxIdleConns(4)

	return writer, reader, nil
}

// Close closes the underlying connections.
func (s *Store) Close() error {
	if s.ro != nil && s.ro != s.db {
		_ = s.ro.Close()
	}
	return s.db.Close()
}

// CreateSchema applies the embedded DDL. All statements are idempotent.
func (s *Store) CreateSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// withTx runs fn inside a transaction on the writer connection.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a unique constraint failure whose
// message mentions all of the given fragments.
func isUniqueViolation(err error, fragments ...string) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	if sqliteErr.ExtendedCode != sqlite3.ErrConstraintUnique &&
		sqliteErr.ExtendedCode != sqlite3.ErrConstraintPrimaryKey {
		return false
	}
	msg := sqliteErr.Error()
	for _, fragment := range fragments {
		if !strings.Contains(msg, fragment) {
			return false
		}
	}
	return true
}

func noRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS bots (
		bot_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		mode TEXT NOT NULL,
		owner_user_id INTEGER NOT NULL,
		adapter_name TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS telegram_updates (
		bot_id TEXT NOT NULL,
		update_id INTEGER NOT NULL,
		chat_id TEXT,
		payload_json TEXT NOT NULL,
		received_at INTEGER NOT NULL,
		PRIMARY KEY (bot_id, update_id)
	)`,
	`CREATE TABLE IF NOT EXISTS telegram_update_jobs (
		id TEXT PRIMARY KEY,
		bot_id TEXT NOT NULL,
		update_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		lease_owner TEXT,
		lease_expires_at INTEGER,
		available_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_telegram_update_jobs_bot_update
		ON telegram_update_jobs (bot_id, update_id)`,
	`CREATE INDEX IF NOT EXISTS ix_telegram_update_jobs_claim
		ON telegram_update_jobs (bot_id, status, available_at)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		bot_id TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		adapter_name TEXT NOT NULL,
		adapter_model TEXT,
		project_root TEXT,
		unsafe_until INTEGER,
		adapter_thread_id TEXT,
		status TEXT NOT NULL,
		rolling_summary_md TEXT NOT NULL DEFAULT '',
		last_turn_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_sessions_active
		ON sessions (bot_id, chat_id) WHERE status = 'active'`,
	`CREATE INDEX IF NOT EXISTS ix_sessions_bot_chat_updated
		ON sessions (bot_id, chat_id, updated_at DESC)`,
	`CREATE TABLE IF NOT EXISTS turns (
		turn_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
		bot_id TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		user_text TEXT NOT NULL,
		assistant_text TEXT,
		status TEXT NOT NULL,
		error_text TEXT,
		started_at INTEGER,
		finished_at INTEGER,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_turns_session_created
		ON turns (session_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS cli_run_jobs (
		id TEXT PRIMARY KEY,
		turn_id TEXT NOT NULL UNIQUE REFERENCES turns(turn_id) ON DELETE CASCADE,
		bot_id TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		status TEXT NOT NULL,
		lease_owner TEXT,
		lease_expires_at INTEGER,
		available_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_cli_run_jobs_active
		ON cli_run_jobs (bot_id, chat_id)
		WHERE status IN ('queued', 'leased', 'in_flight')`,
	`CREATE INDEX IF NOT EXISTS ix_cli_run_jobs_claim
		ON cli_run_jobs (bot_id, status, available_at)`,
	`CREATE TABLE IF NOT EXISTS cli_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		turn_id TEXT NOT NULL REFERENCES turns(turn_id) ON DELETE CASCADE,
		bot_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_cli_events_turn_seq
		ON cli_events (turn_id, seq)`,
	`CREATE TABLE IF NOT EXISTS session_summaries (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
		bot_id TEXT NOT NULL,
		turn_id TEXT NOT NULL REFERENCES turns(turn_id) ON DELETE CASCADE,
		summary_md TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_session_summaries_session
		ON session_summaries (session_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS action_tokens (
		token TEXT PRIMARY KEY,
		bot_id TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		action TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		consumed_at INTEGER,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_action_tokens_expiry
		ON action_tokens (expires_at)`,
	`CREATE TABLE IF NOT EXISTS deferred_button_actions (
		id TEXT PRIMARY KEY,
		bot_id TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
		action_type TEXT NOT NULL,
		prompt_text TEXT NOT NULL,
		origin_turn_id TEXT NOT NULL REFERENCES turns(turn_id) ON DELETE CASCADE,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_deferred_button_actions_bot_chat_status_created
		ON deferred_button_actions (bot_id, chat_id, status, created_at)`,
	`CREATE TABLE IF NOT EXISTS runtime_metric_counters (
		bot_id TEXT NOT NULL,
		metric_key TEXT NOT NULL,
		metric_value INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (bot_id, metric_key)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		bot_id TEXT NOT NULL,
		chat_id TEXT,
		session_id TEXT,
		action TEXT NOT NULL,
		result TEXT NOT NULL,
		detail_json TEXT,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_audit_logs_bot_chat_created
		ON audit_logs (bot_id, chat_id, created_at DESC)`,
}
