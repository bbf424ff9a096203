package sqlite

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tgbridge/tgbridge/internal/store"
)

const sessionColumns = `session_id, bot_id, chat_id, adapter_name, adapter_model,
	project_root, unsafe_until, adapter_thread_id, status, rolling_summary_md,
	last_turn_at, created_at, updated_at`

// GetLatestSession returns the most relevant session for the chat: active
// first, then most recently touched.
func (s *Store) GetLatestSession(ctx context.Context, botID, chatID string) (*store.Session, error) {
	var row store.Session
	err := s.ro.GetContext(ctx, &row, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE bot_id = ? AND chat_id = ?
		ORDER BY CASE WHEN status = 'active' THEN 0 ELSE 1 END,
			updated_at DESC, created_at DESC, session_id DESC
		LIMIT 1`,
		botID, chatID)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest session: %w", err)
	}
	return &row, nil
}

// GetActiveSession returns the active session for the chat, if any.
func (s *Store) GetActiveSession(ctx context.Context, botID, chatID string) (*store.Session, error) {
	var row store.Session
	err := s.ro.GetContext(ctx, &row, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE bot_id = ? AND chat_id = ? AND status = 'active'
		ORDER BY updated_at DESC, created_at DESC, session_id DESC
		LIMIT 1`,
		botID, chatID)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return &row, nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	var row store.Session
	err := s.ro.GetContext(ctx, &row, `
		SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &row, nil
}

// GetOrCreateActiveSession returns the active session for the chat, creating
// one when none exists. A unique-index conflict from a concurrent creator is
// resolved by re-reading the winner's row.
func (s *Store) GetOrCreateActiveSession(ctx context.Context, params store.NewSessionParams) (*store.Session, error) {
	existing, err := s.GetActiveSession(ctx, params.BotID, params.ChatID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	fresh := store.Session{
		SessionID:        uuid.NewString(),
		BotID:            params.BotID,
		ChatID:           params.ChatID,
		AdapterName:      params.AdapterName,
		AdapterModel:     params.AdapterModel,
		Status:           store.SessionActive,
		RollingSummaryMD: "",
		CreatedAt:        params.Now,
		UpdatedAt:        params.Now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions
			(session_id, bot_id, chat_id, adapter_name, adapter_model, project_root,
			 unsafe_until, adapter_thread_id, status, rolling_summary_md, last_turn_at,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, NULL, NULL, NULL, 'active', '', NULL, ?, ?)`,
		fresh.SessionID, fresh.BotID, fresh.ChatID, fresh.AdapterName, fresh.AdapterModel,
		fresh.CreatedAt, fresh.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "sessions") {
			winner, retryErr := s.GetActiveSession(ctx, params.BotID, params.ChatID)
			if retryErr != nil {
				return nil, retryErr
			}
			if winner != nil {
				return winner, nil
			}
		}
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &fresh, nil
}

// CreateFreshSession demotes any active sessions for the chat to reset and
// inserts a new active one.
func (s *Store) CreateFreshSession(ctx context.Context, params store.NewSessionParams) (*store.Session, error) {
	fresh := store.Session{
		SessionID:        uuid.NewString(),
		BotID:            params.BotID,
		ChatID:           params.ChatID,
		AdapterName:      params.AdapterName,
		AdapterModel:     params.AdapterModel,
		Status:           store.SessionActive,
		RollingSummaryMD: "",
		CreatedAt:        params.Now,
		UpdatedAt:        params.Now,
	}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET status = 'reset', adapter_thread_id = NULL, updated_at = ?
			WHERE bot_id = ? AND chat_id = ? AND status = 'active'`,
			params.Now, params.BotID, params.ChatID); err != nil {
			return fmt.Errorf("demote active sessions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions
				(session_id, bot_id, chat_id, adapter_name, adapter_model, project_root,
				 unsafe_until, adapter_thread_id, status, rolling_summary_md, last_turn_at,
				 created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, NULL, NULL, NULL, 'active', '', NULL, ?, ?)`,
			fresh.SessionID, fresh.BotID, fresh.ChatID, fresh.AdapterName, fresh.AdapterModel,
			fresh.CreatedAt, fresh.UpdatedAt); err != nil {
			return fmt.Errorf("insert fresh session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &fresh, nil
}

// ResetSession marks the session reset and clears its continuity state.
func (s *Store) ResetSession(ctx context.Context, sessionID string, now int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = 'reset', adapter_thread_id = NULL, rolling_summary_md = '', updated_at = ?
		WHERE session_id = ?`,
		now, sessionID)
	if err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	return nil
}

// SetSessionThreadID records (or clears) the provider-native thread id.
func (s *Store) SetSessionThreadID(ctx context.Context, sessionID string, threadID *string, now int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET adapter_thread_id = ?, updated_at = ? WHERE session_id = ?`,
		threadID, now, sessionID)
	if err != nil {
		return fmt.Errorf("set session thread id: %w", err)
	}
	return nil
}

// SetSessionAdapter switches the session's adapter. Other active sessions for
// the chat are demoted and the thread id is cleared since provider threads do
// not transfer across CLIs.
func (s *Store) SetSessionAdapter(ctx context.Context, sessionID, adapterName string, adapterModel *string, now int64) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var target struct {
			BotID  string `db:"bot_id"`
			ChatID string `db:"chat_id"`
		}
		err := tx.GetContext(ctx, &target,
			`SELECT bot_id, chat_id FROM sessions WHERE session_id = ?`, sessionID)
		if noRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET status = 'reset', adapter_thread_id = NULL, updated_at = ?
			WHERE bot_id = ? AND chat_id = ? AND status = 'active' AND session_id != ?`,
			now, target.BotID, target.ChatID, sessionID); err != nil {
			return fmt.Errorf("demote sibling sessions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET adapter_name = ?, adapter_model = ?, adapter_thread_id = NULL, status = 'active', updated_at = ?
			WHERE session_id = ?`,
			adapterName, adapterModel, now, sessionID); err != nil {
			return fmt.Errorf("set session adapter: %w", err)
		}
		return nil
	})
}

// SetSessionModel switches the session's model and clears the thread id.
func (s *Store) SetSessionModel(ctx context.Context, sessionID string, adapterModel *string, now int64) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var target struct {
			BotID  string `db:"bot_id"`
			ChatID string `db:"chat_id"`
		}
		err := tx.GetContext(ctx, &target,
			`SELECT bot_id, chat_id FROM sessions WHERE session_id = ?`, sessionID)
		if noRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET status = 'reset', adapter_thread_id = NULL, updated_at = ?
			WHERE bot_id = ? AND chat_id = ? AND status = 'active' AND session_id != ?`,
			now, target.BotID, target.ChatID, sessionID); err != nil {
			return fmt.Errorf("demote sibling sessions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET adapter_model = ?, adapter_thread_id = NULL, status = 'active', updated_at = ?
			WHERE session_id = ?`,
			adapterModel, now, sessionID); err != nil {
			return fmt.Errorf("set session model: %w", err)
		}
		return nil
	})
}

// SetSessionProjectRoot records (or clears) the session's project root,
// demoting sibling active sessions and keeping the target active. The
// provider thread is untouched since the conversation continues in place.
func (s *Store) SetSessionProjectRoot(ctx context.Context, sessionID string, projectRoot *string, now int64) error {
	return s.setSessionField(ctx, sessionID, "project_root", projectRoot, now)
}

// SetSessionUnsafeUntil records (or clears) the epoch-ms until which the
// session runs without sandbox restrictions.
func (s *Store) SetSessionUnsafeUntil(ctx context.Context, sessionID string, unsafeUntil *int64, now int64) error {
	return s.setSessionField(ctx, sessionID, "unsafe_until", unsafeUntil, now)
}

func (s *Store) setSessionField(ctx context.Context, sessionID, column string, value any, now int64) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var target struct {
			BotID  string `db:"bot_id"`
			ChatID string `db:"chat_id"`
		}
		err := tx.GetContext(ctx, &target,
			`SELECT bot_id, chat_id FROM sessions WHERE session_id = ?`, sessionID)
		if noRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET status = 'reset', adapter_thread_id = NULL, updated_at = ?
			WHERE bot_id = ? AND chat_id = ? AND status = 'active' AND session_id != ?`,
			now, target.BotID, target.ChatID, sessionID); err != nil {
			return fmt.Errorf("demote sibling sessions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET `+column+` = ?, status = 'active', updated_at = ?
			WHERE session_id = ?`,
			value, now, sessionID); err != nil {
			return fmt.Errorf("set session %s: %w", column, err)
		}
		return nil
	})
}

// UpsertSessionSummary stores a summary snapshot and refreshes the session's
// rolling summary.
func (s *Store) UpsertSessionSummary(ctx context.Context, sessionID, botID, turnID, summaryMD string, now int64) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET rolling_summary_md = ?, last_turn_at = ?, updated_at = ?, status = 'active'
			WHERE session_id = ?`,
			summaryMD, now, now, sessionID); err != nil {
			return fmt.Errorf("update rolling summary: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_summaries (id, session_id, bot_id, turn_id, summary_md, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), sessionID, botID, turnID, summaryMD, now); err != nil {
			return fmt.Errorf("insert session summary: %w", err)
		}
		return nil
	})
}
