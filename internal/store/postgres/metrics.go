package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/tgbridge/tgbridge/internal/store"
)

// IncrementRuntimeMetric adds delta to a per-bot counter, creating it as
// needed.
func (s *Store) IncrementRuntimeMetric(ctx context.Context, botID, metricKey string, now int64, delta int64) error {
	if delta == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO runtime_metric_counters (bot_id, metric_key, metric_value, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (bot_id, metric_key) DO UPDATE SET
			metric_value = runtime_metric_counters.metric_value + EXCLUDED.metric_value,
			updated_at = EXCLUDED.updated_at`,
		botID, metricKey, delta, now)
	if err != nil {
		return fmt.Errorf("increment runtime metric: %w", err)
	}
	return nil
}

// GetMetrics returns the aggregate snapshot, optionally scoped to one bot.
func (s *Store) GetMetrics(ctx context.Context, botID *string) (*store.Metrics, error) {
	where := ""
	var args []any
	if botID != nil {
		where = " WHERE bot_id = $1"
		args = []any{*botID}
	}

	metrics := &store.Metrics{
		TelegramUpdateJobsByStatus: map[string]int{},
		CliRunJobsByStatus:         map[string]int{},
		RuntimeCounters:            map[string]int64{},
	}

	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM telegram_update_jobs`+where, args...).Scan(&metrics.TelegramUpdateJobs); err != nil {
		return nil, fmt.Errorf("count update jobs: %w", err)
	}
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM cli_run_jobs`+where, args...).Scan(&metrics.CliRunJobs); err != nil {
		return nil, fmt.Errorf("count run jobs: %w", err)
	}
	inFlightQuery := `SELECT COUNT(*) FROM cli_run_jobs WHERE status IN ('leased', 'in_flight')`
	inFlightArgs := []any{}
	if botID != nil {
		inFlightQuery += ` AND bot_id = $1`
		inFlightArgs = append(inFlightArgs, *botID)
	}
	if err := s.db.QueryRow(ctx, inFlightQuery, inFlightArgs...).Scan(&metrics.InFlightRuns); err != nil {
		return nil, fmt.Errorf("count in-flight runs: %w", err)
	}
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM telegram_updates`+where, args...).Scan(&metrics.TelegramUpdatesTotal); err != nil {
		return nil, fmt.Errorf("count telegram updates: %w", err)
	}

	scanStatusCounts := func(query string, out map[string]int) error {
		rows, err := s.db.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			out[status] = n
		}
		return rows.Err()
	}
	if err := scanStatusCounts(
		`SELECT status, COUNT(*) FROM telegram_update_jobs`+where+` GROUP BY status`,
		metrics.TelegramUpdateJobsByStatus); err != nil {
		return nil, fmt.Errorf("group update job statuses: %w", err)
	}
	if err := scanStatusCounts(
		`SELECT status, COUNT(*) FROM cli_run_jobs`+where+` GROUP BY status`,
		metrics.CliRunJobsByStatus); err != nil {
		return nil, fmt.Errorf("group run job statuses: %w", err)
	}

	rows, err := s.db.Query(ctx,
		`SELECT metric_key, metric_value FROM runtime_metric_counters`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list runtime counters: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var value int64
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan runtime counter: %w", err)
		}
		metrics.RuntimeCounters[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runtime counters: %w", err)
	}

	return metrics, nil
}

// AppendAuditLog writes one audit entry with field truncation.
func (s *Store) AppendAuditLog(ctx context.Context, entry store.AuditLog) error {
	var detail *string
	if entry.DetailJSON != nil {
		truncated := store.Truncate(*entry.DetailJSON, store.MaxAuditDetailLen)
		detail = &truncated
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO audit_logs (id, bot_id, chat_id, session_id, action, result, detail_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.NewString(), entry.BotID, entry.ChatID, entry.SessionID,
		store.Truncate(entry.Action, store.MaxAuditActionLen),
		store.Truncate(entry.Result, store.MaxAuditResultLen),
		detail, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	return nil
}

// ListAuditLogs returns the newest audit entries for a bot, optionally scoped
// to one chat.
func (s *Store) ListAuditLogs(ctx context.Context, botID string, chatID *string, limit int) ([]store.AuditLog, error) {
	if limit < store.MinAuditListLimit {
		limit = store.MinAuditListLimit
	}
	if limit > store.MaxAuditListLimit {
		limit = store.MaxAuditListLimit
	}
	query := `
		SELECT id, bot_id, chat_id, session_id, action, result, detail_json, created_at
		FROM audit_logs WHERE bot_id = $1`
	args := []any{botID}
	if chatID != nil {
		query += ` AND chat_id = $2`
		args = append(args, *chatID)
		query += ` ORDER BY created_at DESC LIMIT $3`
	} else {
		query += ` ORDER BY created_at DESC LIMIT $2`
	}
	args = append(args, limit)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	var entries []store.AuditLog
	for rows.Next() {
		var e store.AuditLog
		if err := rows.Scan(&e.ID, &e.BotID, &e.ChatID, &e.SessionID, &e.Action, &e.Result, &e.DetailJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit logs: %w", err)
	}
	return entries, nil
}
