package sqlite

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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runtime_metric_counters (bot_id, metric_key, metric_value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (bot_id, metric_key) DO UPDATE SET
			metric_value = runtime_metric_counters.metric_value + excluded.metric_value,
			updated_at = excluded.updated_at`,
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
		where = " WHERE bot_id = ?"
		args = []any{*botID}
	}

	metrics := &store.Metrics{
		TelegramUpdateJobsByStatus: map[string]int{},
		CliRunJobsByStatus:         map[string]int{},
		RuntimeCounters:            map[string]int64{},
	}

	if err := s.ro.GetContext(ctx, &metrics.TelegramUpdateJobs,
		`SELECT COUNT(*) FROM telegram_update_jobs`+where, args...); err != nil {
		return nil, fmt.Errorf("count update jobs: %w", err)
	}
	if err := s.ro.GetContext(ctx, &metrics.CliRunJobs,
		`SELECT COUNT(*) FROM cli_run_jobs`+where, args...); err != nil {
		return nil, fmt.Errorf("count run jobs: %w", err)
	}
	inFlightQuery := `SELECT COUNT(*) FROM cli_run_jobs WHERE status IN ('leased', 'in_flight')`
	inFlightArgs := []any{}
	if botID != nil {
		inFlightQuery += ` AND bot_id = ?`
		inFlightArgs = append(inFlightArgs, *botID)
	}
	if err := s.ro.GetContext(ctx, &metrics.InFlightRuns, inFlightQuery, inFlightArgs...); err != nil {
		return nil, fmt.Errorf("count in-flight runs: %w", err)
	}
	if err := s.ro.GetContext(ctx, &metrics.TelegramUpdatesTotal,
		`SELECT COUNT(*) FROM telegram_updates`+where, args...); err != nil {
		return nil, fmt.Errorf("count telegram updates: %w", err)
	}

	type statusCount struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	var updateStatuses []statusCount
	if err := s.ro.SelectContext(ctx, &updateStatuses,
		`SELECT status, COUNT(*) AS n FROM telegram_update_jobs`+where+` GROUP BY status`, args...); err != nil {
		return nil, fmt.Errorf("group update job statuses: %w", err)
	}
	for _, row := range updateStatuses {
		metrics.TelegramUpdateJobsByStatus[row.Status] = row.N
	}
	var runStatuses []statusCount
	if err := s.ro.SelectContext(ctx, &runStatuses,
		`SELECT status, COUNT(*) AS n FROM cli_run_jobs`+where+` GROUP BY status`, args...); err != nil {
		return nil, fmt.Errorf("group run job statuses: %w", err)
	}
	for _, row := range runStatuses {
		metrics.CliRunJobsByStatus[row.Status] = row.N
	}

	type counterRow struct {
		Key   string `db:"metric_key"`
		Value int64  `db:"metric_value"`
	}
	var counters []counterRow
	if err := s.ro.SelectContext(ctx, &counters,
		`SELECT metric_key, metric_value FROM runtime_metric_counters`+where, args...); err != nil {
		return nil, fmt.Errorf("list runtime counters: %w", err)
	}
	for _, row := range counters {
		metrics.RuntimeCounters[row.Key] = row.Value
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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, bot_id, chat_id, session_id, action, result, detail_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
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
		FROM audit_logs WHERE bot_id = ?`
	args := []any{botID}
	if chatID != nil {
		query += ` AND chat_id = ?`
		args = append(args, *chatID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	var rows []store.AuditLog
	if err := s.ro.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	return rows, nil
}
