// Package store defines the durable state shared by ingest workers, run
// workers, and the command handler: sessions, turns, leased job queues,
// persisted CLI events, action tokens, and runtime counters.
package store

import (
	"context"
	"errors"
)

// ErrActiveRunExists is returned by CreateTurnAndJob when a non-terminal run
// already exists for the (bot, chat) pair.
var ErrActiveRunExists = errors.New("active run already exists")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the full persistence surface. Two engines implement it: postgres
// (pgx, FOR UPDATE SKIP LOCKED claims) and sqlite (sqlx, compare-and-set
// claims).
type Store interface {
	CreateSchema(ctx context.Context) error
	Close() error

	// Bots
	UpsertBot(ctx context.Context, bot Bot) error

	// Telegram updates and ingest jobs
	InsertTelegramUpdate(ctx context.Context, botID string, updateID int64, chatID *string, payloadJSON string, receivedAt int64) (bool, error)
	GetTelegramUpdate(ctx context.Context, botID string, updateID int64) (*TelegramUpdate, error)
	GetMaxTelegramUpdateID(ctx context.Context, botID string) (*int64, error)
	ResetTelegramIngestState(ctx context.Context, botID string) error
	EnqueueTelegramUpdateJob(ctx context.Context, botID string, updateID int64, availableAt int64) error
	LeaseNextTelegramUpdateJob(ctx context.Context, botID, owner string, now, leaseDurationMS int64) (*LeasedTelegramUpdateJob, error)
	RenewTelegramUpdateJobLease(ctx context.Context, jobID string, now, leaseDurationMS int64) error
	CompleteTelegramUpdateJob(ctx context.Context, jobID string, now int64) error
	FailTelegramUpdateJob(ctx context.Context, jobID string, now int64, errText string) error

	// Sessions
	GetLatestSession(ctx context.Context, botID, chatID string) (*Session, error)
	GetActiveSession(ctx context.Context, botID, chatID string) (*Session, error)
	GetOrCreateActiveSession(ctx context.Context, params NewSessionParams) (*Session, error)
	CreateFreshSession(ctx context.Context, params NewSessionParams) (*Session, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	ResetSession(ctx context.Context, sessionID string, now int64) error
	SetSessionThreadID(ctx context.Context, sessionID string, threadID *string, now int64) error
	SetSessionAdapter(ctx context.Context, sessionID, adapterName string, adapterModel *string, now int64) error
	SetSessionModel(ctx context.Context, sessionID string, adapterModel *string, now int64) error
	SetSessionProjectRoot(ctx context.Context, sessionID string, projectRoot *string, now int64) error
	SetSessionUnsafeUntil(ctx context.Context, sessionID string, unsafeUntil *int64, now int64) error
	UpsertSessionSummary(ctx context.Context, sessionID, botID, turnID, summaryMD string, now int64) error

	// Turns and run jobs
	CreateTurnAndJob(ctx context.Context, sessionID, botID, chatID, userText string, availableAt int64) (string, error)
	LeaseNextRunJob(ctx context.Context, botID, owner string, now, leaseDurationMS int64) (*LeasedRunJob, error)
	MarkRunInFlight(ctx context.Context, jobID, turnID string, now int64) error
	RenewRunJobLease(ctx context.Context, jobID string, now, leaseDurationMS int64) error
	CompleteRunJobAndTurn(ctx context.Context, jobID, turnID, assistantText string, now int64) error
	FailRunJobAndTurn(ctx context.Context, jobID, turnID, errorText string, now int64) error
	MarkRunJobCancelled(ctx context.Context, jobID, turnID string, now int64) error
	CancelActiveTurn(ctx context.Context, botID, chatID string, now int64) (*string, error)
	IsTurnCancelled(ctx context.Context, turnID string) (bool, error)
	GetTurn(ctx context.Context, turnID string) (*Turn, error)
	GetLatestCompletedTurn(ctx context.Context, sessionID string) (*Turn, error)
	HasActiveRun(ctx context.Context, botID, chatID string) (bool, error)

	// CLI events
	AppendCliEvent(ctx context.Context, event CliEvent) error
	GetTurnEventsCount(ctx context.Context, turnID string) (int, error)
	ListTurnEvents(ctx context.Context, turnID string, afterSeq, limit int) ([]CliEvent, error)

	// Action tokens
	CreateActionToken(ctx context.Context, token ActionToken) error
	ConsumeActionToken(ctx context.Context, token, botID, chatID string, now int64) (*ActionToken, error)

	// Deferred button actions
	EnqueueDeferredButtonAction(ctx context.Context, params DeferredActionParams) (string, error)
	PromoteNextDeferredAction(ctx context.Context, botID, chatID string, now int64) (*PromotedDeferredAction, error)

	// Metrics and audit
	IncrementRuntimeMetric(ctx context.Context, botID, metricKey string, now int64, delta int64) error
	GetMetrics(ctx context.Context, botID *string) (*Metrics, error)
	AppendAuditLog(ctx context.Context, entry AuditLog) error
	ListAuditLogs(ctx context.Context, botID string, chatID *string, limit int) ([]AuditLog, error)
}

// Truncation limits applied when persisting error and audit text.
const (
	MaxJobErrorLen     = 2000
	MaxTurnErrorLen    = 4000
	MaxAuditActionLen  = 64
	MaxAuditResultLen  = 32
	MaxAuditDetailLen  = 4000
	MaxAuditListLimit  = 500
	MinAuditListLimit  = 1
	DefaultAuditLimit  = 100
	DefaultMaxDeferred = 10
)

// Truncate shortens s to at most max bytes.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
