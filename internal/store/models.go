package store

// Job and turn statuses.
const (
	StatusQueued    = "queued"
	StatusLeased    = "leased"
	StatusInFlight  = "in_flight"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"

	SessionActive = "active"
	SessionReset  = "reset"

	DeferredQueued    = "queued"
	DeferredPromoted  = "promoted"
	DeferredCancelled = "cancelled"
)

// Normalized CLI event types.
const (
	EventThreadStarted    = "thread_started"
	EventTurnStarted      = "turn_started"
	EventReasoning        = "reasoning"
	EventCommandStarted   = "command_started"
	EventCommandCompleted = "command_completed"
	EventAssistantMessage = "assistant_message"
	EventTurnCompleted    = "turn_completed"
	EventError            = "error"
	EventDeliveryError    = "delivery_error"
)

// Bot is one managed bot identity.
type Bot struct {
	BotID       string `db:"bot_id"`
	Name        string `db:"name"`
	Mode        string `db:"mode"`
	OwnerUserID int64  `db:"owner_user_id"`
	AdapterName string `db:"adapter_name"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

// TelegramUpdate is a raw inbound update keyed by (bot_id, update_id).
type TelegramUpdate struct {
	BotID       string  `db:"bot_id"`
	UpdateID    int64   `db:"update_id"`
	ChatID      *string `db:"chat_id"`
	PayloadJSON string  `db:"payload_json"`
	ReceivedAt  int64   `db:"received_at"`
}

// Session is a conversation context for one (bot, chat).
type Session struct {
	SessionID        string  `db:"session_id"`
	BotID            string  `db:"bot_id"`
	ChatID           string  `db:"chat_id"`
	AdapterName      string  `db:"adapter_name"`
	AdapterModel     *string `db:"adapter_model"`
	ProjectRoot      *string `db:"project_root"`
	UnsafeUntil      *int64  `db:"unsafe_until"`
	AdapterThreadID  *string `db:"adapter_thread_id"`
	Status           string  `db:"status"`
	RollingSummaryMD string  `db:"rolling_summary_md"`
	LastTurnAt       *int64  `db:"last_turn_at"`
	CreatedAt        int64   `db:"created_at"`
	UpdatedAt        int64   `db:"updated_at"`
}

// Turn is one user request and its outcome.
type Turn struct {
	TurnID        string  `db:"turn_id"`
	SessionID     string  `db:"session_id"`
	BotID         string  `db:"bot_id"`
	ChatID        string  `db:"chat_id"`
	UserText      string  `db:"user_text"`
	AssistantText *string `db:"assistant_text"`
	Status        string  `db:"status"`
	ErrorText     *string `db:"error_text"`
	StartedAt     *int64  `db:"started_at"`
	FinishedAt    *int64  `db:"finished_at"`
	CreatedAt     int64   `db:"created_at"`
}

// CliEvent is one persisted normalized adapter event.
type CliEvent struct {
	ID          int64  `db:"id"`
	TurnID      string `db:"turn_id"`
	BotID       string `db:"bot_id"`
	Seq         int    `db:"seq"`
	EventType   string `db:"event_type"`
	PayloadJSON string `db:"payload_json"`
	CreatedAt   int64  `db:"created_at"`
}

// ActionToken is a single-use callback token.
type ActionToken struct {
	Token       string `db:"token"`
	BotID       string `db:"bot_id"`
	ChatID      string `db:"chat_id"`
	Action      string `db:"action"`
	PayloadJSON string `db:"payload_json"`
	ExpiresAt   int64  `db:"expires_at"`
	ConsumedAt  *int64 `db:"consumed_at"`
	CreatedAt   int64  `db:"created_at"`
}

// AuditLog is one append-only audit entry.
type AuditLog struct {
	ID         string  `db:"id"`
	BotID      string  `db:"bot_id"`
	ChatID     *string `db:"chat_id"`
	SessionID  *string `db:"session_id"`
	Action     string  `db:"action"`
	Result     string  `db:"result"`
	DetailJSON *string `db:"detail_json"`
	CreatedAt  int64   `db:"created_at"`
}

// LeasedTelegramUpdateJob is the claim result for an ingest job.
type LeasedTelegramUpdateJob struct {
	ID       string
	UpdateID int64
}

// LeasedRunJob is the claim result for a CLI run job.
type LeasedRunJob struct {
	ID     string
	TurnID string
	ChatID string
}

// PromotedDeferredAction reports a deferred button action turned into a run.
type PromotedDeferredAction struct {
	ActionID   string
	ActionType string
	TurnID     string
}

// NewSessionParams holds the fields for creating a session.
type NewSessionParams struct {
	BotID        string
	ChatID       string
	AdapterName  string
	AdapterModel *string
	Now          int64
}

// DeferredActionParams holds the fields for queueing a deferred button action.
type DeferredActionParams struct {
	BotID        string
	ChatID       string
	SessionID    string
	ActionType   string
	PromptText   string
	OriginTurnID string
	MaxQueue     int
	Now          int64
}

// Metrics is the aggregate snapshot served by /metrics.
type Metrics struct {
	TelegramUpdateJobs         int              `json:"telegram_update_jobs"`
	CliRunJobs                 int              `json:"cli_run_jobs"`
	InFlightRuns               int              `json:"in_flight_runs"`
	TelegramUpdatesTotal       int              `json:"telegram_updates_total"`
	TelegramUpdateJobsByStatus map[string]int   `json:"telegram_update_jobs_by_status"`
	CliRunJobsByStatus         map[string]int   `json:"cli_run_jobs_by_status"`
	RuntimeCounters            map[string]int64 `json:"runtime_counters"`
}
