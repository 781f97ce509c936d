package store

import (
	"time"
)

// Schedule status / record status constants. Kept as plain strings in the
// store layer so Postgres and the in-memory store serialize identically.
const (
	RecordStatusScheduled  = "scheduled"
	RecordStatusPending    = "pending"
	RecordStatusProcessing = "processing"
	RecordStatusRunning    = "running"
	RecordStatusSuccess    = "success"
	RecordStatusFailed     = "failed"
	RecordStatusSkipped    = "skipped"
)

// Trigger types recorded on executions.
const (
	TriggerTypeSchedule = "schedule"
	TriggerTypeWebhook  = "webhook"
	TriggerTypeAPI      = "api"
	TriggerTypeManual   = "manual"
)

// Schedule is a declarative recurring trigger bound to one canvas.
// At most one non-deleted Schedule exists per (canvasID, uid).
type Schedule struct {
	ScheduleID     string     `json:"schedule_id" db:"schedule_id"`
	UID            string     `json:"uid" db:"uid"`
	CanvasID       string     `json:"canvas_id" db:"canvas_id"`
	Name           string     `json:"name" db:"name"`
	CronExpression string     `json:"cron_expression" db:"cron_expression"`
	Timezone       string     `json:"timezone" db:"timezone"` // default Asia/Shanghai
	IsEnabled      bool       `json:"is_enabled" db:"is_enabled"`
	NextRunAt      *time.Time `json:"next_run_at" db:"next_run_at"`
	LastRunAt      *time.Time `json:"last_run_at" db:"last_run_at"`
	ScheduleConfig string     `json:"schedule_config" db:"schedule_config"` // opaque JSON for the UI, reserved _disabledReason
	DeletedAt      *time.Time `json:"deleted_at" db:"deleted_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// ScheduleRecord is the durable audit/state row for one anticipated or
// triggered run. At most one `scheduled` record exists per schedule.
type ScheduleRecord struct {
	ScheduleRecordID    string     `json:"schedule_record_id" db:"schedule_record_id"`
	ScheduleID          string     `json:"schedule_id" db:"schedule_id"`
	UID                 string     `json:"uid" db:"uid"`
	SourceCanvasID      string     `json:"source_canvas_id" db:"source_canvas_id"`
	CanvasID            string     `json:"canvas_id" db:"canvas_id"` // cloned execution canvas, empty until known
	WorkflowTitle       string     `json:"workflow_title" db:"workflow_title"`
	Status              string     `json:"status" db:"status"`
	Priority            int        `json:"priority" db:"priority"`
	ScheduledAt         time.Time  `json:"scheduled_at" db:"scheduled_at"`
	TriggeredAt         *time.Time `json:"triggered_at" db:"triggered_at"`
	CompletedAt         *time.Time `json:"completed_at" db:"completed_at"`
	WorkflowExecutionID string     `json:"workflow_execution_id" db:"workflow_execution_id"`
	UsedTools           []string   `json:"used_tools" db:"used_tools"` // JSONB
	SnapshotStorageKey  string     `json:"snapshot_storage_key" db:"snapshot_storage_key"`
	FailureReason       string     `json:"failure_reason" db:"failure_reason"`
	ErrorDetails        string     `json:"error_details" db:"error_details"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
}

// Webhook is a public trigger endpoint bound to (uid, canvasID).
// Uniqueness on (canvasID, uid) includes soft-deleted rows; a reset
// generates a fresh api id on the same row.
type Webhook struct {
	APIID     string     `json:"api_id" db:"api_id"` // wh_<32 hex>
	UID       string     `json:"uid" db:"uid"`
	CanvasID  string     `json:"canvas_id" db:"canvas_id"`
	IsEnabled bool       `json:"is_enabled" db:"is_enabled"`
	Timeout   int        `json:"timeout" db:"timeout"` // seconds
	DeletedAt *time.Time `json:"deleted_at" db:"deleted_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// APICallRecord is the immutable audit row for a single inbound trigger
// HTTP call. Headers and body are stored redacted.
type APICallRecord struct {
	RecordID            string     `json:"record_id" db:"record_id"` // rec_<cuid2>
	UID                 string     `json:"uid" db:"uid"`
	APIID               string     `json:"api_id" db:"api_id"`
	CanvasID            string     `json:"canvas_id" db:"canvas_id"`
	WorkflowExecutionID string     `json:"workflow_execution_id" db:"workflow_execution_id"`
	RequestURL          string     `json:"request_url" db:"request_url"`
	RequestMethod       string     `json:"request_method" db:"request_method"`
	RequestHeaders      string     `json:"request_headers" db:"request_headers"` // redacted JSON
	RequestBody         string     `json:"request_body" db:"request_body"`       // redacted JSON
	HTTPStatus          int        `json:"http_status" db:"http_status"`
	ResponseTimeMs      int64      `json:"response_time" db:"response_time_ms"`
	Status              string     `json:"status" db:"status"` // success | failed
	FailureReason       string     `json:"failure_reason" db:"failure_reason"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	CompletedAt         *time.Time `json:"completed_at" db:"completed_at"`
}

// SandboxMetadata is the persisted descriptor of a live or idle remote
// sandbox. The pool is the sole writer outside of the auto-pause and kill
// processors.
type SandboxMetadata struct {
	SandboxID    string     `json:"sandbox_id" db:"sandbox_id"`
	Cwd          string     `json:"cwd" db:"cwd"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	IdleSince    *time.Time `json:"idle_since" db:"idle_since"`
	IsPaused     bool       `json:"is_paused" db:"is_paused"`
	LastPausedAt *time.Time `json:"last_paused_at" db:"last_paused_at"`
}

// StaticFile is an externally-uploaded blob addressed by a deterministic
// content key (of_...) under openapi/<uid>/<fileKey>.
type StaticFile struct {
	FileKey      string    `json:"file_key" db:"file_key"`
	UID          string    `json:"uid" db:"uid"`
	StorageKey   string    `json:"storage_key" db:"storage_key"`
	OriginalName string    `json:"original_name" db:"original_name"`
	ContentType  string    `json:"content_type" db:"content_type"`
	ExpiredAt    time.Time `json:"expired_at" db:"expired_at"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Subscription is the slice of the billing model the priority service
// reads. Billing itself is an external collaborator.
type Subscription struct {
	UID       string     `json:"uid" db:"uid"`
	Plan      string     `json:"plan" db:"plan"` // max, plus, starter, maker, test, free
	Status    string     `json:"status" db:"status"`
	CancelAt  *time.Time `json:"cancel_at" db:"cancel_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// Canvas is the thin projection of the user's workflow definition the
// control plane needs: the title for record materialization and the
// declared variables for normalization. The canvas body stays opaque.
type Canvas struct {
	CanvasID  string    `json:"canvas_id" db:"canvas_id"`
	UID       string    `json:"uid" db:"uid"`
	Title     string    `json:"title" db:"title"`
	Variables string    `json:"variables" db:"variables"` // JSON WorkflowVariable[]
	Data      string    `json:"data" db:"data"`           // opaque canvas body
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsCompleted reports whether a record reached a terminal engine state.
func IsCompleted(status string) bool {
	return status == RecordStatusSuccess || status == RecordStatusFailed
}
