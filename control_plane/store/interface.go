package store

import (
	"context"
	"time"
)

// Store defines the durable storage backend for trigger-plane entities.
// It abstracts over Postgres (production) and the in-memory store (tests).
// Lookups return (nil, nil) when the row does not exist.
type Store interface {
	// Schedule operations
	// UpsertScheduleForCanvas implements create-or-merge semantics: the same
	// call path updates an existing non-deleted schedule for (canvasID, uid).
	UpsertScheduleForCanvas(ctx context.Context, sched *Schedule) error
	GetSchedule(ctx context.Context, scheduleID string) (*Schedule, error)
	GetScheduleByCanvas(ctx context.Context, uid, canvasID string) (*Schedule, error)
	// ListDueSchedules returns isEnabled AND not deleted AND nextRunAt <= now.
	ListDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error)
	ListSchedulesByUser(ctx context.Context, uid string) ([]*Schedule, error)
	// ListActiveSchedules returns enabled non-deleted schedules for uid
	// ordered by createdAt desc (quota enforcement disables from the head).
	ListActiveSchedules(ctx context.Context, uid string) ([]*Schedule, error)
	CountActiveSchedules(ctx context.Context, uid string) (int, error)
	// UpdateScheduleRun advances the cron cursor after a trigger.
	UpdateScheduleRun(ctx context.Context, scheduleID string, lastRunAt time.Time, nextRunAt *time.Time) error
	// DisableSchedule clears isEnabled and nextRunAt; a non-empty reason is
	// merged into scheduleConfig under _disabledReason.
	DisableSchedule(ctx context.Context, scheduleID string, reason string) error
	SoftDeleteSchedule(ctx context.Context, scheduleID string) error

	// ScheduleRecord operations
	CreateScheduleRecord(ctx context.Context, rec *ScheduleRecord) error
	GetScheduleRecord(ctx context.Context, recordID string) (*ScheduleRecord, error)
	// GetScheduledRecord returns the single record in `scheduled` state for
	// a schedule, if any.
	GetScheduledRecord(ctx context.Context, scheduleID string) (*ScheduleRecord, error)
	UpdateScheduleRecord(ctx context.Context, rec *ScheduleRecord) error
	ListScheduleRecords(ctx context.Context, uid string, scheduleID string, limit int) ([]*ScheduleRecord, error)
	// ListCompletedRecords returns the user's latest completed records
	// (success or failed) ordered by completedAt desc.
	ListCompletedRecords(ctx context.Context, uid string, limit int) ([]*ScheduleRecord, error)

	// Webhook operations
	GetWebhook(ctx context.Context, apiID string) (*Webhook, error)
	// GetWebhookByCanvas matches soft-deleted rows too: the uniqueness
	// constraint includes them and enable must revive, not recreate.
	GetWebhookByCanvas(ctx context.Context, uid, canvasID string) (*Webhook, error)
	UpsertWebhook(ctx context.Context, wh *Webhook) error

	// APICallRecord operations (immutable after creation)
	CreateAPICallRecord(ctx context.Context, rec *APICallRecord) error
	ListAPICallRecords(ctx context.Context, uid string, apiID string, limit int) ([]*APICallRecord, error)

	// StaticFile operations
	GetStaticFilesByStorageKeys(ctx context.Context, uid string, storageKeys []string) ([]*StaticFile, error)

	// API key operations
	// GetUIDByAPIKey resolves a key hash to its owner; "" when unknown or
	// revoked.
	GetUIDByAPIKey(ctx context.Context, keyHash string) (string, error)

	// Subscription operations
	// GetActiveSubscription returns the newest subscription with
	// status=active and (cancelAt null or cancelAt > now).
	GetActiveSubscription(ctx context.Context, uid string, now time.Time) (*Subscription, error)

	// Canvas operations
	GetCanvas(ctx context.Context, uid, canvasID string) (*Canvas, error)
}
