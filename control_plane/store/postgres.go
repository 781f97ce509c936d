package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Schedule Operations ---

func (s *PostgresStore) UpsertScheduleForCanvas(ctx context.Context, sched *Schedule) error {
	// Uniqueness on (canvas_id, uid) where deleted_at is null backs the
	// create-or-merge semantics: the same call path updates an existing
	// schedule for the canvas.
	query := `
		INSERT INTO schedules (schedule_id, uid, canvas_id, name, cron_expression, timezone, is_enabled, next_run_at, last_run_at, schedule_config, deleted_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULL, NOW())
		ON CONFLICT (canvas_id, uid) WHERE deleted_at IS NULL DO UPDATE SET
			name = EXCLUDED.name,
			cron_expression = EXCLUDED.cron_expression,
			timezone = EXCLUDED.timezone,
			is_enabled = EXCLUDED.is_enabled,
			next_run_at = EXCLUDED.next_run_at,
			schedule_config = EXCLUDED.schedule_config
		RETURNING schedule_id, created_at
	`
	return s.pool.QueryRow(ctx, query,
		sched.ScheduleID, sched.UID, sched.CanvasID, sched.Name, sched.CronExpression,
		sched.Timezone, sched.IsEnabled, sched.NextRunAt, sched.LastRunAt, sched.ScheduleConfig,
	).Scan(&sched.ScheduleID, &sched.CreatedAt)
}

const scheduleColumns = `schedule_id, uid, canvas_id, name, cron_expression, timezone, is_enabled, next_run_at, last_run_at, schedule_config, deleted_at, created_at`

func scanSchedule(row pgx.Row) (*Schedule, error) {
	var sch Schedule
	err := row.Scan(
		&sch.ScheduleID, &sch.UID, &sch.CanvasID, &sch.Name, &sch.CronExpression,
		&sch.Timezone, &sch.IsEnabled, &sch.NextRunAt, &sch.LastRunAt, &sch.ScheduleConfig,
		&sch.DeletedAt, &sch.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sch, nil
}

func (s *PostgresStore) GetSchedule(ctx context.Context, scheduleID string) (*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE schedule_id = $1`
	return scanSchedule(s.pool.QueryRow(ctx, query, scheduleID))
}

func (s *PostgresStore) GetScheduleByCanvas(ctx context.Context, uid, canvasID string) (*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE uid = $1 AND canvas_id = $2 AND deleted_at IS NULL`
	return scanSchedule(s.pool.QueryRow(ctx, query, uid, canvasID))
}

func (s *PostgresStore) listSchedules(ctx context.Context, query string, args ...any) ([]*Schedule, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sch)
	}
	return schedules, rows.Err()
}

func (s *PostgresStore) ListDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + ` FROM schedules
		WHERE is_enabled = TRUE AND deleted_at IS NULL AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at ASC
	`
	return s.listSchedules(ctx, query, now)
}

func (s *PostgresStore) ListSchedulesByUser(ctx context.Context, uid string) ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE uid = $1 AND deleted_at IS NULL ORDER BY created_at DESC`
	return s.listSchedules(ctx, query, uid)
}

func (s *PostgresStore) ListActiveSchedules(ctx context.Context, uid string) ([]*Schedule, error) {
	// createdAt desc: quota enforcement disables the newest schedules first.
	query := `
		SELECT ` + scheduleColumns + ` FROM schedules
		WHERE uid = $1 AND is_enabled = TRUE AND deleted_at IS NULL
		ORDER BY created_at DESC
	`
	return s.listSchedules(ctx, query, uid)
}

func (s *PostgresStore) CountActiveSchedules(ctx context.Context, uid string) (int, error) {
	query := `SELECT COUNT(*) FROM schedules WHERE uid = $1 AND is_enabled = TRUE AND deleted_at IS NULL`
	var count int
	err := s.pool.QueryRow(ctx, query, uid).Scan(&count)
	return count, err
}

func (s *PostgresStore) UpdateScheduleRun(ctx context.Context, scheduleID string, lastRunAt time.Time, nextRunAt *time.Time) error {
	query := `UPDATE schedules SET last_run_at = $2, next_run_at = $3 WHERE schedule_id = $1`
	tag, err := s.pool.Exec(ctx, query, scheduleID, lastRunAt, nextRunAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("schedule not found")
	}
	return nil
}

func (s *PostgresStore) DisableSchedule(ctx context.Context, scheduleID string, reason string) error {
	if reason == "" {
		query := `UPDATE schedules SET is_enabled = FALSE, next_run_at = NULL WHERE schedule_id = $1`
		_, err := s.pool.Exec(ctx, query, scheduleID)
		return err
	}
	// Merge _disabledReason into the opaque config blob without clobbering
	// whatever the UI stored there.
	sch, err := s.GetSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	if sch == nil {
		return errors.New("schedule not found")
	}
	config := MergeDisabledReason(sch.ScheduleConfig, reason)
	query := `UPDATE schedules SET is_enabled = FALSE, next_run_at = NULL, schedule_config = $2 WHERE schedule_id = $1`
	_, err = s.pool.Exec(ctx, query, scheduleID, config)
	return err
}

func (s *PostgresStore) SoftDeleteSchedule(ctx context.Context, scheduleID string) error {
	query := `UPDATE schedules SET deleted_at = NOW(), is_enabled = FALSE, next_run_at = NULL WHERE schedule_id = $1 AND deleted_at IS NULL`
	tag, err := s.pool.Exec(ctx, query, scheduleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("schedule not found")
	}
	return nil
}

// MergeDisabledReason merges _disabledReason into an opaque config JSON
// blob, preserving existing keys. Invalid JSON is replaced by a fresh object.
func MergeDisabledReason(config string, reason string) string {
	parsed := map[string]any{}
	if config != "" {
		if err := json.Unmarshal([]byte(config), &parsed); err != nil {
			parsed = map[string]any{}
		}
	}
	parsed["_disabledReason"] = reason
	out, err := json.Marshal(parsed)
	if err != nil {
		return config
	}
	return string(out)
}

// --- ScheduleRecord Operations ---

const recordColumns = `schedule_record_id, schedule_id, uid, source_canvas_id, canvas_id, workflow_title, status, priority, scheduled_at, triggered_at, completed_at, workflow_execution_id, used_tools, snapshot_storage_key, failure_reason, error_details, created_at`

func scanRecord(row pgx.Row) (*ScheduleRecord, error) {
	var rec ScheduleRecord
	var usedTools []byte
	err := row.Scan(
		&rec.ScheduleRecordID, &rec.ScheduleID, &rec.UID, &rec.SourceCanvasID, &rec.CanvasID,
		&rec.WorkflowTitle, &rec.Status, &rec.Priority, &rec.ScheduledAt, &rec.TriggeredAt,
		&rec.CompletedAt, &rec.WorkflowExecutionID, &usedTools, &rec.SnapshotStorageKey,
		&rec.FailureReason, &rec.ErrorDetails, &rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(usedTools) > 0 {
		if err := json.Unmarshal(usedTools, &rec.UsedTools); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

func (s *PostgresStore) CreateScheduleRecord(ctx context.Context, rec *ScheduleRecord) error {
	usedTools, err := json.Marshal(rec.UsedTools)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO schedule_records (schedule_record_id, schedule_id, uid, source_canvas_id, canvas_id, workflow_title, status, priority, scheduled_at, triggered_at, completed_at, workflow_execution_id, used_tools, snapshot_storage_key, failure_reason, error_details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW())
	`
	_, err = s.pool.Exec(ctx, query,
		rec.ScheduleRecordID, rec.ScheduleID, rec.UID, rec.SourceCanvasID, rec.CanvasID,
		rec.WorkflowTitle, rec.Status, rec.Priority, rec.ScheduledAt, rec.TriggeredAt,
		rec.CompletedAt, rec.WorkflowExecutionID, usedTools, rec.SnapshotStorageKey,
		rec.FailureReason, rec.ErrorDetails,
	)
	return err
}

func (s *PostgresStore) GetScheduleRecord(ctx context.Context, recordID string) (*ScheduleRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM schedule_records WHERE schedule_record_id = $1`
	return scanRecord(s.pool.QueryRow(ctx, query, recordID))
}

func (s *PostgresStore) GetScheduledRecord(ctx context.Context, scheduleID string) (*ScheduleRecord, error) {
	query := `
		SELECT ` + recordColumns + ` FROM schedule_records
		WHERE schedule_id = $1 AND status = 'scheduled'
		ORDER BY created_at DESC LIMIT 1
	`
	return scanRecord(s.pool.QueryRow(ctx, query, scheduleID))
}

func (s *PostgresStore) UpdateScheduleRecord(ctx context.Context, rec *ScheduleRecord) error {
	usedTools, err := json.Marshal(rec.UsedTools)
	if err != nil {
		return err
	}
	query := `
		UPDATE schedule_records SET
			canvas_id = $2, workflow_title = $3, status = $4, priority = $5,
			scheduled_at = $6, triggered_at = $7, completed_at = $8,
			workflow_execution_id = $9, used_tools = $10, snapshot_storage_key = $11,
			failure_reason = $12, error_details = $13
		WHERE schedule_record_id = $1
	`
	tag, err := s.pool.Exec(ctx, query,
		rec.ScheduleRecordID, rec.CanvasID, rec.WorkflowTitle, rec.Status, rec.Priority,
		rec.ScheduledAt, rec.TriggeredAt, rec.CompletedAt, rec.WorkflowExecutionID,
		usedTools, rec.SnapshotStorageKey, rec.FailureReason, rec.ErrorDetails,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("schedule record not found")
	}
	return nil
}

func (s *PostgresStore) listRecords(ctx context.Context, query string, args ...any) ([]*ScheduleRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*ScheduleRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PostgresStore) ListScheduleRecords(ctx context.Context, uid string, scheduleID string, limit int) ([]*ScheduleRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if scheduleID != "" {
		query := `
			SELECT ` + recordColumns + ` FROM schedule_records
			WHERE uid = $1 AND schedule_id = $2
			ORDER BY created_at DESC LIMIT $3
		`
		return s.listRecords(ctx, query, uid, scheduleID, limit)
	}
	query := `
		SELECT ` + recordColumns + ` FROM schedule_records
		WHERE uid = $1
		ORDER BY created_at DESC LIMIT $2
	`
	return s.listRecords(ctx, query, uid, limit)
}

func (s *PostgresStore) ListCompletedRecords(ctx context.Context, uid string, limit int) ([]*ScheduleRecord, error) {
	query := `
		SELECT ` + recordColumns + ` FROM schedule_records
		WHERE uid = $1 AND status IN ('success', 'failed') AND completed_at IS NOT NULL
		ORDER BY completed_at DESC LIMIT $2
	`
	return s.listRecords(ctx, query, uid, limit)
}

// --- Webhook Operations ---

const webhookColumns = `api_id, uid, canvas_id, is_enabled, timeout, deleted_at, created_at, updated_at`

func scanWebhook(row pgx.Row) (*Webhook, error) {
	var wh Webhook
	err := row.Scan(&wh.APIID, &wh.UID, &wh.CanvasID, &wh.IsEnabled, &wh.Timeout, &wh.DeletedAt, &wh.CreatedAt, &wh.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &wh, nil
}

func (s *PostgresStore) GetWebhook(ctx context.Context, apiID string) (*Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks WHERE api_id = $1`
	return scanWebhook(s.pool.QueryRow(ctx, query, apiID))
}

func (s *PostgresStore) GetWebhookByCanvas(ctx context.Context, uid, canvasID string) (*Webhook, error) {
	// Matches soft-deleted rows: enable revives them under a fresh api id.
	query := `SELECT ` + webhookColumns + ` FROM webhooks WHERE uid = $1 AND canvas_id = $2`
	return scanWebhook(s.pool.QueryRow(ctx, query, uid, canvasID))
}

func (s *PostgresStore) UpsertWebhook(ctx context.Context, wh *Webhook) error {
	query := `
		INSERT INTO webhooks (api_id, uid, canvas_id, is_enabled, timeout, deleted_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (canvas_id, uid) DO UPDATE SET
			api_id = EXCLUDED.api_id,
			is_enabled = EXCLUDED.is_enabled,
			timeout = EXCLUDED.timeout,
			deleted_at = EXCLUDED.deleted_at,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`
	return s.pool.QueryRow(ctx, query,
		wh.APIID, wh.UID, wh.CanvasID, wh.IsEnabled, wh.Timeout, wh.DeletedAt,
	).Scan(&wh.CreatedAt, &wh.UpdatedAt)
}

// --- APICallRecord Operations ---

func (s *PostgresStore) CreateAPICallRecord(ctx context.Context, rec *APICallRecord) error {
	query := `
		INSERT INTO api_call_records (record_id, uid, api_id, canvas_id, workflow_execution_id, request_url, request_method, request_headers, request_body, http_status, response_time_ms, status, failure_reason, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), $14)
	`
	_, err := s.pool.Exec(ctx, query,
		rec.RecordID, rec.UID, rec.APIID, rec.CanvasID, rec.WorkflowExecutionID,
		rec.RequestURL, rec.RequestMethod, rec.RequestHeaders, rec.RequestBody,
		rec.HTTPStatus, rec.ResponseTimeMs, rec.Status, rec.FailureReason, rec.CompletedAt,
	)
	return err
}

func (s *PostgresStore) ListAPICallRecords(ctx context.Context, uid string, apiID string, limit int) ([]*APICallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT record_id, uid, api_id, canvas_id, workflow_execution_id, request_url, request_method, request_headers, request_body, http_status, response_time_ms, status, failure_reason, created_at, completed_at
		FROM api_call_records
		WHERE uid = $1 AND ($2 = '' OR api_id = $2)
		ORDER BY created_at DESC LIMIT $3
	`
	rows, err := s.pool.Query(ctx, query, uid, apiID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*APICallRecord
	for rows.Next() {
		var rec APICallRecord
		if err := rows.Scan(
			&rec.RecordID, &rec.UID, &rec.APIID, &rec.CanvasID, &rec.WorkflowExecutionID,
			&rec.RequestURL, &rec.RequestMethod, &rec.RequestHeaders, &rec.RequestBody,
			&rec.HTTPStatus, &rec.ResponseTimeMs, &rec.Status, &rec.FailureReason,
			&rec.CreatedAt, &rec.CompletedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// --- StaticFile Operations ---

func (s *PostgresStore) GetStaticFilesByStorageKeys(ctx context.Context, uid string, storageKeys []string) ([]*StaticFile, error) {
	if len(storageKeys) == 0 {
		return nil, nil
	}
	query := `
		SELECT file_key, uid, storage_key, original_name, content_type, expired_at, created_at
		FROM static_files WHERE uid = $1 AND storage_key = ANY($2)
	`
	rows, err := s.pool.Query(ctx, query, uid, storageKeys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*StaticFile
	for rows.Next() {
		var f StaticFile
		if err := rows.Scan(&f.FileKey, &f.UID, &f.StorageKey, &f.OriginalName, &f.ContentType, &f.ExpiredAt, &f.CreatedAt); err != nil {
			return nil, err
		}
		files = append(files, &f)
	}
	return files, rows.Err()
}

// --- Subscription Operations ---

func (s *PostgresStore) GetActiveSubscription(ctx context.Context, uid string, now time.Time) (*Subscription, error) {
	query := `
		SELECT uid, plan, status, cancel_at, created_at
		FROM subscriptions
		WHERE uid = $1 AND status = 'active' AND (cancel_at IS NULL OR cancel_at > $2)
		ORDER BY created_at DESC LIMIT 1
	`
	var sub Subscription
	err := s.pool.QueryRow(ctx, query, uid, now).Scan(&sub.UID, &sub.Plan, &sub.Status, &sub.CancelAt, &sub.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// --- API Key Operations ---

func (s *PostgresStore) GetUIDByAPIKey(ctx context.Context, keyHash string) (string, error) {
	query := `SELECT uid FROM api_keys WHERE key_hash = $1 AND revoked_at IS NULL`
	var uid string
	err := s.pool.QueryRow(ctx, query, keyHash).Scan(&uid)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return uid, nil
}

// --- Canvas Operations ---

func (s *PostgresStore) GetCanvas(ctx context.Context, uid, canvasID string) (*Canvas, error) {
	query := `SELECT canvas_id, uid, title, variables, data, updated_at FROM canvases WHERE canvas_id = $1 AND uid = $2`
	var c Canvas
	err := s.pool.QueryRow(ctx, query, canvasID, uid).Scan(&c.CanvasID, &c.UID, &c.Title, &c.Variables, &c.Data, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
