// Package scheduler implements the cron scan loop, per-schedule trigger
// pipeline, plan-quota enforcement and priority computation.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/reflyai/triggerplane/control_plane/ids"
	"github.com/reflyai/triggerplane/control_plane/observability"
	"github.com/reflyai/triggerplane/control_plane/queue"
	"github.com/reflyai/triggerplane/control_plane/store"
)

// DefaultTimezone applies when a schedule omits one.
const DefaultTimezone = "Asia/Shanghai"

// scanSkew is how far past now a nextRunAt may sit and still count as
// due on the fresh read. Guards against clock drift between the scan
// query and the per-schedule re-read.
const scanSkew = time.Second

// JobExecuteScheduled is the job name on the schedule-execution queue.
const JobExecuteScheduled = "execute-scheduled-workflow"

// ExecutePayload is the schedule-execution job body.
type ExecutePayload struct {
	ScheduleID       string    `json:"scheduleId"`
	CanvasID         string    `json:"canvasId"`
	UID              string    `json:"uid"`
	ScheduledAt      time.Time `json:"scheduledAt"`
	Priority         int       `json:"priority"`
	ScheduleRecordID string    `json:"scheduleRecordId"`
}

// cronParser accepts the standard five-field form.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Engine runs the minutely scan. Many replicas run one Engine each; the
// scan lock elects a single scanner per tick.
type Engine struct {
	store    store.Store
	redis    *store.RedisStore
	queue    *queue.Queue
	priority *PriorityService
	cfg      Config
}

func NewEngine(st store.Store, redis *store.RedisStore, q *queue.Queue, priority *PriorityService, cfg Config) *Engine {
	return &Engine{store: st, redis: redis, queue: q, priority: priority, cfg: cfg}
}

// Start launches the scan ticker. Stops when ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(e.cfg.ScanInterval)
		defer ticker.Stop()
		log.Printf("schedule engine started (interval %s)", e.cfg.ScanInterval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.ScanAndTriggerSchedules(ctx); err != nil {
					log.Printf("schedule scan: %v", err)
				}
			}
		}
	}()
}

// ScanAndTriggerSchedules performs one scan tick. A replica that loses
// the scan lock returns silently; the winner processes every due
// schedule, isolating per-schedule errors so one failure cannot abort
// the batch. The lock is released on all paths.
func (e *Engine) ScanAndTriggerSchedules(ctx context.Context) error {
	start := time.Now()
	owner := uuid.NewString()

	acquired, err := e.redis.AcquireLock(ctx, store.ScanLockKey, owner, e.cfg.ScanLockTTL)
	if err != nil {
		observability.ScanTicks.WithLabelValues("error").Inc()
		return fmt.Errorf("acquire scan lock: %w", err)
	}
	if !acquired {
		observability.ScanTicks.WithLabelValues("skipped").Inc()
		return nil
	}
	defer func() {
		if err := e.redis.ReleaseLock(ctx, store.ScanLockKey, owner); err != nil {
			log.Printf("schedule scan: release lock: %v", err)
		}
		observability.ScanDuration.Observe(time.Since(start).Seconds())
	}()

	due, err := e.store.ListDueSchedules(ctx, time.Now())
	if err != nil {
		observability.ScanTicks.WithLabelValues("error").Inc()
		return fmt.Errorf("list due schedules: %w", err)
	}

	for _, sched := range due {
		if err := e.CheckAndTriggerSchedule(ctx, sched.ScheduleID); err != nil {
			log.Printf("schedule %s: trigger: %v", sched.ScheduleID, err)
			observability.ScheduleTriggers.WithLabelValues("error").Inc()
		}
	}
	observability.ScanTicks.WithLabelValues("ok").Inc()
	return nil
}

// CheckAndTriggerSchedule runs the per-schedule trigger pipeline. The
// fresh read at the top makes the operation idempotent: a schedule
// advanced, disabled or deleted by a concurrent actor is skipped.
func (e *Engine) CheckAndTriggerSchedule(ctx context.Context, scheduleID string) error {
	now := time.Now()

	sched, err := e.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return fmt.Errorf("fresh read: %w", err)
	}
	if sched == nil || !sched.IsEnabled || sched.DeletedAt != nil || sched.NextRunAt == nil || sched.NextRunAt.After(now.Add(scanSkew)) {
		observability.ScheduleTriggers.WithLabelValues("skipped").Inc()
		return nil
	}

	next, err := NextRun(sched.CronExpression, sched.Timezone, now)
	if err != nil {
		reason := fmt.Sprintf("invalid_cron_expression: %v", err)
		if derr := e.store.DisableSchedule(ctx, scheduleID, reason); derr != nil {
			return fmt.Errorf("disable on bad cron: %w", derr)
		}
		observability.ScheduleTriggers.WithLabelValues("disabled_invalid_cron").Inc()
		log.Printf("schedule %s: disabled: %s", scheduleID, reason)
		return nil
	}

	if err := e.store.UpdateScheduleRun(ctx, scheduleID, now, &next); err != nil {
		return fmt.Errorf("advance nextRunAt: %w", err)
	}

	e.enforceQuota(ctx, sched.UID, scheduleID)

	priority := e.priority.Priority(ctx, sched.UID)
	recordID, err := e.materializeRecords(ctx, sched, now, next, priority)
	if err != nil {
		return fmt.Errorf("materialize records: %w", err)
	}

	payload := ExecutePayload{
		ScheduleID:       scheduleID,
		CanvasID:         sched.CanvasID,
		UID:              sched.UID,
		ScheduledAt:      now,
		Priority:         priority,
		ScheduleRecordID: recordID,
	}
	if _, err := e.queue.Add(ctx, JobExecuteScheduled, payload, queue.Options{Priority: priority}); err != nil {
		// The pending record stands; the processor reconciles it on the
		// next successful enqueue for this schedule.
		log.Printf("schedule %s: enqueue: %v", scheduleID, err)
		observability.ScheduleTriggers.WithLabelValues("enqueue_failed").Inc()
		return nil
	}

	observability.ScheduleTriggers.WithLabelValues("triggered").Inc()
	return nil
}

// NextRun parses expr in tz and returns the first occurrence after now.
func NextRun(expr, tz string, now time.Time) (time.Time, error) {
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("timezone %q: %w", tz, err)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now.In(loc)), nil
}

// enforceQuota disables schedules above the owner's plan cap, newest
// first, never touching the schedule currently being triggered, and
// best-effort removes their queued jobs. Failures here are logged and
// do not block the trigger.
func (e *Engine) enforceQuota(ctx context.Context, uid, currentScheduleID string) {
	sub, err := e.store.GetActiveSubscription(ctx, uid, time.Now())
	if err != nil {
		log.Printf("quota: subscription for %s: %v", uid, err)
		return
	}
	plan := ""
	if sub != nil {
		plan = sub.Plan
	}
	quota := e.cfg.QuotaFor(plan)

	active, err := e.store.ListActiveSchedules(ctx, uid)
	if err != nil {
		log.Printf("quota: active schedules for %s: %v", uid, err)
		return
	}
	if len(active) <= quota {
		return
	}

	excess := len(active) - quota
	var disabled []string
	for _, sched := range active { // createdAt desc: the newer ones lose
		if excess == 0 {
			break
		}
		if sched.ScheduleID == currentScheduleID {
			continue
		}
		if err := e.store.DisableSchedule(ctx, sched.ScheduleID, "schedule_limit_exceeded"); err != nil {
			log.Printf("quota: disable %s: %v", sched.ScheduleID, err)
			continue
		}
		disabled = append(disabled, sched.ScheduleID)
		observability.SchedulesDisabledByQuota.Inc()
		excess--
	}
	if len(disabled) > 0 {
		e.removeQueuedJobs(ctx, disabled)
	}
}

// removeQueuedJobs drops waiting/delayed execution jobs belonging to the
// given schedules.
func (e *Engine) removeQueuedJobs(ctx context.Context, scheduleIDs []string) {
	ids := make(map[string]bool, len(scheduleIDs))
	for _, id := range scheduleIDs {
		ids[id] = true
	}

	jobs, err := e.queue.GetJobs(ctx, []string{queue.StateWaiting, queue.StateDelayed})
	if err != nil {
		log.Printf("quota: list queued jobs: %v", err)
		return
	}
	for _, job := range jobs {
		var payload ExecutePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			continue
		}
		if !ids[payload.ScheduleID] {
			continue
		}
		if err := e.queue.Remove(ctx, job.ID); err != nil {
			log.Printf("quota: remove job %s: %v", job.ID, err)
		}
	}
}

// materializeRecords performs the two-phase progression: the existing
// `scheduled` record (if any) flips to `pending` for this tick, and a
// fresh `scheduled` record is laid down for the next occurrence.
func (e *Engine) materializeRecords(ctx context.Context, sched *store.Schedule, now, next time.Time, priority int) (string, error) {
	title := ""
	if canvas, err := e.store.GetCanvas(ctx, sched.UID, sched.CanvasID); err != nil {
		log.Printf("schedule %s: load canvas title: %v", sched.ScheduleID, err)
	} else if canvas != nil {
		title = canvas.Title
	}

	var recordID string
	existing, err := e.store.GetScheduledRecord(ctx, sched.ScheduleID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		existing.Status = store.RecordStatusPending
		existing.TriggeredAt = &now
		existing.Priority = priority
		if existing.WorkflowTitle == "" {
			existing.WorkflowTitle = title
		}
		if err := e.store.UpdateScheduleRecord(ctx, existing); err != nil {
			return "", err
		}
		recordID = existing.ScheduleRecordID
	} else {
		rec := &store.ScheduleRecord{
			ScheduleRecordID: ids.NewScheduleRecordID(),
			ScheduleID:       sched.ScheduleID,
			UID:              sched.UID,
			SourceCanvasID:   sched.CanvasID,
			WorkflowTitle:    title,
			Status:           store.RecordStatusPending,
			Priority:         priority,
			ScheduledAt:      now,
			TriggeredAt:      &now,
			CreatedAt:        now,
		}
		if err := e.store.CreateScheduleRecord(ctx, rec); err != nil {
			return "", err
		}
		recordID = rec.ScheduleRecordID
	}
	observability.RecordTransitions.WithLabelValues(store.RecordStatusPending).Inc()

	upcoming := &store.ScheduleRecord{
		ScheduleRecordID: ids.NewScheduleRecordID(),
		ScheduleID:       sched.ScheduleID,
		UID:              sched.UID,
		SourceCanvasID:   sched.CanvasID,
		WorkflowTitle:    title,
		Status:           store.RecordStatusScheduled,
		Priority:         priority,
		ScheduledAt:      next,
		CreatedAt:        now,
	}
	if err := e.store.CreateScheduleRecord(ctx, upcoming); err != nil {
		// The pending record is already committed; the next tick creates
		// the scheduled record instead.
		log.Printf("schedule %s: create upcoming record: %v", sched.ScheduleID, err)
	}

	return recordID, nil
}
