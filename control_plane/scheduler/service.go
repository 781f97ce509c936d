package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/reflyai/triggerplane/control_plane/apierror"
	"github.com/reflyai/triggerplane/control_plane/ids"
	"github.com/reflyai/triggerplane/control_plane/queue"
	"github.com/reflyai/triggerplane/control_plane/records"
	"github.com/reflyai/triggerplane/control_plane/store"
)

// Service is the user-facing schedule management surface.
type Service struct {
	store     store.Store
	queue     *queue.Queue
	priority  *PriorityService
	projector *records.Projector
	cfg       Config
}

func NewService(st store.Store, q *queue.Queue, priority *PriorityService, projector *records.Projector, cfg Config) *Service {
	return &Service{store: st, queue: q, priority: priority, projector: projector, cfg: cfg}
}

// UpsertRequest is the create-or-merge schedule input.
type UpsertRequest struct {
	CanvasID       string `json:"canvasId"`
	Name           string `json:"name"`
	CronExpression string `json:"cronExpression"`
	Timezone       string `json:"timezone"`
	IsEnabled      *bool  `json:"isEnabled"`
	ScheduleConfig string `json:"scheduleConfig"`
}

// Upsert creates a schedule for the canvas or merges into the existing
// one. The cron expression must parse under the schedule's timezone; new
// enabled schedules count against the plan quota up front.
func (s *Service) Upsert(ctx context.Context, uid string, req UpsertRequest) (*store.Schedule, error) {
	if req.CanvasID == "" {
		return nil, apierror.New(apierror.CodeRequestParams, "canvasId is required")
	}
	if req.CronExpression == "" {
		return nil, apierror.New(apierror.CodeRequestParams, "cronExpression is required")
	}
	tz := req.Timezone
	if tz == "" {
		tz = DefaultTimezone
	}

	now := time.Now()
	next, err := NextRun(req.CronExpression, tz, now)
	if err != nil {
		return nil, apierror.Newf(apierror.CodeInvalidCron, "Invalid cron expression: %v", err)
	}

	canvas, err := s.store.GetCanvas(ctx, uid, req.CanvasID)
	if err != nil {
		return nil, err
	}
	if canvas == nil {
		return nil, apierror.New(apierror.CodeNotFound, "Canvas not found")
	}

	enabled := true
	if req.IsEnabled != nil {
		enabled = *req.IsEnabled
	}

	existing, err := s.store.GetScheduleByCanvas(ctx, uid, req.CanvasID)
	if err != nil {
		return nil, err
	}
	if existing == nil && enabled {
		if err := s.checkQuota(ctx, uid); err != nil {
			return nil, err
		}
	}

	sched := &store.Schedule{
		UID:            uid,
		CanvasID:       req.CanvasID,
		Name:           req.Name,
		CronExpression: req.CronExpression,
		Timezone:       tz,
		IsEnabled:      enabled,
		ScheduleConfig: req.ScheduleConfig,
		CreatedAt:      now,
	}
	if existing != nil {
		sched.ScheduleID = existing.ScheduleID
		sched.CreatedAt = existing.CreatedAt
		sched.LastRunAt = existing.LastRunAt
		if req.Name == "" {
			sched.Name = existing.Name
		}
		if req.ScheduleConfig == "" {
			sched.ScheduleConfig = existing.ScheduleConfig
		}
	} else {
		sched.ScheduleID = ids.NewScheduleID()
	}
	if enabled {
		sched.NextRunAt = &next
	}

	if err := s.store.UpsertScheduleForCanvas(ctx, sched); err != nil {
		return nil, fmt.Errorf("upsert schedule: %w", err)
	}
	return sched, nil
}

func (s *Service) checkQuota(ctx context.Context, uid string) error {
	sub, err := s.store.GetActiveSubscription(ctx, uid, time.Now())
	if err != nil {
		return err
	}
	plan := ""
	if sub != nil {
		plan = sub.Plan
	}
	count, err := s.store.CountActiveSchedules(ctx, uid)
	if err != nil {
		return err
	}
	if count >= s.cfg.QuotaFor(plan) {
		return apierror.Newf(apierror.CodeScheduleLimit, "Active schedule limit reached (%d)", s.cfg.QuotaFor(plan))
	}
	return nil
}

// Get returns the caller's schedule for a canvas, or a not-found error.
func (s *Service) Get(ctx context.Context, uid, canvasID string) (*store.Schedule, error) {
	sched, err := s.store.GetScheduleByCanvas(ctx, uid, canvasID)
	if err != nil {
		return nil, err
	}
	if sched == nil || sched.DeletedAt != nil {
		return nil, apierror.New(apierror.CodeNotFound, "Schedule not found")
	}
	return sched, nil
}

// List returns all of the caller's non-deleted schedules.
func (s *Service) List(ctx context.Context, uid string) ([]*store.Schedule, error) {
	return s.store.ListSchedulesByUser(ctx, uid)
}

// Delete soft-deletes the caller's schedule; history is preserved.
func (s *Service) Delete(ctx context.Context, uid, scheduleID string) error {
	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	if sched == nil || sched.UID != uid || sched.DeletedAt != nil {
		return apierror.New(apierror.CodeNotFound, "Schedule not found")
	}
	return s.store.SoftDeleteSchedule(ctx, scheduleID)
}

// Records lists a schedule's recent records, newest first.
func (s *Service) Records(ctx context.Context, uid, scheduleID string, limit int) ([]*store.ScheduleRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListScheduleRecords(ctx, uid, scheduleID, limit)
}

// Retry re-enqueues a failed record. The job payload uses the record's
// sourceCanvasId: the cloned canvas may never have been created for a
// run that failed early.
func (s *Service) Retry(ctx context.Context, uid, recordID string) (*store.ScheduleRecord, error) {
	rec, err := s.projector.PrepareRetry(ctx, uid, recordID)
	if err != nil {
		return nil, err
	}

	priority := s.priority.Priority(ctx, uid)
	payload := ExecutePayload{
		ScheduleID:       rec.ScheduleID,
		CanvasID:         rec.SourceCanvasID,
		UID:              uid,
		ScheduledAt:      time.Now(),
		Priority:         priority,
		ScheduleRecordID: rec.ScheduleRecordID,
	}
	if _, err := s.queue.Add(ctx, JobExecuteScheduled, payload, queue.Options{Priority: priority}); err != nil {
		return nil, fmt.Errorf("enqueue retry: %w", err)
	}
	return rec, nil
}
