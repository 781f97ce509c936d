package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/reflyai/triggerplane/control_plane/observability"
	"github.com/reflyai/triggerplane/control_plane/queue"
	"github.com/reflyai/triggerplane/control_plane/records"
	"github.com/reflyai/triggerplane/control_plane/store"
	"github.com/reflyai/triggerplane/control_plane/variables"
	"github.com/reflyai/triggerplane/control_plane/workflow"
)

// Processor consumes the schedule-execution queue: it re-reads schedule
// state, throttles per user, invokes the workflow engine and projects the
// outcome onto the record.
type Processor struct {
	store      store.Store
	redis      *store.RedisStore
	queue      *queue.Queue
	engine     workflow.Engine
	projector  *records.Projector
	normalizer *variables.Normalizer
	cfg        Config
	// storm protects the external workflow engine from trigger bursts.
	storm *rate.Limiter
}

func NewProcessor(st store.Store, redis *store.RedisStore, q *queue.Queue, engine workflow.Engine, projector *records.Projector, normalizer *variables.Normalizer, cfg Config) *Processor {
	interval := cfg.RateLimitDuration
	if interval <= 0 {
		interval = time.Second
	}
	return &Processor{
		store:      st,
		redis:      redis,
		queue:      q,
		engine:     engine,
		projector:  projector,
		normalizer: normalizer,
		cfg:        cfg,
		storm:      rate.NewLimiter(rate.Limit(float64(cfg.RateLimitMax)/interval.Seconds()), cfg.RateLimitMax),
	}
}

// Start launches the queue worker.
func (p *Processor) Start(ctx context.Context) {
	worker := queue.NewWorker(p.queue, p.cfg.GlobalMaxConcurrent, p.Handle)
	worker.Start(ctx)
}

// Handle processes one execute-scheduled-workflow job.
func (p *Processor) Handle(ctx context.Context, job *queue.Job) (any, error) {
	var payload ExecutePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	rec, err := p.store.GetScheduleRecord(ctx, payload.ScheduleRecordID)
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("record %s not found", payload.ScheduleRecordID)
	}
	if store.IsCompleted(rec.Status) {
		return nil, nil // already reconciled by another consumer
	}

	// Fresh read: skip work for schedules disabled or deleted since enqueue.
	sched, err := p.store.GetSchedule(ctx, payload.ScheduleID)
	if err != nil {
		return nil, fmt.Errorf("fresh read schedule: %w", err)
	}
	if sched == nil || !sched.IsEnabled || sched.DeletedAt != nil {
		if err := p.projector.MarkSkipped(ctx, rec, "schedule disabled before execution"); err != nil {
			return nil, err
		}
		return nil, nil
	}

	// Per-user concurrency gate; over-limit jobs are re-enqueued with a delay.
	current, err := p.redis.IncrWithTTL(ctx, store.UserConcurrentKey(payload.UID), p.cfg.UserConcurrentTTL)
	if err != nil {
		log.Printf("processor: user concurrency counter for %s: %v", payload.UID, err)
	} else if int(current) > p.cfg.UserMaxConcurrent {
		if _, derr := p.redis.DecrCounter(ctx, store.UserConcurrentKey(payload.UID)); derr != nil {
			log.Printf("processor: decrement concurrency for %s: %v", payload.UID, derr)
		}
		if _, qerr := p.queue.Add(ctx, JobExecuteScheduled, payload, queue.Options{
			Priority: payload.Priority,
			Delay:    p.cfg.UserRateLimitDelay,
		}); qerr != nil {
			return nil, fmt.Errorf("requeue over-concurrency job: %w", qerr)
		}
		return nil, nil
	}
	if err == nil {
		defer func() {
			if _, derr := p.redis.DecrCounter(ctx, store.UserConcurrentKey(payload.UID)); derr != nil {
				log.Printf("processor: decrement concurrency for %s: %v", payload.UID, derr)
			}
		}()
	}

	if err := p.storm.Wait(ctx); err != nil {
		return nil, err
	}

	return p.execute(ctx, &payload, rec)
}

func (p *Processor) execute(ctx context.Context, payload *ExecutePayload, rec *store.ScheduleRecord) (any, error) {
	if err := p.projector.MarkRunning(ctx, rec); err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}

	// Retried records may predate the cloned canvas; the source canvas is
	// always populated.
	canvasID := payload.CanvasID
	if canvasID == "" {
		canvasID = rec.SourceCanvasID
	}
	canvas, err := p.store.GetCanvas(ctx, payload.UID, canvasID)
	if err == nil && canvas == nil {
		err = fmt.Errorf("canvas %s not found", canvasID)
	}

	var exec *workflow.Execution
	if err == nil {
		var vars []variables.WorkflowVariable
		vars, err = p.canvasVariables(ctx, payload.UID, canvas)
		if err == nil {
			start := time.Now()
			exec, err = p.engine.ExecuteFromCanvasData(ctx, payload.UID, canvas, vars, workflow.ExecuteOptions{
				ScheduleID:       payload.ScheduleID,
				ScheduleRecordID: rec.ScheduleRecordID,
				TriggerType:      store.TriggerTypeSchedule,
			})
			observability.SandboxExecSeconds.Observe(time.Since(start).Seconds())
		}
	}

	if perr := p.projector.Complete(ctx, rec, exec, err); perr != nil {
		return nil, fmt.Errorf("project outcome: %w", perr)
	}
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// canvasVariables normalizes the canvas declarations with an empty
// runtime bag; scheduled runs carry no trigger payload.
func (p *Processor) canvasVariables(ctx context.Context, uid string, canvas *store.Canvas) ([]variables.WorkflowVariable, error) {
	var declared []variables.WorkflowVariable
	if canvas.Variables != "" {
		if err := json.Unmarshal([]byte(canvas.Variables), &declared); err != nil {
			return nil, fmt.Errorf("decode canvas variables: %w", err)
		}
	}
	return p.normalizer.Normalize(ctx, uid, nil, declared)
}
