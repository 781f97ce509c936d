package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/reflyai/triggerplane/control_plane/observability"
	"github.com/reflyai/triggerplane/control_plane/queue"
	"github.com/reflyai/triggerplane/control_plane/store"
)

// killReasonMax bounds the error excerpt attached to async kill jobs.
const killReasonMax = 50

// Job names on the pause/kill queues.
const (
	JobPause = "pause-sandbox"
	JobKill  = "kill-sandbox"
)

// pausePayload / killPayload are the queue job bodies.
type pausePayload struct {
	SandboxID string `json:"sandboxId"`
}

type killPayload struct {
	SandboxID string `json:"sandboxId"`
	Reason    string `json:"reason"`
}

// Pool keeps warm sandboxes per template and bounds the total number in
// existence. It is the sole writer of sandbox metadata outside the
// auto-pause and kill processors.
type Pool struct {
	redis      *store.RedisStore
	provider   Provider
	factory    WrapperFactory
	pauseQueue *queue.Queue
	killQueue  *queue.Queue
	locks      *LockManager
	cfg        Config
}

func NewPool(redis *store.RedisStore, provider Provider, factory WrapperFactory, pauseQueue, killQueue *queue.Queue, locks *LockManager, cfg Config) *Pool {
	return &Pool{
		redis:      redis,
		provider:   provider,
		factory:    factory,
		pauseQueue: pauseQueue,
		killQueue:  killQueue,
		locks:      locks,
		cfg:        cfg,
	}
}

// Acquire returns a healthy wrapper, reusing an idle sandbox when one
// survives reconnection and creating a fresh one otherwise.
func (p *Pool) Acquire(ctx context.Context) (Wrapper, error) {
	for {
		sandboxID, err := p.redis.PopIdle(ctx, p.cfg.TemplateName)
		if err != nil {
			return nil, fmt.Errorf("pop idle: %w", err)
		}
		if sandboxID == "" {
			break // pool drained, fall through to create
		}

		wrapper, err := p.reuse(ctx, sandboxID)
		if err != nil {
			log.Printf("pool: reuse %s failed, discarding: %v", sandboxID, err)
			continue
		}
		observability.SandboxAcquisitions.WithLabelValues("reuse").Inc()
		return wrapper, nil
	}

	wrapper, err := p.create(ctx)
	if err != nil {
		return nil, err
	}
	observability.SandboxAcquisitions.WithLabelValues("create").Inc()
	return wrapper, nil
}

// reuse revives one idle sandbox: cancel its pending pause, reconnect,
// health-check, mark running. Any failure schedules a kill; the kill job
// owns the metadata and counter cleanup.
func (p *Pool) reuse(ctx context.Context, sandboxID string) (Wrapper, error) {
	if err := p.pauseQueue.Remove(ctx, store.PauseJobID(sandboxID)); err != nil {
		log.Printf("pool: cancel pause for %s: %v", sandboxID, err)
	}

	meta, err := p.redis.GetSandboxMetadata(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("no metadata for idle sandbox %s", sandboxID)
	}

	var inst Instance
	err = withLifecycleRetry(ctx, "reconnect", LifecycleRetryMaxAttempts, LifecycleRetryInterval, func() error {
		var cerr error
		inst, cerr = p.provider.Connect(ctx, sandboxID)
		return cerr
	}, func(err error) {
		p.EnqueueKill(ctx, sandboxID, err)
	})
	if err != nil {
		// Metadata stays until the kill job cleans it, so the counter is
		// decremented exactly once.
		return nil, &ConnectionError{SandboxID: sandboxID, Err: err}
	}

	wrapper := p.factory(inst, p.cfg)
	if err := wrapper.HealthCheck(ctx); err != nil {
		p.EnqueueKill(ctx, sandboxID, err)
		return nil, err
	}

	meta.IsPaused = false
	meta.IdleSince = nil
	if err := p.redis.SaveSandboxMetadata(ctx, meta); err != nil {
		return nil, err
	}
	return wrapper, nil
}

// create provisions a fresh sandbox under the global cap.
func (p *Pool) create(ctx context.Context) (Wrapper, error) {
	count, err := p.redis.GetCounter(ctx, store.SandboxCountKey)
	if err != nil {
		return nil, fmt.Errorf("sandbox count: %w", err)
	}
	if int(count) >= p.cfg.MaxSandboxes {
		return nil, &CreationError{Reason: "resource limit exceeded"}
	}

	var inst Instance
	err = withLifecycleRetry(ctx, "create", LifecycleRetryMaxAttempts, LifecycleRetryInterval, func() error {
		var cerr error
		inst, cerr = p.provider.Create(ctx, p.cfg.TemplateName, CreateOptions{
			APIKey:  p.cfg.APIKey,
			Timeout: p.cfg.SandboxTimeout,
		})
		return cerr
	}, func(err error) {
		if inst != nil {
			p.EnqueueKill(ctx, inst.ID(), err)
		}
	})
	if err != nil {
		return nil, &CreationError{Reason: err.Error(), Err: err}
	}

	if _, err := p.redis.IncrCounter(ctx, store.SandboxCountKey); err != nil {
		log.Printf("pool: increment sandbox count: %v", err)
	}
	observability.SandboxesLive.Inc()

	now := time.Now()
	meta := &store.SandboxMetadata{
		SandboxID: inst.ID(),
		Cwd:       driveMountPoint,
		CreatedAt: now,
	}
	if err := p.redis.SaveSandboxMetadata(ctx, meta); err != nil {
		return nil, err
	}
	return p.factory(inst, p.cfg), nil
}

// Release returns a sandbox to the idle pool and schedules its
// auto-pause. Failures degrade to dropping the sandbox's metadata so it
// is never reused in an unknown state.
func (p *Pool) Release(ctx context.Context, wrapper Wrapper) {
	sandboxID := wrapper.SandboxID()
	now := time.Now()

	meta, err := p.redis.GetSandboxMetadata(ctx, sandboxID)
	if err == nil && meta != nil {
		meta.IdleSince = &now
		err = p.redis.SaveSandboxMetadata(ctx, meta)
	}
	if err == nil && meta != nil {
		err = p.redis.PushIdle(ctx, p.cfg.TemplateName, sandboxID)
	}
	if err != nil || meta == nil {
		log.Printf("pool: release %s failed, killing: %v", sandboxID, err)
		p.EnqueueKill(ctx, sandboxID, fmt.Errorf("release failed: %v", err))
		return
	}

	if _, err := p.pauseQueue.Add(ctx, JobPause, pausePayload{SandboxID: sandboxID}, queue.Options{
		JobID:            store.PauseJobID(sandboxID),
		Delay:            p.cfg.AutoPauseDelay,
		RemoveOnComplete: true,
		RemoveOnFail:     true,
	}); err != nil {
		log.Printf("pool: schedule auto-pause for %s: %v", sandboxID, err)
	}

	if depth, err := p.redis.IdleLen(ctx, p.cfg.TemplateName); err == nil {
		observability.SandboxIdleDepth.WithLabelValues(p.cfg.TemplateName).Set(float64(depth))
	}
}

// EnqueueKill schedules an async kill labelled with the failure excerpt.
// The job id coalesces retried lifecycle failures onto one kill per
// sandbox while it is still queued.
func (p *Pool) EnqueueKill(ctx context.Context, sandboxID string, cause error) {
	reason := cause.Error()
	if len(reason) > killReasonMax {
		reason = reason[:killReasonMax]
	}
	if _, err := p.killQueue.Add(ctx, JobKill, killPayload{SandboxID: sandboxID, Reason: reason}, queue.Options{
		JobID:            store.KillJobID(sandboxID),
		RemoveOnComplete: true,
		RemoveOnFail:     true,
	}); err != nil {
		log.Printf("pool: enqueue kill for %s: %v", sandboxID, err)
	}
}

// StartProcessors launches the auto-pause and kill workers.
func (p *Pool) StartProcessors(ctx context.Context) {
	queue.NewWorker(p.pauseQueue, 4, p.handlePause).Start(ctx)
	queue.NewWorker(p.killQueue, 4, p.handleKill).Start(ctx)
}

// handlePause pauses an idle sandbox unless it is already paused or back
// in use. The sandbox lock is tried non-blocking: a held lock means the
// sandbox was re-acquired and the pause is stale.
func (p *Pool) handlePause(ctx context.Context, job *queue.Job) (any, error) {
	var payload pausePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, err
	}

	meta, err := p.redis.GetSandboxMetadata(ctx, payload.SandboxID)
	if err != nil {
		return nil, err
	}
	if meta == nil || meta.IsPaused {
		return nil, nil
	}

	lock, err := p.locks.TryAcquire(ctx, store.SandboxLockKey(payload.SandboxID), "sandbox")
	if err != nil {
		return nil, err
	}
	if lock == nil {
		return nil, nil // in use, skip
	}
	defer lock.Release(ctx)

	inst, err := p.provider.Connect(ctx, payload.SandboxID)
	if err != nil {
		return nil, &ConnectionError{SandboxID: payload.SandboxID, Err: err}
	}
	if err := inst.Pause(ctx); err != nil {
		return nil, &LifecycleError{SandboxID: payload.SandboxID, Operation: "pause", Err: err}
	}

	now := time.Now()
	meta.IsPaused = true
	meta.LastPausedAt = &now
	return nil, p.redis.SaveSandboxMetadata(ctx, meta)
}

// handleKill retries connect → kill, then drops metadata and the count.
// Exhausted retries are logged, never re-queued.
func (p *Pool) handleKill(ctx context.Context, job *queue.Job) (any, error) {
	var payload killPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, err
	}
	log.Printf("pool: killing sandbox %s (%s)", payload.SandboxID, payload.Reason)

	err := withLifecycleRetry(ctx, "kill", KillRetryMaxAttempts, KillRetryInterval, func() error {
		inst, cerr := p.provider.Connect(ctx, payload.SandboxID)
		if cerr != nil {
			return cerr
		}
		return inst.Kill(ctx)
	}, nil)
	if err != nil {
		log.Printf("pool: kill %s gave up: %v", payload.SandboxID, err)
	}

	if err := p.redis.RemoveIdle(ctx, p.cfg.TemplateName, payload.SandboxID); err != nil {
		log.Printf("pool: remove %s from idle queue: %v", payload.SandboxID, err)
	}

	// The metadata key doubles as the counted-sandbox marker: only the
	// kill that actually removed it decrements the global count, so stale
	// or duplicate kill jobs cannot drift the counter negative.
	removed, err := p.redis.DeleteSandboxMetadata(ctx, payload.SandboxID)
	if err != nil {
		log.Printf("pool: delete metadata for %s: %v", payload.SandboxID, err)
	}
	if removed {
		if _, err := p.redis.DecrCounter(ctx, store.SandboxCountKey); err != nil {
			log.Printf("pool: decrement sandbox count: %v", err)
		}
		observability.SandboxesLive.Dec()
	}
	return nil, nil
}
