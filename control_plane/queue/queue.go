// Package queue implements named job queues on Redis with priority,
// delay, per-job ids, state inspection and wait-for-finish semantics.
// A job id appears at most once across the waiting and delayed sets.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/reflyai/triggerplane/control_plane/observability"
)

// Job states.
const (
	StateWaiting   = "waiting"
	StateDelayed   = "delayed"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrWaitTimeout is returned when WaitUntilFinished gives up.
	ErrWaitTimeout = errors.New("timed out waiting for job to finish")
)

// Job is one unit of queued work.
type Job struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Payload          json.RawMessage `json:"payload"`
	Priority         int             `json:"priority"`
	State            string          `json:"state"`
	Result           json.RawMessage `json:"result,omitempty"`
	FailedReason     string          `json:"failed_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	ReadyAt          time.Time       `json:"ready_at"`
	ProcessedAt      *time.Time      `json:"processed_at,omitempty"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
	RemoveOnComplete bool            `json:"remove_on_complete"`
	RemoveOnFail     bool            `json:"remove_on_fail"`
}

// Options controls enqueue behavior. The zero value enqueues an immediate
// default-priority job with a random id.
type Options struct {
	// JobID coalesces duplicates: enqueueing an id already waiting or
	// delayed returns the existing job untouched.
	JobID            string
	Priority         int // lower = higher, BullMQ-style
	Delay            time.Duration
	RemoveOnComplete bool
	RemoveOnFail     bool
}

// Queue is one named queue. Multiple replicas may share a name; Redis
// sorted-set pops keep each job single-consumer.
type Queue struct {
	name   string
	client *redis.Client
	// jobTTL bounds how long finished job bodies are kept for inspection.
	jobTTL time.Duration
}

func New(name string, client *redis.Client) *Queue {
	return &Queue{name: name, client: client, jobTTL: 24 * time.Hour}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) waitingKey() string { return "queue:" + q.name + ":waiting" }
func (q *Queue) delayedKey() string { return "queue:" + q.name + ":delayed" }
func (q *Queue) eventsKey() string  { return "queue:" + q.name + ":events" }
func (q *Queue) jobKey(id string) string {
	return "queue:" + q.name + ":job:" + id
}

// waitingScore orders the waiting set by priority first, enqueue time
// second. Priorities are small integers so the millisecond term never
// crosses a priority band.
func waitingScore(priority int, at time.Time) float64 {
	return float64(priority)*1e13 + float64(at.UnixMilli())
}

// Add enqueues a job. Duplicate JobIDs coalesce to the existing job.
func (q *Queue) Add(ctx context.Context, name string, payload any, opts Options) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	} else {
		existing, err := q.GetJob(ctx, id)
		if err != nil && !errors.Is(err, ErrJobNotFound) {
			return nil, err
		}
		if existing != nil && (existing.State == StateWaiting || existing.State == StateDelayed) {
			return existing, nil
		}
	}

	now := time.Now()
	job := &Job{
		ID:               id,
		Name:             name,
		Payload:          data,
		Priority:         opts.Priority,
		CreatedAt:        now,
		ReadyAt:          now.Add(opts.Delay),
		RemoveOnComplete: opts.RemoveOnComplete,
		RemoveOnFail:     opts.RemoveOnFail,
	}
	if opts.Delay > 0 {
		job.State = StateDelayed
	} else {
		job.State = StateWaiting
	}

	if err := q.saveJob(ctx, job); err != nil {
		return nil, err
	}
	if job.State == StateDelayed {
		err = q.client.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(job.ReadyAt.UnixMilli()), Member: id}).Err()
	} else {
		err = q.client.ZAdd(ctx, q.waitingKey(), redis.Z{Score: waitingScore(job.Priority, now), Member: id}).Err()
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (q *Queue) saveJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.Set(ctx, q.jobKey(job.ID), data, q.jobTTL).Err()
}

// GetJob loads one job body.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	data, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJobs returns jobs currently in any of the given states. Only waiting
// and delayed are backed by sets; other states require the job id.
func (q *Queue) GetJobs(ctx context.Context, states []string) ([]*Job, error) {
	var jobs []*Job
	for _, state := range states {
		var key string
		switch state {
		case StateWaiting:
			key = q.waitingKey()
		case StateDelayed:
			key = q.delayedKey()
		default:
			continue
		}
		ids, err := q.client.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			job, err := q.GetJob(ctx, id)
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// Remove deletes a job from the waiting/delayed sets and its body.
func (q *Queue) Remove(ctx context.Context, id string) error {
	if err := q.client.ZRem(ctx, q.waitingKey(), id).Err(); err != nil {
		return err
	}
	if err := q.client.ZRem(ctx, q.delayedKey(), id).Err(); err != nil {
		return err
	}
	observability.QueueJobs.WithLabelValues(q.name, "removed").Inc()
	return q.client.Del(ctx, q.jobKey(id)).Err()
}

// Count returns the number of jobs waiting or delayed.
func (q *Queue) Count(ctx context.Context) (int64, error) {
	waiting, err := q.client.ZCard(ctx, q.waitingKey()).Result()
	if err != nil {
		return 0, err
	}
	delayed, err := q.client.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		return 0, err
	}
	return waiting + delayed, nil
}

// promoteDue moves delayed jobs whose readyAt has passed into the waiting
// set. ZRem's return value keeps concurrent promoters from double-moving.
func (q *Queue) promoteDue(ctx context.Context, now time.Time) error {
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.delayedKey(), id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue // another replica won the promotion
		}
		job, err := q.GetJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		job.State = StateWaiting
		if err := q.saveJob(ctx, job); err != nil {
			return err
		}
		if err := q.client.ZAdd(ctx, q.waitingKey(), redis.Z{Score: waitingScore(job.Priority, now), Member: id}).Err(); err != nil {
			return err
		}
	}
	return nil
}

// pop takes the highest-priority waiting job, or nil when empty.
func (q *Queue) pop(ctx context.Context) (*Job, error) {
	res, err := q.client.ZPopMin(ctx, q.waitingKey(), 1).Result()
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	id, _ := res[0].Member.(string)
	job, err := q.GetJob(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		return nil, nil // removed between pop and load
	}
	return job, err
}

type finishedEvent struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

func (q *Queue) publishFinished(ctx context.Context, job *Job) {
	ev, err := json.Marshal(finishedEvent{ID: job.ID, State: job.State})
	if err != nil {
		return
	}
	// Best effort: waiters also poll the job body.
	q.client.Publish(ctx, q.eventsKey(), ev)
}

// WaitUntilFinished blocks until the job reaches completed or failed, the
// job disappears, or the timeout elapses. The finished job is returned.
func (q *Queue) WaitUntilFinished(ctx context.Context, id string, timeout time.Duration) (*Job, error) {
	sub := q.client.Subscribe(ctx, q.eventsKey())
	defer sub.Close()
	ch := sub.Channel()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	// Poll as a fallback for events published before the subscribe landed.
	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()

	check := func() (*Job, bool, error) {
		job, err := q.GetJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			return nil, true, ErrJobNotFound
		}
		if err != nil {
			return nil, false, err
		}
		if job.State == StateCompleted || job.State == StateFailed {
			return job, true, nil
		}
		return nil, false, nil
	}

	if job, done, err := check(); done {
		return job, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrWaitTimeout
		case msg := <-ch:
			var ev finishedEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			if ev.ID != id {
				continue
			}
			if job, done, err := check(); done {
				return job, err
			}
		case <-poll.C:
			if job, done, err := check(); done {
				return job, err
			}
		}
	}
}
