package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/reflyai/triggerplane/control_plane/observability"
)

// Handler processes one job and returns its result. A non-nil error marks
// the job failed; jobs run with attempts=1 and are never retried by the
// queue itself.
type Handler func(ctx context.Context, job *Job) (any, error)

// Worker drains one queue with a bounded set of concurrent processors.
type Worker struct {
	queue       *Queue
	handler     Handler
	concurrency int
	poll        time.Duration
	sem         chan struct{}
}

// NewWorker builds a worker. concurrency <= 0 means 1.
func NewWorker(q *Queue, concurrency int, handler Handler) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		queue:       q,
		handler:     handler,
		concurrency: concurrency,
		poll:        200 * time.Millisecond,
		sem:         make(chan struct{}, concurrency),
	}
}

// Start begins the polling loop. It returns immediately; the loop stops
// when ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	log.Printf("queue worker started for %q (concurrency %d)", w.queue.Name(), w.concurrency)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.promoteDue(ctx, time.Now()); err != nil {
				log.Printf("queue %s: promote delayed jobs: %v", w.queue.Name(), err)
			}
			w.drain(ctx)

			if depth, err := w.queue.Count(ctx); err == nil {
				observability.QueueDepth.WithLabelValues(w.queue.Name()).Set(float64(depth))
			}
		}
	}
}

// drain pops jobs while there is both work and a free slot.
func (w *Worker) drain(ctx context.Context) {
	for {
		select {
		case w.sem <- struct{}{}:
		default:
			return // all processors busy
		}

		job, err := w.queue.pop(ctx)
		if err != nil || job == nil {
			<-w.sem
			if err != nil {
				log.Printf("queue %s: pop: %v", w.queue.Name(), err)
			}
			return
		}

		go func(job *Job) {
			defer func() { <-w.sem }()
			w.process(ctx, job)
		}(job)
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	now := time.Now()
	observability.QueueJobWaitSeconds.WithLabelValues(w.queue.Name()).Observe(now.Sub(job.CreatedAt).Seconds())

	job.State = StateActive
	job.ProcessedAt = &now
	if err := w.queue.saveJob(ctx, job); err != nil {
		log.Printf("queue %s: mark job %s active: %v", w.queue.Name(), job.ID, err)
	}

	result, err := w.runHandler(ctx, job)

	finished := time.Now()
	job.FinishedAt = &finished
	if err != nil {
		job.State = StateFailed
		job.FailedReason = err.Error()
		observability.QueueJobs.WithLabelValues(w.queue.Name(), "failed").Inc()
	} else {
		job.State = StateCompleted
		if result != nil {
			if data, merr := json.Marshal(result); merr == nil {
				job.Result = data
			}
		}
		observability.QueueJobs.WithLabelValues(w.queue.Name(), "completed").Inc()
	}

	if err := w.queue.saveJob(ctx, job); err != nil {
		log.Printf("queue %s: persist job %s result: %v", w.queue.Name(), job.ID, err)
	}
	w.queue.publishFinished(ctx, job)

	if (job.State == StateCompleted && job.RemoveOnComplete) || (job.State == StateFailed && job.RemoveOnFail) {
		// Waiters have already been notified; drop the body.
		if err := w.queue.client.Del(ctx, w.queue.jobKey(job.ID)).Err(); err != nil {
			log.Printf("queue %s: remove finished job %s: %v", w.queue.Name(), job.ID, err)
		}
	}
}

// runHandler isolates handler panics so one bad job cannot take the
// worker down.
func (w *Worker) runHandler(ctx context.Context, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, job)
}
