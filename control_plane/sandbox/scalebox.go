// Package sandbox implements the sandbox pool, the provider wrappers and
// the scalebox execute pipeline that runs workflow code steps.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/reflyai/triggerplane/control_plane/apierror"
	"github.com/reflyai/triggerplane/control_plane/observability"
	"github.com/reflyai/triggerplane/control_plane/queue"
	"github.com/reflyai/triggerplane/control_plane/store"
)

// JobExecute is the job name on the execute queue.
const JobExecute = "execute"

// truncateWarning is appended to the executor log when stdout is cut.
const truncateWarning = "[WARN] output truncated: stdout exceeded the configured limit"

// DriveService registers files a run produced into the user's drive.
// The implementation lives with the object-storage collaborator.
type DriveService interface {
	BatchCreate(ctx context.Context, ectx ExecuteContext, added []string) ([]DriveFile, error)
}

// DriveFile is one registered output file.
type DriveFile struct {
	FileID     string `json:"fileId"`
	StorageKey string `json:"storageKey"`
	Name       string `json:"name"`
}

// ExecuteRequest is the ingress input for one code run.
type ExecuteRequest struct {
	CanvasID       string        `json:"canvasId"`
	Params         ExecuteParams `json:"params"`
	S3DrivePath    string        `json:"s3DrivePath"`
	Version        string        `json:"version,omitempty"`
	ParentResultID string        `json:"parentResultId,omitempty"`
}

// ExecuteResponse is the ingress result. A non-zero ExitCode with
// status=success is a user-code error; status=failed carries a
// {code, message} pair for system-level failures.
type ExecuteResponse struct {
	Status         string           `json:"status"` // success | failed
	ExitCode       int              `json:"exitCode"`
	ExecutorOutput *ExecutionOutput `json:"executorOutput,omitempty"`
	Error          string           `json:"error,omitempty"`
	Files          []DriveFile      `json:"files,omitempty"`
	Code           string           `json:"code,omitempty"`
	Message        string           `json:"message,omitempty"`
}

// executeJobPayload is the queue job body.
type executeJobPayload struct {
	Params  ExecuteParams  `json:"params"`
	Context ExecuteContext `json:"context"`
}

// executeJobResult is what the job processor returns through the queue.
type executeJobResult struct {
	ExecutorOutput *ExecutionOutput `json:"executorOutput"`
	Error          string           `json:"error,omitempty"`
	ExitCode       int              `json:"exitCode"`
	Files          []DriveFile      `json:"files,omitempty"`
}

// Scalebox is the execute orchestrator: bounded-queue ingress on one
// side, the locked pool-acquire-run pipeline on the other.
type Scalebox struct {
	pool    *Pool
	locks   *LockManager
	queue   *queue.Queue
	drive   DriveService
	cfg     Config
	workers int
}

func NewScalebox(pool *Pool, locks *LockManager, q *queue.Queue, drive DriveService, cfg Config, workers int) *Scalebox {
	if workers <= 0 {
		workers = 4
	}
	return &Scalebox{pool: pool, locks: locks, queue: q, drive: drive, cfg: cfg, workers: workers}
}

// Start launches the execute workers.
func (s *Scalebox) Start(ctx context.Context) {
	queue.NewWorker(s.queue, s.workers, s.handleExecute).Start(ctx)
}

// Execute is the synchronous ingress: enqueue, wait for the worker,
// post-process. The queue bound rejects bursts before they pile onto the
// pool.
func (s *Scalebox) Execute(ctx context.Context, uid string, req ExecuteRequest) (*ExecuteResponse, error) {
	if req.CanvasID == "" {
		return nil, apierror.New(apierror.CodeRequestParams, "canvasId is required")
	}
	if s.cfg.APIKey == "" {
		return nil, apierror.New(apierror.CodeInternal, "sandbox provider api key is not configured")
	}

	if s.cfg.MaxQueueSize > 0 {
		depth, err := s.queue.Count(ctx)
		if err != nil {
			return nil, fmt.Errorf("queue depth: %w", err)
		}
		if depth >= int64(s.cfg.MaxQueueSize) {
			return nil, &QueueOverloadedError{Depth: depth, Max: s.cfg.MaxQueueSize}
		}
	}

	payload := executeJobPayload{
		Params: req.Params,
		Context: ExecuteContext{
			UID:            uid,
			APIKey:         s.cfg.APIKey,
			CanvasID:       req.CanvasID,
			S3DrivePath:    req.S3DrivePath,
			Version:        req.Version,
			ParentResultID: req.ParentResultID,
		},
	}
	job, err := s.queue.Add(ctx, JobExecute, payload, queue.Options{})
	if err != nil {
		return nil, fmt.Errorf("enqueue execute: %w", err)
	}

	waitBudget := s.cfg.RunCodeTimeout + s.cfg.LockWaitTimeout + 30*time.Second
	finished, err := s.queue.WaitUntilFinished(ctx, job.ID, waitBudget)
	if err != nil {
		return nil, err
	}

	if finished.State == queue.StateFailed {
		return failedResponse(finished.FailedReason), nil
	}

	var result executeJobResult
	if err := json.Unmarshal(finished.Result, &result); err != nil {
		return nil, fmt.Errorf("decode job result: %w", err)
	}
	return s.successResponse(&result), nil
}

func (s *Scalebox) successResponse(result *executeJobResult) *ExecuteResponse {
	out := result.ExecutorOutput
	if out != nil && s.cfg.TruncateOutput > 0 && len(out.Stdout) > s.cfg.TruncateOutput {
		out.Stdout = out.Stdout[:s.cfg.TruncateOutput]
		if out.Log != "" {
			out.Log += "\n"
		}
		out.Log += truncateWarning
	}
	return &ExecuteResponse{
		Status:         "success",
		ExitCode:       result.ExitCode,
		ExecutorOutput: out,
		Error:          result.Error,
		Files:          result.Files,
	}
}

// failedResponse maps a worker failure message back onto the domain
// taxonomy for the caller.
func failedResponse(reason string) *ExecuteResponse {
	code := apierror.Classify(fmt.Errorf("%s", reason))
	return &ExecuteResponse{
		Status:  "failed",
		Code:    string(code),
		Message: reason,
	}
}

// handleExecute is the job processor: outer execute lock, pool
// acquisition, inner sandbox lock, run, file registration. Every
// acquisition is released on every exit path.
func (s *Scalebox) handleExecute(ctx context.Context, job *queue.Job) (any, error) {
	var payload executeJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	ectx := payload.Context

	outer, err := s.locks.Acquire(ctx, store.ExecuteLockKey(ectx.UID, ectx.CanvasID), "execute")
	if err != nil {
		return nil, err
	}
	defer outer.Release(ctx)

	wrapper, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(ctx, wrapper)

	inner, err := s.locks.Acquire(ctx, store.SandboxLockKey(wrapper.SandboxID()), "sandbox")
	if err != nil {
		return nil, err
	}
	defer inner.Release(ctx)

	start := time.Now()
	output, err := wrapper.ExecuteCode(ctx, payload.Params, ectx)
	observability.SandboxExecSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		s.pool.EnqueueKill(ctx, wrapper.SandboxID(), err)
		return nil, err
	}

	var files []DriveFile
	if s.drive != nil && len(output.Diff.Added) > 0 {
		files, err = s.drive.BatchCreate(ctx, ectx, output.Diff.Added)
		if err != nil {
			log.Printf("scalebox: register %d output files: %v", len(output.Diff.Added), err)
		}
	}

	return executeJobResult{
		ExecutorOutput: output,
		Error:          output.Error,
		ExitCode:       output.ExitCode,
		Files:          files,
	}, nil
}
