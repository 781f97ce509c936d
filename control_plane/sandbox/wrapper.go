package sandbox

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/reflyai/triggerplane/control_plane/observability"
)

// ExecuteParams is the code payload of one run.
type ExecuteParams struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	Stdin    string `json:"stdin,omitempty"`
}

// ExecuteContext carries per-run identity and storage coordinates.
type ExecuteContext struct {
	UID            string `json:"uid"`
	APIKey         string `json:"apiKey"`
	CanvasID       string `json:"canvasId"`
	S3DrivePath    string `json:"s3DrivePath"`
	Version        string `json:"version,omitempty"`
	ParentResultID string `json:"parentResultId,omitempty"`
}

// FileDiff lists the filesystem delta a run produced.
type FileDiff struct {
	Added []string `json:"added"`
}

// ExecutionOutput is the structured result of one code run. A non-zero
// ExitCode is a user outcome, not an infrastructure failure.
type ExecutionOutput struct {
	ExitCode int      `json:"exitCode"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
	Error    string   `json:"error,omitempty"`
	Log      string   `json:"log,omitempty"`
	Diff     FileDiff `json:"diff"`
}

// Wrapper is the local adapter owning one sandbox handle.
type Wrapper interface {
	SandboxID() string
	ExecuteCode(ctx context.Context, params ExecuteParams, ectx ExecuteContext) (*ExecutionOutput, error)
	HealthCheck(ctx context.Context) error
	Pause(ctx context.Context) error
	Kill(ctx context.Context) error
}

// WrapperFactory builds a wrapper around a connected instance. The pool
// owns create/connect; wrappers own execution semantics.
type WrapperFactory func(inst Instance, cfg Config) Wrapper

// NewWrapperFactory selects the variant for the configured wrapperType.
func NewWrapperFactory(wrapperType string) (WrapperFactory, error) {
	switch wrapperType {
	case WrapperExecutor:
		return func(inst Instance, cfg Config) Wrapper {
			return newExecutorWrapper(inst, cfg)
		}, nil
	case WrapperInterpreter:
		return func(inst Instance, cfg Config) Wrapper {
			return newInterpreterWrapper(inst, cfg)
		}, nil
	default:
		return nil, fmt.Errorf("unknown wrapper type %q", wrapperType)
	}
}

// withLifecycleRetry runs fn up to maxAttempts with a fixed delay,
// invoking onFailed after each failure so the pool can enqueue cleanup.
func withLifecycleRetry(ctx context.Context, op string, maxAttempts int, delay time.Duration, fn func() error, onFailed func(err error)) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Printf("sandbox %s: attempt %d/%d failed: %v", op, attempt, maxAttempts, err)
			observability.SandboxLifecycleRetries.WithLabelValues(op).Inc()
			if onFailed != nil {
				onFailed(err)
			}
		}
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return lastErr
}
