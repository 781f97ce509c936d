package sandbox

import "fmt"

// The sandbox failure family. Lifecycle errors (create/connect/pause/
// kill) are retried before surfacing; execution errors surface directly.
// Messages are stable: workers classify them by pattern.

// CreationError: the provider refused or failed to create a sandbox.
type CreationError struct {
	Reason string
	Err    error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("sandbox creation failed: %s", e.Reason)
}
func (e *CreationError) Unwrap() error { return e.Err }

// ConnectionError: reconnecting to an existing sandbox failed.
type ConnectionError struct {
	SandboxID string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("sandbox connect failed for %s: %v", e.SandboxID, e.Err)
}
func (e *ConnectionError) Unwrap() error { return e.Err }

// LifecycleError: pause/kill or another lifecycle operation failed after
// retries.
type LifecycleError struct {
	SandboxID string
	Operation string
	Err       error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("sandbox lifecycle %s failed for %s: %v", e.Operation, e.SandboxID, e.Err)
}
func (e *LifecycleError) Unwrap() error { return e.Err }

// ExecutionFailedError: the code-run path broke at the infrastructure
// level (not a non-zero exit code, which is a user outcome).
type ExecutionFailedError struct {
	SandboxID string
	Reason    string
	Err       error
}

func (e *ExecutionFailedError) Error() string {
	return fmt.Sprintf("sandbox execution failed on %s: %s", e.SandboxID, e.Reason)
}
func (e *ExecutionFailedError) Unwrap() error { return e.Err }

// LanguageNotSupportedError: the requested language has no runtime in
// the configured wrapper.
type LanguageNotSupportedError struct {
	Language string
}

func (e *LanguageNotSupportedError) Error() string {
	return fmt.Sprintf("sandbox run failed: language %q not supported", e.Language)
}

// MountError: the interpreter wrapper could not mount or unmount the
// user's drive.
type MountError struct {
	SandboxID string
	Err       error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("sandbox mount failed on %s: %v", e.SandboxID, e.Err)
}
func (e *MountError) Unwrap() error { return e.Err }

// LockTimeoutError: a distributed lock was not acquired within the wait
// budget. The user-facing message stays deliberately generic.
type LockTimeoutError struct {
	Key string
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("sandbox lock timeout on %s: sandbox is busy, please retry", e.Key)
}

// QueueOverloadedError: the execute queue is at capacity.
type QueueOverloadedError struct {
	Depth int64
	Max   int
}

func (e *QueueOverloadedError) Error() string {
	return fmt.Sprintf("execute queue overloaded: %d jobs queued (max %d)", e.Depth, e.Max)
}
