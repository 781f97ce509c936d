package sandbox

import (
	"context"
	"time"
)

// Provider is the remote sandbox service SDK boundary. Implementations
// make network calls; nothing in this package assumes locality.
type Provider interface {
	Create(ctx context.Context, template string, opts CreateOptions) (Instance, error)
	Connect(ctx context.Context, sandboxID string) (Instance, error)
}

// CreateOptions configures a fresh sandbox.
type CreateOptions struct {
	APIKey  string
	Timeout time.Duration
}

// Instance is a live handle to one remote sandbox.
type Instance interface {
	ID() string
	// RunCommand executes a shell command. Stdin, when non-empty, is piped
	// to the process.
	RunCommand(ctx context.Context, cmd string, opts CommandOptions) (*CommandResult, error)
	// RunCode executes source through the provider's hosted interpreter.
	RunCode(ctx context.Context, code string, opts RunCodeOptions) (*CommandResult, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	ListDir(ctx context.Context, path string) ([]string, error)
	Pause(ctx context.Context) error
	Kill(ctx context.Context) error
}

// CommandOptions controls a RunCommand call.
type CommandOptions struct {
	Stdin   string
	Cwd     string
	Timeout time.Duration
}

// RunCodeOptions controls a RunCode call.
type RunCodeOptions struct {
	Language string
	Cwd      string
	Timeout  time.Duration
}

// CommandResult is the raw outcome of a command or interpreter run.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}
