package sandbox

import "time"

// Wrapper variants.
const (
	WrapperExecutor    = "executor"
	WrapperInterpreter = "interpreter"
)

// Retry constants for lifecycle operations and async kill.
const (
	LifecycleRetryMaxAttempts = 3
	LifecycleRetryInterval    = 2 * time.Second
	KillRetryMaxAttempts      = 5
	KillRetryInterval         = 3 * time.Second
)

// Limits are the executor resource caps passed through to the binary.
type Limits struct {
	CPUMillis   int `json:"cpuMillis"`
	MemoryMB    int `json:"memoryMb"`
	DiskMB      int `json:"diskMb"`
	MaxProcs    int `json:"maxProcs"`
	MaxOpenFile int `json:"maxOpenFile"`
}

// Config is the sandbox tunable surface.
type Config struct {
	WrapperType  string
	TemplateName string
	APIKey       string

	SandboxTimeout time.Duration
	MaxSandboxes   int
	AutoPauseDelay time.Duration
	RunCodeTimeout time.Duration

	LockWaitTimeout     time.Duration
	LockPollInterval    time.Duration
	LockInitialTTL      time.Duration
	LockRenewalInterval time.Duration

	MaxQueueSize      int
	CodeSizeThreshold int
	TruncateOutput    int
	Limits            Limits
}

func DefaultConfig() Config {
	return Config{
		WrapperType:  WrapperExecutor,
		TemplateName: "refly-executor",

		SandboxTimeout: 10 * time.Minute,
		MaxSandboxes:   50,
		AutoPauseDelay: 2 * time.Minute,
		RunCodeTimeout: 120 * time.Second,

		LockWaitTimeout:     30 * time.Second,
		LockPollInterval:    200 * time.Millisecond,
		LockInitialTTL:      30 * time.Second,
		LockRenewalInterval: 10 * time.Second,

		MaxQueueSize:      100,
		CodeSizeThreshold: 64 * 1024,
		TruncateOutput:    512 * 1024,
		Limits: Limits{
			CPUMillis:   2000,
			MemoryMB:    2048,
			DiskMB:      4096,
			MaxProcs:    128,
			MaxOpenFile: 1024,
		},
	}
}
