package scheduler

import "time"

// Config is the scheduling tunable surface. Defaults match production.
type Config struct {
	// Scan
	ScanInterval time.Duration
	ScanLockTTL  time.Duration

	// Quotas
	FreeMaxActiveSchedules int
	PaidMaxActiveSchedules int

	// Priority
	PlanPriority      map[string]int
	DefaultPriority   int
	MaxPriority       int
	MaxFailureLevels  int
	FailurePenalty    int
	HighLoadThreshold int
	HighLoadPenalty   int

	// Processor throughput
	GlobalMaxConcurrent int
	RateLimitMax        int
	RateLimitDuration   time.Duration
	UserMaxConcurrent   int
	UserRateLimitDelay  time.Duration
	UserConcurrentTTL   time.Duration
}

func DefaultConfig() Config {
	return Config{
		ScanInterval: time.Minute,
		ScanLockTTL:  120 * time.Second,

		FreeMaxActiveSchedules: 3,
		PaidMaxActiveSchedules: 20,

		PlanPriority: map[string]int{
			"max":     1,
			"plus":    3,
			"starter": 5,
			"maker":   7,
			"test":    8,
			"free":    10,
		},
		DefaultPriority:   5,
		MaxPriority:       10,
		MaxFailureLevels:  3,
		FailurePenalty:    1,
		HighLoadThreshold: 10,
		HighLoadPenalty:   1,

		GlobalMaxConcurrent: 20,
		RateLimitMax:        30,
		RateLimitDuration:   time.Second,
		UserMaxConcurrent:   3,
		UserRateLimitDelay:  5 * time.Second,
		UserConcurrentTTL:   10 * time.Minute,
	}
}

// QuotaFor returns the active-schedule cap for a plan.
func (c Config) QuotaFor(plan string) int {
	if plan == "" || plan == "free" {
		return c.FreeMaxActiveSchedules
	}
	return c.PaidMaxActiveSchedules
}
