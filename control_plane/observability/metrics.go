package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// === Schedule Engine ===

	// ScanTicks counts cron scan attempts by outcome (leader, follower, error).
	ScanTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tp_schedule_scan_ticks_total",
		Help: "Cron scan ticks by outcome",
	}, []string{"outcome"})

	// ScanDuration tracks how long a full scan batch takes.
	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tp_schedule_scan_duration_seconds",
		Help:    "Duration of one cron scan batch",
		Buckets: prometheus.DefBuckets,
	})

	// ScheduleTriggers counts per-schedule trigger outcomes.
	ScheduleTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tp_schedule_triggers_total",
		Help: "Per-schedule trigger pipeline outcomes",
	}, []string{"outcome"}) // triggered, skipped, disabled_invalid_cron, quota_disabled, error

	// SchedulesDisabledByQuota counts schedules auto-disabled by plan quota.
	SchedulesDisabledByQuota = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tp_schedules_disabled_by_quota_total",
		Help: "Schedules disabled because the owner exceeded the plan quota",
	})

	// === Trigger Ingress ===

	// TriggerRequests counts inbound trigger calls by surface and result.
	TriggerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tp_trigger_requests_total",
		Help: "Inbound trigger HTTP calls",
	}, []string{"surface", "result"}) // surface: webhook, openapi; result: accepted, rate_limited, debounced, rejected, error

	// RateLimitFailOpen counts limiter Redis failures that were allowed through.
	RateLimitFailOpen = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tp_rate_limit_fail_open_total",
		Help: "Rate limit / debounce Redis errors that failed open",
	}, []string{"guard"}) // rpm, daily, debounce

	// WebhookConfigCache counts cache hits and misses for webhook config.
	WebhookConfigCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tp_webhook_config_cache_total",
		Help: "Webhook config cache lookups",
	}, []string{"result"}) // hit, miss, error

	// === Queue ===

	// QueueDepth tracks jobs waiting or delayed per queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tp_queue_depth",
		Help: "Jobs in waiting or delayed state per queue",
	}, []string{"queue"})

	// QueueJobs counts job terminal outcomes per queue.
	QueueJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tp_queue_jobs_total",
		Help: "Queue job terminal outcomes",
	}, []string{"queue", "outcome"}) // completed, failed, removed

	// QueueJobWaitSeconds tracks time from enqueue to processing start.
	QueueJobWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tp_queue_job_wait_seconds",
		Help:    "Time jobs wait before a worker picks them up",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~2.7min
	}, []string{"queue"})

	// === Sandbox Pool / Executor ===

	// SandboxAcquisitions counts pool acquisitions by path.
	SandboxAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tp_sandbox_acquisitions_total",
		Help: "Sandbox pool acquisitions",
	}, []string{"path"}) // reused, created, reuse_failed, limit_exceeded

	// SandboxesLive tracks the global count of sandboxes in existence.
	SandboxesLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tp_sandboxes_live",
		Help: "Sandboxes currently in existence (running or idle)",
	})

	// SandboxIdleDepth tracks the idle pool depth per template.
	SandboxIdleDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tp_sandbox_idle_depth",
		Help: "Idle sandboxes parked per template",
	}, []string{"template"})

	// SandboxLifecycleRetries counts create/reconnect retry attempts.
	SandboxLifecycleRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tp_sandbox_lifecycle_retries_total",
		Help: "Sandbox lifecycle operation retry attempts",
	}, []string{"operation"}) // create, connect, kill

	// SandboxExecSeconds tracks code execution duration inside sandboxes.
	SandboxExecSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tp_sandbox_exec_seconds",
		Help:    "Code execution duration inside sandboxes",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
	})

	// === Locks ===

	// LockAcquireSeconds tracks how long callers wait for a distributed lock.
	LockAcquireSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tp_lock_acquire_seconds",
		Help:    "Time spent waiting for a distributed lock",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
	}, []string{"lock"}) // scan, execute, sandbox

	// LockTimeouts counts lock acquisitions that gave up.
	LockTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tp_lock_timeouts_total",
		Help: "Lock acquisitions that timed out",
	}, []string{"lock"})

	// LockRenewalFailures counts renewal attempts that lost ownership.
	LockRenewalFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tp_lock_renewal_failures_total",
		Help: "Lock renewals that found the lock lost or errored",
	}, []string{"lock"})

	// === Records ===

	// RecordTransitions counts execution record state transitions.
	RecordTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tp_record_transitions_total",
		Help: "Execution record state transitions",
	}, []string{"to"}) // scheduled, pending, running, success, failed, skipped

	// === Coordination spine ===

	// RedisLatency tracks Redis operation roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tp_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency (coordination spine health)",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// APIRateLimited counts requests rejected by in-process storm protection.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tp_api_storm_limited_total",
		Help: "Requests rejected by in-process storm protection",
	}, []string{"endpoint"})
)
