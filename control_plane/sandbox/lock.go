package sandbox

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reflyai/triggerplane/control_plane/observability"
	"github.com/reflyai/triggerplane/control_plane/store"
)

// LockManager implements the shared lock protocol for the execute and
// sandbox locks: UUID values, polled SET NX acquisition, background
// renewal that stops on first failure, and value-matched release.
type LockManager struct {
	redis *store.RedisStore
	cfg   Config
}

func NewLockManager(redis *store.RedisStore, cfg Config) *LockManager {
	return &LockManager{redis: redis, cfg: cfg}
}

// LockHandle is a held lock. Release is idempotent and must run on every
// exit path.
type LockHandle struct {
	key     string
	value   string
	redis   *store.RedisStore
	label   string
	cancel  context.CancelFunc
	release sync.Once
}

// Acquire polls for the lock until LockWaitTimeout, then fails with
// LockTimeoutError. label names the lock class for metrics.
func (m *LockManager) Acquire(ctx context.Context, key, label string) (*LockHandle, error) {
	start := time.Now()
	value := uuid.NewString()
	deadline := start.Add(m.cfg.LockWaitTimeout)

	for {
		acquired, err := m.redis.AcquireLock(ctx, key, value, m.cfg.LockInitialTTL)
		if err != nil {
			return nil, err
		}
		if acquired {
			break
		}
		if time.Now().After(deadline) {
			observability.LockTimeouts.WithLabelValues(label).Inc()
			return nil, &LockTimeoutError{Key: key}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.cfg.LockPollInterval):
		}
	}
	observability.LockAcquireSeconds.WithLabelValues(label).Observe(time.Since(start).Seconds())

	// Renewal runs on its own context: the lock must stay alive for the
	// full critical section even if the acquiring request's ctx carries a
	// short deadline.
	renewCtx, cancel := context.WithCancel(context.Background())
	handle := &LockHandle{key: key, value: value, redis: m.redis, label: label, cancel: cancel}
	go m.renewLoop(renewCtx, handle)
	return handle, nil
}

// TryAcquire makes a single non-blocking attempt with no renewal; used
// by the auto-pause processor, whose critical section is one provider
// call. Returns nil when the lock is held elsewhere.
func (m *LockManager) TryAcquire(ctx context.Context, key, label string) (*LockHandle, error) {
	value := uuid.NewString()
	acquired, err := m.redis.AcquireLock(ctx, key, value, m.cfg.LockInitialTTL)
	if err != nil || !acquired {
		return nil, err
	}
	return &LockHandle{key: key, value: value, redis: m.redis, label: label, cancel: func() {}}, nil
}

// renewLoop extends the TTL until release or the first failure. After a
// failed renewal the holder must not assume ownership past its next
// Redis-observing step, so the loop simply stops.
func (m *LockManager) renewLoop(ctx context.Context, h *LockHandle) {
	ticker := time.NewTicker(m.cfg.LockRenewalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := m.redis.RenewLock(ctx, h.key, h.value, m.cfg.LockInitialTTL)
			if err != nil || !renewed {
				observability.LockRenewalFailures.WithLabelValues(h.label).Inc()
				log.Printf("lock %s: renewal stopped (renewed=%v err=%v)", h.key, renewed, err)
				return
			}
		}
	}
}

// Release stops renewal and deletes the key iff we still own it.
func (h *LockHandle) Release(ctx context.Context) {
	h.release.Do(func() {
		h.cancel()
		if err := h.redis.ReleaseLock(ctx, h.key, h.value); err != nil {
			log.Printf("lock %s: release: %v", h.key, err)
		}
	})
}
