// Package ingress guards the three trigger surfaces with uniform
// contracts: per-user rate limiting, request-fingerprint debouncing and a
// webhook config cache shared across replicas.
package ingress

import (
	"context"
	"log"
	"time"

	"github.com/reflyai/triggerplane/control_plane/observability"
	"github.com/reflyai/triggerplane/control_plane/store"
)

// Fixed limits for the trigger surfaces. These are contract constants,
// not tunables.
const (
	RPMLimit    = 100
	RPMWindow   = 60 * time.Second
	DailyLimit  = 10000
	DailyWindow = 86400 * time.Second
)

// Namespaces pick the Redis key family per trigger surface.
const (
	NamespaceOpenAPI = "openapi"
	NamespaceWebhook = "webhook"
)

// Decision carries the limiter verdict plus the header values every
// response exposes.
type Decision struct {
	Allowed        bool
	LimitRPM       int
	RemainingRPM   int
	LimitDaily     int
	RemainingDaily int
}

// RateLimiter enforces the two independent per-user counters. Redis
// failures fail open: a broken coordination spine must not take the
// trigger surface down.
type RateLimiter struct {
	redis     *store.RedisStore
	namespace string
}

func NewRateLimiter(redis *store.RedisStore, namespace string) *RateLimiter {
	return &RateLimiter{redis: redis, namespace: namespace}
}

func (l *RateLimiter) keys(uid string) (rpmKey, dailyKey string) {
	if l.namespace == NamespaceWebhook {
		return store.WebhookRPMKey(uid), store.WebhookDailyKey(uid)
	}
	return store.RPMKey(uid), store.DailyKey(uid)
}

// Allow increments both counters atomically (TTL armed on the window's
// first increment) and reports whether either limit is exceeded.
func (l *RateLimiter) Allow(ctx context.Context, uid string) Decision {
	d := Decision{
		Allowed:        true,
		LimitRPM:       RPMLimit,
		RemainingRPM:   RPMLimit,
		LimitDaily:     DailyLimit,
		RemainingDaily: DailyLimit,
	}

	rpmKey, dailyKey := l.keys(uid)

	rpm, err := l.redis.IncrWithTTL(ctx, rpmKey, RPMWindow)
	if err != nil {
		log.Printf("rate limit: rpm counter for %s failed open: %v", uid, err)
		observability.RateLimitFailOpen.WithLabelValues("rpm").Inc()
	} else {
		d.RemainingRPM = remaining(RPMLimit, rpm)
		if rpm > RPMLimit {
			d.Allowed = false
		}
	}

	daily, err := l.redis.IncrWithTTL(ctx, dailyKey, DailyWindow)
	if err != nil {
		log.Printf("rate limit: daily counter for %s failed open: %v", uid, err)
		observability.RateLimitFailOpen.WithLabelValues("daily").Inc()
	} else {
		d.RemainingDaily = remaining(DailyLimit, daily)
		if daily > DailyLimit {
			d.Allowed = false
		}
	}

	return d
}

func remaining(limit int, used int64) int {
	left := limit - int(used)
	if left < 0 {
		return 0
	}
	return left
}
