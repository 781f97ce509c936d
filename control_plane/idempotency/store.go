// Package idempotency replays cached responses for retried mutations
// carrying an idempotency key.
package idempotency

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// TTL bounds how long a cached response is replayable.
const TTL = 1 * time.Hour

// Response is the cached HTTP outcome.
type Response struct {
	StatusCode int                 `json:"statusCode"`
	Body       []byte              `json:"body"`
	Headers    map[string][]string `json:"headers"`
}

// Cache is the shared backend; *store.RedisStore satisfies it.
type Cache interface {
	CacheSet(ctx context.Context, key, value string, ttl time.Duration) error
	CacheGet(ctx context.Context, key string) (string, error)
}

// Store keeps responses in Redis so retries land on any replica. A nil
// cache degrades to process-local memory.
type Store struct {
	cache Cache
	local sync.Map
}

type localEntry struct {
	resp      Response
	timestamp time.Time
}

func NewStore(cache Cache) *Store {
	return &Store{cache: cache}
}

func cacheKey(key string) string {
	return "idempotency:" + key
}

func (s *Store) Get(ctx context.Context, key string) (Response, bool) {
	if s.cache != nil {
		raw, err := s.cache.CacheGet(ctx, cacheKey(key))
		if err != nil {
			log.Printf("idempotency: redis read for %s: %v", key, err)
		} else if raw != "" {
			var resp Response
			if err := json.Unmarshal([]byte(raw), &resp); err == nil {
				return resp, true
			}
		}
		return Response{}, false
	}

	val, ok := s.local.Load(key)
	if !ok {
		return Response{}, false
	}
	e := val.(localEntry)
	if time.Since(e.timestamp) > TTL {
		s.local.Delete(key)
		return Response{}, false
	}
	return e.resp, true
}

func (s *Store) Set(ctx context.Context, key string, resp Response) {
	if s.cache != nil {
		data, err := json.Marshal(resp)
		if err != nil {
			return
		}
		if err := s.cache.CacheSet(ctx, cacheKey(key), string(data), TTL); err != nil {
			log.Printf("idempotency: redis write for %s: %v", key, err)
		}
		return
	}
	s.local.Store(key, localEntry{resp: resp, timestamp: time.Now()})
}
