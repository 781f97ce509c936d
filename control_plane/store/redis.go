package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reflyai/triggerplane/control_plane/observability"
)

// Lua scripts for single-key distributed primitives. Renew and release are
// value-matched so no holder can extend or delete another holder's lock.
const (
	renewScript = `
		local val = redis.call("get", KEYS[1])
		if not val then
			return -1
		end
		if val == ARGV[1] then
			return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
		else
			return -2
		end
	`
	releaseScript = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	// incrWithTTLScript increments a counter and arms the TTL only on the
	// first increment of the window.
	incrWithTTLScript = `
		local current = redis.call("incr", KEYS[1])
		if current == 1 then
			redis.call("expire", KEYS[1], tonumber(ARGV[1]))
		end
		return current
	`
)

// RedisStore provides the single-key distributed primitives: TTL locks with
// scripted renew/release, windowed counters, debounce SETNX, the webhook
// config cache, the sandbox idle pool and sandbox metadata.
type RedisStore struct {
	client *redis.Client

	renewSHA   string
	releaseSHA string
	incrSHA    string
}

func NewRedisStore(addr string, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	s := &RedisStore{client: client}
	if err := s.preloadScripts(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client (tests use miniredis).
func NewRedisStoreFromClient(client *redis.Client) (*RedisStore, error) {
	s := &RedisStore{client: client}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.preloadScripts(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// preloadScripts loads all Lua scripts once so only SHAs cross the network
// on the hot path.
func (s *RedisStore) preloadScripts(ctx context.Context) error {
	var err error
	if s.renewSHA, err = s.client.ScriptLoad(ctx, renewScript).Result(); err != nil {
		return fmt.Errorf("preload renew script: %w", err)
	}
	if s.releaseSHA, err = s.client.ScriptLoad(ctx, releaseScript).Result(); err != nil {
		return fmt.Errorf("preload release script: %w", err)
	}
	if s.incrSHA, err = s.client.ScriptLoad(ctx, incrWithTTLScript).Result(); err != nil {
		return fmt.Errorf("preload incr script: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func observe(start time.Time) {
	observability.RedisLatency.Observe(time.Since(start).Seconds())
}

// --- Locks ---

// AcquireLock attempts SET key value NX EX ttl.
func (s *RedisStore) AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	defer observe(time.Now())
	return s.client.SetNX(ctx, key, ownerID, ttl).Result()
}

// RenewLock extends the TTL iff the lock is still held by ownerID.
func (s *RedisStore) RenewLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	defer observe(time.Now())
	res, err := s.client.EvalSha(ctx, s.renewSHA, []string{key}, ownerID, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}
	val, ok := res.(int64)
	if !ok {
		return false, errors.New("unexpected return type from renew script")
	}
	// 1 = extended; 0 = pexpire raced a missing key; -1 = key gone; -2 = owner mismatch
	return val == 1, nil
}

// ReleaseLock deletes the key iff held by ownerID. Safe if already expired.
func (s *RedisStore) ReleaseLock(ctx context.Context, key string, ownerID string) error {
	defer observe(time.Now())
	return s.client.EvalSha(ctx, s.releaseSHA, []string{key}, ownerID).Err()
}

// GetLockOwner returns the current owner value, or "" if unheld.
func (s *RedisStore) GetLockOwner(ctx context.Context, key string) (string, error) {
	defer observe(time.Now())
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

// --- Windowed counters (rate limiting) ---

// IncrWithTTL atomically increments key and sets ttl on the window's first
// increment. Returns the post-increment count.
func (s *RedisStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	defer observe(time.Now())
	res, err := s.client.EvalSha(ctx, s.incrSHA, []string{key}, int64(ttl/time.Second)).Result()
	if err != nil {
		return 0, err
	}
	val, ok := res.(int64)
	if !ok {
		return 0, errors.New("unexpected return type from incr script")
	}
	return val, nil
}

// --- Debounce ---

// SetNXTTL returns true when the key was newly set (request is fresh) and
// false when the fingerprint already exists within the TTL.
func (s *RedisStore) SetNXTTL(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	defer observe(time.Now())
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

// --- Generic cache (webhook config projection) ---

func (s *RedisStore) CacheSet(ctx context.Context, key string, value string, ttl time.Duration) error {
	defer observe(time.Now())
	return s.client.Set(ctx, key, value, ttl).Err()
}

// CacheGet returns ("", nil) on a miss.
func (s *RedisStore) CacheGet(ctx context.Context, key string) (string, error) {
	defer observe(time.Now())
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (s *RedisStore) CacheDel(ctx context.Context, key string) error {
	defer observe(time.Now())
	return s.client.Del(ctx, key).Err()
}

// --- Sandbox idle pool ---

// PushIdle returns a sandbox id to the front of the template's idle list
// (LIFO keeps warm sandboxes warmest).
func (s *RedisStore) PushIdle(ctx context.Context, templateName, sandboxID string) error {
	defer observe(time.Now())
	return s.client.LPush(ctx, IdlePoolKey(templateName), sandboxID).Err()
}

// PopIdle pops the most recently parked sandbox id, "" when the pool is empty.
func (s *RedisStore) PopIdle(ctx context.Context, templateName string) (string, error) {
	defer observe(time.Now())
	val, err := s.client.LPop(ctx, IdlePoolKey(templateName)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

// RemoveIdle drops every occurrence of sandboxID from the idle list.
func (s *RedisStore) RemoveIdle(ctx context.Context, templateName, sandboxID string) error {
	defer observe(time.Now())
	return s.client.LRem(ctx, IdlePoolKey(templateName), 0, sandboxID).Err()
}

// IdleLen reports the idle list depth for metrics.
func (s *RedisStore) IdleLen(ctx context.Context, templateName string) (int64, error) {
	defer observe(time.Now())
	return s.client.LLen(ctx, IdlePoolKey(templateName)).Result()
}

// --- Sandbox counter ---

func (s *RedisStore) IncrCounter(ctx context.Context, key string) (int64, error) {
	defer observe(time.Now())
	return s.client.Incr(ctx, key).Result()
}

func (s *RedisStore) DecrCounter(ctx context.Context, key string) (int64, error) {
	defer observe(time.Now())
	return s.client.Decr(ctx, key).Result()
}

func (s *RedisStore) GetCounter(ctx context.Context, key string) (int64, error) {
	defer observe(time.Now())
	val, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

// --- Sandbox metadata ---

func (s *RedisStore) SaveSandboxMetadata(ctx context.Context, meta *SandboxMetadata) error {
	defer observe(time.Now())
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal sandbox metadata: %w", err)
	}
	return s.client.Set(ctx, SandboxMetadataKey(meta.SandboxID), data, 0).Err()
}

// GetSandboxMetadata returns (nil, nil) when the descriptor is gone.
func (s *RedisStore) GetSandboxMetadata(ctx context.Context, sandboxID string) (*SandboxMetadata, error) {
	defer observe(time.Now())
	data, err := s.client.Get(ctx, SandboxMetadataKey(sandboxID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var meta SandboxMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal sandbox metadata: %w", err)
	}
	return &meta, nil
}

// DeleteSandboxMetadata removes the descriptor and reports whether it
// still existed. Callers use the bool to keep sandbox accounting
// idempotent under repeated deletes.
func (s *RedisStore) DeleteSandboxMetadata(ctx context.Context, sandboxID string) (bool, error) {
	defer observe(time.Now())
	n, err := s.client.Del(ctx, SandboxMetadataKey(sandboxID)).Result()
	return n > 0, err
}

// ScanKeys returns keys matching pattern. Used by ops tooling and tests.
func (s *RedisStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Client exposes the raw client for subsystems that manage their own key
// families (the queue).
func (s *RedisStore) Client() *redis.Client {
	return s.client
}
