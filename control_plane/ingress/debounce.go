package ingress

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"log"
	"sort"
	"time"

	"github.com/reflyai/triggerplane/control_plane/observability"
	"github.com/reflyai/triggerplane/control_plane/store"
)

// DebounceTTL is how long a fingerprint blocks duplicates.
const DebounceTTL = 1 * time.Second

// Debouncer rejects a second identical request within the TTL. Identical
// means same uid, same scope (canvasId or webhookId) and same canonical
// JSON body. Redis failures fail open.
type Debouncer struct {
	redis     *store.RedisStore
	namespace string
}

func NewDebouncer(redis *store.RedisStore, namespace string) *Debouncer {
	return &Debouncer{redis: redis, namespace: namespace}
}

// Fingerprint computes md5(uid ":" scopeId ":" canonicalJSON(body)).
func Fingerprint(uid, scopeID string, body []byte) string {
	h := md5.New()
	h.Write([]byte(uid))
	h.Write([]byte(":"))
	h.Write([]byte(scopeID))
	h.Write([]byte(":"))
	h.Write(canonicalJSON(body))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON re-encodes the body with object keys sorted so key order
// does not defeat deduplication. Non-JSON bodies are fingerprinted as-is.
func canonicalJSON(body []byte) []byte {
	if len(body) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return body
	}
	out, err := json.Marshal(sortKeys(parsed))
	if err != nil {
		return body
	}
	return out
}

// sortKeys normalizes maps into a shape encoding/json serializes with
// sorted keys (it already does for map[string]any; nested values only
// need recursion).
func sortKeys(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(val))
		for _, k := range keys {
			out[k] = sortKeys(val[k])
		}
		return out
	case []any:
		for i := range val {
			val[i] = sortKeys(val[i])
		}
		return val
	default:
		return v
	}
}

// Allow returns false when the fingerprint was already seen inside the
// TTL. Redis failures allow the request and log.
func (d *Debouncer) Allow(ctx context.Context, fingerprint string) bool {
	key := store.DebounceKey(d.namespace, fingerprint)
	fresh, err := d.redis.SetNXTTL(ctx, key, "1", DebounceTTL)
	if err != nil {
		log.Printf("debounce: redis error, failing open: %v", err)
		observability.RateLimitFailOpen.WithLabelValues("debounce").Inc()
		return true
	}
	return fresh
}
