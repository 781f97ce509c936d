package ingress

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/reflyai/triggerplane/control_plane/observability"
	"github.com/reflyai/triggerplane/control_plane/store"
)

// ConfigCacheTTL bounds staleness of the webhook config projection.
const ConfigCacheTTL = 5 * time.Minute

// WebhookConfig is the cached projection hot trigger paths read instead
// of hitting the relational store on every call.
type WebhookConfig struct {
	APIID     string `json:"apiId"`
	UID       string `json:"uid"`
	CanvasID  string `json:"canvasId"`
	IsEnabled bool   `json:"isEnabled"`
	Timeout   int    `json:"timeout"`
}

// WebhookConfigCache is a read-through cache over the webhook table.
// Writers must invalidate on every enable/update/reset/disable.
type WebhookConfigCache struct {
	redis *store.RedisStore
	store store.Store
}

func NewWebhookConfigCache(redis *store.RedisStore, st store.Store) *WebhookConfigCache {
	return &WebhookConfigCache{redis: redis, store: st}
}

// Get returns the config projection for apiID, or nil when the webhook
// does not exist or is soft-deleted. Cache errors degrade to a DB read.
func (c *WebhookConfigCache) Get(ctx context.Context, apiID string) (*WebhookConfig, error) {
	key := store.WebhookConfigKey(apiID)
	cached, err := c.redis.CacheGet(ctx, key)
	if err != nil {
		log.Printf("webhook config cache: read error for %s: %v", apiID, err)
		observability.WebhookConfigCache.WithLabelValues("error").Inc()
	} else if cached != "" {
		var cfg WebhookConfig
		if err := json.Unmarshal([]byte(cached), &cfg); err == nil {
			observability.WebhookConfigCache.WithLabelValues("hit").Inc()
			return &cfg, nil
		}
	}
	observability.WebhookConfigCache.WithLabelValues("miss").Inc()

	wh, err := c.store.GetWebhook(ctx, apiID)
	if err != nil {
		return nil, err
	}
	if wh == nil || wh.DeletedAt != nil {
		return nil, nil
	}

	cfg := &WebhookConfig{
		APIID:     wh.APIID,
		UID:       wh.UID,
		CanvasID:  wh.CanvasID,
		IsEnabled: wh.IsEnabled,
		Timeout:   wh.Timeout,
	}
	if data, err := json.Marshal(cfg); err == nil {
		if err := c.redis.CacheSet(ctx, key, string(data), ConfigCacheTTL); err != nil {
			log.Printf("webhook config cache: write error for %s: %v", apiID, err)
		}
	}
	return cfg, nil
}

// Invalidate drops the cached projection. Called on any webhook mutation.
func (c *WebhookConfigCache) Invalidate(ctx context.Context, apiID string) {
	if err := c.redis.CacheDel(ctx, store.WebhookConfigKey(apiID)); err != nil {
		log.Printf("webhook config cache: invalidate %s: %v", apiID, err)
	}
}
