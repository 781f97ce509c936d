package store

import (
	"fmt"
)

// Redis key builders. Every coordination key this system touches is
// produced here so the conventions stay greppable in one place.

// ScanLockKey is the coarse cron-scan lock shared across replicas.
const ScanLockKey = "lock:schedule:scan"

// SandboxCountKey is the global counter of sandboxes in existence.
const SandboxCountKey = "scalebox:count"

// ExecuteLockKey serializes executions of one canvas by one user.
func ExecuteLockKey(uid, canvasID string) string {
	return fmt.Sprintf("lock:execute:%s:%s", uid, canvasID)
}

// SandboxLockKey serializes operations on a single sandbox.
func SandboxLockKey(sandboxID string) string {
	return fmt.Sprintf("lock:sandbox:%s", sandboxID)
}

// UserConcurrentKey tracks per-user in-flight scheduled executions.
func UserConcurrentKey(uid string) string {
	return fmt.Sprintf("schedule:concurrent:user:%s", uid)
}

// RPMKey is the per-user requests-per-minute counter for the OpenAPI surface.
func RPMKey(uid string) string {
	return fmt.Sprintf("openapi:rate_limit:rpm:%s", uid)
}

// DailyKey is the per-user daily counter for the OpenAPI surface.
func DailyKey(uid string) string {
	return fmt.Sprintf("openapi:rate_limit:daily:%s", uid)
}

// WebhookRPMKey is the webhook-surface per-minute counter.
func WebhookRPMKey(uid string) string {
	return fmt.Sprintf("webhook_rate_limit:rpm:%s", uid)
}

// WebhookDailyKey is the webhook-surface daily counter.
func WebhookDailyKey(uid string) string {
	return fmt.Sprintf("webhook_rate_limit:daily:%s", uid)
}

// DebounceKey guards one request fingerprint for the debounce TTL.
// namespace is "openapi" or "webhook".
func DebounceKey(namespace, fingerprint string) string {
	if namespace == "webhook" {
		return fmt.Sprintf("webhook_debounce:%s", fingerprint)
	}
	return fmt.Sprintf("%s:debounce:%s", namespace, fingerprint)
}

// WebhookConfigKey caches the webhook config projection.
func WebhookConfigKey(apiID string) string {
	return fmt.Sprintf("webhook_config:%s", apiID)
}

// IdlePoolKey is the per-template LIFO list of idle sandbox ids.
func IdlePoolKey(templateName string) string {
	return fmt.Sprintf("scalebox:idle:%s", templateName)
}

// SandboxMetadataKey holds one sandbox descriptor.
func SandboxMetadataKey(sandboxID string) string {
	return fmt.Sprintf("scalebox:metadata:%s", sandboxID)
}

// PauseJobID coalesces duplicate auto-pause jobs for one sandbox.
func PauseJobID(sandboxID string) string {
	return fmt.Sprintf("pause:%s", sandboxID)
}

// KillJobID coalesces duplicate kill jobs for one sandbox.
func KillJobID(sandboxID string) string {
	return fmt.Sprintf("kill:%s", sandboxID)
}
