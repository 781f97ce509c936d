package ids

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nrednav/cuid2"
)

// Stable id prefixes. Callers compare against these rather than
// hard-coding strings.
const (
	WebhookPrefix  = "wh_"
	RecordPrefix   = "rec_"
	FilePrefix     = "of_"
	SchedulePrefix = "sch_"
	ExecutePrefix  = "exec_"
)

// NewWebhookID returns a webhook api id: wh_<32 hex>.
func NewWebhookID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process is in a bad place;
		// fall back to a v4 UUID rather than returning an error nobody handles.
		return WebhookPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return WebhookPrefix + hex.EncodeToString(buf)
}

// NewRecordID returns an api call record id: rec_<cuid2>.
func NewRecordID() string {
	return RecordPrefix + cuid2.Generate()
}

// NewScheduleRecordID returns a schedule record id: sr_<cuid2>.
func NewScheduleRecordID() string {
	return "sr_" + cuid2.Generate()
}

// NewScheduleID returns a schedule id: sch_<cuid2>.
func NewScheduleID() string {
	return SchedulePrefix + cuid2.Generate()
}

// NewExecutionID returns a workflow execution id: exec_<uuid without dashes>.
func NewExecutionID() string {
	return ExecutePrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// FileKey derives the deterministic content-addressed key for an uploaded
// blob: of_<base64url(sha256(uid || body))[:16]>.
func FileKey(uid string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(uid))
	h.Write(body)
	sum := base64.RawURLEncoding.EncodeToString(h.Sum(nil))
	return FilePrefix + sum[:16]
}

// StorageKey returns the object-storage key for a user file.
// Format: openapi/{uid}/{fileKey}
func StorageKey(uid, fileKey string) string {
	return fmt.Sprintf("openapi/%s/%s", uid, fileKey)
}

// StorageKeyPrefix returns the per-user prefix all openapi uploads live under.
func StorageKeyPrefix(uid string) string {
	return fmt.Sprintf("openapi/%s/", uid)
}

// IsUserStorageKey reports whether s is a storage key under the
// caller's openapi namespace.
func IsUserStorageKey(uid, s string) bool {
	return strings.HasPrefix(s, StorageKeyPrefix(uid)) && len(s) > len(StorageKeyPrefix(uid))
}
