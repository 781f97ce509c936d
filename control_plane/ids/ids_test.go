package ids

import (
	"strings"
	"testing"
)

func TestNewWebhookID(t *testing.T) {
	id := NewWebhookID()
	if !strings.HasPrefix(id, WebhookPrefix) {
		t.Fatalf("Expected %s prefix, got %q", WebhookPrefix, id)
	}
	hexPart := strings.TrimPrefix(id, WebhookPrefix)
	if len(hexPart) != 32 {
		t.Errorf("Expected 32 hex chars, got %d in %q", len(hexPart), id)
	}
	for _, r := range hexPart {
		if !strings.ContainsRune("0123456789abcdef", r) {
			t.Fatalf("Non-hex character %q in %q", r, id)
		}
	}
	if NewWebhookID() == id {
		t.Error("Expected distinct ids")
	}
}

func TestIDPrefixes(t *testing.T) {
	if id := NewRecordID(); !strings.HasPrefix(id, RecordPrefix) || len(id) <= len(RecordPrefix) {
		t.Errorf("Bad record id %q", id)
	}
	if id := NewScheduleID(); !strings.HasPrefix(id, SchedulePrefix) || len(id) <= len(SchedulePrefix) {
		t.Errorf("Bad schedule id %q", id)
	}
	if id := NewScheduleRecordID(); !strings.HasPrefix(id, "sr_") || len(id) <= 3 {
		t.Errorf("Bad schedule record id %q", id)
	}
	id := NewExecutionID()
	if !strings.HasPrefix(id, ExecutePrefix) {
		t.Fatalf("Bad execution id %q", id)
	}
	if rest := strings.TrimPrefix(id, ExecutePrefix); len(rest) != 32 || strings.Contains(rest, "-") {
		t.Errorf("Expected 32-char dashless uuid, got %q", rest)
	}
}

func TestFileKeyDeterministic(t *testing.T) {
	body := []byte("col1,col2\n1,2\n")
	k1 := FileKey("u1", body)
	k2 := FileKey("u1", body)
	if k1 != k2 {
		t.Errorf("Expected deterministic key, got %q and %q", k1, k2)
	}
	if !strings.HasPrefix(k1, FilePrefix) || len(k1) != len(FilePrefix)+16 {
		t.Errorf("Bad file key shape %q", k1)
	}
	// Same body under another user hashes differently.
	if FileKey("u2", body) == k1 {
		t.Error("Expected uid to contribute to the hash")
	}
	if FileKey("u1", []byte("other")) == k1 {
		t.Error("Expected body to contribute to the hash")
	}
}

func TestStorageKeyNamespace(t *testing.T) {
	key := StorageKey("u1", "of_abc")
	if key != "openapi/u1/of_abc" {
		t.Errorf("Unexpected storage key %q", key)
	}
	if !IsUserStorageKey("u1", key) {
		t.Error("Expected own key to be recognized")
	}
	if IsUserStorageKey("u2", key) {
		t.Error("Expected foreign key to be rejected")
	}
	// The bare prefix is not a valid key.
	if IsUserStorageKey("u1", StorageKeyPrefix("u1")) {
		t.Error("Expected bare prefix rejected")
	}
	if IsUserStorageKey("u1", "uploads/u1/of_abc") {
		t.Error("Expected other namespaces rejected")
	}
}
