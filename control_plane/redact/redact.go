package redact

import (
	"encoding/json"
	"strings"
)

// Placeholder appended after the preserved prefix of a sensitive value.
const Placeholder = "[REDACTED]"

// prefixLen is how many characters of the original value survive redaction,
// enough to correlate a key against a dashboard without exposing it.
const prefixLen = 4

// sensitiveHeaders are matched case-insensitively by exact name.
var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"x-api-key":           true,
	"x-refly-api-key":     true,
	"cookie":              true,
	"set-cookie":          true,
	"proxy-authorization": true,
}

// sensitiveFragments flag any JSON field whose lowercased name contains one.
var sensitiveFragments = []string{"secret", "token", "password", "key", "credential"}

// Value redacts a single sensitive string, keeping a short prefix.
func Value(v string) string {
	if len(v) <= prefixLen {
		return Placeholder
	}
	return v[:prefixLen] + Placeholder
}

// Headers returns a copy of h with sensitive header values redacted.
// The input is never mutated.
func Headers(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if sensitiveHeaders[strings.ToLower(k)] {
			out[k] = Value(v)
		} else {
			out[k] = v
		}
	}
	return out
}

// IsSensitiveField reports whether a JSON field name looks like it carries
// a secret.
func IsSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, frag := range sensitiveFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// Body redacts sensitive fields in a JSON body. Non-JSON input is returned
// unchanged: the audit trail stores whatever the caller sent.
func Body(body []byte) []byte {
	if len(body) == 0 {
		return body
	}
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return body
	}
	redacted := redactAny(parsed)
	out, err := json.Marshal(redacted)
	if err != nil {
		return body
	}
	return out
}

func redactAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if s, ok := inner.(string); ok && IsSensitiveField(k) {
				out[k] = Value(s)
				continue
			}
			out[k] = redactAny(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = redactAny(inner)
		}
		return out
	default:
		return v
	}
}
