package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/reflyai/triggerplane/control_plane/apierror"
)

// ContextKey is a strict type for context keys to prevent collisions.
type ContextKey string

const (
	// UIDKey is the context key for the authenticated user id.
	UIDKey ContextKey = "uid"
	// APIKeyHeader is the fallback header for API-key auth.
	APIKeyHeader = "X-Refly-Api-Key"
)

// WithUID returns a request context carrying the authenticated uid.
func WithUID(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, UIDKey, uid)
}

// GetUIDFromContext safely retrieves the uid from the context.
func GetUIDFromContext(ctx context.Context) (string, error) {
	val := ctx.Value(UIDKey)
	if val == nil {
		return "", fmt.Errorf("uid not found in context")
	}
	uid, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("uid in context is not a string")
	}
	return uid, nil
}

// MustUID is the handler-side accessor: a missing uid is a programming
// error (the route skipped auth middleware) and is answered with 401.
func MustUID(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid, err := GetUIDFromContext(r.Context())
	if err != nil {
		apierror.Write(w, apierror.New(apierror.CodeUnauthorized, "Unauthorized"))
		return "", false
	}
	return uid, true
}
