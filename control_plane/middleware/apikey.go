package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/reflyai/triggerplane/control_plane/apierror"
)

// APIKeyValidator resolves an API key to a user id. Implemented by the
// external auth collaborator.
type APIKeyValidator interface {
	ValidateAPIKey(ctx context.Context, key string) (uid string, err error)
}

// APIKeyMiddleware authenticates trigger API calls: Authorization:
// Bearer <key> with X-Refly-Api-Key as a fallback.
func APIKeyMiddleware(validator APIKeyValidator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := extractAPIKey(r)
		if key == "" {
			apierror.Write(w, apierror.New(apierror.CodeUnauthorized, "Missing API key"))
			return
		}

		uid, err := validator.ValidateAPIKey(r.Context(), key)
		if err != nil || uid == "" {
			apierror.Write(w, apierror.New(apierror.CodeUnauthorized, "Invalid API key"))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUID(r.Context(), uid)))
	})
}

func extractAPIKey(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
	}
	return r.Header.Get(APIKeyHeader)
}
