package middleware

import (
	"net/http"
	"strings"

	"github.com/reflyai/triggerplane/control_plane/apierror"
	"github.com/reflyai/triggerplane/control_plane/auth"
)

// AuthMiddleware enforces JWT authentication on management requests.
// STRICT: fails fast on missing or malformed headers.
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			apierror.Write(w, apierror.New(apierror.CodeUnauthorized, "Missing Authorization header"))
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			apierror.Write(w, apierror.New(apierror.CodeUnauthorized, "Invalid Authorization format. Expected 'Bearer <token>'"))
			return
		}

		claims, err := auth.ValidateToken(parts[1])
		if err != nil {
			apierror.Write(w, apierror.Newf(apierror.CodeUnauthorized, "Unauthorized: %v", err))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUID(r.Context(), claims.UID)))
	})
}
