package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// extractBearerToken pulls the token out of an "Authorization: Bearer <token>"
// header, or "" if the header is absent or malformed.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[len("Bearer "):])
}

// authorized reports whether got matches expected via constant-time
// comparison; an empty expected secret never authorizes anything.
func authorized(got, expected string) bool {
	if expected == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

// requireWorkerSecret is chi middleware enforcing the worker-secret Bearer
// auth; NewRouter applies it to every route but /health and /metrics.
func requireWorkerSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authorized(extractBearerToken(r), secret) {
				writeError(w, http.StatusUnauthorized, "missing or invalid worker secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
