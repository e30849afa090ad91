package mcp

import (
	"net/http"
	"strings"
)

// AuthMiddleware wraps an http.Handler and validates the Authorization header
// against a shared gateway key. The key is read per request so it can be
// rotated without a restart; an empty key passes all requests through.
// Per-agent identity still travels in each tool's api_key argument.
func AuthMiddleware(gatewayKey func() string, next http.Handler) http.Handler {
	if gatewayKey == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := gatewayKey()
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			http.Error(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth {
			// No "Bearer " prefix found, try plain API key header
			token = auth
		}

		if token != key {
			http.Error(w, "invalid credentials", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
