package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/pinchwork/pinchwork/internal/domain/agent"
)

type agentCtxKey struct{}

// publicPaths are exempt from authentication.
var publicPaths = map[string]bool{
	"/health":                 true,
	"/health/ready":           true,
	"/api/v1/agents/register": true,
}

// Authenticator resolves an API key to its agent.
type Authenticator interface {
	Authenticate(ctx context.Context, key string) (*agent.Agent, error)
}

// Auth returns middleware that resolves the request's API key to an agent
// and stores it in the context. The key is taken from Authorization: Bearer
// or X-API-Key. The /ws endpoint authenticates in its own handler.
func Auth(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] || r.URL.Path == "/ws" {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("X-API-Key")
			if key == "" {
				header := r.Header.Get("Authorization")
				key = strings.TrimPrefix(header, "Bearer ")
				if key == header {
					key = ""
				}
			}
			if key == "" {
				http.Error(w, `{"error":"authorization required"}`, http.StatusUnauthorized)
				return
			}

			a, err := auth.Authenticate(r.Context(), key)
			if err != nil {
				http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), agentCtxKey{}, a)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AgentFromContext returns the authenticated agent from the request context.
func AgentFromContext(ctx context.Context) *agent.Agent {
	a, _ := ctx.Value(agentCtxKey{}).(*agent.Agent)
	return a
}

// WithAgent stores an agent in the context. Exported for handler tests.
func WithAgent(ctx context.Context, a *agent.Agent) context.Context {
	return context.WithValue(ctx, agentCtxKey{}, a)
}
