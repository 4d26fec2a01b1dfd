// Package api wires the HTTP surface: chi router, auth/isolation
// middleware and the platform/env handlers, grounded on the original
// api/middleware.py.
package api

import (
	"context"
	"net/http"

	"github.com/agentdiff/harness/internal/apierr"
	"github.com/agentdiff/harness/internal/auth"
	"github.com/agentdiff/harness/internal/platlog"
)

type principalKey struct{}

// PrincipalFromContext returns the authenticated principal attached by
// AuthMiddleware, or nil if none is present (should not happen for any
// route mounted behind the middleware).
func PrincipalFromContext(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(principalKey{}).(*auth.Principal)
	return p
}

// AuthMiddleware resolves the caller's bearer token or X-API-Key header
// against the control-plane client and attaches the resulting Principal
// to the request context, or fails the request with 401 or 503.
func AuthMiddleware(client *auth.Client) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("Authorization")
			if token == "" {
				token = r.Header.Get("X-API-Key")
			}

			action := routeAction(r)
			principal, err := client.Authenticate(r.Context(), token, action)
			if err != nil {
				writeError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), principalKey{}, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func routeAction(r *http.Request) string {
	return r.Method + " " + r.URL.Path
}

// RequestLogger attaches a request-scoped logger carrying method and
// path to the request context, matching the contextLogger-per-request
// idiom used throughout the corpus.
func RequestLogger() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l := platlog.Global.WithValues("method", r.Method, "path", r.URL.Path)
			ctx := platlog.IntoContext(r.Context(), l)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, resp := apierr.ToResponse(err)
	writeJSON(w, status, resp)
}
