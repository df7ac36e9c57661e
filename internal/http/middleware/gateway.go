package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"plexwrapped/internal/apperr"
	"plexwrapped/internal/auth"
	"plexwrapped/internal/metrics"
)

type Authenticator interface {
	Authenticate(r *http.Request) (auth.Identity, error)
}

// Gateway guards routes with an ordered pipeline: rate limit, then session,
// then (for admin routes) the admin flag. Each stage short-circuits with the
// error envelope before the handler runs.
type Gateway struct {
	authn Authenticator
	limit func(http.Handler) http.Handler
}

// NewGateway limits every caller IP to requests per window, counted across all
// gated routes.
func NewGateway(authn Authenticator, requests int, window time.Duration) *Gateway {
	return &Gateway{
		authn: authn,
		limit: httprate.Limit(requests, window,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				reject(w, r, "gateway.rate_limit", apperr.RateLimited())
			}),
		),
	}
}

// Self is the pipeline for routes acting on the caller's own data.
func (g *Gateway) Self() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{g.limit, g.RequireSession}
}

// Admin is the pipeline for privileged routes.
func (g *Gateway) Admin() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{g.limit, g.RequireSession, RequireAdmin}
}

// RequireSession resolves the caller and stores the identity in the request context.
func (g *Gateway) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := g.authn.Authenticate(r)
		if err != nil {
			if auth.IsUnauthenticated(err) {
				reject(w, r, "gateway.authenticate", apperr.Wrap(err, apperr.CodeUnauthenticated, apperr.DefaultMessage(apperr.CodeUnauthenticated)))
				return
			}
			reject(w, r, "gateway.authenticate", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

// RequireAdmin must run after RequireSession.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.IdentityFromContext(r.Context())
		if !ok {
			reject(w, r, "gateway.authorize", apperr.Unauthenticated())
			return
		}
		if !id.IsAdmin {
			reject(w, r, "gateway.authorize", apperr.Unauthorized())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func reject(w http.ResponseWriter, r *http.Request, op string, err error) {
	metrics.GatewayRejections.WithLabelValues(string(apperr.CodeOf(err))).Inc()
	apperr.Write(w, r, op, err)
}
