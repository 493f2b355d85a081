// Package http exposes the service's REST surface: the PKCE handshake
// endpoints, credential status and revocation for the dashboard, and the
// usual health checks.
package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/repazoo/connect/internal/connect/service"
	"github.com/repazoo/connect/internal/connect/store"
	"github.com/repazoo/connect/pkg/httpx"
	"github.com/repazoo/connect/pkg/slogx"
)

// Router holds shared dependencies for HTTP handlers.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	buildVersion string
	startTime    time.Time
	logger       *slog.Logger
	sessionKey   []byte

	store        store.Store
	FlowService  *service.FlowService
	GuardService *service.GuardService
	Audit        *service.AuditService
}

func NewRouter(buildVersion string, sessionKey []byte, st store.Store, logger *slog.Logger) *Router {
	r := &Router{
		Mux:          http.NewServeMux(),
		buildVersion: buildVersion,
		startTime:    time.Now(),
		logger:       logger,
		sessionKey:   sessionKey,
		store:        st,
	}

	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
	}

	return r
}

func (r *Router) ApplyRoutes() {
	r.registerOAuth()
	r.registerAccounts()
	r.registerSystem()
}

// ServeHTTP implements http.Handler and applies the global middleware chain.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

func (r *Router) registerOAuth() {
	authn := httpx.AuthnMiddleware(r.sessionKey)

	initiate := &InitiateHandler{Flow: r.FlowService}
	r.Mux.Handle("GET /v1/oauth/initiate",
		httpx.Chain(http.HandlerFunc(initiate.ServeHTTP),
			httpx.RateLimitByIP(httpx.StrictLimit),
			authn,
		))

	callback := &CallbackHandler{Flow: r.FlowService}
	r.Mux.Handle("GET /v1/oauth/callback",
		httpx.Chain(http.HandlerFunc(callback.ServeHTTP),
			httpx.RateLimitByIP(httpx.StrictLimit),
		))
	r.Mux.Handle("POST /v1/oauth/callback",
		httpx.Chain(http.HandlerFunc(callback.ServeHTTP),
			httpx.RateLimitByIP(httpx.StrictLimit),
		))

	status := &StatusHandler{Store: r.store}
	r.Mux.Handle("GET /v1/oauth/status",
		httpx.Chain(http.HandlerFunc(status.ServeHTTP),
			httpx.RateLimitByIP(httpx.ModerateLimit),
			authn,
		))

	revoke := &RevokeHandler{Flow: r.FlowService}
	r.Mux.Handle("POST /v1/oauth/revoke",
		httpx.Chain(http.HandlerFunc(revoke.ServeHTTP),
			httpx.RateLimitByIP(httpx.ModerateLimit),
			authn,
		))

	audit := &AuditHandler{Audit: r.Audit}
	r.Mux.Handle("GET /v1/audit",
		httpx.Chain(http.HandlerFunc(audit.ServeHTTP),
			httpx.RateLimitByIP(httpx.ModerateLimit),
			authn,
		))
}

func (r *Router) registerAccounts() {
	if r.GuardService == nil {
		return
	}
	authn := httpx.AuthnMiddleware(r.sessionKey)
	accounts := &AccountsHandler{Guard: r.GuardService}

	register := func(pattern string, h http.HandlerFunc) {
		r.Mux.Handle(pattern, httpx.Chain(h,
			httpx.RateLimitByIP(httpx.ModerateLimit),
			authn,
		))
	}

	register("GET /v1/accounts/{credential_id}", accounts.Lookup)
	register("GET /v1/accounts/{credential_id}/mentions", accounts.Mentions)
	register("POST /v1/accounts/{credential_id}/tweets", accounts.PostTweet)
	register("POST /v1/accounts/{credential_id}/analysis", accounts.Analyze)
}

func (r *Router) registerSystem() {
	r.Mux.Handle("GET /livez", LivezHandler(r.startTime, r.buildVersion))
	r.Mux.Handle("GET /readyz", ReadyzHandler(r.startTime, r.buildVersion, r.store))
}
