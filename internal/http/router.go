package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"plexwrapped/internal/auth"
	"plexwrapped/internal/config"
	"plexwrapped/internal/http/handler"
	mw "plexwrapped/internal/http/middleware"
	"plexwrapped/internal/integrations"
	"plexwrapped/internal/jobs"
)

// Deps are the services the routes are wired to.
type Deps struct {
	Users        *auth.Users
	JWT          *auth.JWT
	Sessions     *auth.SessionStore // nil disables cookie sessions
	Integrations *integrations.Service
	Dispatcher   *jobs.Dispatcher
	Jobs         *jobs.Query
}

func NewRouter(cfg config.Config, d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	if cfg.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(mw.RequestLogger)
	r.Use(chimw.Recoverer)

	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(mw.CORS(cfg.CORSAllowedOrigins, cfg.CORSAllowCredentials))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	authn := &auth.Authenticator{JWT: d.JWT, Users: d.Users}
	if d.Sessions != nil {
		authn.Sessions = d.Sessions
	}
	gw := mw.NewGateway(authn, cfg.RateLimit.Requests, cfg.RateLimit.Window)

	ah := &handler.AuthHandler{Users: d.Users, JWT: d.JWT, Sessions: d.Sessions, SecureCookie: cfg.CookieSecure}
	r.Post("/auth/register", ah.Register)
	r.Post("/auth/login", ah.Login)
	r.Post("/auth/logout", ah.Logout)

	me := &handler.MeHandler{}
	r.With(gw.Self()...).Get("/me", me.Me)

	wh := &handler.WrappedHandler{Dispatcher: d.Dispatcher, Jobs: d.Jobs, Users: d.Users}
	r.Route("/wrapped/{period}", func(r chi.Router) {
		r.Use(gw.Self()...)

		r.Post("/generate", wh.Generate)
		r.Get("/status", wh.Status)
	})

	ih := &handler.IntegrationsHandler{Svc: d.Integrations}
	uh := &handler.UsersHandler{Users: d.Users}
	r.Route("/admin", func(r chi.Router) {
		r.Use(gw.Admin()...)

		r.Post("/wrapped/{subjectID}/{period}/generate", wh.AdminGenerate)
		r.Get("/wrapped/{subjectID}/{period}/status", wh.AdminStatus)
		r.Get("/jobs/{period}", wh.AdminList)

		r.Get("/integrations", ih.List)
		r.Get("/integrations/{service}", ih.Get)
		r.Put("/integrations/{service}", ih.Put)
		r.Delete("/integrations/{service}", ih.Delete)

		r.Get("/users", uh.List)
		r.Patch("/users/{id}", uh.Patch)
	})

	return r
}
