package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"botdeck.io/internal/account"
	"botdeck.io/internal/appcfg"
	"botdeck.io/internal/audit"
	"botdeck.io/internal/embed"
	"botdeck.io/internal/obs"
	"botdeck.io/internal/token"
)

// ReadyProbe pings the backing database for /readyz.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// TTLs fixes how long each token kind lives.
type TTLs struct {
	User  time.Duration
	Admin time.Duration
	Embed time.Duration
}

// Throttle tunes the anonymous chat limiter and the per-IP login limiter.
type Throttle struct {
	AnonRPS        float64
	AnonBurst      int
	LoginPerMinute int
}

// Deps collects everything the HTTP layer needs.
type Deps struct {
	Tokens     *token.Service
	Accounts   *account.Service
	Apps       *appcfg.Service
	Embed      *embed.Verifier
	Trail      *audit.Trail
	Probe      ReadyProbe
	TTLs       TTLs
	Throttle   Throttle
	Production bool
	Version    string
}

// API is the HTTP layer.
type API struct {
	deps Deps
	anon *anonLimiter
}

// New wires the routes. All dependencies except the probe are mandatory.
func New(deps Deps) (*API, error) {
	if deps.Tokens == nil || deps.Accounts == nil || deps.Apps == nil || deps.Embed == nil || deps.Trail == nil {
		return nil, errors.New("httpapi: missing dependency")
	}
	if deps.TTLs.User <= 0 || deps.TTLs.Admin <= 0 || deps.TTLs.Embed <= 0 {
		return nil, errors.New("httpapi: token ttls must be positive")
	}
	if deps.Throttle.AnonRPS <= 0 {
		deps.Throttle.AnonRPS = 1
	}
	if deps.Throttle.AnonBurst <= 0 {
		deps.Throttle.AnonBurst = 5
	}
	if deps.Throttle.LoginPerMinute <= 0 {
		deps.Throttle.LoginPerMinute = 10
	}
	return &API{deps: deps, anon: newAnonLimiter(deps.Throttle.AnonRPS, deps.Throttle.AnonBurst)}, nil
}

// Handler builds the router, wrapped with metrics and security headers.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", a.healthz)
	r.Get("/readyz", a.readyz)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.With(httprate.LimitByIP(a.deps.Throttle.LoginPerMinute, time.Minute)).
			Post("/admin/login", a.adminLogin)
		r.Post("/admin/logout", a.adminLogout)

		r.Get("/embed/session", a.embedSession)
		r.Post("/session", a.userSession)
		r.Post("/chat/messages", a.chatMessage)

		r.Group(func(r chi.Router) {
			r.Use(a.RequireKind(token.KindAdmin))

			r.Get("/admin/me", a.adminMe)
			r.Post("/admin/password", a.adminChangePassword)

			r.Route("/admin/accounts", func(r chi.Router) {
				r.Get("/", a.listAccounts)
				r.Get("/{id}", a.getAccount)
				r.Group(func(r chi.Router) {
					r.Use(a.RequireSuperAdmin)
					r.Post("/", a.createAccount)
					r.Post("/{id}/unlock", a.unlockAccount)
					r.Delete("/{id}", a.deactivateAccount)
				})
			})

			r.Route("/apps", func(r chi.Router) {
				r.Get("/", a.listApps)
				r.Post("/", a.createApp)
				r.Get("/{id}", a.getApp)
				r.Put("/{id}", a.updateApp)
				r.Put("/{id}/secret", a.rotateAppSecret)
				r.Delete("/{id}", a.deactivateApp)
			})
		})
	})

	return obs.Instrument(securityHeaders(r))
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "botdeck-api",
		"version": a.deps.Version,
	})
}

func (a *API) readyz(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Probe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
