package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"net/netip"
	"time"

	"github.com/gorilla/mux"

	"tollgate.org/internal/auth"
	"tollgate.org/internal/obs"
	"tollgate.org/internal/ratelimit"
	"tollgate.org/internal/rbac"
	"tollgate.org/internal/stream"
)

const serviceName = "tollgate-api"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyCheck pings the database when one is configured.
type ReadyCheck struct {
	DB *sql.DB
}

func (rp ReadyCheck) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Limits are per-minute quotas for the anonymous endpoint classes.
type Limits struct {
	Auth    int
	Public  int
	Webhook int
}

// Deps is everything the HTTP layer needs, built once by cmd/api.
type Deps struct {
	RBAC            *rbac.Service
	Auth            *auth.Engine
	Limiter         *ratelimit.Limiter
	Stream          *stream.Stream
	Ready           readinessChecker
	Version         string
	Limits          Limits
	DefaultPageSize int
	MaxPageSize     int
	MaxBodyBytes    int64
	// TrustedProxies are the peers whose X-Forwarded-For is honored.
	TrustedProxies []netip.Prefix
}

// API is the HTTP layer.
type API struct {
	router   *mux.Router
	rbac     *rbac.Service
	auth     *auth.Engine
	limiter  *ratelimit.Limiter
	stream   *stream.Stream
	ready    readinessChecker
	version  string
	limits   Limits
	pageSize int
	maxPage  int
	maxBody  int64
	trusted  []netip.Prefix
}

func New(d Deps) *API {
	a := &API{
		router:   mux.NewRouter(),
		rbac:     d.RBAC,
		auth:     d.Auth,
		limiter:  d.Limiter,
		stream:   d.Stream,
		ready:    d.Ready,
		version:  d.Version,
		limits:   d.Limits,
		pageSize: d.DefaultPageSize,
		maxPage:  d.MaxPageSize,
		maxBody:  d.MaxBodyBytes,
		trusted:  d.TrustedProxies,
	}
	if a.ready == nil {
		a.ready = ReadyCheck{}
	}
	if a.pageSize <= 0 {
		a.pageSize = 20
	}
	if a.maxPage < a.pageSize {
		a.maxPage = a.pageSize
	}
	if a.maxBody <= 0 {
		a.maxBody = 1 << 20
	}
	a.routes()
	return a
}

func (a *API) routes() {
	r := a.router
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	// health endpoints and metrics are never rate limited
	r.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()

	public := v1.NewRoute().Subrouter()
	public.Use(a.limitByIP(classPublic))
	public.HandleFunc("/info", a.Info).Methods(http.MethodGet)

	authn := v1.PathPrefix("/auth").Subrouter()
	authn.Use(a.limitByIP(classAuth))
	authn.HandleFunc("/login", a.handleLogin).Methods(http.MethodPost)
	authn.HandleFunc("/refresh", a.handleRefresh).Methods(http.MethodPost)

	private := v1.NewRoute().Subrouter()
	private.Use(a.authenticate, a.limitByUser)
	private.HandleFunc("/me", a.handleMe).Methods(http.MethodGet)
	private.HandleFunc("/events", a.handleEvents).Methods(http.MethodGet)
	a.rbacRoutes(private)
}

// Handler returns the root handler with the request-scoped middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = SecurityHeaders(h)
	h = MaxBodyBytes(h, a.maxBody)
	h = obs.Instrument(h)
	h = LoggingJSON(h)
	h = a.withClientIP(h)
	h = RequestID(h)
	return h
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
