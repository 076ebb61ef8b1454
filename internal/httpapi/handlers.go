// Package httpapi is the REST surface of BlueRoots. Every route runs through
// a pipeline of a request transaction followed by an optional authorization
// stage before reaching its handler.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"blueroots.org/internal/auth"
	"blueroots.org/internal/events"
	"blueroots.org/internal/incidents"
	"blueroots.org/internal/obs"
	"blueroots.org/internal/store"
	"blueroots.org/internal/users"
)

// ReadyProbe reports whether the backing services are reachable.
type ReadyProbe interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the API dispatches to.
type Deps struct {
	Users      *users.Service
	Incidents  *incidents.Service
	Authorizer *auth.Authorizer
	Tx         store.Beginner
	Feed       *events.Feed
	Ready      ReadyProbe
	Logger     *zap.Logger
}

// Options tune the outer middleware.
type Options struct {
	Version        string
	Development    bool
	SecureCookies  bool
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
	MaxBodyBytes   int64
	// StreamHeartbeat is the keep-alive interval of the alert stream.
	StreamHeartbeat time.Duration
}

// API is the HTTP layer.
type API struct {
	router    *mux.Router
	users     *users.Service
	incidents *incidents.Service
	authz     *auth.Authorizer
	feed      *events.Feed
	ready     ReadyProbe
	log       *zap.Logger
	opts      Options
	limiter   *RateLimiter
	tx        Stage
	pipelines map[string][]string
}

func New(d Deps, opts Options) (*API, error) {
	if d.Users == nil || d.Incidents == nil || d.Authorizer == nil || d.Tx == nil {
		return nil, errors.New("httpapi: users, incidents, authorizer and transaction source are required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if opts.StreamHeartbeat <= 0 {
		opts.StreamHeartbeat = 25 * time.Second
	}
	a := &API{
		router:    mux.NewRouter(),
		users:     d.Users,
		incidents: d.Incidents,
		authz:     d.Authorizer,
		feed:      d.Feed,
		ready:     d.Ready,
		log:       d.Logger,
		opts:      opts,
		limiter:   NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		tx:        TransactionStage(d.Tx, d.Logger),
		pipelines: make(map[string][]string),
	}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	r := a.router
	r.Use(obs.Instrument, Logging(a.log), Recover(a.log))
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	// health/ready/info
	r.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	r.HandleFunc("/v1/info", a.Info).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()

	// accounts
	a.handle(v1, http.MethodPost, "/users/register", a.Register)
	a.handle(v1, http.MethodPost, "/users/login", a.Login)
	a.handle(v1, http.MethodPost, "/users/refresh-token", a.RefreshToken)
	a.handle(v1, http.MethodPost, "/users/verify-email", a.VerifyEmail)
	a.handle(v1, http.MethodPost, "/users/resend-verification", a.ResendVerification)
	a.handle(v1, http.MethodPost, "/users/forgot-password", a.ForgotPassword)
	a.handle(v1, http.MethodPost, "/users/reset-password", a.ResetPassword)
	a.handle(v1, http.MethodPost, "/users/logout", a.Logout, a.authorize())
	a.handle(v1, http.MethodGet, "/users/me", a.Me, a.authorize())
	a.handle(v1, http.MethodPost, "/users/change-password", a.ChangePassword, a.authorize())

	// reports
	a.handle(v1, http.MethodPost, "/reports", a.CreateReport, a.authorize(auth.RoleCitizen))
	a.handle(v1, http.MethodGet, "/reports", a.ListReports, a.authorize())
	a.handle(v1, http.MethodGet, "/reports/{id}", a.GetReport, a.authorize())
	a.handle(v1, http.MethodPatch, "/reports/{id}/verify", a.ReviewReport, a.authorize(auth.RoleNGO))

	// alerts
	a.handle(v1, http.MethodPost, "/alerts", a.CreateAlert, a.authorize(auth.RoleNGO, auth.RoleGovernment))
	a.handle(v1, http.MethodGet, "/alerts", a.ListAlerts, a.authorize())
	a.handle(v1, http.MethodGet, "/alerts/stream", a.StreamAlerts, a.authorize())

	// administration
	a.handle(v1, http.MethodGet, "/admin/users", a.ListUsers, a.authorize(auth.RoleGovernment))
	a.handle(v1, http.MethodPost, "/admin/users/{id}/roles", a.AssignRole, a.authorize(auth.RoleGovernment))
	a.handle(v1, http.MethodDelete, "/admin/users/{id}/roles/{role}", a.RevokeRole, a.authorize(auth.RoleGovernment))
	a.handle(v1, http.MethodGet, "/admin/stats", a.Stats, a.authorize(auth.RoleGovernment))

	a.handle(v1, http.MethodGet, "/leaderboard", a.Leaderboard)
}

// handle registers h behind the transaction stage and any extra stages.
func (a *API) handle(r *mux.Router, method, path string, h http.HandlerFunc, stages ...Stage) {
	p := Compose(append([]Stage{a.tx}, stages...)...)
	route := r.Handle(path, p.Then(h)).Methods(method)
	if tmpl, err := route.GetPathTemplate(); err == nil {
		a.pipelines[method+" "+tmpl] = p.Names()
	}
}

// Pipeline returns the stage names guarding a route, outermost first.
func (a *API) Pipeline(method, path string) []string {
	return a.pipelines[method+" "+path]
}

// Handler returns the router wrapped in the outer middleware.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = a.limiter.Middleware(h)
	h = MaxBodyBytes(a.opts.MaxBodyBytes)(h)
	h = CORS(a.opts.AllowedOrigins)(h)
	h = SecurityHeaders(a.opts.SecureCookies)(h)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, "ok", map[string]any{
		"status":  "ok",
		"service": "blueroots-api",
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ready.Ping(ctx); err != nil {
			a.log.Warn("readiness check failed", zap.Error(err))
			respond(w, http.StatusServiceUnavailable, "database unavailable", map[string]any{
				"status": "not_ready",
			})
			return
		}
	}
	respond(w, http.StatusOK, "ready", map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, "ok", map[string]any{
		"name":    "blueroots-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.opts.Version,
	})
}
