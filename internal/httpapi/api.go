package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"warden.id/internal/auth"
	"warden.id/internal/obs"
)

const serviceName = "warden"

// ReadyProbe reports whether the backing stores answer.
type ReadyProbe interface {
	Check(ctx context.Context) error
}

// ReadyFunc adapts a function to ReadyProbe.
type ReadyFunc func(ctx context.Context) error

func (f ReadyFunc) Check(ctx context.Context) error {
	if f == nil {
		return nil
	}
	return f(ctx)
}

// Deps are the engine components the HTTP layer drives.
type Deps struct {
	Accounts     *auth.AccountService
	Sessions     *auth.SessionManager
	RBAC         *auth.RBACService
	Sync         *auth.Synchronizer
	Introspector *auth.Introspector
	Identity     auth.IdentityProvider
	Ready        ReadyProbe
}

// Settings tune the transport.
type Settings struct {
	Version      string
	CookieName   string
	CookieSecure bool
	// AssertionHeader carries a signed identity when the identity provider expects one.
	AssertionHeader string
	// ServiceToken guards introspection and sync when non-empty.
	ServiceToken string
	MaxBodyBytes int64
	RateBurst    int
	RatePerSec   int
	CORSOrigins  []string
}

// API is the HTTP layer.
type API struct {
	deps     Deps
	settings Settings
	router   *mux.Router
}

func New(deps Deps, settings Settings) (*API, error) {
	if deps.Accounts == nil || deps.Sessions == nil || deps.RBAC == nil || deps.Sync == nil ||
		deps.Introspector == nil || deps.Identity == nil {
		return nil, errors.New("httpapi: every engine dependency is required")
	}
	if deps.Ready == nil {
		deps.Ready = ReadyFunc(nil)
	}
	if settings.CookieName == "" {
		settings.CookieName = "warden_session"
	}
	if settings.MaxBodyBytes <= 0 {
		settings.MaxBodyBytes = 1 << 20
	}
	if settings.RateBurst <= 0 {
		settings.RateBurst = 40
	}
	if settings.RatePerSec <= 0 {
		settings.RatePerSec = 20
	}
	a := &API{deps: deps, settings: settings, router: mux.NewRouter()}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	r := a.router
	r.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	r.HandleFunc("/v1/info", a.Info).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/introspect", a.handleIntrospect).Methods(http.MethodPost)
	v1.HandleFunc("/services/{text_id}/sync", a.handleSync).Methods(http.MethodPost)

	v1.HandleFunc("/sessions", a.handleLogin).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/self", a.handleGetSessionSelf).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/self", a.handleDeleteSessionSelf).Methods(http.MethodDelete)
	v1.HandleFunc("/sessions/{id}", a.handleGetSession).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", a.handleDeleteSession).Methods(http.MethodDelete)

	v1.HandleFunc("/users", a.handleCreateUser).Methods(http.MethodPost)
	v1.HandleFunc("/users", a.handleListUsers).Methods(http.MethodGet)
	v1.HandleFunc("/users/self", a.handleGetUserSelf).Methods(http.MethodGet)
	v1.HandleFunc("/users/self/access-log", a.handleAccessLogSelf).Methods(http.MethodGet)
	v1.HandleFunc("/users/confirm-code", a.handleSendConfirmCode).Methods(http.MethodPost)
	v1.HandleFunc("/users/confirm", a.handleConfirmUser).Methods(http.MethodPost)
	v1.HandleFunc("/users/password-reset", a.handleRequestPasswordReset).Methods(http.MethodPost)
	v1.HandleFunc("/users/password-reset/confirm", a.handleResetPassword).Methods(http.MethodPost)
	v1.HandleFunc("/users/{id}", a.handleGetUser).Methods(http.MethodGet)
	v1.HandleFunc("/users/{id}", a.handleUpdateUser).Methods(http.MethodPut)
	v1.HandleFunc("/users/{id}", a.handleDeleteUser).Methods(http.MethodDelete)
	v1.HandleFunc("/users/{id}/password", a.handleChangePassword).Methods(http.MethodPut)
	v1.HandleFunc("/users/{id}/sessions", a.handleListUserSessions).Methods(http.MethodGet)
	v1.HandleFunc("/users/{id}/access-log", a.handleAccessLog).Methods(http.MethodGet)
	v1.HandleFunc("/users/{id}/roles", a.handleUserRoles).Methods(http.MethodGet)

	v1.HandleFunc("/roles", a.handleCreateRole).Methods(http.MethodPost)
	v1.HandleFunc("/roles", a.handleListRoles).Methods(http.MethodGet)
	v1.HandleFunc("/roles/default", a.handleGetDefaultRole).Methods(http.MethodGet)
	v1.HandleFunc("/roles/default", a.handleSetDefaultRole).Methods(http.MethodPut)
	v1.HandleFunc("/roles/{id}", a.handleGetRole).Methods(http.MethodGet)
	v1.HandleFunc("/roles/{id}", a.handleUpdateRole).Methods(http.MethodPut)
	v1.HandleFunc("/roles/{id}", a.handleDeleteRole).Methods(http.MethodDelete)
	v1.HandleFunc("/roles/{id}/users/{user_id}", a.handleLinkRoleUser).Methods(http.MethodPut)
	v1.HandleFunc("/roles/{id}/users/{user_id}", a.handleUnlinkRoleUser).Methods(http.MethodDelete)
	v1.HandleFunc("/roles/{id}/permissions", a.handleLinkRolePermissions).Methods(http.MethodPut)
	v1.HandleFunc("/roles/{id}/permissions", a.handleUnlinkRolePermissions).Methods(http.MethodDelete)

	v1.HandleFunc("/services", a.handleListServices).Methods(http.MethodGet)
	v1.HandleFunc("/services/{id}", a.handleGetService).Methods(http.MethodGet)
	v1.HandleFunc("/services/{id}", a.handleUpdateService).Methods(http.MethodPut)
	v1.HandleFunc("/services/{id}/permissions", a.handleServicePermissions).Methods(http.MethodGet)
	v1.HandleFunc("/services/{id}/permissions", a.handleCreatePermission).Methods(http.MethodPost)
	v1.HandleFunc("/permissions/{id}", a.handleGetPermission).Methods(http.MethodGet)
	v1.HandleFunc("/permissions/{id}", a.handleUpdatePermission).Methods(http.MethodPut)
	v1.HandleFunc("/permissions/{id}", a.handleDeletePermission).Methods(http.MethodDelete)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// Handler returns the router wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = a.withIdentity(h)
	h = MaxBodyBytes(h, a.settings.MaxBodyBytes)
	h = RateLimit(h, a.settings.RateBurst, a.settings.RatePerSec)
	h = CORS(h, a.settings.CORSOrigins...)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = obs.Instrument(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.settings.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.deps.Ready.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.settings.Version,
	})
}
