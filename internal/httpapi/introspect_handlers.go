package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"warden.id/internal/auth"
)

type introspectRequest struct {
	Token   string `json:"token"`
	Client  string `json:"client"`
	OS      string `json:"os"`
	Device  string `json:"device"`
	IP      string `json:"ip"`
	Service string `json:"service"`
}

type syncRequest struct {
	Permissions []string `json:"permissions"`
}

// requireService checks the shared service credential. No credential configured means the
// endpoints are reachable only through network policy.
func (a *API) requireService(w http.ResponseWriter, r *http.Request) bool {
	if a.settings.ServiceToken == "" {
		return true
	}
	got := strings.TrimSpace(r.Header.Get(headerServiceToken))
	if subtle.ConstantTimeCompare([]byte(got), []byte(a.settings.ServiceToken)) != 1 {
		writeError(w, r, http.StatusUnauthorized, "service credential required")
		return false
	}
	return true
}

func (a *API) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if !a.requireService(w, r) {
		return
	}
	var req introspectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.deps.Introspector.Introspect(r.Context(), auth.IntrospectRequest{
		Token:       req.Token,
		Fingerprint: auth.Fingerprint{Client: req.Client, OS: req.OS, Device: req.Device},
		IP:          req.IP,
		Service:     req.Service,
	})
	if errors.Is(err, auth.ErrAuthenticationRequired) {
		payload := map[string]any{"error": "reauthenticate", "reason": authReason(err)}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusUnauthorized, payload)
		return
	}
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	if !a.requireService(w, r) {
		return
	}
	var req syncRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	textID := mux.Vars(r)["text_id"]
	res, err := a.deps.Sync.SyncService(r.Context(), textID, req.Permissions)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if res.Added == nil {
		res.Added = []string{}
	}
	if len(res.Added) > 0 {
		a.audit(r.Context(), "rbac.service.sync", map[string]any{
			"service": textID,
			"added":   res.Added,
		})
	}
	writeJSON(w, http.StatusOK, res)
}
