package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"warden.id/internal/auth"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	User    auth.User    `json:"user"`
	Session auth.Session `json:"session"`
	Token   string       `json:"token"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, auth.CanCreateSession(auth.SubjectFromContext(r.Context()))) {
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.deps.Accounts.Login(r.Context(), auth.LoginInput{
		Username:    req.Username,
		Password:    req.Password,
		IP:          clientIP(r),
		Fingerprint: fingerprintFromRequest(r),
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r.Context(), "session.create", map[string]any{
		"user_id":    res.User.ID,
		"session_id": res.Session.ID,
	})
	a.setSessionCookie(w, res.Token)
	writeJSON(w, http.StatusCreated, loginResponse{User: res.User, Session: res.Session, Token: res.Token})
}

func (a *API) handleGetSessionSelf(w http.ResponseWriter, r *http.Request) {
	s := auth.SubjectFromContext(r.Context())
	a.getSession(w, r, s, s.SessionID)
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	a.getSession(w, r, auth.SubjectFromContext(r.Context()), mux.Vars(r)["id"])
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request, s auth.Subject, id string) {
	if !allow(w, r, auth.CanGetSession(s, id)) {
		return
	}
	sess, err := a.deps.Sessions.Get(r.Context(), id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) handleDeleteSessionSelf(w http.ResponseWriter, r *http.Request) {
	s := auth.SubjectFromContext(r.Context())
	if a.deleteSession(w, r, s, s.SessionID) {
		a.clearCookie(w)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *API) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	s := auth.SubjectFromContext(r.Context())
	id := mux.Vars(r)["id"]
	if a.deleteSession(w, r, s, id) {
		if id == s.SessionID {
			a.clearCookie(w)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *API) deleteSession(w http.ResponseWriter, r *http.Request, s auth.Subject, id string) bool {
	if !allow(w, r, auth.CanDeleteSession(s, id)) {
		return false
	}
	if err := a.deps.Sessions.Revoke(r.Context(), id); err != nil {
		handleError(w, r, err)
		return false
	}
	a.audit(r.Context(), "session.delete", map[string]any{"session_id": id})
	return true
}

func (a *API) handleListUserSessions(w http.ResponseWriter, r *http.Request) {
	id := a.userID(r)
	if !allow(w, r, auth.CanListUserSessions(auth.SubjectFromContext(r.Context()), id)) {
		return
	}
	sessions, err := a.deps.Sessions.ListForUser(r.Context(), id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []auth.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (a *API) handleAccessLogSelf(w http.ResponseWriter, r *http.Request) {
	a.accessLog(w, r, auth.SubjectFromContext(r.Context()).UserID)
}

func (a *API) handleAccessLog(w http.ResponseWriter, r *http.Request) {
	a.accessLog(w, r, a.userID(r))
}

func (a *API) accessLog(w http.ResponseWriter, r *http.Request, userID string) {
	if !allow(w, r, auth.CanGetAccessLog(auth.SubjectFromContext(r.Context()), userID)) {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	logs, err := a.deps.Accounts.AccessLogs(r.Context(), userID, limit)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if logs == nil {
		logs = []auth.AccessLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"access_log": logs})
}

func pageOf(r *http.Request) (auth.Page, error) {
	q := r.URL.Query()
	return auth.ParsePage(q.Get("page"), q.Get("per_page"))
}

// userID resolves the {id} path variable; "self" is handled by dedicated routes.
func (a *API) userID(r *http.Request) string {
	return mux.Vars(r)["id"]
}
