package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"warden.id/internal/auth"
)

type createUserRequest struct {
	Username  string  `json:"username"`
	Email     string  `json:"email"`
	Password  string  `json:"password"`
	FirstName string  `json:"first_name"`
	LastName  string  `json:"last_name"`
	State     *string `json:"state"`
}

type updateUserRequest struct {
	Username  *string `json:"username"`
	Email     *string `json:"email"`
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	State     *string `json:"state"`
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type confirmRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type resetPasswordRequest struct {
	Email    string `json:"email"`
	Code     string `json:"code"`
	Password string `json:"password"`
}

func parseState(raw *string) (*auth.UserState, error) {
	if raw == nil {
		return nil, nil
	}
	st, err := auth.ParseUserState(*raw)
	if err != nil {
		return nil, &auth.ValidationError{Fields: map[string]string{"state": err.Error()}}
	}
	return &st, nil
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	actor := auth.SubjectFromContext(r.Context())
	if !allow(w, r, auth.CanCreateUser(actor)) {
		return
	}
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	state, err := parseState(req.State)
	if err != nil {
		handleError(w, r, err)
		return
	}
	user, err := a.deps.Accounts.CreateUser(r.Context(), actor, auth.Registration{
		Username:  req.Username,
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		State:     state,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r.Context(), "user.create", map[string]any{
		"target_user_id": user.ID,
		"state":          string(user.State),
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/users/%s", user.ID))
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleGetUserSelf(w http.ResponseWriter, r *http.Request) {
	s := auth.SubjectFromContext(r.Context())
	if !allow(w, r, auth.CanGetUserSelf(s)) {
		return
	}
	a.writeUser(w, r, s.UserID)
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id := a.userID(r)
	if !allow(w, r, auth.CanGetUser(auth.SubjectFromContext(r.Context()), id)) {
		return
	}
	a.writeUser(w, r, id)
}

// handleListUsers serves both the paged listing and, with ?ids=, the batch lookup.
func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, auth.CanListUsers(auth.SubjectFromContext(r.Context()))) {
		return
	}
	if raw, ok := r.URL.Query()["ids"]; ok {
		var ids []string
		for _, v := range raw {
			ids = append(ids, strings.Split(v, ",")...)
		}
		users, err := a.deps.Accounts.GetUsersByIDs(r.Context(), ids)
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})
		return
	}
	page, err := pageOf(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	users, err := a.deps.Accounts.ListUsers(r.Context(), page)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if users == nil {
		users = []auth.User{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "page": page.Number, "per_page": page.Size})
}

func (a *API) writeUser(w http.ResponseWriter, r *http.Request, id string) {
	user, err := a.deps.Accounts.GetUser(r.Context(), id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	actor := auth.SubjectFromContext(r.Context())
	id := a.userID(r)
	if !allow(w, r, auth.CanUpdateUser(actor, id)) {
		return
	}
	var req updateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	state, err := parseState(req.State)
	if err != nil {
		handleError(w, r, err)
		return
	}
	user, err := a.deps.Accounts.UpdateUser(r.Context(), actor, id, auth.UserUpdate{
		Username:  req.Username,
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		State:     state,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r.Context(), "user.update", map[string]any{"target_user_id": id})
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, auth.CanDeleteUser(auth.SubjectFromContext(r.Context()))) {
		return
	}
	id := a.userID(r)
	if err := a.deps.Accounts.DeleteUser(r.Context(), id); err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r.Context(), "user.delete", map[string]any{"target_user_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	actor := auth.SubjectFromContext(r.Context())
	id := a.userID(r)
	if !allow(w, r, auth.CanChangePassword(actor, id)) {
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.deps.Accounts.ChangePassword(r.Context(), actor, id, req.OldPassword, req.NewPassword); err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r.Context(), "user.password.change", map[string]any{"target_user_id": id})
	if id == actor.UserID {
		a.clearCookie(w)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUserRoles(w http.ResponseWriter, r *http.Request) {
	id := a.userID(r)
	s := auth.SubjectFromContext(r.Context())
	if !allow(w, r, auth.CanGetRole(s)) {
		return
	}
	roles, err := a.deps.RBAC.UserRoles(r.Context(), id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if roles == nil {
		roles = []auth.Role{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

// Confirmation and reset requests answer 202 whether or not the address is known.
func (a *API) handleSendConfirmCode(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, auth.CanConfirmUser(auth.SubjectFromContext(r.Context()))) {
		return
	}
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.deps.Accounts.SendConfirmCode(r.Context(), req.Email); err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sent"})
}

func (a *API) handleConfirmUser(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, auth.CanConfirmUser(auth.SubjectFromContext(r.Context()))) {
		return
	}
	var req confirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.deps.Accounts.ConfirmUser(r.Context(), req.Email, req.Code)
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r.Context(), "user.confirm", map[string]any{"target_user_id": user.ID})
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleRequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, auth.CanRequestPasswordReset(auth.SubjectFromContext(r.Context()))) {
		return
	}
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.deps.Accounts.RequestPasswordReset(r.Context(), req.Email); err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sent"})
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, auth.CanRequestPasswordReset(auth.SubjectFromContext(r.Context()))) {
		return
	}
	var req resetPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.deps.Accounts.ResetPassword(r.Context(), req.Email, req.Code, req.Password); err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r.Context(), "user.password.reset", map[string]any{"email": req.Email})
	w.WriteHeader(http.StatusNoContent)
}
