package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"warden.id/internal/auth"
)

type roleRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// titleUpdateRequest is the partial update body of every catalog entity.
type titleUpdateRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
}

type defaultRoleRequest struct {
	RoleID string `json:"role_id"`
}

type rolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type permissionRequest struct {
	TextID      string `json:"text_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

func subjectOf(r *http.Request) auth.Subject {
	return auth.SubjectFromContext(r.Context())
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, auth.CanCreateRole(subjectOf(r))) {
		return
	}
	var req roleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.deps.RBAC.CreateRole(r.Context(), req.Title, req.Description)
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r.Context(), "rbac.role.create", map[string]any{"role_id": role.ID, "title": role.Title})
	w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, auth.CanGetRole(subjectOf(r))) {
		return
	}
	page, err := pageOf(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	roles, err := a.deps.RBAC.ListRoles(r.Context(), page)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if roles == nil {
		roles = []auth.Role{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles, "page": page.Number, "per_page": page.Size})
}

func (a *API) handleGetRole(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, auth.CanGetRole(subjectOf(r))) {
		return
	}
	role, err := a.deps.RBAC.GetRole(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, auth.CanUpdateRole(subjectOf(r))) {
		return
	}
	var req titleUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.deps.RBAC.UpdateRole(r.Context(), mux.Vars(r)["id"], auth.RoleUpdate{
		Title:       req.Title,
		Description: req.Description,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r.Context(), "rbac.role.update", map[string]any{"role_id": role.ID})
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, auth.CanDeleteRole(subjectOf(r))) {
		return
	}
	id := mux.Vars(r)["id"]
	if err := a.deps.RBAC.DeleteRole(r.Context(), id); err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r.Context(), "rbac.role.delete", map[string]any{"role_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGetDefaultRole(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, auth.CanGetDefaultRole(subjectOf(r))) {
		return
	}
	role, err := a.deps.RBAC.DefaultRole(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleSetDefaultRole(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, auth.CanSetDefaultRole(subjectOf(r))) {
		return
	}
	var req defaultRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.deps.RBAC.SetDefaultRole(r.Context(), req.RoleID); err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r.Context(), "rbac.role.default", map[string]any{"role_id": req.RoleID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLinkRoleUser(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, auth.CanLinkRoleUser(subjectOf(r))) {
		return
	}
	vars := mux.Vars(r)
	if err := a.deps.RBAC.LinkRoleUser(r.Context(), vars["id"], vars["user_id"]); err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r.Context(), "rbac.role.user.link", map[string]any{"role_id": vars["id"], "target_user_id": vars["user_id"]})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUnlinkRoleUser(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, auth.CanUnlinkRoleUser(subjectOf(r))) {
		return
	}
	vars := mux.Vars(r)
	if err := a.deps.RBAC.UnlinkRoleUser(r.Context(), vars["id"], vars["user_id"]); err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r.Context(), "rbac.role.user.unlink", map[string]any{"role_id": vars["id"], "target_user_id": vars["user_id"]})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLinkRolePermissions(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, auth.CanLinkRolePermission(subjectOf(r))) {
		return
	}
	a.changeRolePermissions(w, r, "rbac.role.permissions.link", a.deps.RBAC.LinkRolePermissions)
}

func (a *API) handleUnlinkRolePermissions(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, auth.CanUnlinkRolePermission(subjectOf(r))) {
		return
	}
	a.changeRolePermissions(w, r, "rbac.role.permissions.unlink", a.deps.RBAC.UnlinkRolePermissions)
}

func (a *API) changeRolePermissions(w http.ResponseWriter, r *http.Request, event string,
	apply func(ctx context.Context, roleID string, permissionIDs []string) error) {
	var req rolePermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	roleID := mux.Vars(r)["id"]
	if err := apply(r.Context(), roleID, req.Permissions); err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r.Context(), event, map[string]any{"role_id": roleID, "count": len(req.Permissions)})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListServices(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, auth.CanGetService(subjectOf(r))) {
		return
	}
	page, err := pageOf(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	services, err := a.deps.RBAC.ListServices(r.Context(), page)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if services == nil {
		services = []auth.Service{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": services, "page": page.Number, "per_page": page.Size})
}

func (a *API) handleGetService(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, auth.CanGetService(subjectOf(r))) {
		return
	}
	svc, err := a.deps.RBAC.GetService(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (a *API) handleUpdateService(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, auth.CanUpdateService(subjectOf(r))) {
		return
	}
	var req titleUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	svc, err := a.deps.RBAC.UpdateService(r.Context(), mux.Vars(r)["id"], auth.ServiceUpdate{
		Title:       req.Title,
		Description: req.Description,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r.Context(), "rbac.service.update", map[string]any{"service_id": svc.ID})
	writeJSON(w, http.StatusOK, svc)
}

func (a *API) handleServicePermissions(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, auth.CanGetPermission(subjectOf(r))) {
		return
	}
	perms, err := a.deps.RBAC.ServicePermissions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		handleError(w, r, err)
		return
	}
	if perms == nil {
		perms = []auth.Permission{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (a *API) handleCreatePermission(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, auth.CanCreatePermission(subjectOf(r))) {
		return
	}
	var req permissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	perm, err := a.deps.RBAC.CreatePermission(r.Context(), mux.Vars(r)["id"], req.TextID, req.Title, req.Description)
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r.Context(), "rbac.permission.create", map[string]any{
		"permission_id": perm.ID,
		"service_id":    perm.ServiceID,
		"text_id":       perm.TextID,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/permissions/%s", perm.ID))
	writeJSON(w, http.StatusCreated, perm)
}

func (a *API) handleGetPermission(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, auth.CanGetPermission(subjectOf(r))) {
		return
	}
	perm, err := a.deps.RBAC.GetPermission(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perm)
}

func (a *API) handleUpdatePermission(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, auth.CanUpdatePermission(subjectOf(r))) {
		return
	}
	var req titleUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	perm, err := a.deps.RBAC.UpdatePermission(r.Context(), mux.Vars(r)["id"], auth.PermissionUpdate{
		Title:       req.Title,
		Description: req.Description,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r.Context(), "rbac.permission.update", map[string]any{"permission_id": perm.ID})
	writeJSON(w, http.StatusOK, perm)
}

func (a *API) handleDeletePermission(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, auth.CanDeletePermission(subjectOf(r))) {
		return
	}
	id := mux.Vars(r)["id"]
	if err := a.deps.RBAC.DeletePermission(r.Context(), id); err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r.Context(), "rbac.permission.delete", map[string]any{"permission_id": id})
	w.WriteHeader(http.StatusNoContent)
}
