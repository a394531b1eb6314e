package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden.id/internal/auth"
)

// grant gives userID the listed permissions of this service through a fresh role.
func (e *testEnv) grant(t *testing.T, userID string, perms ...auth.Perm) {
	t.Helper()
	ctx := context.Background()
	rbac := e.deps.RBAC
	services, err := rbac.ListServices(ctx, auth.FirstPage())
	require.NoError(t, err)
	var serviceID string
	for _, s := range services {
		if s.TextID == serviceName {
			serviceID = s.ID
		}
	}
	require.NotEmpty(t, serviceID)
	all, err := rbac.ServicePermissions(ctx, serviceID)
	require.NoError(t, err)

	want := map[string]bool{}
	for _, p := range auth.PermNames(perms) {
		want[p] = true
	}
	var ids []string
	for _, p := range all {
		if want[p.TextID] {
			ids = append(ids, p.ID)
		}
	}
	role, err := rbac.CreateRole(ctx, "grant-"+userID, "")
	require.NoError(t, err)
	require.NoError(t, rbac.LinkRolePermissions(ctx, role.ID, ids))
	require.NoError(t, rbac.LinkRoleUser(ctx, role.ID, userID))
}

func TestLoginSetsCookieAndResolvesSelf(t *testing.T) {
	e := newTestEnv(t)
	u := e.member(t, "alice")
	e.grant(t, u.ID, auth.GetUserSelf, auth.GetSessionSelf, auth.DeleteSessionSelf, auth.GetAccessLogSelf)

	rr := e.do(t, call{method: http.MethodPost, path: "/v1/sessions", body: map[string]string{
		"username": "alice", "password": "secret123",
	}})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	cookie := rr.Result().Cookies()
	require.Len(t, cookie, 1)
	assert.Equal(t, "warden_session", cookie[0].Name)
	assert.True(t, cookie[0].HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookie[0].SameSite)
	token := cookie[0].Value

	rr = e.do(t, call{method: http.MethodGet, path: "/v1/users/self", header: map[string]string{
		"Cookie": "warden_session=" + token,
	}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, u.ID, decodeBody(t, rr)["id"])

	rr = e.do(t, call{method: http.MethodGet, path: "/v1/sessions/self", token: token})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, u.ID, decodeBody(t, rr)["user_id"])

	rr = e.do(t, call{method: http.MethodGet, path: "/v1/users/self/access-log", token: token})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	logs := decodeBody(t, rr)["access_log"].([]any)
	assert.Len(t, logs, 1)
}

func TestAnonymousAndForeignFingerprintMustReauthenticate(t *testing.T) {
	e := newTestEnv(t)
	u := e.member(t, "alice")
	e.grant(t, u.ID, auth.GetUserSelf)
	token := e.login(t, "alice", "secret123")

	rr := e.do(t, call{method: http.MethodGet, path: "/v1/users/self"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "reauthenticate", decodeBody(t, rr)["error"])

	rr = e.do(t, call{method: http.MethodGet, path: "/v1/users/self", token: token, header: map[string]string{
		headerClientName: "Chrome",
	}})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "reauthenticate", decodeBody(t, rr)["error"])
}

func TestLoginWithStaleCookieSucceeds(t *testing.T) {
	e := newTestEnv(t)
	e.member(t, "alice")
	rr := e.do(t, call{method: http.MethodPost, path: "/v1/sessions",
		body:   map[string]string{"username": "alice", "password": "secret123"},
		header: map[string]string{"Cookie": "warden_session=stale-token"},
	})
	assert.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	e := newTestEnv(t)
	e.member(t, "alice")

	rr := e.do(t, call{method: http.MethodPost, path: "/v1/sessions", body: map[string]string{
		"username": "alice", "password": "wrongpass1",
	}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = e.do(t, call{method: http.MethodPost, path: "/v1/sessions", body: map[string]any{
		"username": "alice", "password": "secret123", "extra": true,
	}})
	assert.Equal(t, http.StatusBadRequest, rr.Code, "unknown fields are rejected")
}

func TestLogoutRevokesToken(t *testing.T) {
	e := newTestEnv(t)
	u := e.member(t, "alice")
	e.grant(t, u.ID, auth.GetUserSelf, auth.DeleteSessionSelf)
	token := e.login(t, "alice", "secret123")

	rr := e.do(t, call{method: http.MethodDelete, path: "/v1/sessions/self", token: token})
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())
	require.Len(t, rr.Result().Cookies(), 1)
	assert.Equal(t, -1, rr.Result().Cookies()[0].MaxAge)

	rr = e.do(t, call{method: http.MethodGet, path: "/v1/users/self", token: token})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRegistrationValidation(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, call{method: http.MethodPost, path: "/v1/users", body: map[string]string{
		"username": "newbie", "email": "newbie@example.com", "password": "passw0rd", "state": "active",
	}})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	body := decodeBody(t, rr)
	assert.Equal(t, "inactive", body["state"])
	assert.Equal(t, "/v1/users/"+body["id"].(string), rr.Header().Get("Location"))

	rr = e.do(t, call{method: http.MethodPost, path: "/v1/users", body: map[string]string{
		"username": "x", "email": "nope", "password": "short",
	}})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	fields := decodeBody(t, rr)["fields"].(map[string]any)
	assert.Contains(t, fields, "username")
	assert.Contains(t, fields, "email")
	assert.Contains(t, fields, "password")

	rr = e.do(t, call{method: http.MethodPost, path: "/v1/users", body: map[string]string{
		"username": "NEWBIE", "email": "other@example.com", "password": "passw0rd",
	}})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestControlAccountManagesRoles(t *testing.T) {
	e := newTestEnv(t)
	admin := e.login(t, auth.ControlUsername, e.password)
	u := e.member(t, "bobby")
	e.grant(t, u.ID, auth.GetUserSelf)
	plain := e.login(t, "bobby", "secret123")

	rr := e.do(t, call{method: http.MethodPost, path: "/v1/roles", token: plain, body: map[string]string{"title": "Auditors"}})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = e.do(t, call{method: http.MethodPost, path: "/v1/roles", token: admin, body: map[string]string{"title": "Auditors"}})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	roleID := decodeBody(t, rr)["id"].(string)

	rr = e.do(t, call{method: http.MethodPost, path: "/v1/roles", token: admin, body: map[string]string{"title": "auditors"}})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = e.do(t, call{method: http.MethodGet, path: "/v1/services", token: admin})
	require.Equal(t, http.StatusOK, rr.Code)
	services := decodeBody(t, rr)["services"].([]any)
	require.NotEmpty(t, services)
	serviceID := services[0].(map[string]any)["id"].(string)

	rr = e.do(t, call{method: http.MethodPost, path: "/v1/services/" + serviceID + "/permissions", token: admin,
		body: map[string]string{"text_id": "report.read", "title": "Read reports"}})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	permID := decodeBody(t, rr)["id"].(string)

	rr = e.do(t, call{method: http.MethodPut, path: "/v1/roles/" + roleID + "/permissions", token: admin,
		body: map[string][]string{"permissions": {permID}}})
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())

	rr = e.do(t, call{method: http.MethodPut, path: "/v1/roles/" + roleID + "/users/" + u.ID, token: admin})
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())

	rr = e.do(t, call{method: http.MethodGet, path: "/v1/users/" + u.ID + "/roles", token: admin})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody(t, rr)["roles"].([]any), 2)

	rr = e.do(t, call{method: http.MethodPut, path: "/v1/roles/default", token: admin, body: map[string]string{"role_id": roleID}})
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())
	rr = e.do(t, call{method: http.MethodGet, path: "/v1/roles/default", token: admin})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, roleID, decodeBody(t, rr)["id"])

	rr = e.do(t, call{method: http.MethodDelete, path: "/v1/roles/" + roleID, token: admin})
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = e.do(t, call{method: http.MethodGet, path: "/v1/roles/" + roleID, token: admin})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestIntrospectRequiresServiceCredential(t *testing.T) {
	e := newTestEnv(t)
	u := e.member(t, "alice")
	token := e.login(t, "alice", "secret123")
	body := map[string]string{"token": token, "client": "Firefox", "os": "Linux", "device": "desktop"}

	rr := e.do(t, call{method: http.MethodPost, path: "/v1/introspect", body: body})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	svc := map[string]string{headerServiceToken: testServiceToken}
	rr = e.do(t, call{method: http.MethodPost, path: "/v1/introspect", body: body, header: svc})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var out auth.Introspection
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Equal(t, u.ID, out.UserID)
	assert.Equal(t, auth.StateActive, out.UserState)

	rr = e.do(t, call{method: http.MethodPost, path: "/v1/introspect?token=" + token, body: map[string]string{}, header: svc})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "authentication_required", decodeBody(t, rr)["reason"])
}

func TestIntrospectReportsFailureReason(t *testing.T) {
	e := newTestEnv(t)
	e.member(t, "alice")
	token := e.login(t, "alice", "secret123")
	svc := map[string]string{headerServiceToken: testServiceToken}

	tests := []struct {
		name   string
		body   map[string]string
		reason string
	}{
		{"missing token", map[string]string{"token": ""}, "authentication_required"},
		{"unknown token", map[string]string{"token": "deadbeef", "client": "Firefox"}, "invalid_token"},
		{"other client", map[string]string{"token": token, "client": "Chrome", "os": "Linux", "device": "desktop"}, "fingerprint_mismatch"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := e.do(t, call{method: http.MethodPost, path: "/v1/introspect", body: tc.body, header: svc})
			require.Equal(t, http.StatusUnauthorized, rr.Code, rr.Body.String())
			got := decodeBody(t, rr)
			assert.Equal(t, "reauthenticate", got["error"])
			assert.Equal(t, tc.reason, got["reason"])
		})
	}

	rr := e.do(t, call{method: http.MethodGet, path: "/v1/users/self", token: "deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.NotContains(t, strings.ToLower(rr.Body.String()), "reason")
}

func TestSyncEndpointIsAdditive(t *testing.T) {
	e := newTestEnv(t)
	svc := map[string]string{headerServiceToken: testServiceToken}

	rr := e.do(t, call{method: http.MethodPost, path: "/v1/services/billing/sync", header: svc,
		body: map[string][]string{"permissions": {"invoice.read", "invoice.write"}}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Len(t, decodeBody(t, rr)["added"].([]any), 2)

	rr = e.do(t, call{method: http.MethodPost, path: "/v1/services/billing/sync", header: svc,
		body: map[string][]string{"permissions": {"invoice.read"}}})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decodeBody(t, rr)["added"].([]any))

	rr = e.do(t, call{method: http.MethodPost, path: "/v1/services/billing/sync", header: svc,
		body: map[string][]string{"permissions": {"bad name"}}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAdminDeletesUserAndSessionsDie(t *testing.T) {
	e := newTestEnv(t)
	admin := e.login(t, auth.ControlUsername, e.password)
	u := e.member(t, "alice")
	e.grant(t, u.ID, auth.GetUserSelf)
	token := e.login(t, "alice", "secret123")

	rr := e.do(t, call{method: http.MethodGet, path: "/v1/users/" + u.ID, token: token})
	assert.Equal(t, http.StatusOK, rr.Code, "self read is allowed through GetUserSelf")

	rr = e.do(t, call{method: http.MethodDelete, path: "/v1/users/" + u.ID, token: admin})
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())

	rr = e.do(t, call{method: http.MethodGet, path: "/v1/users/self", token: token})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = e.do(t, call{method: http.MethodGet, path: "/v1/users/" + u.ID, token: admin})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "deleted", decodeBody(t, rr)["state"])
}

func TestAdminListsAndLooksUpUsers(t *testing.T) {
	e := newTestEnv(t)
	admin := e.login(t, auth.ControlUsername, e.password)
	alice := e.member(t, "alice")
	bobby := e.member(t, "bobby")
	e.grant(t, alice.ID, auth.GetUserSelf)
	plain := e.login(t, "alice", "secret123")

	rr := e.do(t, call{method: http.MethodGet, path: "/v1/users", token: plain})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = e.do(t, call{method: http.MethodGet, path: "/v1/users"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = e.do(t, call{method: http.MethodGet, path: "/v1/users?page=0&per_page=100", token: admin})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decodeBody(t, rr)
	assert.Len(t, body["users"].([]any), 3)
	assert.EqualValues(t, 100, body["per_page"])
	assert.NotContains(t, rr.Body.String(), "password_hash")

	rr = e.do(t, call{method: http.MethodGet, path: "/v1/users?page=-1&per_page=1000", token: admin})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	fields := decodeBody(t, rr)["fields"].(map[string]any)
	assert.Contains(t, fields, "page")
	assert.Contains(t, fields, "per_page")

	rr = e.do(t, call{method: http.MethodGet, path: "/v1/users?ids=" + bobby.ID + ",unknown&ids=" + alice.ID, token: admin})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Len(t, decodeBody(t, rr)["users"].([]any), 2)

	rr = e.do(t, call{method: http.MethodGet, path: "/v1/users?ids=unknown", token: admin})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = e.do(t, call{method: http.MethodGet, path: "/v1/roles?per_page=1", token: admin})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Len(t, decodeBody(t, rr)["roles"].([]any), 1)

	rr = e.do(t, call{method: http.MethodGet, path: "/v1/services?per_page=0", token: admin})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
