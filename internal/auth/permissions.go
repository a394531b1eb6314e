package auth

import "fmt"

// Perm is a permission owned by this service. The String form is the text id registered
// under the service's own namespace and checked by the access predicates.
type Perm int

const (
	GetUserSelf Perm = iota
	GetUser
	CreateUser
	UpdateUser
	UpdateUserSelf
	DeleteUser

	GetSessionSelf
	GetSession
	DeleteSession
	DeleteSessionSelf
	GetAccessLogSelf
	GetAccessLog

	GetRole
	CreateRole
	UpdateRole
	DeleteRole
	GetDefaultRole
	SetDefaultRole
	LinkRoleUser
	UnlinkRoleUser
	LinkRolePermission
	UnlinkRolePermission

	CreatePermission
	GetPermission
	UpdatePermission
	DeletePermission

	GetService
	UpdateService

	permCount
)

var permNames = [permCount]string{
	GetUserSelf:          "GetUserSelf",
	GetUser:              "GetUser",
	CreateUser:           "CreateUser",
	UpdateUser:           "UpdateUser",
	UpdateUserSelf:       "UpdateUserSelf",
	DeleteUser:           "DeleteUser",
	GetSessionSelf:       "GetSessionSelf",
	GetSession:           "GetSession",
	DeleteSession:        "DeleteSession",
	DeleteSessionSelf:    "DeleteSessionSelf",
	GetAccessLogSelf:     "GetAccessLogSelf",
	GetAccessLog:         "GetAccessLog",
	GetRole:              "GetRole",
	CreateRole:           "CreateRole",
	UpdateRole:           "UpdateRole",
	DeleteRole:           "DeleteRole",
	GetDefaultRole:       "GetDefaultRole",
	SetDefaultRole:       "SetDefaultRole",
	LinkRoleUser:         "LinkRoleUser",
	UnlinkRoleUser:       "UnlinkRoleUser",
	LinkRolePermission:   "LinkRolePermission",
	UnlinkRolePermission: "UnlinkRolePermission",
	CreatePermission:     "CreatePermission",
	GetPermission:        "GetPermission",
	UpdatePermission:     "UpdatePermission",
	DeletePermission:     "DeletePermission",
	GetService:           "GetService",
	UpdateService:        "UpdateService",
}

func (p Perm) String() string {
	if p < 0 || p >= permCount {
		return fmt.Sprintf("Perm(%d)", int(p))
	}
	return permNames[p]
}

// ParsePerm maps a text id back to its Perm.
func ParsePerm(s string) (Perm, bool) {
	for i, name := range permNames {
		if name == s {
			return Perm(i), true
		}
	}
	return 0, false
}

// AllPerms lists the full catalog in declaration order.
func AllPerms() []Perm {
	out := make([]Perm, 0, permCount)
	for p := Perm(0); p < permCount; p++ {
		out = append(out, p)
	}
	return out
}

// ControlPerms is the grant given to the bootstrap Control role.
func ControlPerms() []Perm {
	return []Perm{
		GetUserSelf, GetUser, CreateUser, UpdateUser, DeleteUser,
		CreateRole, GetRole, UpdateRole, DeleteRole, SetDefaultRole, GetDefaultRole,
		LinkRoleUser, UnlinkRoleUser,
		CreatePermission, GetPermission, UpdatePermission, DeletePermission,
		LinkRolePermission, UnlinkRolePermission,
		GetService, UpdateService,
		DeleteSessionSelf,
	}
}

// PermNames projects perms to their text ids.
func PermNames(perms []Perm) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = p.String()
	}
	return out
}
