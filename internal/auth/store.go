package auth

import (
	"context"
	"time"
)

type UserStore interface {
	CreateUser(ctx context.Context, u NewUser) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	// GetUserByUsername matches case-insensitively.
	GetUserByUsername(ctx context.Context, username string) (User, error)
	// GetUserByEmail matches case-insensitively.
	GetUserByEmail(ctx context.Context, email string) (User, error)
	UpdateUser(ctx context.Context, id string, upd UserUpdate) (User, error)
	SetPasswordHash(ctx context.Context, id, hash string) error
	// ListUsers orders by creation time, then id.
	ListUsers(ctx context.Context, limit, offset int) ([]User, error)
	// GetUsersByIDs skips ids that do not exist.
	GetUsersByIDs(ctx context.Context, ids []string) ([]User, error)
}

type RoleStore interface {
	CreateRole(ctx context.Context, title, description string) (Role, error)
	GetRole(ctx context.Context, id string) (Role, error)
	// GetRoleByTitle matches case-insensitively.
	GetRoleByTitle(ctx context.Context, title string) (Role, error)
	ListRoles(ctx context.Context, limit, offset int) ([]Role, error)
	UpdateRole(ctx context.Context, id string, upd RoleUpdate) (Role, error)
	DeleteRole(ctx context.Context, id string) error

	// LinkRoleUser is idempotent.
	LinkRoleUser(ctx context.Context, roleID, userID string) error
	UnlinkRoleUser(ctx context.Context, roleID, userID string) error
	// LinkRolePermissions is idempotent.
	LinkRolePermissions(ctx context.Context, roleID string, permissionIDs []string) error
	UnlinkRolePermissions(ctx context.Context, roleID string, permissionIDs []string) error
	ListUserRoles(ctx context.Context, userID string) ([]Role, error)
	ListRoleUserIDs(ctx context.Context, roleID string) ([]string, error)

	// GetDefaultRole returns ErrNotFound when the pointer is unset.
	GetDefaultRole(ctx context.Context) (Role, error)
	// SetDefaultRole replaces the pointer atomically.
	SetDefaultRole(ctx context.Context, roleID string) error

	// UserPermissions joins User→Role→Permission. An empty serviceTextID returns every
	// service's permissions.
	UserPermissions(ctx context.Context, userID, serviceTextID string) ([]ScopedPermission, error)
}

type ServiceStore interface {
	// EnsureService creates the service when absent and returns the stored row.
	EnsureService(ctx context.Context, textID, title string) (Service, error)
	GetService(ctx context.Context, id string) (Service, error)
	GetServiceByTextID(ctx context.Context, textID string) (Service, error)
	ListServices(ctx context.Context, limit, offset int) ([]Service, error)
	UpdateService(ctx context.Context, id string, upd ServiceUpdate) (Service, error)

	ListServicePermissions(ctx context.Context, serviceID string) ([]Permission, error)
	// InsertPermissions adds missing text ids, ignoring ones that already exist, and returns
	// the text ids actually inserted.
	InsertPermissions(ctx context.Context, serviceID string, textIDs []string) ([]string, error)
	CreatePermission(ctx context.Context, serviceID, textID, title, description string) (Permission, error)
	GetPermission(ctx context.Context, id string) (Permission, error)
	UpdatePermission(ctx context.Context, id string, upd PermissionUpdate) (Permission, error)
	DeletePermission(ctx context.Context, id string) error
}

type SessionStore interface {
	CreateSession(ctx context.Context, s Session) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (Session, error)
	ListUserSessions(ctx context.Context, userID string) ([]Session, error)
	// UpdateSessionActivity returns ErrNotFound when the session no longer exists.
	UpdateSessionActivity(ctx context.Context, id, ip string, at time.Time) error
	// DeleteSession returns the token hash of the removed session.
	DeleteSession(ctx context.Context, id string) (string, error)
	// DeleteUserSessions returns the token hashes of every removed session.
	DeleteUserSessions(ctx context.Context, userID string) ([]string, error)
	// DeleteIdleSessions removes sessions whose last activity is before cutoff.
	DeleteIdleSessions(ctx context.Context, cutoff time.Time) ([]string, error)
}

type AccessLogStore interface {
	AppendAccessLog(ctx context.Context, entry AccessLog) error
	ListAccessLogs(ctx context.Context, userID string, limit int) ([]AccessLog, error)
}

// CellStore holds the bootstrap sentinel. Presence is the only signal.
type CellStore interface {
	Bootstrapped(ctx context.Context) (bool, error)
	// MarkBootstrapped is idempotent.
	MarkBootstrapped(ctx context.Context) error
}

// Store is the full entity store.
type Store interface {
	UserStore
	RoleStore
	ServiceStore
	SessionStore
	AccessLogStore
	CellStore
}

// SessionCache is the volatile bundle cache keyed by token hash. Entries are replaced whole.
type SessionCache interface {
	// Get returns ErrCacheMiss when nothing is cached.
	Get(ctx context.Context, tokenHash string) (SessionBundle, error)
	Put(ctx context.Context, tokenHash string, b SessionBundle) error
	Delete(ctx context.Context, tokenHashes ...string) error
}

// CodeStore keeps short-lived one-time codes (account confirmation, password reset).
type CodeStore interface {
	PutCode(ctx context.Context, purpose, subject, code string, ttl time.Duration) error
	// ConsumeCode deletes the code on success and returns ErrNotFound when it does not match.
	ConsumeCode(ctx context.Context, purpose, subject, code string) error
}
