package auth

import (
	"fmt"
	"strings"
	"time"
)

// UserState gates almost every access decision.
type UserState string

const (
	StateActive   UserState = "active"
	StateInactive UserState = "inactive"
	StateBanned   UserState = "banned"
	StateDeleted  UserState = "deleted"
)

// ParseUserState accepts the lower-case state names.
func ParseUserState(s string) (UserState, error) {
	switch st := UserState(strings.ToLower(strings.TrimSpace(s))); st {
	case StateActive, StateInactive, StateBanned, StateDeleted:
		return st, nil
	default:
		return "", fmt.Errorf("%w: unknown user state %q", ErrInvalidInput, s)
	}
}

type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	FirstName    string     `json:"first_name,omitempty"`
	LastName     string     `json:"last_name,omitempty"`
	State        UserState  `json:"state"`
	PasswordHash string     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

// NewUser is the store-level input for user creation.
type NewUser struct {
	Username     string
	Email        string
	FirstName    string
	LastName     string
	State        UserState
	PasswordHash string
}

type UserUpdate struct {
	Username  *string
	Email     *string
	FirstName *string
	LastName  *string
	State     *UserState
}

type Role struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

type RoleUpdate struct {
	Title       *string
	Description *string
}

// Service is one downstream consumer; its text id namespaces its permissions.
type Service struct {
	ID          string     `json:"id"`
	TextID      string     `json:"text_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

type ServiceUpdate struct {
	Title       *string
	Description *string
}

type Permission struct {
	ID          string     `json:"id"`
	TextID      string     `json:"text_id"`
	ServiceID   string     `json:"service_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

type PermissionUpdate struct {
	Title       *string
	Description *string
}

// ScopedPermission is one row of the User→Role→Permission join.
type ScopedPermission struct {
	ServiceTextID string
	TextID        string
}

// Fingerprint identifies the client a session was issued to.
type Fingerprint struct {
	Client string `json:"client"`
	OS     string `json:"os"`
	Device string `json:"device"`
}

func (f Fingerprint) normalize() Fingerprint {
	return Fingerprint{
		Client: strings.TrimSpace(f.Client),
		OS:     strings.TrimSpace(f.OS),
		Device: strings.TrimSpace(f.Device),
	}
}

// Session is the persisted form of an issued token. The raw token is never stored.
type Session struct {
	ID        string     `json:"id"`
	TokenHash string     `json:"-"`
	UserID    string     `json:"user_id"`
	IP        string     `json:"ip"`
	Client    string     `json:"client"`
	OS        string     `json:"os"`
	Device    string     `json:"device"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Fingerprint returns the client identity bound at creation.
func (s Session) Fingerprint() Fingerprint {
	return Fingerprint{Client: s.Client, OS: s.OS, Device: s.Device}
}

// LastActivity is updated_at when set, created_at otherwise.
func (s Session) LastActivity() time.Time {
	if s.UpdatedAt != nil {
		return *s.UpdatedAt
	}
	return s.CreatedAt
}

// Expired reports whether more than ttl passed since the last activity.
func (s Session) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastActivity()) > ttl
}

// AccessLog records one authentication attempt. Rows are append-only.
type AccessLog struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	IsSuccess bool      `json:"is_success"`
	IP        string    `json:"ip"`
	Client    string    `json:"client"`
	OS        string    `json:"os"`
	Device    string    `json:"device"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionBundle is the denormalized cache value: session, owner state and the owner's
// permissions keyed by service text id.
type SessionBundle struct {
	Session     Session             `json:"session"`
	TokenHash   string              `json:"token_hash"`
	UserState   UserState           `json:"user_state"`
	Permissions map[string][]string `json:"permissions"`
}

// Introspection is the resolved identity returned to calling services.
type Introspection struct {
	SessionID   string              `json:"session_id"`
	UserID      string              `json:"user_id"`
	UserState   UserState           `json:"user_state"`
	Permissions map[string][]string `json:"permissions"`
	Assertion   string              `json:"assertion,omitempty"`
}
