package auth

// Decision is the outcome of an access predicate.
type Decision int

const (
	Allowed Decision = iota
	Denied
	AuthenticationRequired
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	case AuthenticationRequired:
		return "authentication_required"
	default:
		return "unknown"
	}
}

// Err maps the decision onto the error taxonomy; Allowed yields nil.
func (d Decision) Err() error {
	switch d {
	case Allowed:
		return nil
	case AuthenticationRequired:
		return ErrAuthenticationRequired
	default:
		return ErrAccessDenied
	}
}

// Subject is the caller as seen by the access predicates. Permissions hold the text ids
// granted in this service's namespace.
type Subject struct {
	Authenticated bool
	UserID        string
	SessionID     string
	State         UserState
	Permissions   map[string]struct{}
}

// Anonymous is the subject of a request without a valid credential.
func Anonymous() Subject {
	return Subject{}
}

// NewSubject builds an authenticated subject from a resolved session.
func NewSubject(userID, sessionID string, state UserState, permissions []string) Subject {
	set := make(map[string]struct{}, len(permissions))
	for _, p := range permissions {
		set[p] = struct{}{}
	}
	return Subject{
		Authenticated: true,
		UserID:        userID,
		SessionID:     sessionID,
		State:         state,
		Permissions:   set,
	}
}

// Has reports whether the subject holds perm.
func (s Subject) Has(perm Perm) bool {
	if s.Permissions == nil {
		return false
	}
	_, ok := s.Permissions[perm.String()]
	return ok
}

var (
	activeOnly       = []UserState{StateActive}
	activeOrInactive = []UserState{StateActive, StateInactive}
)

func stateIn(st UserState, allowed []UserState) bool {
	for _, a := range allowed {
		if st == a {
			return true
		}
	}
	return false
}

// requireElevated checks a single permission without a self scope.
func requireElevated(s Subject, perm Perm, states []UserState) Decision {
	if !s.Authenticated {
		return AuthenticationRequired
	}
	if s.Has(perm) && stateIn(s.State, states) {
		return Allowed
	}
	return Denied
}

// requireSelfOrElevated implements the elevated/self pair: the elevated permission allows
// any target, the self permission only when target equals own.
func requireSelfOrElevated(s Subject, elevated, self Perm, own, target string, states []UserState) Decision {
	if !s.Authenticated {
		return AuthenticationRequired
	}
	if !stateIn(s.State, states) {
		return Denied
	}
	if s.Has(elevated) {
		return Allowed
	}
	if s.Has(self) && own != "" && own == target {
		return Allowed
	}
	return Denied
}

// Users

// CanCreateUser allows anonymous self-registration; authenticated callers need CreateUser.
func CanCreateUser(s Subject) Decision {
	if !s.Authenticated {
		return Allowed
	}
	return requireElevated(s, CreateUser, activeOnly)
}

func CanGetUserSelf(s Subject) Decision {
	return requireElevated(s, GetUserSelf, activeOrInactive)
}

func CanGetUser(s Subject, userID string) Decision {
	return requireSelfOrElevated(s, GetUser, GetUserSelf, s.UserID, userID, activeOnly)
}

// CanListUsers guards listings and batch lookups; they expose other users, so only the
// elevated permission counts.
func CanListUsers(s Subject) Decision {
	return requireElevated(s, GetUser, activeOnly)
}

func CanUpdateUser(s Subject, userID string) Decision {
	return requireSelfOrElevated(s, UpdateUser, UpdateUserSelf, s.UserID, userID, activeOnly)
}

func CanChangePassword(s Subject, userID string) Decision {
	return requireSelfOrElevated(s, UpdateUser, UpdateUserSelf, s.UserID, userID, activeOnly)
}

func CanDeleteUser(s Subject) Decision {
	return requireElevated(s, DeleteUser, activeOnly)
}

// CanConfirmUser lets unconfirmed accounts complete confirmation.
func CanConfirmUser(s Subject) Decision {
	if !s.Authenticated || stateIn(s.State, activeOrInactive) {
		return Allowed
	}
	return Denied
}

// CanRequestPasswordReset is reachable without a credential.
func CanRequestPasswordReset(Subject) Decision {
	return Allowed
}

// Sessions

// CanCreateSession is reachable without a credential.
func CanCreateSession(Subject) Decision {
	return Allowed
}

// CanGetSession compares session ids for the self scope.
func CanGetSession(s Subject, sessionID string) Decision {
	return requireSelfOrElevated(s, GetSession, GetSessionSelf, s.SessionID, sessionID, activeOrInactive)
}

func CanListUserSessions(s Subject, userID string) Decision {
	return requireSelfOrElevated(s, GetSession, GetSessionSelf, s.UserID, userID, activeOnly)
}

// CanDeleteSession compares session ids for the self scope and admits inactive users so
// they can always log out.
func CanDeleteSession(s Subject, sessionID string) Decision {
	return requireSelfOrElevated(s, DeleteSession, DeleteSessionSelf, s.SessionID, sessionID, activeOrInactive)
}

func CanGetAccessLog(s Subject, userID string) Decision {
	return requireSelfOrElevated(s, GetAccessLog, GetAccessLogSelf, s.UserID, userID, activeOnly)
}

// Roles

func CanCreateRole(s Subject) Decision { return requireElevated(s, CreateRole, activeOnly) }
func CanGetRole(s Subject) Decision    { return requireElevated(s, GetRole, activeOnly) }
func CanUpdateRole(s Subject) Decision { return requireElevated(s, UpdateRole, activeOnly) }
func CanDeleteRole(s Subject) Decision { return requireElevated(s, DeleteRole, activeOnly) }

func CanGetDefaultRole(s Subject) Decision { return requireElevated(s, GetDefaultRole, activeOnly) }
func CanSetDefaultRole(s Subject) Decision { return requireElevated(s, SetDefaultRole, activeOnly) }

func CanLinkRoleUser(s Subject) Decision   { return requireElevated(s, LinkRoleUser, activeOnly) }
func CanUnlinkRoleUser(s Subject) Decision { return requireElevated(s, UnlinkRoleUser, activeOnly) }

func CanLinkRolePermission(s Subject) Decision {
	return requireElevated(s, LinkRolePermission, activeOnly)
}

func CanUnlinkRolePermission(s Subject) Decision {
	return requireElevated(s, UnlinkRolePermission, activeOnly)
}

// Permissions and services

func CanCreatePermission(s Subject) Decision {
	return requireElevated(s, CreatePermission, activeOnly)
}

func CanGetPermission(s Subject) Decision { return requireElevated(s, GetPermission, activeOnly) }

func CanUpdatePermission(s Subject) Decision {
	return requireElevated(s, UpdatePermission, activeOnly)
}

func CanDeletePermission(s Subject) Decision {
	return requireElevated(s, DeletePermission, activeOnly)
}

func CanGetService(s Subject) Decision    { return requireElevated(s, GetService, activeOnly) }
func CanUpdateService(s Subject) Decision { return requireElevated(s, UpdateService, activeOnly) }
