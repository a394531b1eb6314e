// Package memory keeps every entity in process memory. It backs development runs without
// Postgres and the engine's tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"warden.id/internal/auth"
	"warden.id/internal/ids"
)

var _ auth.Store = (*Store)(nil)

// Store implements auth.Store with in-process concurrency safety. Uniqueness and foreign
// keys mirror the Postgres schema so both stores fail the same way.
type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	users       map[string]*auth.User
	roles       map[string]*auth.Role
	roleUsers   map[string]map[string]struct{} // role id -> user ids
	rolePerms   map[string]map[string]struct{} // role id -> permission ids
	defaultRole string
	services    map[string]*auth.Service
	perms       map[string]*auth.Permission
	sessions    map[string]*auth.Session
	byHash      map[string]string // token hash -> session id
	logs        []auth.AccessLog
	initialized bool
}

// Option configures Store.
type Option func(*Store)

// WithClock overrides the time source used for created_at and updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:       func() time.Time { return time.Now().UTC() },
		users:     make(map[string]*auth.User),
		roles:     make(map[string]*auth.Role),
		roleUsers: make(map[string]map[string]struct{}),
		rolePerms: make(map[string]map[string]struct{}),
		services:  make(map[string]*auth.Service),
		perms:     make(map[string]*auth.Permission),
		sessions:  make(map[string]*auth.Session),
		byHash:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// window mirrors limit/offset; a non-positive limit returns everything after offset.
func window[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return items[:0]
	}
	if offset > 0 {
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (s *Store) stamp() *time.Time {
	t := s.now()
	return &t
}

// Users

func (s *Store) CreateUser(_ context.Context, u auth.NewUser) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userConflict("", u.Username, u.Email) {
		return auth.User{}, auth.ErrConflict
	}
	user := &auth.User{
		ID:           ids.New(),
		Username:     u.Username,
		Email:        u.Email,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		State:        u.State,
		PasswordHash: u.PasswordHash,
		CreatedAt:    s.now(),
	}
	s.users[user.ID] = user
	return *user, nil
}

func (s *Store) userConflict(skipID, username, email string) bool {
	for id, u := range s.users {
		if id == skipID {
			continue
		}
		if strings.EqualFold(u.Username, username) || strings.EqualFold(u.Email, email) {
			return true
		}
	}
	return false
}

func (s *Store) GetUser(_ context.Context, id string) (auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	return *u, nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Username, username) {
			return *u, nil
		}
	}
	return auth.User{}, auth.ErrNotFound
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return *u, nil
		}
	}
	return auth.User{}, auth.ErrNotFound
}

func (s *Store) ListUsers(_ context.Context, limit, offset int) ([]auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return window(out, limit, offset), nil
}

func (s *Store) GetUsersByIDs(_ context.Context, userIDs []string) ([]auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.User, 0, len(userIDs))
	for _, id := range userIDs {
		if u, ok := s.users[id]; ok {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (s *Store) UpdateUser(_ context.Context, id string, upd auth.UserUpdate) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	next := *u
	if upd.Username != nil {
		next.Username = *upd.Username
	}
	if upd.Email != nil {
		next.Email = *upd.Email
	}
	if upd.FirstName != nil {
		next.FirstName = *upd.FirstName
	}
	if upd.LastName != nil {
		next.LastName = *upd.LastName
	}
	if upd.State != nil {
		next.State = *upd.State
	}
	if s.userConflict(id, next.Username, next.Email) {
		return auth.User{}, auth.ErrConflict
	}
	next.UpdatedAt = s.stamp()
	*u = next
	return next, nil
}

func (s *Store) SetPasswordHash(_ context.Context, id, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	u.PasswordHash = hash
	u.UpdatedAt = s.stamp()
	return nil
}

// Roles

func (s *Store) CreateRole(_ context.Context, title, description string) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roleTitleTaken("", title) {
		return auth.Role{}, auth.ErrConflict
	}
	r := &auth.Role{ID: ids.New(), Title: title, Description: description, CreatedAt: s.now()}
	s.roles[r.ID] = r
	return *r, nil
}

func (s *Store) roleTitleTaken(skipID, title string) bool {
	for id, r := range s.roles {
		if id != skipID && strings.EqualFold(r.Title, title) {
			return true
		}
	}
	return false
}

func (s *Store) GetRole(_ context.Context, id string) (auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return auth.Role{}, auth.ErrNotFound
	}
	return *r, nil
}

func (s *Store) GetRoleByTitle(_ context.Context, title string) (auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.roles {
		if strings.EqualFold(r.Title, title) {
			return *r, nil
		}
	}
	return auth.Role{}, auth.ErrNotFound
}

func (s *Store) ListRoles(_ context.Context, limit, offset int) ([]auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return window(out, limit, offset), nil
}

func (s *Store) UpdateRole(_ context.Context, id string, upd auth.RoleUpdate) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[id]
	if !ok {
		return auth.Role{}, auth.ErrNotFound
	}
	if upd.Title != nil {
		if s.roleTitleTaken(id, *upd.Title) {
			return auth.Role{}, auth.ErrConflict
		}
		r.Title = *upd.Title
	}
	if upd.Description != nil {
		r.Description = *upd.Description
	}
	r.UpdatedAt = s.stamp()
	return *r, nil
}

func (s *Store) DeleteRole(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[id]; !ok {
		return auth.ErrNotFound
	}
	delete(s.roles, id)
	delete(s.roleUsers, id)
	delete(s.rolePerms, id)
	if s.defaultRole == id {
		s.defaultRole = ""
	}
	return nil
}

func (s *Store) LinkRoleUser(_ context.Context, roleID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := s.users[userID]; !ok {
		return auth.ErrNotFound
	}
	link(s.roleUsers, roleID, userID)
	return nil
}

func (s *Store) UnlinkRoleUser(_ context.Context, roleID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roleUsers[roleID][userID]; !ok {
		return auth.ErrNotFound
	}
	delete(s.roleUsers[roleID], userID)
	return nil
}

func (s *Store) LinkRolePermissions(_ context.Context, roleID string, permissionIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return auth.ErrNotFound
	}
	for _, pid := range permissionIDs {
		if _, ok := s.perms[pid]; !ok {
			return auth.ErrNotFound
		}
	}
	for _, pid := range permissionIDs {
		link(s.rolePerms, roleID, pid)
	}
	return nil
}

func (s *Store) UnlinkRolePermissions(_ context.Context, roleID string, permissionIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return auth.ErrNotFound
	}
	for _, pid := range permissionIDs {
		delete(s.rolePerms[roleID], pid)
	}
	return nil
}

func link(m map[string]map[string]struct{}, key, member string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[member] = struct{}{}
}

func (s *Store) ListUserRoles(_ context.Context, userID string) ([]auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.Role
	for roleID, members := range s.roleUsers {
		if _, ok := members[userID]; ok {
			out = append(out, *s.roles[roleID])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListRoleUserIDs(_ context.Context, roleID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.roleUsers[roleID]))
	for uid := range s.roleUsers[roleID] {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) GetDefaultRole(_ context.Context) (auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.defaultRole == "" {
		return auth.Role{}, auth.ErrNotFound
	}
	return *s.roles[s.defaultRole], nil
}

func (s *Store) SetDefaultRole(_ context.Context, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return auth.ErrNotFound
	}
	s.defaultRole = roleID
	return nil
}

func (s *Store) UserPermissions(_ context.Context, userID, serviceTextID string) ([]auth.ScopedPermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.ScopedPermission
	for roleID, members := range s.roleUsers {
		if _, ok := members[userID]; !ok {
			continue
		}
		for pid := range s.rolePerms[roleID] {
			p := s.perms[pid]
			svc := s.services[p.ServiceID]
			if serviceTextID != "" && svc.TextID != serviceTextID {
				continue
			}
			out = append(out, auth.ScopedPermission{ServiceTextID: svc.TextID, TextID: p.TextID})
		}
	}
	return out, nil
}

// Services and permissions

func (s *Store) EnsureService(_ context.Context, textID, title string) (auth.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, svc := range s.services {
		if svc.TextID == textID {
			return *svc, nil
		}
	}
	svc := &auth.Service{ID: ids.New(), TextID: textID, Title: title, CreatedAt: s.now()}
	s.services[svc.ID] = svc
	return *svc, nil
}

func (s *Store) GetService(_ context.Context, id string) (auth.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[id]
	if !ok {
		return auth.Service{}, auth.ErrNotFound
	}
	return *svc, nil
}

func (s *Store) GetServiceByTextID(_ context.Context, textID string) (auth.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, svc := range s.services {
		if svc.TextID == textID {
			return *svc, nil
		}
	}
	return auth.Service{}, auth.ErrNotFound
}

func (s *Store) ListServices(_ context.Context, limit, offset int) ([]auth.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Service, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, *svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TextID < out[j].TextID })
	return window(out, limit, offset), nil
}

func (s *Store) UpdateService(_ context.Context, id string, upd auth.ServiceUpdate) (auth.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[id]
	if !ok {
		return auth.Service{}, auth.ErrNotFound
	}
	if upd.Title != nil {
		svc.Title = *upd.Title
	}
	if upd.Description != nil {
		svc.Description = *upd.Description
	}
	svc.UpdatedAt = s.stamp()
	return *svc, nil
}

func (s *Store) ListServicePermissions(_ context.Context, serviceID string) ([]auth.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.services[serviceID]; !ok {
		return nil, auth.ErrNotFound
	}
	var out []auth.Permission
	for _, p := range s.perms {
		if p.ServiceID == serviceID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TextID < out[j].TextID })
	return out, nil
}

func (s *Store) permTaken(serviceID, textID string) bool {
	for _, p := range s.perms {
		if p.ServiceID == serviceID && p.TextID == textID {
			return true
		}
	}
	return false
}

func (s *Store) InsertPermissions(_ context.Context, serviceID string, textIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[serviceID]; !ok {
		return nil, auth.ErrNotFound
	}
	var added []string
	for _, textID := range textIDs {
		if s.permTaken(serviceID, textID) {
			continue
		}
		p := &auth.Permission{ID: ids.New(), TextID: textID, ServiceID: serviceID, Title: textID, CreatedAt: s.now()}
		s.perms[p.ID] = p
		added = append(added, textID)
	}
	return added, nil
}

func (s *Store) CreatePermission(_ context.Context, serviceID, textID, title, description string) (auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[serviceID]; !ok {
		return auth.Permission{}, auth.ErrNotFound
	}
	if s.permTaken(serviceID, textID) {
		return auth.Permission{}, auth.ErrConflict
	}
	p := &auth.Permission{
		ID:          ids.New(),
		TextID:      textID,
		ServiceID:   serviceID,
		Title:       title,
		Description: description,
		CreatedAt:   s.now(),
	}
	s.perms[p.ID] = p
	return *p, nil
}

func (s *Store) GetPermission(_ context.Context, id string) (auth.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.perms[id]
	if !ok {
		return auth.Permission{}, auth.ErrNotFound
	}
	return *p, nil
}

func (s *Store) UpdatePermission(_ context.Context, id string, upd auth.PermissionUpdate) (auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.perms[id]
	if !ok {
		return auth.Permission{}, auth.ErrNotFound
	}
	if upd.Title != nil {
		p.Title = *upd.Title
	}
	if upd.Description != nil {
		p.Description = *upd.Description
	}
	p.UpdatedAt = s.stamp()
	return *p, nil
}

func (s *Store) DeletePermission(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.perms[id]; !ok {
		return auth.ErrNotFound
	}
	delete(s.perms, id)
	for _, set := range s.rolePerms {
		delete(set, id)
	}
	return nil
}

// Sessions

func (s *Store) CreateSession(_ context.Context, sess auth.Session) (auth.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[sess.UserID]; !ok {
		return auth.Session{}, auth.ErrNotFound
	}
	if sess.ID == "" {
		sess.ID = ids.New()
	}
	if _, ok := s.byHash[sess.TokenHash]; ok {
		return auth.Session{}, auth.ErrConflict
	}
	if _, ok := s.sessions[sess.ID]; ok {
		return auth.Session{}, auth.ErrConflict
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.now()
	}
	stored := sess
	s.sessions[sess.ID] = &stored
	s.byHash[sess.TokenHash] = sess.ID
	return sess, nil
}

func (s *Store) GetSession(_ context.Context, id string) (auth.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return auth.Session{}, auth.ErrNotFound
	}
	return *sess, nil
}

func (s *Store) GetSessionByTokenHash(_ context.Context, tokenHash string) (auth.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[tokenHash]
	if !ok {
		return auth.Session{}, auth.ErrNotFound
	}
	return *s.sessions[id], nil
}

func (s *Store) ListUserSessions(_ context.Context, userID string) ([]auth.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateSessionActivity(_ context.Context, id, ip string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return auth.ErrNotFound
	}
	sess.IP = ip
	sess.UpdatedAt = &at
	return nil
}

func (s *Store) DeleteSession(_ context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return "", auth.ErrNotFound
	}
	s.dropSession(sess)
	return sess.TokenHash, nil
}

func (s *Store) DeleteUserSessions(_ context.Context, userID string) ([]string, error) {
	return s.deleteWhere(func(sess *auth.Session) bool { return sess.UserID == userID }), nil
}

func (s *Store) DeleteIdleSessions(_ context.Context, cutoff time.Time) ([]string, error) {
	return s.deleteWhere(func(sess *auth.Session) bool { return sess.LastActivity().Before(cutoff) }), nil
}

func (s *Store) deleteWhere(match func(*auth.Session) bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var hashes []string
	for _, sess := range s.sessions {
		if match(sess) {
			hashes = append(hashes, sess.TokenHash)
			s.dropSession(sess)
		}
	}
	return hashes
}

func (s *Store) dropSession(sess *auth.Session) {
	delete(s.sessions, sess.ID)
	delete(s.byHash, sess.TokenHash)
}

// Access logs

func (s *Store) AppendAccessLog(_ context.Context, entry auth.AccessLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[entry.UserID]; !ok {
		return auth.ErrNotFound
	}
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.logs = append(s.logs, entry)
	return nil
}

func (s *Store) ListAccessLogs(_ context.Context, userID string, limit int) ([]auth.AccessLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.AccessLog
	for i := len(s.logs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.logs[i].UserID == userID {
			out = append(out, s.logs[i])
		}
	}
	return out, nil
}

// Bootstrap sentinel

func (s *Store) Bootstrapped(context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized, nil
}

func (s *Store) MarkBootstrapped(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	return nil
}
