package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"warden.id/internal/obs"
)

const maxTitleLength = 128

// RBACService resolves service-scoped permissions and manages roles, their associations and
// the default-role pointer. Changes that alter effective permissions evict the affected
// users' cached session bundles.
type RBACService struct {
	store Store
	cache SessionCache
}

func NewRBACService(store Store, cache SessionCache) (*RBACService, error) {
	if store == nil {
		return nil, errors.New("rbac store is required")
	}
	if cache == nil {
		return nil, errors.New("session cache is required")
	}
	return &RBACService{store: store, cache: cache}, nil
}

// ResolvePermissions returns the distinct permission text ids userID holds in serviceTextID.
func (s *RBACService) ResolvePermissions(ctx context.Context, userID, serviceTextID string) ([]string, error) {
	userID = strings.TrimSpace(userID)
	serviceTextID = strings.TrimSpace(serviceTextID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if serviceTextID == "" {
		return nil, fmt.Errorf("%w: service text_id is required", ErrInvalidInput)
	}
	rows, err := s.store.UserPermissions(ctx, userID, serviceTextID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		if r.ServiceTextID == serviceTextID {
			out = append(out, r.TextID)
		}
	}
	out = dedupeStrings(out)
	sort.Strings(out)
	return out, nil
}

// ResolveAll returns every permission of userID keyed by service text id.
func (s *RBACService) ResolveAll(ctx context.Context, userID string) (map[string][]string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	rows, err := s.store.UserPermissions(ctx, userID, "")
	if err != nil {
		return nil, err
	}
	grouped := make(map[string][]string)
	for _, r := range rows {
		grouped[r.ServiceTextID] = append(grouped[r.ServiceTextID], r.TextID)
	}
	for svc, perms := range grouped {
		perms = dedupeStrings(perms)
		sort.Strings(perms)
		grouped[svc] = perms
	}
	return grouped, nil
}

func (s *RBACService) CreateRole(ctx context.Context, title, description string) (Role, error) {
	title, err := cleanTitle("title", title)
	if err != nil {
		return Role{}, err
	}
	return s.store.CreateRole(ctx, title, strings.TrimSpace(description))
}

func (s *RBACService) GetRole(ctx context.Context, id string) (Role, error) {
	id, err := requireID("role_id", id)
	if err != nil {
		return Role{}, err
	}
	return s.store.GetRole(ctx, id)
}

func (s *RBACService) ListRoles(ctx context.Context, page Page) ([]Role, error) {
	if err := page.Validate(); err != nil {
		return nil, err
	}
	return s.store.ListRoles(ctx, page.Size, page.Offset())
}

func (s *RBACService) UpdateRole(ctx context.Context, id string, upd RoleUpdate) (Role, error) {
	id, err := requireID("role_id", id)
	if err != nil {
		return Role{}, err
	}
	if upd.Title != nil {
		title, err := cleanTitle("title", *upd.Title)
		if err != nil {
			return Role{}, err
		}
		upd.Title = &title
	}
	if upd.Description != nil {
		d := strings.TrimSpace(*upd.Description)
		upd.Description = &d
	}
	return s.store.UpdateRole(ctx, id, upd)
}

// DeleteRole removes the role and its associations, then evicts its former members.
func (s *RBACService) DeleteRole(ctx context.Context, id string) error {
	id, err := requireID("role_id", id)
	if err != nil {
		return err
	}
	members, err := s.store.ListRoleUserIDs(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteRole(ctx, id); err != nil {
		return err
	}
	s.evict(ctx, members...)
	return nil
}

// DefaultRole returns ErrNotFound when no default is configured.
func (s *RBACService) DefaultRole(ctx context.Context) (Role, error) {
	return s.store.GetDefaultRole(ctx)
}

// SetDefaultRole atomically replaces the default-role pointer.
func (s *RBACService) SetDefaultRole(ctx context.Context, roleID string) error {
	roleID, err := requireID("role_id", roleID)
	if err != nil {
		return err
	}
	return s.store.SetDefaultRole(ctx, roleID)
}

func (s *RBACService) LinkRoleUser(ctx context.Context, roleID, userID string) error {
	roleID, userID, err := requireIDs(roleID, userID)
	if err != nil {
		return err
	}
	if err := s.store.LinkRoleUser(ctx, roleID, userID); err != nil {
		return err
	}
	s.evict(ctx, userID)
	return nil
}

func (s *RBACService) UnlinkRoleUser(ctx context.Context, roleID, userID string) error {
	roleID, userID, err := requireIDs(roleID, userID)
	if err != nil {
		return err
	}
	if err := s.store.UnlinkRoleUser(ctx, roleID, userID); err != nil {
		return err
	}
	s.evict(ctx, userID)
	return nil
}

func (s *RBACService) LinkRolePermissions(ctx context.Context, roleID string, permissionIDs []string) error {
	roleID, ids, err := s.rolePermissionArgs(roleID, permissionIDs)
	if err != nil {
		return err
	}
	if err := s.store.LinkRolePermissions(ctx, roleID, ids); err != nil {
		return err
	}
	return s.evictRoleMembers(ctx, roleID)
}

func (s *RBACService) UnlinkRolePermissions(ctx context.Context, roleID string, permissionIDs []string) error {
	roleID, ids, err := s.rolePermissionArgs(roleID, permissionIDs)
	if err != nil {
		return err
	}
	if err := s.store.UnlinkRolePermissions(ctx, roleID, ids); err != nil {
		return err
	}
	return s.evictRoleMembers(ctx, roleID)
}

func (s *RBACService) UserRoles(ctx context.Context, userID string) ([]Role, error) {
	userID, err := requireID("user_id", userID)
	if err != nil {
		return nil, err
	}
	return s.store.ListUserRoles(ctx, userID)
}

func (s *RBACService) ListServices(ctx context.Context, page Page) ([]Service, error) {
	if err := page.Validate(); err != nil {
		return nil, err
	}
	return s.store.ListServices(ctx, page.Size, page.Offset())
}

func (s *RBACService) GetService(ctx context.Context, id string) (Service, error) {
	id, err := requireID("service_id", id)
	if err != nil {
		return Service{}, err
	}
	return s.store.GetService(ctx, id)
}

func (s *RBACService) UpdateService(ctx context.Context, id string, upd ServiceUpdate) (Service, error) {
	id, err := requireID("service_id", id)
	if err != nil {
		return Service{}, err
	}
	if upd.Title != nil {
		title, err := cleanTitle("title", *upd.Title)
		if err != nil {
			return Service{}, err
		}
		upd.Title = &title
	}
	if upd.Description != nil {
		d := strings.TrimSpace(*upd.Description)
		upd.Description = &d
	}
	return s.store.UpdateService(ctx, id, upd)
}

func (s *RBACService) ServicePermissions(ctx context.Context, serviceID string) ([]Permission, error) {
	serviceID, err := requireID("service_id", serviceID)
	if err != nil {
		return nil, err
	}
	return s.store.ListServicePermissions(ctx, serviceID)
}

func (s *RBACService) CreatePermission(ctx context.Context, serviceID, textID, title, description string) (Permission, error) {
	v := validation{}
	serviceID = strings.TrimSpace(serviceID)
	if serviceID == "" {
		v["service_id"] = "is required"
	}
	textID = strings.TrimSpace(textID)
	v.check("text_id", validateTextID(textID))
	title = strings.TrimSpace(title)
	if title == "" {
		title = textID
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		v["title"] = fmt.Sprintf("must be at most %d characters", maxTitleLength)
	}
	if err := v.err(); err != nil {
		return Permission{}, err
	}
	return s.store.CreatePermission(ctx, serviceID, textID, title, strings.TrimSpace(description))
}

func (s *RBACService) GetPermission(ctx context.Context, id string) (Permission, error) {
	id, err := requireID("permission_id", id)
	if err != nil {
		return Permission{}, err
	}
	return s.store.GetPermission(ctx, id)
}

func (s *RBACService) UpdatePermission(ctx context.Context, id string, upd PermissionUpdate) (Permission, error) {
	id, err := requireID("permission_id", id)
	if err != nil {
		return Permission{}, err
	}
	if upd.Title != nil {
		title, err := cleanTitle("title", *upd.Title)
		if err != nil {
			return Permission{}, err
		}
		upd.Title = &title
	}
	if upd.Description != nil {
		d := strings.TrimSpace(*upd.Description)
		upd.Description = &d
	}
	return s.store.UpdatePermission(ctx, id, upd)
}

// DeletePermission removes the permission and its role grants. Cached bundles that still
// list it age out with the cache TTL.
func (s *RBACService) DeletePermission(ctx context.Context, id string) error {
	id, err := requireID("permission_id", id)
	if err != nil {
		return err
	}
	return s.store.DeletePermission(ctx, id)
}

func (s *RBACService) rolePermissionArgs(roleID string, permissionIDs []string) (string, []string, error) {
	roleID, err := requireID("role_id", roleID)
	if err != nil {
		return "", nil, err
	}
	ids := dedupeStrings(permissionIDs)
	if len(ids) == 0 {
		return "", nil, fmt.Errorf("%w: at least one permission id is required", ErrInvalidInput)
	}
	return roleID, ids, nil
}

func (s *RBACService) evictRoleMembers(ctx context.Context, roleID string) error {
	members, err := s.store.ListRoleUserIDs(ctx, roleID)
	if err != nil {
		return err
	}
	s.evict(ctx, members...)
	return nil
}

func (s *RBACService) evict(ctx context.Context, userIDs ...string) {
	if err := evictUsers(ctx, s.store, s.cache, userIDs...); err != nil {
		obs.Logger().Warn("evict cached sessions", zap.Strings("user_ids", userIDs), zap.Error(err))
	}
}

func requireID(field, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidInput, field)
	}
	return id, nil
}

func requireIDs(roleID, userID string) (string, string, error) {
	roleID, err := requireID("role_id", roleID)
	if err != nil {
		return "", "", err
	}
	userID, err = requireID("user_id", userID)
	if err != nil {
		return "", "", err
	}
	return roleID, userID, nil
}

func cleanTitle(field, title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", &ValidationError{Fields: map[string]string{field: "is required"}}
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return "", &ValidationError{Fields: map[string]string{field: fmt.Sprintf("must be at most %d characters", maxTitleLength)}}
	}
	return title, nil
}
