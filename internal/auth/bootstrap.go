package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"warden.id/internal/obs"
)

const (
	ControlRoleTitle = "Control"
	ControlUsername  = "control"

	controlRoleDescription = "Temporary role used to initialize the system"
	defaultControlEmail    = "control@warden.local"
)

// BootstrapResult is returned by a bootstrap run that did work. Password is the generated
// plaintext and is never stored.
type BootstrapResult struct {
	RoleID   string
	UserID   string
	Password string
}

// Bootstrapper performs the one-time control account setup guarded by the init sentinel.
type Bootstrapper struct {
	store        Store
	sync         *Synchronizer
	hasher       PasswordHasher
	serviceID    string
	controlEmail string
}

// BootstrapOption configures Bootstrapper.
type BootstrapOption func(*Bootstrapper)

// WithControlEmail overrides the control account's email address.
func WithControlEmail(email string) BootstrapOption {
	return func(b *Bootstrapper) {
		if email = strings.TrimSpace(email); email != "" {
			b.controlEmail = email
		}
	}
}

func NewBootstrapper(store Store, hasher PasswordHasher, serviceTextID string, opts ...BootstrapOption) (*Bootstrapper, error) {
	if store == nil || hasher == nil {
		return nil, errors.New("bootstrapper requires a store and a password hasher")
	}
	serviceTextID = strings.TrimSpace(serviceTextID)
	if serviceTextID == "" {
		return nil, errors.New("bootstrapper requires the service text id")
	}
	sync, err := NewSynchronizer(store)
	if err != nil {
		return nil, err
	}
	b := &Bootstrapper{
		store:        store,
		sync:         sync,
		hasher:       hasher,
		serviceID:    serviceTextID,
		controlEmail: defaultControlEmail,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Run syncs this service's own permission catalog and, unless the sentinel exists, creates
// the Control role and control user. Every step tolerates a previous run that stopped
// before the sentinel was written. It returns nil when there was nothing to do.
func (b *Bootstrapper) Run(ctx context.Context) (*BootstrapResult, error) {
	done, err := b.store.Bootstrapped(ctx)
	if err != nil {
		return nil, fmt.Errorf("read init state: %w", err)
	}

	res, err := b.sync.SyncService(ctx, b.serviceID, PermNames(AllPerms()))
	if err != nil {
		return nil, fmt.Errorf("sync own permissions: %w", err)
	}
	if done {
		return nil, nil
	}

	role, err := b.controlRole(ctx)
	if err != nil {
		return nil, err
	}
	if err := b.grantControl(ctx, role.ID, res.Service.ID); err != nil {
		return nil, err
	}

	password, err := GeneratePassword()
	if err != nil {
		return nil, err
	}
	hash, err := b.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hash control password: %w", err)
	}
	user, err := b.controlUser(ctx, hash)
	if err != nil {
		return nil, err
	}
	if err := b.store.LinkRoleUser(ctx, role.ID, user.ID); err != nil {
		return nil, fmt.Errorf("link control role: %w", err)
	}
	if err := b.store.MarkBootstrapped(ctx); err != nil {
		return nil, fmt.Errorf("write init state: %w", err)
	}

	obs.Logger().Warn("control account created; the password is shown only once",
		zap.String("login", ControlUsername),
		zap.String("password", password),
	)
	return &BootstrapResult{RoleID: role.ID, UserID: user.ID, Password: password}, nil
}

func (b *Bootstrapper) controlRole(ctx context.Context) (Role, error) {
	role, err := b.store.GetRoleByTitle(ctx, ControlRoleTitle)
	if err == nil {
		return role, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Role{}, fmt.Errorf("look up control role: %w", err)
	}
	role, err = b.store.CreateRole(ctx, ControlRoleTitle, controlRoleDescription)
	if errors.Is(err, ErrConflict) {
		// another replica created it first
		return b.store.GetRoleByTitle(ctx, ControlRoleTitle)
	}
	if err != nil {
		return Role{}, fmt.Errorf("create control role: %w", err)
	}
	return role, nil
}

func (b *Bootstrapper) grantControl(ctx context.Context, roleID, serviceID string) error {
	perms, err := b.store.ListServicePermissions(ctx, serviceID)
	if err != nil {
		return fmt.Errorf("list own permissions: %w", err)
	}
	byText := make(map[string]string, len(perms))
	for _, p := range perms {
		byText[p.TextID] = p.ID
	}
	ids := make([]string, 0, len(ControlPerms()))
	for _, p := range ControlPerms() {
		id, ok := byText[p.String()]
		if !ok {
			return fmt.Errorf("permission %s is not registered", p)
		}
		ids = append(ids, id)
	}
	if err := b.store.LinkRolePermissions(ctx, roleID, ids); err != nil {
		return fmt.Errorf("grant control permissions: %w", err)
	}
	return nil
}

// controlUser creates the control user, or resets the password of one left behind by an
// interrupted run so the password logged below is valid.
func (b *Bootstrapper) controlUser(ctx context.Context, hash string) (User, error) {
	user, err := b.store.GetUserByUsername(ctx, ControlUsername)
	switch {
	case err == nil:
		if err := b.store.SetPasswordHash(ctx, user.ID, hash); err != nil {
			return User{}, fmt.Errorf("reset control password: %w", err)
		}
		return user, nil
	case !errors.Is(err, ErrNotFound):
		return User{}, fmt.Errorf("look up control user: %w", err)
	}
	user, err = b.store.CreateUser(ctx, NewUser{
		Username:     ControlUsername,
		Email:        b.controlEmail,
		State:        StateActive,
		PasswordHash: hash,
	})
	if err != nil {
		return User{}, fmt.Errorf("create control user: %w", err)
	}
	return user, nil
}
