package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"warden.id/internal/obs"
)

const (
	confirmCodeLength   = 6
	defaultCodeTTL      = 15 * time.Minute
	defaultAccessLogCap = 100
	maxAccessLogCap     = 1000

	purposeConfirm = "confirm"
	purposeReset   = "reset"
)

var (
	// ErrInvalidCredentials is returned for an unknown username or a wrong password.
	ErrInvalidCredentials = fmt.Errorf("%w: invalid username or password", ErrInvalidInput)
	// ErrAccountDisabled is returned when a banned or deleted user tries to log in.
	ErrAccountDisabled = fmt.Errorf("%w: account is disabled", ErrAccessDenied)
)

// LoginInput is the credential form plus the client the session will be bound to.
type LoginInput struct {
	Username    string
	Password    string
	IP          string
	Fingerprint Fingerprint
}

// LoginResult carries the raw token, which is returned exactly once.
type LoginResult struct {
	User    User
	Session Session
	Token   string
}

// Registration is the user creation form. State is honored only for administrators.
type Registration struct {
	Username  string
	Email     string
	Password  string
	FirstName string
	LastName  string
	State     *UserState
}

// AccountService implements the user-facing flows: login, registration, profile changes,
// confirmation and password rotation.
type AccountService struct {
	store    Store
	sessions *SessionManager
	hasher   PasswordHasher
	codes    CodeStore
	notifier Notifier
	codeTTL  time.Duration
	now      func() time.Time
}

// AccountOption configures AccountService.
type AccountOption func(*AccountService)

// WithCodeTTL sets how long confirmation and reset codes stay valid.
func WithCodeTTL(ttl time.Duration) AccountOption {
	return func(a *AccountService) {
		if ttl > 0 {
			a.codeTTL = ttl
		}
	}
}

// WithAccountNotifier sets where mail events are published.
func WithAccountNotifier(n Notifier) AccountOption {
	return func(a *AccountService) {
		if n != nil {
			a.notifier = n
		}
	}
}

// WithAccountClock overrides the time source.
func WithAccountClock(now func() time.Time) AccountOption {
	return func(a *AccountService) {
		if now != nil {
			a.now = now
		}
	}
}

func NewAccountService(store Store, sessions *SessionManager, hasher PasswordHasher, codes CodeStore, opts ...AccountOption) (*AccountService, error) {
	if store == nil || sessions == nil {
		return nil, errors.New("account service requires a store and a session manager")
	}
	if hasher == nil {
		return nil, errors.New("account service requires a password hasher")
	}
	if codes == nil {
		return nil, errors.New("account service requires a code store")
	}
	a := &AccountService{
		store:    store,
		sessions: sessions,
		hasher:   hasher,
		codes:    codes,
		notifier: NopNotifier{},
		codeTTL:  defaultCodeTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Login verifies the credentials and starts a session bound to the presented fingerprint.
// Every attempt against an existing user is written to the access log.
func (a *AccountService) Login(ctx context.Context, in LoginInput) (LoginResult, error) {
	username := strings.TrimSpace(in.Username)
	v := validation{}
	v.check("username", validateUsername(username))
	v.check("password", validatePassword(in.Password))
	if err := v.err(); err != nil {
		obs.ObserveLogin("invalid")
		return LoginResult{}, err
	}

	user, err := a.store.GetUserByUsername(ctx, username)
	if errors.Is(err, ErrNotFound) {
		obs.ObserveLogin("failure")
		return LoginResult{}, ErrInvalidCredentials
	}
	if err != nil {
		return LoginResult{}, fmt.Errorf("look up user: %w", err)
	}

	ok, err := a.hasher.Verify(in.Password, user.PasswordHash)
	if err != nil {
		obs.Logger().Warn("password verification failed", zap.String("user_id", user.ID), zap.Error(err))
	}
	if !ok {
		a.recordAttempt(ctx, user.ID, false, in)
		obs.ObserveLogin("failure")
		return LoginResult{}, ErrInvalidCredentials
	}
	if user.State == StateBanned || user.State == StateDeleted {
		a.recordAttempt(ctx, user.ID, false, in)
		obs.ObserveLogin("disabled")
		return LoginResult{}, ErrAccountDisabled
	}

	token, sess, err := a.sessions.Start(ctx, user, in.IP, in.Fingerprint)
	if err != nil {
		return LoginResult{}, err
	}
	a.recordAttempt(ctx, user.ID, true, in)
	obs.ObserveLogin("success")
	return LoginResult{User: user, Session: sess, Token: token}, nil
}

func (a *AccountService) recordAttempt(ctx context.Context, userID string, success bool, in LoginInput) {
	fp := in.Fingerprint.normalize()
	err := a.store.AppendAccessLog(ctx, AccessLog{
		UserID:    userID,
		IsSuccess: success,
		IP:        strings.TrimSpace(in.IP),
		Client:    fp.Client,
		OS:        fp.OS,
		Device:    fp.Device,
		CreatedAt: a.now(),
	})
	if err != nil {
		obs.Logger().Error("write access log", zap.String("user_id", userID), zap.Error(err))
	}
}

// CreateUser registers a user. Anonymous callers always create an inactive account;
// administrators may choose the initial state. The default role is linked when configured.
func (a *AccountService) CreateUser(ctx context.Context, actor Subject, in Registration) (User, error) {
	nu := NewUser{
		Username:  strings.TrimSpace(in.Username),
		Email:     strings.TrimSpace(in.Email),
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
		State:     StateInactive,
	}
	v := validation{}
	v.check("username", validateUsername(nu.Username))
	v.check("email", validateEmail(nu.Email))
	v.check("password", validatePassword(in.Password))
	v.check("first_name", validateName(nu.FirstName))
	v.check("last_name", validateName(nu.LastName))
	if actor.Authenticated && in.State != nil {
		st, err := ParseUserState(string(*in.State))
		v.check("state", err)
		nu.State = st
	}
	if err := v.err(); err != nil {
		return User{}, err
	}

	hash, err := a.hasher.Hash(in.Password)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}
	nu.PasswordHash = hash

	user, err := a.store.CreateUser(ctx, nu)
	if err != nil {
		return User{}, err
	}

	role, err := a.store.GetDefaultRole(ctx)
	switch {
	case err == nil:
		if err := a.store.LinkRoleUser(ctx, role.ID, user.ID); err != nil {
			return User{}, fmt.Errorf("link default role: %w", err)
		}
	case !errors.Is(err, ErrNotFound):
		return User{}, fmt.Errorf("read default role: %w", err)
	}
	return user, nil
}

func (a *AccountService) GetUser(ctx context.Context, id string) (User, error) {
	id, err := requireID("user_id", id)
	if err != nil {
		return User{}, err
	}
	return a.store.GetUser(ctx, id)
}

// ListUsers returns one page of users in creation order.
func (a *AccountService) ListUsers(ctx context.Context, page Page) ([]User, error) {
	if err := page.Validate(); err != nil {
		return nil, err
	}
	return a.store.ListUsers(ctx, page.Size, page.Offset())
}

// GetUsersByIDs resolves a batch of ids. Unknown ids are omitted; ErrNotFound is returned
// only when none of them exist.
func (a *AccountService) GetUsersByIDs(ctx context.Context, ids []string) ([]User, error) {
	ids, err := cleanIDs("ids", ids)
	if err != nil {
		return nil, err
	}
	users, err := a.store.GetUsersByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, ErrNotFound
	}
	return users, nil
}

// UpdateUser applies a partial update. Only an administrator changing someone else may
// change the state; a state change evicts the user's cached sessions.
func (a *AccountService) UpdateUser(ctx context.Context, actor Subject, id string, upd UserUpdate) (User, error) {
	id, err := requireID("user_id", id)
	if err != nil {
		return User{}, err
	}
	v := validation{}
	if upd.Username != nil {
		s := strings.TrimSpace(*upd.Username)
		v.check("username", validateUsername(s))
		upd.Username = &s
	}
	if upd.Email != nil {
		s := strings.TrimSpace(*upd.Email)
		v.check("email", validateEmail(s))
		upd.Email = &s
	}
	if upd.FirstName != nil {
		s := strings.TrimSpace(*upd.FirstName)
		v.check("first_name", validateName(s))
		upd.FirstName = &s
	}
	if upd.LastName != nil {
		s := strings.TrimSpace(*upd.LastName)
		v.check("last_name", validateName(s))
		upd.LastName = &s
	}
	if upd.State != nil {
		if !actor.Has(UpdateUser) || actor.UserID == id {
			v["state"] = "cannot be changed by this caller"
		} else if st, err := ParseUserState(string(*upd.State)); err != nil {
			v.check("state", err)
		} else {
			upd.State = &st
		}
	}
	if err := v.err(); err != nil {
		return User{}, err
	}

	user, err := a.store.UpdateUser(ctx, id, upd)
	if err != nil {
		return User{}, err
	}
	if upd.State != nil {
		if err := a.sessions.Evict(ctx, id); err != nil {
			obs.Logger().Warn("evict sessions after state change", zap.String("user_id", id), zap.Error(err))
		}
	}
	return user, nil
}

// DeleteUser marks the user deleted and revokes every session.
func (a *AccountService) DeleteUser(ctx context.Context, id string) error {
	id, err := requireID("user_id", id)
	if err != nil {
		return err
	}
	deleted := StateDeleted
	if _, err := a.store.UpdateUser(ctx, id, UserUpdate{State: &deleted}); err != nil {
		return err
	}
	_, err = a.sessions.RevokeAllForUser(ctx, id, "user_deleted")
	return err
}

// ChangePassword sets a new password. Users changing their own password must present the
// current one. All sessions of the user are revoked before this returns.
func (a *AccountService) ChangePassword(ctx context.Context, actor Subject, id, current, next string) error {
	id, err := requireID("user_id", id)
	if err != nil {
		return err
	}
	v := validation{}
	v.check("new_password", validatePassword(next))
	if err := v.err(); err != nil {
		return err
	}
	user, err := a.store.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if actor.UserID == id {
		ok, err := a.hasher.Verify(current, user.PasswordHash)
		if err != nil || !ok {
			return &ValidationError{Fields: map[string]string{"old_password": "does not match"}}
		}
	}
	return a.rotatePassword(ctx, id, next, "password_changed")
}

func (a *AccountService) rotatePassword(ctx context.Context, userID, password, reason string) error {
	hash, err := a.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := a.store.SetPasswordHash(ctx, userID, hash); err != nil {
		return err
	}
	_, err = a.sessions.RevokeAllForUser(ctx, userID, reason)
	return err
}

// SendConfirmCode stores a fresh confirmation code for an inactive account and publishes it
// for mail delivery. Unknown or already active addresses succeed silently.
func (a *AccountService) SendConfirmCode(ctx context.Context, email string) error {
	return a.sendCode(ctx, email, purposeConfirm, EventConfirmCode, func(u User) bool {
		return u.State == StateInactive
	})
}

// ConfirmUser consumes the confirmation code and activates the account.
func (a *AccountService) ConfirmUser(ctx context.Context, email, code string) (User, error) {
	user, err := a.consumeCode(ctx, email, code, purposeConfirm)
	if err != nil {
		return User{}, err
	}
	if user.State != StateInactive {
		return User{}, fmt.Errorf("%w: account is not awaiting confirmation", ErrConflict)
	}
	active := StateActive
	user, err = a.store.UpdateUser(ctx, user.ID, UserUpdate{State: &active})
	if err != nil {
		return User{}, err
	}
	if err := a.sessions.Evict(ctx, user.ID); err != nil {
		obs.Logger().Warn("evict sessions after confirmation", zap.String("user_id", user.ID), zap.Error(err))
	}
	return user, nil
}

// RequestPasswordReset publishes a reset code for active and inactive accounts.
func (a *AccountService) RequestPasswordReset(ctx context.Context, email string) error {
	return a.sendCode(ctx, email, purposeReset, EventPasswordReset, func(u User) bool {
		return u.State == StateActive || u.State == StateInactive
	})
}

// ResetPassword consumes the reset code, sets the new password and revokes every session.
func (a *AccountService) ResetPassword(ctx context.Context, email, code, password string) error {
	v := validation{}
	v.check("new_password", validatePassword(password))
	if err := v.err(); err != nil {
		return err
	}
	user, err := a.consumeCode(ctx, email, code, purposeReset)
	if err != nil {
		return err
	}
	return a.rotatePassword(ctx, user.ID, password, "password_reset")
}

func (a *AccountService) sendCode(ctx context.Context, email, purpose string, event EventType, eligible func(User) bool) error {
	email = strings.TrimSpace(email)
	v := validation{}
	v.check("email", validateEmail(email))
	if err := v.err(); err != nil {
		return err
	}
	user, err := a.store.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !eligible(user) {
		return nil
	}

	code, err := GenerateCode(confirmCodeLength)
	if err != nil {
		return err
	}
	if err := a.codes.PutCode(ctx, purpose, user.ID, code, a.codeTTL); err != nil {
		return fmt.Errorf("store %s code: %w", purpose, err)
	}
	if err := a.notifier.Publish(ctx, Event{
		Type:   event,
		At:     a.now(),
		UserID: user.ID,
		Email:  user.Email,
		Code:   code,
	}); err != nil {
		return fmt.Errorf("publish %s code: %w", purpose, err)
	}
	return nil
}

func (a *AccountService) consumeCode(ctx context.Context, email, code, purpose string) (User, error) {
	email = strings.TrimSpace(email)
	code = strings.TrimSpace(code)
	v := validation{}
	v.check("email", validateEmail(email))
	if code == "" {
		v["code"] = "is required"
	}
	if err := v.err(); err != nil {
		return User{}, err
	}
	wrongCode := &ValidationError{Fields: map[string]string{"code": "is invalid or expired"}}
	user, err := a.store.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return User{}, wrongCode
	}
	if err != nil {
		return User{}, err
	}
	if err := a.codes.ConsumeCode(ctx, purpose, user.ID, code); err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, wrongCode
		}
		return User{}, err
	}
	return user, nil
}

// AccessLogs returns the most recent login attempts of a user, newest first.
func (a *AccountService) AccessLogs(ctx context.Context, userID string, limit int) ([]AccessLog, error) {
	userID, err := requireID("user_id", userID)
	if err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = defaultAccessLogCap
	case limit > maxAccessLogCap:
		limit = maxAccessLogCap
	}
	return a.store.ListAccessLogs(ctx, userID, limit)
}
