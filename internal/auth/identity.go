package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const assertionIssuer = "warden"

// Credentials are whatever the transport extracted from a request.
type Credentials struct {
	Token       string
	Assertion   string
	Fingerprint Fingerprint
	IP          string
}

// IdentityProvider turns request credentials into a Subject. Missing credentials yield an
// anonymous subject and no error; rejected credentials yield an anonymous subject and an
// error wrapping ErrAuthenticationRequired.
type IdentityProvider interface {
	Identify(ctx context.Context, c Credentials) (Subject, error)
}

// TokenIdentity verifies the bearer token through introspection.
type TokenIdentity struct {
	introspector *Introspector
	service      string
}

func NewTokenIdentity(i *Introspector, serviceTextID string) *TokenIdentity {
	return &TokenIdentity{introspector: i, service: serviceTextID}
}

func (p *TokenIdentity) Identify(ctx context.Context, c Credentials) (Subject, error) {
	if strings.TrimSpace(c.Token) == "" {
		return Anonymous(), nil
	}
	res, err := p.introspector.Introspect(ctx, IntrospectRequest{
		Token:       c.Token,
		Fingerprint: c.Fingerprint,
		IP:          c.IP,
		Service:     p.service,
	})
	if err != nil {
		return Anonymous(), err
	}
	return NewSubject(res.UserID, res.SessionID, res.UserState, res.Permissions[p.service]), nil
}

// HeaderIdentity trusts an identity assertion injected by an upstream gateway that already
// introspected the caller.
type HeaderIdentity struct {
	verifier *AssertionSigner
	service  string
}

func NewHeaderIdentity(v *AssertionSigner, serviceTextID string) *HeaderIdentity {
	return &HeaderIdentity{verifier: v, service: serviceTextID}
}

func (p *HeaderIdentity) Identify(_ context.Context, c Credentials) (Subject, error) {
	if strings.TrimSpace(c.Assertion) == "" {
		return Anonymous(), nil
	}
	res, err := p.verifier.Verify(c.Assertion)
	if err != nil {
		return Anonymous(), err
	}
	return NewSubject(res.UserID, res.SessionID, res.UserState, res.Permissions[p.service]), nil
}

type assertionClaims struct {
	SessionID   string              `json:"sid"`
	State       UserState           `json:"state"`
	Permissions map[string][]string `json:"permissions"`
	jwt.RegisteredClaims
}

// AssertionSigner signs and verifies HS256 identity assertions.
type AssertionSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAssertionSigner(secret string, ttl time.Duration) (*AssertionSigner, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("assertion secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("assertion ttl must be greater than zero")
	}
	return &AssertionSigner{
		secret: []byte(secret),
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Sign wraps an introspection result into a short-lived assertion.
func (s *AssertionSigner) Sign(in Introspection) (string, error) {
	now := s.now()
	claims := assertionClaims{
		SessionID:   in.SessionID,
		State:       in.UserState,
		Permissions: in.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    assertionIssuer,
			Subject:   in.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}
	return signed, nil
}

// Verify checks signature, issuer and expiry.
func (s *AssertionSigner) Verify(token string) (Introspection, error) {
	var claims assertionClaims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(assertionIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return Introspection{}, fmt.Errorf("%w: invalid identity assertion: %v", ErrAuthenticationRequired, err)
	}
	if claims.Subject == "" || claims.SessionID == "" {
		return Introspection{}, fmt.Errorf("%w: incomplete identity assertion", ErrAuthenticationRequired)
	}
	return Introspection{
		SessionID:   claims.SessionID,
		UserID:      claims.Subject,
		UserState:   claims.State,
		Permissions: claims.Permissions,
	}, nil
}
