package auth

import (
	"context"
	"errors"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"warden.id/internal/obs"
)

// IntrospectRequest is what a calling service presents on behalf of its client.
type IntrospectRequest struct {
	Token       string
	Fingerprint Fingerprint
	IP          string
	// Service restricts the returned permissions to one namespace. Empty returns all.
	Service string
}

// Introspector resolves presented tokens into identity bundles.
type Introspector struct {
	sessions  *SessionManager
	notifier  Notifier
	assertion *AssertionSigner
}

// IntrospectorOption configures Introspector.
type IntrospectorOption func(*Introspector)

// WithNotifier sets where fingerprint mismatches are reported.
func WithNotifier(n Notifier) IntrospectorOption {
	return func(i *Introspector) {
		if n != nil {
			i.notifier = n
		}
	}
}

// WithAssertions attaches a signed identity assertion to every successful introspection.
func WithAssertions(s *AssertionSigner) IntrospectorOption {
	return func(i *Introspector) { i.assertion = s }
}

func NewIntrospector(sessions *SessionManager, opts ...IntrospectorOption) (*Introspector, error) {
	if sessions == nil {
		return nil, errors.New("introspector requires a session manager")
	}
	i := &Introspector{sessions: sessions, notifier: NopNotifier{}}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Introspect verifies the token and fingerprint, renews the session when due and returns
// the owner's identity with permissions for the requested service.
func (i *Introspector) Introspect(ctx context.Context, req IntrospectRequest) (Introspection, error) {
	ctx, span := obs.Tracer().Start(ctx, "auth.Introspect",
		trace.WithAttributes(attribute.String("service", req.Service)),
	)
	defer span.End()

	res, outcome, err := i.introspect(ctx, req)
	obs.ObserveIntrospection(outcome)
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		if outcome == "error" {
			obs.SpanError(span, err)
		}
		return Introspection{}, err
	}
	span.SetAttributes(attribute.String("session_id", res.SessionID))
	return res, nil
}

func (i *Introspector) introspect(ctx context.Context, req IntrospectRequest) (Introspection, string, error) {
	token := strings.TrimSpace(req.Token)
	if token == "" {
		return Introspection{}, "unauthenticated", ErrAuthenticationRequired
	}
	hash := i.sessions.HashToken(token)

	bundle, renew, err := i.sessions.Resolve(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return Introspection{}, "invalid_token", err
		}
		return Introspection{}, "error", err
	}

	if !i.sessions.VerifyFingerprint(bundle.Session, req.Fingerprint) {
		i.reportMismatch(ctx, bundle.Session, req)
		return Introspection{}, "fingerprint_mismatch", ErrFingerprintMismatch
	}

	if renew {
		bundle, err = i.sessions.Renew(ctx, bundle, req.IP)
		if err != nil {
			if errors.Is(err, ErrInvalidToken) {
				return Introspection{}, "invalid_token", err
			}
			return Introspection{}, "error", err
		}
	}

	res := Introspection{
		SessionID:   bundle.Session.ID,
		UserID:      bundle.Session.UserID,
		UserState:   bundle.UserState,
		Permissions: scopePermissions(bundle.Permissions, strings.TrimSpace(req.Service)),
	}
	if i.assertion != nil {
		signed, err := i.assertion.Sign(res)
		if err != nil {
			return Introspection{}, "error", err
		}
		res.Assertion = signed
	}
	return res, "ok", nil
}

func (i *Introspector) reportMismatch(ctx context.Context, s Session, req IntrospectRequest) {
	fp := req.Fingerprint.normalize()
	obs.Logger().Warn("session fingerprint mismatch",
		zap.String("session_id", s.ID),
		zap.String("user_id", s.UserID),
		zap.String("ip", req.IP),
		zap.String("session_ip", s.IP),
		zap.String("client", fp.Client),
		zap.String("os", fp.OS),
		zap.String("device", fp.Device),
	)
	err := i.notifier.Publish(ctx, Event{
		Type:      EventFingerprintMismatch,
		At:        i.sessions.now(),
		UserID:    s.UserID,
		SessionID: s.ID,
		IP:        req.IP,
		Fields: map[string]string{
			"client": fp.Client,
			"os":     fp.OS,
			"device": fp.Device,
		},
	})
	if err != nil {
		obs.Logger().Warn("publish fingerprint mismatch", zap.Error(err))
	}
}

// scopePermissions copies the namespace of service, or every namespace when service is
// empty. A service without grants yields an empty list under its own key.
func scopePermissions(all map[string][]string, service string) map[string][]string {
	if service == "" {
		out := make(map[string][]string, len(all))
		for k, v := range all {
			out[k] = append([]string(nil), v...)
		}
		return out
	}
	perms := append([]string{}, all[service]...)
	sort.Strings(perms)
	return map[string][]string{service: perms}
}
