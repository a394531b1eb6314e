package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	v1 "warden.id/api/warden/v1"
	"warden.id/internal/auth"
)

// Client wraps the gRPC identity service for downstream services.
type Client struct {
	conn  *grpc.ClientConn
	svc   v1.IdentityClient
	token string
}

// Option configures Client.
type Option func(*Client)

// WithServiceToken attaches the shared service credential to every call.
func WithServiceToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// Dial creates a new client. Without dial options the transport is insecure.
func Dial(target string, opts []grpc.DialOption, copts ...Option) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	c := NewClient(v1.NewIdentityClient(conn), copts...)
	c.conn = conn
	return c, nil
}

// NewClient wraps an existing stub.
func NewClient(svc v1.IdentityClient, opts ...Option) *Client {
	c := &Client{svc: svc}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Introspect resolves a client's token. Authentication failures are returned as
// auth.ErrInvalidToken, auth.ErrFingerprintMismatch or auth.ErrAuthenticationRequired.
func (c *Client) Introspect(ctx context.Context, req auth.IntrospectRequest) (auth.Introspection, error) {
	in, err := v1.Encode(v1.IntrospectRequest{
		Token:   req.Token,
		Client:  req.Fingerprint.Client,
		OS:      req.Fingerprint.OS,
		Device:  req.Fingerprint.Device,
		IP:      req.IP,
		Service: req.Service,
	})
	if err != nil {
		return auth.Introspection{}, err
	}
	resp, err := c.svc.Introspect(c.outgoing(ctx), in)
	if err != nil {
		return auth.Introspection{}, mapError(err)
	}
	var out v1.IntrospectResponse
	if err := v1.Decode(resp, &out); err != nil {
		return auth.Introspection{}, err
	}
	return auth.Introspection{
		SessionID:   out.SessionID,
		UserID:      out.UserID,
		UserState:   auth.UserState(out.UserState),
		Permissions: out.Permissions,
		Assertion:   out.Assertion,
	}, nil
}

// SyncService declares the calling service's permission catalog and returns the newly
// registered names.
func (c *Client) SyncService(ctx context.Context, service string, permissions []string) ([]string, error) {
	in, err := v1.Encode(v1.SyncRequest{Service: service, Permissions: permissions})
	if err != nil {
		return nil, err
	}
	resp, err := c.svc.SyncService(c.outgoing(ctx), in)
	if err != nil {
		return nil, mapError(err)
	}
	var out v1.SyncResponse
	if err := v1.Decode(resp, &out); err != nil {
		return nil, err
	}
	return out.Added, nil
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, v1.ServiceTokenKey, c.token)
}

// mapError turns gRPC statuses back into the engine's sentinel errors.
func mapError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var sentinel error
	switch st.Code() {
	case codes.InvalidArgument:
		sentinel = auth.ErrInvalidInput
	case codes.Unauthenticated:
		switch reason(st) {
		case v1.ReasonInvalidToken:
			sentinel = auth.ErrInvalidToken
		case v1.ReasonFingerprintMismatch:
			sentinel = auth.ErrFingerprintMismatch
		default:
			sentinel = auth.ErrAuthenticationRequired
		}
	case codes.PermissionDenied:
		sentinel = auth.ErrAccessDenied
	case codes.NotFound:
		sentinel = auth.ErrNotFound
	case codes.AlreadyExists:
		sentinel = auth.ErrConflict
	default:
		return err
	}
	return fmt.Errorf("%w: %s", sentinel, st.Message())
}

func reason(st *status.Status) string {
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.GetDomain() == v1.ErrorDomain {
			return info.GetReason()
		}
	}
	return ""
}

// IsAuthError reports whether err means the client must log in again.
func IsAuthError(err error) bool {
	return errors.Is(err, auth.ErrAuthenticationRequired)
}

// WithTimeout returns a context with a default timeout for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}
