// Package v1 declares the warden.v1.Identity gRPC service. Messages are google.protobuf.Struct
// values whose fields mirror the JSON bodies of the HTTP API.
package v1

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "warden.v1.Identity"

	IntrospectMethod  = "/" + ServiceName + "/Introspect"
	SyncServiceMethod = "/" + ServiceName + "/SyncService"

	// ServiceTokenKey is the metadata key carrying the shared service credential.
	ServiceTokenKey = "x-service-token"
	// ErrorDomain is the google.rpc.ErrorInfo domain of warden errors.
	ErrorDomain = "warden.id"
)

// Reasons attached to Unauthenticated errors.
const (
	ReasonInvalidToken           = "invalid_token"
	ReasonFingerprintMismatch    = "fingerprint_mismatch"
	ReasonAuthenticationRequired = "authentication_required"
)

// IntrospectRequest is the payload of Introspect.
type IntrospectRequest struct {
	Token   string `json:"token"`
	Client  string `json:"client,omitempty"`
	OS      string `json:"os,omitempty"`
	Device  string `json:"device,omitempty"`
	IP      string `json:"ip,omitempty"`
	Service string `json:"service,omitempty"`
}

// IntrospectResponse is the resolved identity.
type IntrospectResponse struct {
	SessionID   string              `json:"session_id"`
	UserID      string              `json:"user_id"`
	UserState   string              `json:"user_state"`
	Permissions map[string][]string `json:"permissions"`
	Assertion   string              `json:"assertion,omitempty"`
}

// SyncRequest declares the permission catalog of one service.
type SyncRequest struct {
	Service     string   `json:"service"`
	Permissions []string `json:"permissions"`
}

// SyncResponse lists the permissions the call inserted.
type SyncResponse struct {
	ServiceID string   `json:"service_id"`
	Service   string   `json:"service"`
	Added     []string `json:"added"`
}

// IdentityServer is implemented by the warden server.
type IdentityServer interface {
	Introspect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SyncService(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterIdentityServer attaches srv to s.
func RegisterIdentityServer(s grpc.ServiceRegistrar, srv IdentityServer) {
	s.RegisterService(&IdentityServiceDesc, srv)
}

// IdentityServiceDesc is the hand-written service descriptor.
var IdentityServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IdentityServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Introspect", Handler: introspectHandler},
		{MethodName: "SyncService", Handler: syncServiceHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "warden/v1/identity.proto",
}

func introspectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IdentityServer).Introspect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: IntrospectMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IdentityServer).Introspect(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func syncServiceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IdentityServer).SyncService(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SyncServiceMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IdentityServer).SyncService(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// IdentityClient calls the Identity service.
type IdentityClient interface {
	Introspect(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	SyncService(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type identityClient struct {
	cc grpc.ClientConnInterface
}

func NewIdentityClient(cc grpc.ClientConnInterface) IdentityClient {
	return &identityClient{cc: cc}
}

func (c *identityClient) Introspect(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, IntrospectMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *identityClient) SyncService(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, SyncServiceMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Encode converts a JSON-tagged value into a Struct message.
func Encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return st, nil
}

// Decode fills dst from a Struct message. Unknown fields are ignored.
func Decode(st *structpb.Struct, dst any) error {
	if st == nil {
		st = &structpb.Struct{}
	}
	raw, err := protojson.Marshal(st)
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}
