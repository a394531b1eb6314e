package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	v1 "warden.id/api/warden/v1"
	"warden.id/internal/auth"
	"warden.id/internal/obs"
)

// GRPCServer exposes introspection and permission sync to other services.
type GRPCServer struct {
	healthpb.UnimplementedHealthServer

	introspector *auth.Introspector
	sync         *auth.Synchronizer
	readiness    ReadyProbe
	version      string
}

// NewGRPCServer creates the gRPC service wrapper.
func NewGRPCServer(i *auth.Introspector, s *auth.Synchronizer, r ReadyProbe, version string) *GRPCServer {
	if r == nil {
		r = ReadyFunc(nil)
	}
	return &GRPCServer{introspector: i, sync: s, readiness: r, version: version}
}

// Register attaches the identity and health services.
func (s *GRPCServer) Register(reg grpc.ServiceRegistrar) {
	v1.RegisterIdentityServer(reg, s)
	healthpb.RegisterHealthServer(reg, s)
}

func (s *GRPCServer) Introspect(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req v1.IntrospectRequest
	if err := v1.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := s.introspector.Introspect(ctx, auth.IntrospectRequest{
		Token:       req.Token,
		Fingerprint: auth.Fingerprint{Client: req.Client, OS: req.OS, Device: req.Device},
		IP:          req.IP,
		Service:     req.Service,
	})
	if err != nil {
		return nil, grpcError(err)
	}
	return encodeReply(v1.IntrospectResponse{
		SessionID:   res.SessionID,
		UserID:      res.UserID,
		UserState:   string(res.UserState),
		Permissions: res.Permissions,
		Assertion:   res.Assertion,
	})
}

func (s *GRPCServer) SyncService(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req v1.SyncRequest
	if err := v1.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := s.sync.SyncService(ctx, req.Service, req.Permissions)
	if err != nil {
		return nil, grpcError(err)
	}
	added := res.Added
	if added == nil {
		added = []string{}
	}
	return encodeReply(v1.SyncResponse{ServiceID: res.Service.ID, Service: res.Service.TextID, Added: added})
}

// Check reports SERVING while the backing stores answer.
func (s *GRPCServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if svc := req.GetService(); svc != "" && svc != v1.ServiceName {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", svc)
	}
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	obs.SetReady(true)
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}

func encodeReply(v any) (*structpb.Struct, error) {
	st, err := v1.Encode(v)
	if err != nil {
		return nil, grpcError(err)
	}
	return st, nil
}

// ServiceTokenInterceptor requires the shared service credential on identity calls. Health
// checks stay open. An empty token disables the check.
func ServiceTokenInterceptor(token string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if token == "" || !strings.HasPrefix(info.FullMethod, "/"+v1.ServiceName+"/") {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		var got string
		if vals := md.Get(v1.ServiceTokenKey); len(vals) > 0 {
			got = vals[0]
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			return nil, status.Error(codes.Unauthenticated, "service credential required")
		}
		return handler(ctx, req)
	}
}

// LoggingInterceptor writes one structured line per call.
func LoggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	obs.Logger().Info("grpc_complete",
		zap.String("method", info.FullMethod),
		zap.String("code", status.Code(err).String()),
		zap.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000))
	return resp, err
}

func grpcError(err error) error {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, auth.ErrAuthenticationRequired):
		return unauthenticated(authReason(err))
	case errors.Is(err, auth.ErrAccessDenied):
		return status.Error(codes.PermissionDenied, "access denied")
	case errors.Is(err, auth.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, auth.ErrConflict):
		return status.Error(codes.AlreadyExists, "resource conflict")
	default:
		obs.Logger().Error("grpc handler failed", zap.Error(err))
		return status.Error(codes.Internal, "internal error")
	}
}

// authReason names the kind of authentication failure for service callers.
func authReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		return v1.ReasonInvalidToken
	case errors.Is(err, auth.ErrFingerprintMismatch):
		return v1.ReasonFingerprintMismatch
	default:
		return v1.ReasonAuthenticationRequired
	}
}

func unauthenticated(reason string) error {
	st := status.New(codes.Unauthenticated, "reauthenticate")
	detailed, err := st.WithDetails(&errdetails.ErrorInfo{Reason: reason, Domain: v1.ErrorDomain})
	if err != nil {
		return st.Err()
	}
	return detailed.Err()
}
