package grpcapi

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"qazna.org/authcore/internal/auth"
)

// Authorizer verifies access tokens. *auth.Service satisfies it.
type Authorizer interface {
	Authorize(raw string, required ...auth.Role) (auth.Principal, error)
}

// Observer records call outcomes. *obs.Metrics satisfies it.
type Observer interface {
	ObserveGRPC(method, code string)
}

// MethodRoles restricts full method names to roles. Methods not listed only
// require a valid token.
type MethodRoles map[string][]auth.Role

// publicPrefixes skip authorization.
var publicPrefixes = []string{
	"/grpc.health.v1.Health/",
	"/grpc.reflection.",
}

// UnaryAuthInterceptor authorizes "authorization: Bearer <token>" metadata
// and stores the principal in the handler context.
func UnaryAuthInterceptor(authz Authorizer, roles MethodRoles, metrics Observer, log *zap.Logger) grpc.UnaryServerInterceptor {
	if log == nil {
		log = zap.NewNop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := authorizeAndCall(ctx, req, info, handler, authz, roles)
		code := status.Code(err)
		if metrics != nil {
			metrics.ObserveGRPC(info.FullMethod, code.String())
		}
		if code == codes.Internal || code == codes.Unknown {
			log.Error("grpc call failed", zap.String("method", info.FullMethod), zap.Error(err))
		}
		return resp, err
	}
}

func authorizeAndCall(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler, authz Authorizer, roles MethodRoles) (any, error) {
	if isPublic(info.FullMethod) || authz == nil {
		return handler(ctx, req)
	}
	token, ok := bearerFromMetadata(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	principal, err := authz.Authorize(token, roles[info.FullMethod]...)
	if err != nil {
		return nil, toStatus(err)
	}
	return handler(auth.ContextWithPrincipal(ctx, principal), req)
}

func bearerFromMetadata(ctx context.Context) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
			if token := strings.TrimSpace(v[7:]); token != "" {
				return token, true
			}
		}
	}
	return "", false
}

func isPublic(method string) bool {
	for _, p := range publicPrefixes {
		if strings.HasPrefix(method, p) {
			return true
		}
	}
	return false
}

// toStatus maps auth errors to gRPC status codes.
func toStatus(err error) error {
	switch auth.Kind(err) {
	case "forbidden", "identity_disabled":
		return status.Error(codes.PermissionDenied, "forbidden")
	case "invalid_token", "invalid_credentials", "invalid_refresh_token", "session_revoked":
		return status.Error(codes.Unauthenticated, "invalid token")
	case "invalid_input":
		return status.Error(codes.InvalidArgument, "invalid input")
	case "duplicate_identity":
		return status.Error(codes.AlreadyExists, "identity already exists")
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
