// Package grpcapi exposes the standard gRPC health service and an
// interceptor that authorizes bearer access tokens for any registered
// service.
package grpcapi

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const serviceName = "authcore"

// ReadinessChecker reports whether dependencies are reachable.
type ReadinessChecker interface {
	Check(ctx context.Context) error
}

// ReadinessFunc adapts a function to ReadinessChecker.
type ReadinessFunc func(ctx context.Context) error

func (f ReadinessFunc) Check(ctx context.Context) error { return f(ctx) }

// Options configures Server.
type Options struct {
	Authorizer  Authorizer
	Ready       ReadinessChecker
	Metrics     Observer
	Logger      *zap.Logger
	MethodRoles MethodRoles

	// ServerOptions are appended after the interceptor chain.
	ServerOptions []grpc.ServerOption
}

// Server wraps a grpc.Server with the health service registered.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	ready  ReadinessChecker
	log    *zap.Logger
}

// NewServer builds the gRPC server. Services registered later through
// Register are covered by the authorization interceptor.
func NewServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	interceptor := UnaryAuthInterceptor(opts.Authorizer, opts.MethodRoles, opts.Metrics, log)
	serverOpts := append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(interceptor)}, opts.ServerOptions...)

	s := &Server{
		grpc:   grpc.NewServer(serverOpts...),
		health: health.NewServer(),
		ready:  opts.Ready,
		log:    log,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Register exposes the underlying registrar for additional services.
func (s *Server) Register(desc *grpc.ServiceDesc, impl any) {
	s.grpc.RegisterService(desc, impl)
}

// Serve blocks serving lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("grpc listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// Stop drains in-flight calls, giving up after timeout.
func (s *Server) Stop(timeout time.Duration) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.grpc.Stop()
	}
}

// CheckReadiness updates the health status from the readiness checker.
func (s *Server) CheckReadiness(ctx context.Context) {
	if s.ready == nil {
		return
	}
	status := healthpb.HealthCheckResponse_SERVING
	if err := s.ready.Check(ctx); err != nil {
		s.log.Warn("grpc readiness check failed", zap.Error(err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(serviceName, status)
}

// WatchReadiness runs CheckReadiness every interval until ctx is done.
func (s *Server) WatchReadiness(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.CheckReadiness(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
