// Package server exposes the governance core over gRPC. Messages use a
// JSON codec; callers sign each call with their device key.
package server

import (
	"context"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/gezibash/clan/internal/envelope"
	"github.com/gezibash/clan/internal/governance"
	"github.com/gezibash/clan/internal/middleware"
	"github.com/gezibash/clan/internal/observability"
)

type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	health     *health.Server
}

// New listens on addr and registers the governance service.
func New(addr string, obs *observability.Observability, enableReflection bool, core *governance.Core, hooks *middleware.Chain, opts ...grpc.ServerOption) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewWithListener(lis, obs, enableReflection, core, hooks, opts...), nil
}

// NewWithListener is New over an existing listener. Anonymous callers are
// limited to PublicMethods before any of hooks run.
func NewWithListener(lis net.Listener, obs *observability.Observability, enableReflection bool, core *governance.Core, hooks *middleware.Chain, opts ...grpc.ServerOption) *Server {
	mw := &middleware.Chain{Pre: []middleware.Hook{middleware.RequireCaller(PublicMethods...)}}
	if hooks != nil {
		mw.Pre = append(mw.Pre, hooks.Pre...)
		mw.Post = append(mw.Post, hooks.Post...)
	}

	var metrics *observability.Metrics
	if obs != nil {
		metrics = obs.Metrics
	}

	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			observability.UnaryServerInterceptor(metrics),
			envelope.UnaryServerInterceptor(mw, envelope.DefaultMaxSkew),
		),
	}
	serverOpts = append(serverOpts, opts...)

	grpcServer := grpc.NewServer(serverOpts...)

	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, hs)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	grpcServer.RegisterService(&serviceDesc, &service{core: core})

	if enableReflection {
		reflection.Register(grpcServer)
	}

	return &Server{
		grpcServer: grpcServer,
		listener:   lis,
		health:     hs,
	}
}

func (s *Server) Serve() error {
	return s.grpcServer.Serve(s.listener)
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Stop drains in-flight calls, forcing the stop once ctx is done.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("graceful stop timed out, forcing")
		s.grpcServer.Stop()
		<-done
	}
}
