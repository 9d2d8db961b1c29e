package api

import (
	"context"
	"fmt"
	"net"

	"github.com/cuemby/fleetd/pkg/log"
	"github.com/cuemby/fleetd/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Server exposes the gRPC health service. Every method is read-only; the
// interceptor chain rejects anything else.
type Server struct {
	healthpb.UnimplementedHealthServer
	backend Backend
	grpc    *grpc.Server
}

// NewServer creates a new gRPC API server
func NewServer(backend Backend) *Server {
	s := &Server{
		backend: backend,
		grpc: grpc.NewServer(grpc.ChainUnaryInterceptor(
			MetricsInterceptor(),
			ReadOnlyInterceptor(),
		)),
	}
	healthpb.RegisterHealthServer(s.grpc, s)
	return s
}

// Start serves on addr until Stop
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve accepts connections on lis until Stop
func (s *Server) Serve(lis net.Listener) error {
	logger := log.WithComponent("api")
	logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC API listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the gRPC server
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

// Check implements the gRPC health protocol. The empty service name is the
// overall readiness; any other name is one registered component.
func (s *Server) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	s.backend.CheckHealth(ctx)

	if req.GetService() == "" {
		return servingStatus(metrics.GetReadiness().Status == "ready"), nil
	}

	state, ok := metrics.GetHealth().Components[req.GetService()]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}
	return servingStatus(state == "healthy"), nil
}

func servingStatus(ok bool) *healthpb.HealthCheckResponse {
	if ok {
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}
}
