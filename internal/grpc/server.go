package grpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/oriys/snapcache/internal/health"
	"github.com/oriys/snapcache/internal/logging"
)

// ServiceName is the health service name reported alongside the overall "".
const ServiceName = "snapcache.Resolver"

// DefaultWatchInterval is how often serving status is refreshed.
const DefaultWatchInterval = 5 * time.Second

// Server exposes the standard gRPC health service backed by a health.Checker.
type Server struct {
	server   *grpc.Server
	health   *grpchealth.Server
	checker  *health.Checker
	listener net.Listener
}

// NewServer creates a gRPC server. Status starts as NOT_SERVING until the
// first check completes.
func NewServer(checker *health.Checker) *Server {
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			loggingInterceptor,
			errorHandlingInterceptor,
		),
	)

	hs := grpchealth.NewServer()
	grpc_health_v1.RegisterHealthServer(server, hs)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	// Enable reflection for debugging
	reflection.Register(server)

	return &Server{server: server, health: hs, checker: checker}
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = lis

	logging.Op().Info("gRPC server started", "addr", lis.Addr().String())

	go func() {
		if err := s.server.Serve(lis); err != nil {
			logging.Op().Error("gRPC server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Refresh runs one health check and publishes the result.
func (s *Server) Refresh(ctx context.Context) health.Report {
	report := s.checker.Check(ctx)
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if !report.Ready() {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return report
}

// Watch refreshes serving status every interval until ctx is done.
func (s *Server) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	s.Refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// Stop marks the service as shutting down and gracefully stops the server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
