// Package admin runs the internal gRPC listener that reports gateway health
// to load balancers and orchestrators.
package admin

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cory-johannsen/chatgate/internal/config"
	"github.com/cory-johannsen/chatgate/internal/server"
)

// ServiceName is the health service name reported alongside the overall ("") status.
const ServiceName = "chatgate.Gateway"

// Server is the admin gRPC server.
type Server struct {
	cfg    config.AdminConfig
	logger *zap.Logger
	grpc   *grpc.Server
	health *health.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates an admin server whose health status starts as NOT_SERVING.
//
// Precondition: logger must be non-nil.
func NewServer(cfg config.AdminConfig, logger *zap.Logger) *Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		cfg:    cfg,
		logger: logger,
		grpc:   gs,
		health: hs,
	}
}

// SetServing flips the reported status.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	s.logger.Info("health status changed", zap.String("status", status.String()))
}

// ListenAndServe binds the configured address and serves until Stop.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(lis)
}

// Serve serves gRPC on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info("admin gRPC server listening", zap.String("addr", lis.Addr().String()))
	if err := server.IgnoreClosed(s.grpc.Serve(lis), grpc.ErrServerStopped); err != nil {
		return fmt.Errorf("serving admin grpc: %w", err)
	}
	return nil
}

// Stop reports NOT_SERVING to any watchers and stops the server gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// Addr returns the bound address, or "" before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
