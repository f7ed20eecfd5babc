// Package grpcserver exposes the standard grpc.health.v1 service backed by the
// component health checker.
package grpcserver

import (
	"fmt"
	"net"

	"swipe-companion/backend/pkg/health"
	"swipe-companion/backend/pkg/logger"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server wraps a grpc.Server serving health status
type Server struct {
	grpc    *grpc.Server
	health  *grpchealth.Server
	checker *health.Checker
	log     *logger.Logger
}

// New registers the health service and mirrors checker results into it.
// The overall status (service "") follows IsSystemHealthy.
func New(checker *health.Checker, log *logger.Logger, opts ...grpc.ServerOption) *Server {
	s := &Server{
		grpc:    grpc.NewServer(opts...),
		health:  grpchealth.NewServer(),
		checker: checker,
		log:     logger.OrDiscard(log).WithComponent("grpc"),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)

	for name, c := range checker.GetStatus() {
		s.health.SetServingStatus(name, servingStatus(c.Status))
	}
	s.setOverall()

	checker.OnChange(func(name string, status health.Status) {
		s.health.SetServingStatus(name, servingStatus(status))
		s.setOverall()
	})
	return s
}

func (s *Server) setOverall() {
	overall := healthpb.HealthCheckResponse_SERVING
	if !s.checker.IsSystemHealthy() {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", overall)
}

func servingStatus(status health.Status) healthpb.HealthCheckResponse_ServingStatus {
	if status == health.StatusUp {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Serve blocks serving lis until Stop or GracefulStop
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("gRPC server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

// ListenAndServe listens on addr and serves until stopped
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// GracefulStop marks every service NOT_SERVING and waits for in-flight calls
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
