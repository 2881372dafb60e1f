// Package health serves the standard gRPC health checking protocol so
// process supervisors can probe the upload server without speaking
// WebSocket.
package health

import (
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"wsupload/pkg/logger"
)

// ServiceName is the health service name reported for the upload listener.
const ServiceName = "wsupload.Upload"

// Server is a gRPC server carrying only the health service.
type Server struct {
	grpcServer *grpc.Server
	health     *grpchealth.Server
	logger     *logger.Logger
}

// New returns a Server reporting NOT_SERVING until SetServing(true).
func New(log *logger.Logger) *Server {
	s := &Server{
		grpcServer: grpc.NewServer(),
		health:     grpchealth.NewServer(),
		logger:     log.WithField("component", "health-server"),
	}

	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.SetServing(false)

	return s
}

// SetServing updates the status of ServiceName and of the overall server.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)

	s.logger.Debug("health status updated", "status", status.String())
}

// Serve blocks serving health checks on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("health endpoint listening", "address", lis.Addr().String())

	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// Stop marks every service NOT_SERVING and stops the gRPC server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	s.logger.Info("health endpoint stopped")
}
