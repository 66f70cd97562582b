package grpcserver

import (
	"context"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/rzbill/chatrelay/internal/runtime"
)

// RelayService is the service name reported alongside the overall status.
const RelayService = "chatrelay.Relay"

// healthSvc answers the standard health protocol from runtime state.
type healthSvc struct {
	healthpb.UnimplementedHealthServer
	rt *runtime.Runtime
}

func (h *healthSvc) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	switch req.GetService() {
	case "", RelayService:
	default:
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}
	if !h.rt.Health(ctx).OK() {
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}
