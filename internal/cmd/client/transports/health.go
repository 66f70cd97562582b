package transports

import (
	"context"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealth queries the standard health service over a dialed connection.
type GRPCHealth struct {
	dial func(ctx context.Context) (*grpc.ClientConn, error)
}

func NewGRPCHealth(dial func(ctx context.Context) (*grpc.ClientConn, error)) *GRPCHealth {
	return &GRPCHealth{dial: dial}
}

// Check returns the serving status name for service ("" for the server).
func (h *GRPCHealth) Check(ctx context.Context, service string) (string, error) {
	conn, err := h.dial(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close() }()
	res, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return "", err
	}
	return res.GetStatus().String(), nil
}
