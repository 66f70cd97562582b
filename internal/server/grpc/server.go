package grpcserver

import (
	"context"
	"net"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rzbill/chatrelay/internal/runtime"
	"github.com/rzbill/chatrelay/pkg/log"
)

// Server owns the gRPC server instance and runtime.
type Server struct {
	rt   *runtime.Runtime
	grpc *grpc.Server
	lis  net.Listener
	log  log.Logger
}

// New constructs a gRPC server and registers the health service.
func New(rt *runtime.Runtime, logger log.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Server{rt: rt, grpc: grpc.NewServer(opts...), log: logger.WithComponent("grpc")}
	healthpb.RegisterHealthServer(s.grpc, &healthSvc{rt: rt})
	return s
}

// ListenAndServe binds to addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.log.Info("listening", log.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(l) }()
	select {
	case <-ctx.Done():
		s.grpc.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Close stops the server and closes the listener.
func (s *Server) Close() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
	if s.lis != nil {
		_ = s.lis.Close()
	}
}
