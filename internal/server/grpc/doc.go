// Package grpcserver hosts the chatrelay gRPC endpoint, which serves the
// standard grpc.health.v1 protocol backed by runtime health.
//
// Example:
//
//	s := grpcserver.New(rt, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":50051")
package grpcserver
