// Package serverrun exposes the Run entrypoint used by the CLI to start the
// chatrelay runtime with its HTTP and gRPC servers and background loops,
// handling lifecycle and shutdown.
//
// Example:
//
//	cfg := config.Default()
//	cfg.Storage.DataDir = "./data"
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, serverrun.Options{Config: cfg})
package serverrun
