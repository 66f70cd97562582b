package serverrun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	cfgpkg "github.com/rzbill/chatrelay/internal/config"
	"github.com/rzbill/chatrelay/internal/runtime"
	grpcserver "github.com/rzbill/chatrelay/internal/server/grpc"
	httpserver "github.com/rzbill/chatrelay/internal/server/http"
	pebblestore "github.com/rzbill/chatrelay/internal/storage/pebble"
	logpkg "github.com/rzbill/chatrelay/pkg/log"
)

type Options struct {
	Config cfgpkg.Config
	// Logger overrides the process logger built from Config.Log.
	Logger logpkg.Logger
	// Ready, when set, receives the runtime once every listener is starting.
	Ready func(*runtime.Runtime)
}

// FsyncMode maps a configured fsync name onto the storage mode.
func FsyncMode(name string) (pebblestore.FsyncMode, error) {
	switch name {
	case "", "always":
		return pebblestore.FsyncModeAlways, nil
	case "interval":
		return pebblestore.FsyncModeInterval, nil
	case "never":
		return pebblestore.FsyncModeNever, nil
	}
	return pebblestore.FsyncModeUnspecified, fmt.Errorf("invalid fsync mode %q; use always|interval|never", name)
}

// Run starts the relay runtime with its HTTP and gRPC servers and the
// janitor and worker loops, and blocks until ctx is cancelled or one of them
// fails.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	mode, err := FsyncMode(cfg.Storage.Fsync)
	if err != nil {
		return err
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = cfgpkg.DefaultDataDir()
	}

	logger := opts.Logger
	if logger == nil {
		logger, err = logpkg.ApplyConfig(&cfg.Log)
		if err != nil {
			return fmt.Errorf("log config: %w", err)
		}
		logpkg.RedirectStdLog(logger)
	}

	rt, err := runtime.Open(runtime.Options{
		DataDir:       filepath.Join(cfg.Storage.DataDir, "store"),
		Fsync:         mode,
		FsyncInterval: cfg.Storage.FsyncInterval.Std(),
		Config:        cfg,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("runtime close", logpkg.Err(err))
		}
	}()

	logger.Info("Starting chatrelay",
		logpkg.Str("http", cfg.Server.HTTPAddr),
		logpkg.Str("grpc", cfg.Server.GRPCAddr),
		logpkg.Str("dispatch", cfg.Dispatch.Mode),
		logpkg.Str("llm", cfg.LLM.Provider),
		logpkg.Str("data_dir", cfg.Storage.DataDir),
		logpkg.Str("level", cfg.Log.Level),
	)
	rt.Start(sctx)

	hsrv := httpserver.New(rt, logger)
	gsrv := grpcserver.New(rt, logger)

	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error { return hsrv.ListenAndServe(gctx, cfg.Server.HTTPAddr) })
	if cfg.Server.GRPCAddr != "" {
		g.Go(func() error { return gsrv.ListenAndServe(gctx, cfg.Server.GRPCAddr) })
	}
	for _, loop := range rt.Background() {
		g.Go(func() error {
			if err := loop(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	if opts.Ready != nil {
		opts.Ready(rt)
	}

	err = g.Wait()
	hsrv.Close()
	gsrv.Close()
	if err != nil && sctx.Err() == nil {
		return err
	}
	// give in-flight producers a moment to record their terminal events
	time.Sleep(100 * time.Millisecond)
	return nil
}
