package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rzbill/chatrelay/internal/runtime"
	"github.com/rzbill/chatrelay/internal/server/http/controllers"
	"github.com/rzbill/chatrelay/pkg/log"
)

type Server struct {
	rt  *runtime.Runtime
	srv *http.Server
	lis net.Listener
	log log.Logger
}

// New builds the HTTP gateway over rt.
func New(rt *runtime.Runtime, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	mux := http.NewServeMux()
	controllers.NewControllerRegistry(rt, logger).RegisterAllRoutes(mux)
	s := &Server{
		rt:  rt,
		log: logger.WithComponent("http"),
		srv: &http.Server{
			Handler:           cors(mux, rt.Config().Server.PrincipalHeader),
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          log.ToStdLogger(logger.WithComponent("http")),
		},
	}
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ListenAndServe binds to addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.log.Info("listening", log.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) Close() {
	_ = s.srv.Close()
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler, principalHeader string) http.Handler {
	allowed := "Content-Type, Authorization, Last-Event-ID"
	if principalHeader != "" {
		allowed += ", " + principalHeader
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", allowed)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
