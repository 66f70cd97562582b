package grpcserver

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	cfgpkg "github.com/rzbill/chatrelay/internal/config"
	"github.com/rzbill/chatrelay/internal/llm"
	"github.com/rzbill/chatrelay/internal/runtime"
	pebblestore "github.com/rzbill/chatrelay/internal/storage/pebble"
)

const bufSize = 1 << 20

func dialer(s *grpc.Server) func(context.Context, string) (net.Conn, error) {
	lis := bufconn.Listen(bufSize)
	go func() { _ = s.Serve(lis) }()
	return func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
}

func newClient(t *testing.T) (healthpb.HealthClient, *runtime.Runtime) {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.LLM.Provider = "echo"
	rt, err := runtime.Open(runtime.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever, Config: cfg, Generator: llm.Echo{}})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	srv := New(rt, nil)
	t.Cleanup(func() {
		srv.Close()
		_ = rt.Close()
	})
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer(srv.grpc)),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn), rt
}

func TestHealthOverGRPC(t *testing.T) {
	c, _ := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, svc := range []string{"", RelayService} {
		res, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
		if err != nil {
			t.Fatalf("check %q: %v", svc, err)
		}
		if res.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			t.Fatalf("check %q: %v", svc, res.GetStatus())
		}
	}
}

func TestHealthUnknownService(t *testing.T) {
	c, _ := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: "nope"})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestHealthNotServingWhenStorageCheckFails(t *testing.T) {
	_, rt := newClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := &healthSvc{rt: rt}
	res, err := h.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING, got %v", res.GetStatus())
	}
}
