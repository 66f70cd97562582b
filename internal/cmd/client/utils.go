package client

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rzbill/chatrelay/internal/cmd/client/transports"
)

// BaseURLFunc provides the base HTTP API URL (e.g., from env or flag).
type BaseURLFunc func() string

// getTransport is swapped in tests.
var getTransport = func(baseURL BaseURLFunc) transports.RelayTransport {
	return transports.NewHTTPTransport(baseURL, os.Getenv("CHATRELAY_PRINCIPAL_HEADER"), nil)
}

// grpcAddrFromEnv returns the gRPC server address from CHATRELAY_GRPC or a default.
func grpcAddrFromEnv() string {
	if addr := os.Getenv("CHATRELAY_GRPC"); addr != "" {
		return addr
	}
	return "127.0.0.1:50051"
}

// dialGRPCContext opens a plaintext connection for local/dev use.
func dialGRPCContext(context.Context) (*grpc.ClientConn, error) {
	return grpc.NewClient(grpcAddrFromEnv(), grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// principalFlag resolves --user, falling back to CHATRELAY_USER.
func principalFlag(v string) string {
	if v != "" {
		return v
	}
	return os.Getenv("CHATRELAY_USER")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// frameLine is the one-line form tail prints per event.
func frameLine(f transports.Frame) map[string]any {
	out := map[string]any{"event": f.Event}
	if f.ID > 0 {
		out["id"] = uint64(f.ID)
	}
	return out
}
