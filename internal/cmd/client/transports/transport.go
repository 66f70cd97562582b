package transports

import (
	"context"
	"fmt"

	"github.com/rzbill/chatrelay/internal/event"
	"github.com/rzbill/chatrelay/internal/eventlog"
	"github.com/rzbill/chatrelay/internal/llm"
	"github.com/rzbill/chatrelay/internal/registry"
	chatsvc "github.com/rzbill/chatrelay/internal/services/chat"
)

// SendRequest describes a chat message submission.
type SendRequest struct {
	// Principal is sent in the identity header; empty sends as a guest.
	Principal      string
	Content        string
	ConversationID *int64
	Messages       []llm.Message
}

// TailRequest describes an SSE subscription to one stream.
type TailRequest struct {
	StreamID  string
	Principal string
	// From resumes after this entry id when non-zero.
	From eventlog.EntryID
	// Limit stops after N events (0 = until the stream ends).
	Limit int
}

// Frame is one server-sent event: the entry id (0 for synthetic events)
// and its decoded payload.
type Frame struct {
	ID    eventlog.EntryID
	Event event.Event
}

// StreamInfo is a registry entry as reported by the admin API.
type StreamInfo struct {
	registry.Stream
	Alive       bool   `json:"alive"`
	LogDeadline *int64 `json:"log_expires_ms,omitempty"`
}

// SweepResult reports a manual janitor run.
type SweepResult struct {
	OrphansRemoved int    `json:"orphans_removed"`
	LogsPurged     int    `json:"logs_purged"`
	TookMs         int64  `json:"took_ms"`
	Error          string `json:"error,omitempty"`
}

// RelayTransport is what the CLI needs from a chatrelay server.
type RelayTransport interface {
	Send(ctx context.Context, req SendRequest) (chatsvc.SendResult, error)
	Tail(ctx context.Context, req TailRequest, onFrame func(Frame) error) error
	ListStreams(ctx context.Context, filter string) ([]StreamInfo, error)
	GetStream(ctx context.Context, id string) (StreamInfo, error)
	DeleteStream(ctx context.Context, id string) error
	Sweep(ctx context.Context) (SweepResult, error)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Message)
}
