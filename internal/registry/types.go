package registry

import (
	"errors"
	"time"

	"github.com/rzbill/chatrelay/internal/eventlog"
)

// Status is the lifecycle state of a stream.
type Status string

const (
	StatusActive       Status = "active"
	StatusComplete     Status = "complete"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool { return s == StatusComplete || s == StatusError }

// Stream is the metadata of one in-flight or recently finished completion.
type Stream struct {
	ID              string           `json:"stream_id"`
	OwnerID         *string          `json:"owner_id"`
	ConversationID  *int64           `json:"conversation_id"`
	Status          Status           `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	LastActivityAt  time.Time        `json:"last_activity_at"`
	LastDeliveredID eventlog.EntryID `json:"last_delivered_id"`
	ErrorMessage    string           `json:"error_message,omitempty"`
}

var (
	// ErrNotFound is returned when a stream id is unknown.
	ErrNotFound = errors.New("registry: stream not found")
	// ErrInvalidFilter is returned by List when the filter does not compile.
	ErrInvalidFilter = errors.New("registry: invalid filter")
	// ErrExists is returned by Create for a stream id already registered.
	ErrExists = errors.New("registry: stream already exists")
)

// Options tunes registry timings.
type Options struct {
	// LivenessTTL is how long a marker stays valid after the last refresh.
	LivenessTTL time.Duration
	// Retention is how long a stream's event log survives after it reaches a
	// terminal state or is removed.
	Retention time.Duration
}

const (
	DefaultLivenessTTL = 60 * time.Second
	DefaultRetention   = 10 * time.Minute
)

func (o Options) withDefaults() Options {
	if o.LivenessTTL <= 0 {
		o.LivenessTTL = DefaultLivenessTTL
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	return o
}
