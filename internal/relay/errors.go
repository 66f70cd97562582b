package relay

import "errors"

var (
	// ErrNotFound covers both unknown streams and streams owned by someone
	// else.
	ErrNotFound = errors.New("relay: stream not found")
	// ErrUnavailable wraps event log and registry failures.
	ErrUnavailable = errors.New("relay: store unavailable")
	// ErrProducerFailure is returned after an error event was forwarded.
	ErrProducerFailure = errors.New("relay: producer failed")
	// ErrTimeout is returned when the connection budget ran out before a
	// terminal event.
	ErrTimeout = errors.New("relay: connection budget exceeded")
)
