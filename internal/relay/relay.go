package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"

	"github.com/rzbill/chatrelay/internal/event"
	"github.com/rzbill/chatrelay/internal/eventlog"
	"github.com/rzbill/chatrelay/internal/registry"
	"github.com/rzbill/chatrelay/pkg/log"
)

// cancelledMessage is sent when the stream disappears while attached.
const cancelledMessage = "Stream was cancelled"

// Log is the read side of the event log.
type Log interface {
	ReadFrom(ctx context.Context, streamID string, from eventlog.EntryID, max int, block time.Duration) ([]eventlog.Entry, error)
}

// Streams is the registry surface an endpoint drives.
type Streams interface {
	Get(ctx context.Context, id string) (registry.Stream, bool, error)
	Touch(ctx context.Context, id string) (bool, error)
	SetLastDelivered(ctx context.Context, id string, entry eventlog.EntryID) error
	Complete(ctx context.Context, id string) (bool, error)
	Fail(ctx context.Context, id, msg string) (bool, error)
	MarkDisconnected(ctx context.Context, id string) (bool, error)
}

// OwnerLookup resolves the principal owning a stream. A nil owner means the
// stream is open to anyone.
type OwnerLookup interface {
	OwnerOf(ctx context.Context, id string) (*string, bool, error)
}

// Delivery is one unit handed to a Sink. ID is zero for synthetic events
// that were never stored.
type Delivery struct {
	ID    eventlog.EntryID
	Event event.Event
}

// Sink receives deliveries for one connection. A Send error means the
// client is gone.
type Sink interface {
	Send(d Delivery) error
	Flush() error
}

// Request identifies the stream and the caller. From overrides the
// registry's resume offset when set.
type Request struct {
	StreamID  string
	Principal *string
	From      *eventlog.EntryID
}

// CleanupResult reports what the exit path did to the registry.
type CleanupResult struct {
	StreamID     string
	Disconnected bool
	Err          error
}

// Options tunes an Endpoint.
type Options struct {
	PageSize     int
	BlockTimeout time.Duration
	Budget       time.Duration
	// OnCleanup observes every cleanup result after it is logged.
	OnCleanup func(CleanupResult)
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = 100
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = 5 * time.Second
	}
	if o.Budget <= 0 {
		o.Budget = 5 * time.Minute
	}
	return o
}

// Endpoint serves relay connections.
type Endpoint struct {
	log     Log
	streams Streams
	owners  OwnerLookup
	clock   clock.Clock
	opts    Options
	logger  log.Logger
}

// New returns an Endpoint. owners defaults to streams when it implements
// OwnerLookup.
func New(logs Log, streams Streams, owners OwnerLookup, clk clock.Clock, opts Options, logger log.Logger) *Endpoint {
	if owners == nil {
		owners, _ = streams.(OwnerLookup)
	}
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Endpoint{
		log:     logs,
		streams: streams,
		owners:  owners,
		clock:   clk,
		opts:    opts.withDefaults(),
		logger:  logger.WithComponent("relay"),
	}
}

// Authorize checks that the stream exists and the principal may read it.
// It returns the stream so callers can resolve the starting offset.
func (e *Endpoint) Authorize(ctx context.Context, req Request) (registry.Stream, error) {
	st, ok, err := e.streams.Get(ctx, req.StreamID)
	if err != nil {
		return registry.Stream{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		return registry.Stream{}, ErrNotFound
	}
	owner := st.OwnerID
	if e.owners != nil {
		o, found, err := e.owners.OwnerOf(ctx, req.StreamID)
		if err != nil {
			return registry.Stream{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if !found {
			return registry.Stream{}, ErrNotFound
		}
		owner = o
	}
	if owner != nil && (req.Principal == nil || *req.Principal != *owner) {
		return registry.Stream{}, ErrNotFound
	}
	return st, nil
}

// Serve runs one connection until a terminal event, the budget, a store
// failure or the client going away. ErrNotFound is returned before anything
// is sent to the sink.
func (e *Endpoint) Serve(ctx context.Context, req Request, sink Sink) error {
	st, err := e.Authorize(ctx, req)
	if err != nil {
		return err
	}
	defer e.cleanup(ctx, req.StreamID)

	offset := st.LastDeliveredID
	if req.From != nil {
		offset = *req.From
	}
	logger := e.logger.With(log.Str("stream_id", req.StreamID), log.Uint64("from", uint64(offset)))
	logger.Debug("attached")

	if err := e.send(sink, Delivery{Event: event.Connected()}); err != nil {
		return err
	}
	// A stream that already finished answers without waiting on the log.
	if done, err := e.idle(ctx, req.StreamID, offset, sink, logger); err != nil || done {
		return err
	}
	return e.loop(ctx, req.StreamID, offset, sink, logger)
}

func (e *Endpoint) loop(ctx context.Context, id string, offset eventlog.EntryID, sink Sink, logger log.Logger) error {
	deadline := e.clock.Now().Add(e.opts.Budget)
	for {
		remaining := deadline.Sub(e.clock.Now())
		if remaining <= 0 {
			_ = e.send(sink, Delivery{Event: event.TimedOut()})
			logger.Info("budget exhausted", log.Uint64("offset", uint64(offset)))
			return ErrTimeout
		}

		entries, err := e.log.ReadFrom(ctx, id, offset, e.opts.PageSize, min(e.opts.BlockTimeout, remaining))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, eventlog.ErrNotFound) {
				_ = e.send(sink, Delivery{Event: event.Failure(cancelledMessage, nil)})
				return ErrNotFound
			}
			return e.abort(sink, logger, err)
		}

		if len(entries) == 0 {
			done, err := e.idle(ctx, id, offset, sink, logger)
			if err != nil || done {
				return err
			}
			continue
		}

		for _, en := range entries {
			if err := e.send(sink, Delivery{ID: en.ID, Event: en.Event}); err != nil {
				return err
			}
			offset = en.ID
			if err := e.record(ctx, id, offset); err != nil {
				return e.abort(sink, logger, err)
			}
			if en.Event.Kind.Terminal() {
				return e.finish(ctx, id, en.Event, logger)
			}
		}
	}
}

// idle runs on attach and after an empty read. A stream that vanished was cancelled; a
// stream already terminal with nothing left after offset ends the
// connection with a synthetic copy of its outcome.
func (e *Endpoint) idle(ctx context.Context, id string, offset eventlog.EntryID, sink Sink, logger log.Logger) (bool, error) {
	st, ok, err := e.streams.Get(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		return true, e.abort(sink, logger, err)
	}
	if !ok {
		_ = e.send(sink, Delivery{Event: event.Failure(cancelledMessage, nil)})
		return true, ErrNotFound
	}
	if !st.Status.Terminal() {
		return false, nil
	}
	// The terminal event may have landed between the read and the lookup.
	rest, err := e.log.ReadFrom(ctx, id, offset, 1, 0)
	if err != nil && !errors.Is(err, eventlog.ErrNotFound) {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		return true, e.abort(sink, logger, err)
	}
	if len(rest) > 0 {
		return false, nil
	}
	if st.Status == registry.StatusError {
		_ = e.send(sink, Delivery{Event: event.Failure(st.ErrorMessage, nil)})
		return true, ErrProducerFailure
	}
	return true, e.send(sink, Delivery{Event: event.Complete(nil)})
}

// record stores the resume hint and refreshes liveness. A stream deleted
// underneath is left for the next read to notice.
func (e *Endpoint) record(ctx context.Context, id string, offset eventlog.EntryID) error {
	if err := e.streams.SetLastDelivered(ctx, id, offset); err != nil && !errors.Is(err, registry.ErrNotFound) {
		return err
	}
	if _, err := e.streams.Touch(ctx, id); err != nil {
		return err
	}
	return nil
}

func (e *Endpoint) finish(ctx context.Context, id string, ev event.Event, logger log.Logger) error {
	if ev.Kind == event.KindError {
		if _, err := e.streams.Fail(ctx, id, ev.Message); err != nil {
			logger.Warn("mark stream failed", log.Err(err))
		}
		logger.Info("forwarded producer error")
		return ErrProducerFailure
	}
	if _, err := e.streams.Complete(ctx, id); err != nil {
		logger.Warn("mark stream complete", log.Err(err))
	}
	logger.Debug("stream complete")
	return nil
}

// abort reports a store failure to the client and ends the connection.
func (e *Endpoint) abort(sink Sink, logger log.Logger, cause error) error {
	logger.Error("relay loop failed", log.Err(cause))
	_ = e.send(sink, Delivery{Event: event.Failure(cause.Error(), nil)})
	return fmt.Errorf("%w: %v", ErrUnavailable, cause)
}

func (e *Endpoint) send(sink Sink, d Delivery) error {
	if err := sink.Send(d); err != nil {
		return err
	}
	return sink.Flush()
}

// cleanup marks a still-active stream disconnected. It runs detached from
// ctx so a vanished client still gets its bookkeeping.
func (e *Endpoint) cleanup(ctx context.Context, id string) {
	res := e.Cleanup(context.WithoutCancel(ctx), id)
	if e.opts.OnCleanup != nil {
		e.opts.OnCleanup(res)
	}
}

// Cleanup moves an active stream to disconnected. Failures are logged and
// returned in the result, never raised.
func (e *Endpoint) Cleanup(ctx context.Context, id string) CleanupResult {
	res := CleanupResult{StreamID: id}
	res.Disconnected, res.Err = e.streams.MarkDisconnected(ctx, id)
	if res.Err != nil {
		e.logger.Warn("cleanup failed", log.Str("stream_id", id), log.Err(res.Err))
	} else if res.Disconnected {
		e.logger.Debug("stream disconnected", log.Str("stream_id", id))
	}
	return res
}
