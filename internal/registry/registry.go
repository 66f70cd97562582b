package registry

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/juju/clock"

	"github.com/rzbill/chatrelay/internal/eventlog"
	pebblestore "github.com/rzbill/chatrelay/internal/storage/pebble"
)

// LogRetention schedules deletion of a stream's event log.
type LogRetention interface {
	Expire(ctx context.Context, streamID string, ttl time.Duration) error
}

// Registry is the directory of streams and their liveness markers.
type Registry struct {
	db    *pebblestore.DB
	logs  LogRetention
	clock clock.Clock
	opts  Options

	mu sync.Mutex
}

// New returns a Registry over db. logs receives expiry schedules for streams
// that reach a terminal state or are removed.
func New(db *pebblestore.DB, logs LogRetention, clk clock.Clock, opts Options) *Registry {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Registry{db: db, logs: logs, clock: clk, opts: opts.withDefaults()}
}

// Create registers a new active stream with a fresh liveness marker.
func (r *Registry) Create(ctx context.Context, id string, ownerID *string, conversationID *int64) error {
	if err := eventlog.ValidateStreamID(id); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok, err := r.load(id); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: %s", ErrExists, id)
	}
	now := r.clock.Now().UTC()
	st := Stream{
		ID:              id,
		OwnerID:         ownerID,
		ConversationID:  conversationID,
		Status:          StatusActive,
		CreatedAt:       now,
		LastActivityAt:  now,
		LastDeliveredID: eventlog.Origin,
	}
	return r.write(ctx, st, r.markerUntil(now))
}

// Get returns the stream with id, reporting false when it does not exist.
func (r *Registry) Get(ctx context.Context, id string) (Stream, bool, error) {
	return r.load(id)
}

// OwnerOf returns the owner principal of a stream. The principal is nil for
// guest streams.
func (r *Registry) OwnerOf(ctx context.Context, id string) (*string, bool, error) {
	st, ok, err := r.load(id)
	if err != nil || !ok {
		return nil, ok, err
	}
	return st.OwnerID, true, nil
}

// Touch refreshes the liveness marker and last activity time. It returns
// false without changing anything when the stream is gone, terminal, or its
// marker has already expired.
func (r *Registry) Touch(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok, err := r.load(id)
	if err != nil || !ok || st.Status.Terminal() {
		return false, err
	}
	now := r.clock.Now().UTC()
	alive, err := r.alive(id, now)
	if err != nil || !alive {
		return false, err
	}
	st.LastActivityAt = now
	return true, r.write(ctx, st, r.markerUntil(now))
}

// SetLastDelivered records a resume hint. The stored offset never decreases.
func (r *Registry) SetLastDelivered(ctx context.Context, id string, entry eventlog.EntryID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok, err := r.load(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if entry <= st.LastDeliveredID {
		return nil
	}
	st.LastDeliveredID = entry
	st.LastActivityAt = r.clock.Now().UTC()
	return r.write(ctx, st, 0)
}

// Complete moves the stream to complete. It returns false when the stream is
// absent or already terminal.
func (r *Registry) Complete(ctx context.Context, id string) (bool, error) {
	return r.finish(ctx, id, StatusComplete, "")
}

// Fail moves the stream to error with msg. It returns false when the stream
// is absent or already terminal.
func (r *Registry) Fail(ctx context.Context, id, msg string) (bool, error) {
	return r.finish(ctx, id, StatusError, msg)
}

func (r *Registry) finish(ctx context.Context, id string, to Status, msg string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok, err := r.load(id)
	if err != nil || !ok || st.Status.Terminal() {
		return false, err
	}
	if err := r.logs.Expire(ctx, id, r.opts.Retention); err != nil {
		return false, fmt.Errorf("registry: schedule log expiry %s: %w", id, err)
	}
	st.Status = to
	st.ErrorMessage = msg
	st.LastActivityAt = r.clock.Now().UTC()

	b := r.db.NewBatch()
	defer b.Close()
	if err := setStream(b, st); err != nil {
		return false, err
	}
	if err := b.Delete(keyLive(id), nil); err != nil {
		return false, err
	}
	if err := r.db.CommitBatch(ctx, b); err != nil {
		return false, fmt.Errorf("registry: finish %s: %w", id, err)
	}
	return true, nil
}

// MarkDisconnected moves an active stream to disconnected. Any other status
// is left untouched and false is returned.
func (r *Registry) MarkDisconnected(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok, err := r.load(id)
	if err != nil || !ok || st.Status != StatusActive {
		return false, err
	}
	st.Status = StatusDisconnected
	return true, r.write(ctx, st, 0)
}

// Delete removes the stream entry and marker. A running producer observes
// the absence and stops. The event log is scheduled for expiry.
func (r *Registry) Delete(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok, err := r.load(id)
	if err != nil || !ok {
		return false, err
	}
	return true, r.remove(ctx, id)
}

// SweepOrphans removes every non-terminal stream whose liveness marker is
// absent or expired. Returns the number removed.
func (r *Registry) SweepOrphans(ctx context.Context) (int, error) {
	var candidates []string
	err := r.db.ScanPrefix(streamPrefix, func(_, v []byte) error {
		var st Stream
		if err := json.Unmarshal(v, &st); err != nil {
			return fmt.Errorf("registry: decode stream: %w", err)
		}
		if !st.Status.Terminal() {
			candidates = append(candidates, st.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		ok, err := r.reclaim(ctx, id)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// reclaim re-checks one candidate under the lock so a concurrent Touch or
// terminal transition wins.
func (r *Registry) reclaim(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok, err := r.load(id)
	if err != nil || !ok || st.Status.Terminal() {
		return false, err
	}
	alive, err := r.alive(id, r.clock.Now())
	if err != nil || alive {
		return false, err
	}
	return true, r.remove(ctx, id)
}

// Alive reports whether the stream's liveness marker is present and unexpired.
func (r *Registry) Alive(ctx context.Context, id string) (bool, error) {
	return r.alive(id, r.clock.Now())
}

func (r *Registry) alive(id string, now time.Time) (bool, error) {
	return aliveIn(r.db, id, now)
}

// aliveIn reads the liveness marker through rd, which may be a snapshot.
func aliveIn(rd pebblestore.Reader, id string, now time.Time) (bool, error) {
	v, err := rd.Get(keyLive(id))
	if pebblestore.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("registry: read marker %s: %w", id, err)
	}
	if len(v) < 8 {
		return false, nil
	}
	return int64(binary.BigEndian.Uint64(v[:8])) > now.UnixMilli(), nil
}

func (r *Registry) markerUntil(now time.Time) int64 {
	return now.Add(r.opts.LivenessTTL).UnixMilli()
}

func (r *Registry) remove(ctx context.Context, id string) error {
	if err := r.logs.Expire(ctx, id, r.opts.Retention); err != nil {
		return fmt.Errorf("registry: schedule log expiry %s: %w", id, err)
	}
	b := r.db.NewBatch()
	defer b.Close()
	if err := b.Delete(keyStream(id), nil); err != nil {
		return err
	}
	if err := b.Delete(keyLive(id), nil); err != nil {
		return err
	}
	if err := r.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("registry: delete %s: %w", id, err)
	}
	return nil
}

func (r *Registry) load(id string) (Stream, bool, error) {
	v, err := r.db.Get(keyStream(id))
	if pebblestore.IsNotFound(err) {
		return Stream{}, false, nil
	}
	if err != nil {
		return Stream{}, false, fmt.Errorf("registry: read %s: %w", id, err)
	}
	var st Stream
	if err := json.Unmarshal(v, &st); err != nil {
		return Stream{}, false, fmt.Errorf("registry: decode %s: %w", id, err)
	}
	return st, true, nil
}

// write persists st and, when markerMs is non-zero, its liveness marker.
func (r *Registry) write(ctx context.Context, st Stream, markerMs int64) error {
	b := r.db.NewBatch()
	defer b.Close()
	if err := setStream(b, st); err != nil {
		return err
	}
	if markerMs != 0 {
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(markerMs))
		if err := b.Set(keyLive(st.ID), v[:], nil); err != nil {
			return err
		}
	}
	if err := r.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("registry: write %s: %w", st.ID, err)
	}
	return nil
}

func setStream(b *pebble.Batch, st Stream) error {
	v, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return b.Set(keyStream(st.ID), v, nil)
}
