package taskqueue

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/chatrelay/internal/storage/pebble"
)

var (
	// ErrEmpty is returned by Dequeue when no task is ready.
	ErrEmpty = errors.New("taskqueue: empty")
	// ErrNoLease is returned when completing or failing a task that is not leased.
	ErrNoLease = errors.New("taskqueue: task not leased")
)

// Queue is a durable FIFO task queue stored in Pebble.
type Queue struct {
	db   *pebblestore.DB
	name string
	keys keyspace

	mu       sync.Mutex
	lastSeq  uint64
	notifyCh chan struct{}
}

// Leased is a dequeued task under a lease.
type Leased struct {
	Seq        uint64
	Name       string
	Payload    []byte
	ExpiryMs   int64
	Deliveries uint32
}

// Open initializes a Queue and restores lastSeq from metadata if present.
func Open(db *pebblestore.DB, name string) (*Queue, error) {
	q := &Queue{db: db, name: name, keys: newKeyspace(name), notifyCh: make(chan struct{})}
	meta, err := db.Get(q.keys.Meta())
	switch {
	case err == nil && len(meta) >= 8:
		q.lastSeq = binary.BigEndian.Uint64(meta[:8])
	case err != nil && !pebblestore.IsNotFound(err):
		return nil, fmt.Errorf("taskqueue: load meta %s: %w", name, err)
	}
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Notify returns a channel closed on the next Enqueue.
func (q *Queue) Notify() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.notifyCh
}

// Enqueue stores a task, ready now or after delayMs.
func (q *Queue) Enqueue(ctx context.Context, name string, payload []byte, delayMs, nowMs int64) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	b := q.db.NewBatch()
	defer b.Close()

	seq := q.lastSeq + 1
	if err := b.Set(q.keys.Msg(seq), encodeTask(name, payload), nil); err != nil {
		return 0, err
	}
	if delayMs > 0 {
		if err := b.Set(q.keys.Delay(nowMs+delayMs, seq), nil, nil); err != nil {
			return 0, err
		}
	} else if err := b.Set(q.keys.Ready(seq), nil, nil); err != nil {
		return 0, err
	}
	if err := b.Set(q.keys.Meta(), appendBE8(nil, seq), nil); err != nil {
		return 0, err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return 0, fmt.Errorf("taskqueue: enqueue: %w", err)
	}
	q.lastSeq = seq
	close(q.notifyCh)
	q.notifyCh = make(chan struct{})
	return seq, nil
}

// promoteDue moves delayed tasks that are due into the ready index.
func (q *Queue) promoteDue(b *pebble.Batch, nowMs int64) error {
	prefix := q.keys.DelayPrefix()
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: pebblestore.PrefixEnd(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		fire, seq, ok := splitTimeSeq(iter.Key(), prefix)
		if !ok {
			continue
		}
		if fire > nowMs {
			break
		}
		if err := b.Delete(iter.Key(), nil); err != nil {
			return err
		}
		if err := b.Set(q.keys.Ready(seq), nil, nil); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Dequeue leases up to count ready tasks in FIFO order. It returns ErrEmpty
// when none are ready.
func (q *Queue) Dequeue(ctx context.Context, count int, leaseMs, nowMs int64) ([]Leased, error) {
	if count <= 0 {
		count = 1
	}
	if leaseMs <= 0 {
		leaseMs = 30_000
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	// Promote due delays first so they are visible to this dequeue.
	pb := q.db.NewBatch()
	if err := q.promoteDue(pb, nowMs); err != nil {
		pb.Close()
		return nil, err
	}
	if !pb.Empty() {
		if err := q.db.CommitBatch(ctx, pb); err != nil {
			pb.Close()
			return nil, err
		}
	}
	pb.Close()

	prefix := q.keys.ReadyPrefix()
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: pebblestore.PrefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	b := q.db.NewBatch()
	defer b.Close()
	out := make([]Leased, 0, count)
	for ok := iter.First(); ok && len(out) < count; ok = iter.Next() {
		k := iter.Key()
		if len(k) != len(prefix)+8 {
			continue
		}
		seq := binary.BigEndian.Uint64(k[len(prefix):])
		if err := b.Delete(k, nil); err != nil {
			return nil, err
		}
		val, err := q.db.Get(q.keys.Msg(seq))
		if err != nil {
			// Dangling index entry.
			continue
		}
		name, payload, ok := decodeTask(val)
		if !ok {
			if err := b.Delete(q.keys.Msg(seq), nil); err != nil {
				return nil, err
			}
			continue
		}
		deliveries := uint32(1)
		if prev, err := q.db.Get(q.keys.Lease(seq)); err == nil {
			if _, d, ok := decodeLease(prev); ok {
				deliveries = d + 1
			}
		}
		exp := nowMs + leaseMs
		if err := b.Set(q.keys.Lease(seq), encodeLease(exp, deliveries), nil); err != nil {
			return nil, err
		}
		if err := b.Set(q.keys.LeaseIdx(exp, seq), nil, nil); err != nil {
			return nil, err
		}
		out = append(out, Leased{Seq: seq, Name: name, Payload: payload, ExpiryMs: exp, Deliveries: deliveries})
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if !b.Empty() {
		if err := q.db.CommitBatch(ctx, b); err != nil {
			return nil, fmt.Errorf("taskqueue: dequeue: %w", err)
		}
	}
	if len(out) == 0 {
		return nil, ErrEmpty
	}
	return out, nil
}

// ExtendLease pushes the lease of seq out to nowMs+leaseMs.
func (q *Queue) ExtendLease(ctx context.Context, seq uint64, leaseMs, nowMs int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	exp, deliveries, err := q.lease(seq)
	if err != nil {
		return err
	}
	b := q.db.NewBatch()
	defer b.Close()
	next := nowMs + leaseMs
	if err := b.Delete(q.keys.LeaseIdx(exp, seq), nil); err != nil {
		return err
	}
	if err := b.Set(q.keys.Lease(seq), encodeLease(next, deliveries), nil); err != nil {
		return err
	}
	if err := b.Set(q.keys.LeaseIdx(next, seq), nil, nil); err != nil {
		return err
	}
	return q.db.CommitBatch(ctx, b)
}

// Complete deletes a leased task.
func (q *Queue) Complete(ctx context.Context, seq uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	exp, _, err := q.lease(seq)
	if err != nil {
		return err
	}
	b := q.db.NewBatch()
	defer b.Close()
	for _, k := range [][]byte{q.keys.Lease(seq), q.keys.LeaseIdx(exp, seq), q.keys.Msg(seq)} {
		if err := b.Delete(k, nil); err != nil {
			return err
		}
	}
	return q.db.CommitBatch(ctx, b)
}

// Fail releases a leased task. It is retried after retryAfterMs while its
// deliveries are below maxDeliveries, and dead-lettered otherwise.
func (q *Queue) Fail(ctx context.Context, seq uint64, retryAfterMs int64, maxDeliveries uint32, nowMs int64) (deadLettered bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	exp, deliveries, err := q.lease(seq)
	if err != nil {
		return false, err
	}
	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Delete(q.keys.LeaseIdx(exp, seq), nil); err != nil {
		return false, err
	}
	dead, err := q.releaseLocked(b, seq, deliveries, retryAfterMs, maxDeliveries, nowMs)
	if err != nil {
		return false, err
	}
	return dead, q.db.CommitBatch(ctx, b)
}

// ReclaimExpired releases tasks whose lease expired at or before nowMs,
// applying the same retry/dead-letter rule as Fail. Returns the number of
// tasks released.
func (q *Queue) ReclaimExpired(ctx context.Context, maxDeliveries uint32, nowMs int64, max int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	prefix := q.keys.LeaseIdxPrefix()
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: pebblestore.PrefixEnd(prefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	b := q.db.NewBatch()
	defer b.Close()
	reclaimed := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		exp, seq, ok := splitTimeSeq(iter.Key(), prefix)
		if !ok {
			continue
		}
		if exp > nowMs {
			break
		}
		if err := b.Delete(iter.Key(), nil); err != nil {
			return reclaimed, err
		}
		curExp, deliveries, err := q.lease(seq)
		if err != nil || curExp != exp {
			// Stale index entry left behind by an extension.
			continue
		}
		if _, err := q.releaseLocked(b, seq, deliveries, 0, maxDeliveries, nowMs); err != nil {
			return reclaimed, err
		}
		reclaimed++
		if max > 0 && reclaimed >= max {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return reclaimed, err
	}
	if !b.Empty() {
		if err := q.db.CommitBatch(ctx, b); err != nil {
			return 0, err
		}
	}
	return reclaimed, nil
}

// releaseLocked ends the lease of seq and either reschedules or dead-letters it.
func (q *Queue) releaseLocked(b *pebble.Batch, seq uint64, deliveries uint32, retryAfterMs int64, maxDeliveries uint32, nowMs int64) (bool, error) {
	if maxDeliveries > 0 && deliveries >= maxDeliveries {
		val, err := q.db.Get(q.keys.Msg(seq))
		if err == nil {
			if err := b.Set(q.keys.DLQ(seq), val, nil); err != nil {
				return false, err
			}
		}
		if err := b.Delete(q.keys.Msg(seq), nil); err != nil {
			return false, err
		}
		if err := b.Delete(q.keys.Lease(seq), nil); err != nil {
			return false, err
		}
		return true, nil
	}
	// Keep the lease record without an index entry so the delivery count
	// survives until the next Dequeue.
	if err := b.Set(q.keys.Lease(seq), encodeLease(0, deliveries), nil); err != nil {
		return false, err
	}
	if retryAfterMs > 0 {
		return false, b.Set(q.keys.Delay(nowMs+retryAfterMs, seq), nil, nil)
	}
	return false, b.Set(q.keys.Ready(seq), nil, nil)
}

func (q *Queue) lease(seq uint64) (int64, uint32, error) {
	v, err := q.db.Get(q.keys.Lease(seq))
	if pebblestore.IsNotFound(err) {
		return 0, 0, fmt.Errorf("%w: %d", ErrNoLease, seq)
	}
	if err != nil {
		return 0, 0, err
	}
	exp, d, ok := decodeLease(v)
	if !ok || exp == 0 {
		return 0, 0, fmt.Errorf("%w: %d", ErrNoLease, seq)
	}
	return exp, d, nil
}

// Stats reports queue depth by state.
type Stats struct {
	Ready   int `json:"ready"`
	Delayed int `json:"delayed"`
	Leased  int `json:"leased"`
	Dead    int `json:"dead"`
}

// Stats counts entries in each index.
func (q *Queue) Stats() (Stats, error) {
	var s Stats
	count := func(prefix []byte, n *int) error {
		return q.db.ScanPrefix(prefix, func(_, _ []byte) error { *n++; return nil })
	}
	if err := count(q.keys.ReadyPrefix(), &s.Ready); err != nil {
		return s, err
	}
	if err := count(q.keys.DelayPrefix(), &s.Delayed); err != nil {
		return s, err
	}
	if err := count(q.keys.LeaseIdxPrefix(), &s.Leased); err != nil {
		return s, err
	}
	if err := count(q.keys.DLQPrefix(), &s.Dead); err != nil {
		return s, err
	}
	return s, nil
}
