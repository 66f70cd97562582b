package pebblestore

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
)

// FsyncMode defines durability behavior for write operations.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways requests a WAL fsync on each committed batch/write.
	FsyncModeAlways
	// FsyncModeInterval enables group-commit by allowing Pebble to coalesce WAL
	// syncs for operations within the configured interval.
	FsyncModeInterval
	// FsyncModeNever avoids forcing WAL syncs from the application. Pebble may
	// still sync based on its own policies. This mode trades durability latency
	// for throughput and should be used with care.
	FsyncModeNever
)

// Options configures the store.
type Options struct {
	DataDir string
	Fsync   FsyncMode
	// FsyncInterval is the group-commit window for FsyncModeInterval.
	FsyncInterval time.Duration
	// PebbleOptions allows advanced tuning; nil uses Pebble defaults.
	PebbleOptions *pebble.Options
	Metrics       MetricsHook
}

// MetricsHook observes storage traffic. Implementations must be safe for
// concurrent use.
type MetricsHook interface {
	ObserveWrite(elapsed time.Duration, bytes int)
	ObserveRead(elapsed time.Duration, bytes int)
	ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int)
}

// NoopMetrics is used when no metrics hook is provided.
type NoopMetrics struct{}

func (NoopMetrics) ObserveWrite(time.Duration, int)            {}
func (NoopMetrics) ObserveRead(time.Duration, int)             {}
func (NoopMetrics) ObserveBatchCommit(time.Duration, int, int) {}

var (
	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = pebble.ErrNotFound
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("pebble: store closed")
)

// IsNotFound reports whether err signals a missing key.
func IsNotFound(err error) bool { return errors.Is(err, pebble.ErrNotFound) }

// DB is the single Pebble instance shared by every relay store.
type DB struct {
	inner     *pebble.DB
	writeSync bool
	metrics   MetricsHook
	closed    atomic.Bool
}

// Open creates or opens the database under opts.DataDir.
func Open(opts Options) (*DB, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: Options.DataDir is required")
	}
	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	switch opts.Fsync {
	case FsyncModeAlways, FsyncModeNever:
		// Always syncs per commit; never leaves syncing to Pebble.
	case FsyncModeInterval:
		interval := opts.FsyncInterval
		if interval <= 0 {
			interval = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return interval }
	default:
		po.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
	}

	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, err
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &DB{inner: inner, writeSync: opts.Fsync == FsyncModeAlways, metrics: metrics}, nil
}

// Close closes the database. Later calls are no-ops.
func (db *DB) Close() error {
	if db == nil || db.inner == nil || !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	return db.inner.Close()
}

// Ping reports whether the store can serve reads.
func (db *DB) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if db.closed.Load() {
		return ErrClosed
	}
	it, err := db.inner.NewIter(&pebble.IterOptions{UpperBound: []byte{0}})
	if err != nil {
		return err
	}
	it.First()
	if err := it.Error(); err != nil {
		_ = it.Close()
		return err
	}
	return it.Close()
}

// NewBatch creates a batch for atomic multi-key updates.
func (db *DB) NewBatch() *pebble.Batch {
	return db.inner.NewBatch()
}

// CommitBatch commits b with the configured fsync policy.
func (db *DB) CommitBatch(ctx context.Context, b *pebble.Batch) error {
	if b == nil {
		return errors.New("pebble: nil batch")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if db.closed.Load() {
		return ErrClosed
	}
	start := time.Now()
	size, ops := b.Len(), int(b.Count())
	defer func() { db.metrics.ObserveBatchCommit(time.Since(start), ops, size) }()
	return b.Commit(db.writeOpts())
}

func (db *DB) writeOpts() *pebble.WriteOptions {
	if db.writeSync {
		return pebble.Sync
	}
	return pebble.NoSync
}

// Set writes a single key.
func (db *DB) Set(key, value []byte) error {
	if db.closed.Load() {
		return ErrClosed
	}
	start := time.Now()
	if err := db.inner.Set(key, value, db.writeOpts()); err != nil {
		return err
	}
	db.metrics.ObserveWrite(time.Since(start), len(key)+len(value))
	return nil
}

// Delete removes a single key.
func (db *DB) Delete(key []byte) error {
	if db.closed.Load() {
		return ErrClosed
	}
	start := time.Now()
	if err := db.inner.Delete(key, db.writeOpts()); err != nil {
		return err
	}
	db.metrics.ObserveWrite(time.Since(start), len(key))
	return nil
}

// Get copies the value for key.
func (db *DB) Get(key []byte) ([]byte, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	return get(db.inner, key, db.metrics)
}

// NewIter creates a raw iterator.
func (db *DB) NewIter(opts *pebble.IterOptions) (*pebble.Iterator, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	return db.inner.NewIter(opts)
}

// ScanPrefix calls fn for every key with the given prefix in ascending order.
// Keys and values passed to fn are only valid for the duration of the call.
// A non-nil error from fn stops the scan and is returned as is.
func (db *DB) ScanPrefix(prefix []byte, fn func(key, value []byte) error) error {
	if db.closed.Load() {
		return ErrClosed
	}
	return scanPrefix(db.inner, prefix, fn)
}

// DeletePrefix removes every key starting with prefix in one batch.
func (db *DB) DeletePrefix(ctx context.Context, prefix []byte) error {
	b := db.inner.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(prefix, PrefixEnd(prefix), nil); err != nil {
		return err
	}
	return db.CommitBatch(ctx, b)
}

// Reader is the read surface shared by DB and View snapshots.
type Reader interface {
	Get(key []byte) ([]byte, error)
	ScanPrefix(prefix []byte, fn func(key, value []byte) error) error
}

// View runs fn against a point-in-time snapshot, so reads spanning several
// keyspaces observe a single state.
func (db *DB) View(fn func(Reader) error) error {
	if db.closed.Load() {
		return ErrClosed
	}
	snap := db.inner.NewSnapshot()
	defer snap.Close()
	return fn(snapshotReader{snap: snap, metrics: db.metrics})
}

type snapshotReader struct {
	snap    *pebble.Snapshot
	metrics MetricsHook
}

func (s snapshotReader) Get(key []byte) ([]byte, error) { return get(s.snap, key, s.metrics) }

func (s snapshotReader) ScanPrefix(prefix []byte, fn func(key, value []byte) error) error {
	return scanPrefix(s.snap, prefix, fn)
}

func get(r pebble.Reader, key []byte, metrics MetricsHook) ([]byte, error) {
	start := time.Now()
	val, closer, err := r.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	buf := append([]byte(nil), val...)
	metrics.ObserveRead(time.Since(start), len(buf))
	return buf, nil
}

func scanPrefix(r pebble.Reader, prefix []byte, fn func(key, value []byte) error) error {
	it, err := r.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: PrefixEnd(prefix)})
	if err != nil {
		return err
	}
	defer it.Close()
	for ok := it.First(); ok; ok = it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

// PrefixEnd returns the smallest key greater than every key with the prefix,
// or nil when no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
