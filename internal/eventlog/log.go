package eventlog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/juju/clock"

	"github.com/rzbill/chatrelay/internal/event"
	pebblestore "github.com/rzbill/chatrelay/internal/storage/pebble"
)

// EntryID is the position of an entry within one stream's log. Ids are
// strictly increasing in append order.
type EntryID uint64

// Origin is the sentinel before the first entry; reading from it replays
// the whole log.
const Origin EntryID = 0

// Entry is one stored event with its assigned id.
type Entry struct {
	ID         EntryID
	AppendedMs int64
	Event      event.Event
}

var (
	// ErrNotFound is returned when reading a log that was deleted while the
	// reader was attached.
	ErrNotFound = errors.New("eventlog: stream log not found")
	// ErrCorrupt is returned when a stored record fails its checksum.
	ErrCorrupt = errors.New("eventlog: corrupt record")
)

// streamLog is the in-process state for one stream: the last assigned
// sequence and the channel closed on the next append. A released state was
// evicted from the cache; holders reload it from metadata.
type streamLog struct {
	mu       sync.Mutex
	lastSeq  uint64
	notifyCh chan struct{}
	deleted  bool
	released bool
}

// Store provides append-only per-stream logs over a shared Pebble database.
// The in-process cache holds one entry per stream touched since its log was
// last scheduled to expire or deleted.
type Store struct {
	db    *pebblestore.DB
	clock clock.Clock

	mu   sync.Mutex
	logs map[string]*streamLog
}

// NewStore returns a Store backed by db. clk supplies append timestamps and
// expiry deadlines.
func NewStore(db *pebblestore.DB, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Store{db: db, clock: clk, logs: make(map[string]*streamLog)}
}

// state returns the cached state for streamID, loading lastSeq from metadata
// on first use.
func (s *Store) state(streamID string) (*streamLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[streamID]; ok {
		return l, nil
	}
	l := &streamLog{notifyCh: make(chan struct{})}
	meta, err := s.db.Get(KeyLogMeta(streamID))
	switch {
	case err == nil && len(meta) >= 8:
		l.lastSeq = binary.BigEndian.Uint64(meta[:8])
	case err != nil && !pebblestore.IsNotFound(err):
		return nil, fmt.Errorf("eventlog: load meta %s: %w", streamID, err)
	}
	s.logs[streamID] = l
	return l, nil
}

// forget drops the cached state and wakes any blocked readers.
func (s *Store) forget(streamID string) {
	s.mu.Lock()
	l, ok := s.logs[streamID]
	delete(s.logs, streamID)
	s.mu.Unlock()
	if !ok {
		return
	}
	l.mu.Lock()
	if !l.deleted {
		l.deleted = true
		close(l.notifyCh)
	}
	l.mu.Unlock()
}

// release evicts the cached state of streamID. lastSeq is already durable in
// the log metadata, so the next caller reloads it. Waiters wake and re-fetch.
func (s *Store) release(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[streamID]
	if !ok {
		return
	}
	// Holding l.mu keeps an in-flight append from racing a reload.
	l.mu.Lock()
	delete(s.logs, streamID)
	if !l.deleted && !l.released {
		l.released = true
		close(l.notifyCh)
	}
	l.mu.Unlock()
}

// Append stores e as the next entry of streamID and wakes blocked readers.
// It never waits for readers.
func (s *Store) Append(ctx context.Context, streamID string, e event.Event) (EntryID, error) {
	if err := ValidateStreamID(streamID); err != nil {
		return 0, err
	}
	val, err := encodeEntry(s.clock.Now().UnixMilli(), e)
	if err != nil {
		return 0, err
	}
	for {
		l, err := s.state(streamID)
		if err != nil {
			return 0, err
		}
		l.mu.Lock()
		if l.deleted || l.released {
			// Lost a race with Delete or release; pick up the fresh state.
			l.mu.Unlock()
			continue
		}
		id, err := s.appendLocked(ctx, streamID, l, val)
		l.mu.Unlock()
		return id, err
	}
}

func (s *Store) appendLocked(ctx context.Context, streamID string, l *streamLog, val []byte) (EntryID, error) {
	seq := l.lastSeq + 1

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(KeyLogEntry(streamID, seq), val, nil); err != nil {
		return 0, err
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], seq)
	if err := b.Set(KeyLogMeta(streamID), meta[:], nil); err != nil {
		return 0, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return 0, fmt.Errorf("eventlog: append %s: %w", streamID, err)
	}
	l.lastSeq = seq
	close(l.notifyCh)
	l.notifyCh = make(chan struct{})
	return EntryID(seq), nil
}

// Last returns the id of the most recently appended entry, or Origin when the
// log is empty.
func (s *Store) Last(streamID string) (EntryID, error) {
	l, err := s.state(streamID)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return EntryID(l.lastSeq), nil
}
