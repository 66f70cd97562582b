package eventlog

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
)

// ReadFrom returns up to max entries with ids strictly greater than from, in
// order. When none exist yet it blocks for up to block waiting for an append,
// and returns an empty slice if nothing arrived. A non-positive block makes
// the call non-blocking.
func (s *Store) ReadFrom(ctx context.Context, streamID string, from EntryID, max int, block time.Duration) ([]Entry, error) {
	if max <= 0 {
		max = 100
	}
	l, err := s.state(streamID)
	if err != nil {
		return nil, err
	}

	var timeout <-chan time.Time
	if block > 0 {
		timer := s.clock.NewTimer(block)
		defer timer.Stop()
		timeout = timer.Chan()
	}

	for {
		l.mu.Lock()
		ch, last, deleted, released := l.notifyCh, l.lastSeq, l.deleted, l.released
		l.mu.Unlock()
		if deleted {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, streamID)
		}
		if released {
			if l, err = s.state(streamID); err != nil {
				return nil, err
			}
			continue
		}

		if last > uint64(from) {
			entries, err := s.scan(streamID, from, max)
			if err != nil {
				return nil, err
			}
			if len(entries) > 0 {
				return entries, nil
			}
		}
		if timeout == nil {
			return nil, nil
		}

		select {
		case <-ch:
		case <-timeout:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// scan reads entries in (from, ...] up to max.
func (s *Store) scan(streamID string, from EntryID, max int) ([]Entry, error) {
	low := KeyLogEntry(streamID, uint64(from)+1)
	hi := KeyLogEntry(streamID, ^uint64(0))
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: append(hi, 0x00)})
	if err != nil {
		return nil, fmt.Errorf("eventlog: read %s: %w", streamID, err)
	}
	defer iter.Close()

	entries := make([]Entry, 0, min(max, 16))
	for ok := iter.First(); ok && len(entries) < max; ok = iter.Next() {
		seq := seqFromEntryKey(iter.Key())
		ms, e, err := decodeEntry(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("eventlog: entry %s/%d: %w", streamID, seq, err)
		}
		entries = append(entries, Entry{ID: EntryID(seq), AppendedMs: ms, Event: e})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("eventlog: read %s: %w", streamID, err)
	}
	return entries, nil
}
