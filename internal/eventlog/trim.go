package eventlog

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/chatrelay/internal/storage/pebble"
)

// Trim deletes the oldest entries of streamID so that at most approxMax
// remain. Returns the number of deleted entries.
func (s *Store) Trim(ctx context.Context, streamID string, approxMax int) (int, error) {
	if approxMax < 0 {
		approxMax = 0
	}
	last, err := s.Last(streamID)
	if err != nil {
		return 0, err
	}
	if uint64(last) <= uint64(approxMax) {
		return 0, nil
	}
	// Entries with seq < cut are dropped.
	cut := uint64(last) - uint64(approxMax) + 1

	low := KeyLogEntry(streamID, 0)
	high := KeyLogEntry(streamID, cut)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: high})
	if err != nil {
		return 0, fmt.Errorf("eventlog: trim %s: %w", streamID, err)
	}
	deleted := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		deleted++
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("eventlog: trim %s: %w", streamID, err)
	}
	if deleted == 0 {
		return 0, nil
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(low, high, nil); err != nil {
		return 0, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return 0, fmt.Errorf("eventlog: trim %s: %w", streamID, err)
	}
	return deleted, nil
}

// Expire schedules deletion of the whole log at now+ttl and drops the
// stream's cached state. Calling it again replaces the previous deadline.
func (s *Store) Expire(ctx context.Context, streamID string, ttl time.Duration) error {
	if err := ValidateStreamID(streamID); err != nil {
		return err
	}
	deadline := s.clock.Now().Add(ttl).UnixMilli()

	b := s.db.NewBatch()
	defer b.Close()
	if prev, ok, err := s.expiry(streamID); err != nil {
		return err
	} else if ok {
		if err := b.Delete(KeyExpiryIndex(prev, streamID), nil); err != nil {
			return err
		}
	}
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(deadline))
	if err := b.Set(KeyLogExpiry(streamID), v[:], nil); err != nil {
		return err
	}
	if err := b.Set(KeyExpiryIndex(deadline, streamID), nil, nil); err != nil {
		return err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("eventlog: expire %s: %w", streamID, err)
	}
	s.release(streamID)
	return nil
}

// Deadline returns the scheduled expiry of streamID, if any.
func (s *Store) Deadline(streamID string) (time.Time, bool, error) {
	ms, ok, err := s.expiry(streamID)
	if err != nil || !ok {
		return time.Time{}, ok, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *Store) expiry(streamID string) (int64, bool, error) {
	v, err := s.db.Get(KeyLogExpiry(streamID))
	if pebblestore.IsNotFound(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("eventlog: read expiry %s: %w", streamID, err)
	}
	if len(v) < 8 {
		return 0, false, nil
	}
	return int64(binary.BigEndian.Uint64(v[:8])), true, nil
}

// PurgeExpired deletes every log whose expiry deadline is at or before now.
// Returns the number of logs removed.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	upper := KeyExpiryIndex(now.UnixMilli()+1, "")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: expPrefix, UpperBound: upper})
	if err != nil {
		return 0, fmt.Errorf("eventlog: purge: %w", err)
	}
	var due []string
	for ok := iter.First(); ok; ok = iter.Next() {
		if _, id, ok := parseExpiryIndex(iter.Key()); ok {
			due = append(due, id)
		}
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("eventlog: purge: %w", err)
	}

	purged := 0
	for _, id := range due {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		if err := s.Delete(ctx, id); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// Delete removes the log of streamID with its metadata and expiry. Blocked
// readers wake with ErrNotFound.
func (s *Store) Delete(ctx context.Context, streamID string) error {
	if err := ValidateStreamID(streamID); err != nil {
		return err
	}
	prev, hasExpiry, err := s.expiry(streamID)
	if err != nil {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()
	prefix := KeyLogPrefix(streamID)
	if err := b.DeleteRange(prefix, pebblestore.PrefixEnd(prefix), nil); err != nil {
		return err
	}
	if hasExpiry {
		if err := b.Delete(KeyExpiryIndex(prev, streamID), nil); err != nil {
			return err
		}
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("eventlog: delete %s: %w", streamID, err)
	}
	s.forget(streamID)
	return nil
}
