// Package eventlog implements the per-stream append-only event log.
//
// # Overview
//
// Each stream owns an independent log persisted in Pebble. Keys are
// lexicographically ordered for efficient range scans:
//   - relay/log/{stream}/m           (log metadata: lastSeq)
//   - relay/log/{stream}/x           (scheduled expiry deadline, ms)
//   - relay/log/{stream}/e/{seq_be8} (entries)
//   - relay/exp/{deadline_be8}/{stream} (expiry index scanned by PurgeExpired)
//
// Records are stored as: varint headerLen | header | payload | crc32c(header|payload).
// The header holds the append time in unix ms; the payload is the event's JSON
// wire form.
//
// API surface (internal)
//
//	s := NewStore(db, clock.WallClock)
//	id, _ := s.Append(ctx, streamID, event.Chunk("Hel", &msgID))
//
//	// Replay from the origin, or block up to 5s for entries after id
//	entries, _ := s.ReadFrom(ctx, streamID, Origin, 100, 5*time.Second)
//
//	// Retention
//	_, _ = s.Trim(ctx, streamID, 1000)
//	_ = s.Expire(ctx, streamID, 10*time.Minute)
//	_, _ = s.PurgeExpired(ctx, time.Now())
//
// Blocking reads wait on a per-stream notify channel that Append closes and
// replaces; readers never poll the store while idle.
package eventlog
