// Package registry keeps stream metadata and per-stream liveness markers.
//
// Layout:
//   - relay/stream/{id} (JSON Stream record)
//   - relay/live/{id}   (liveness marker: expires-at unix ms, 8B BE)
//
// A marker is considered absent once its expires-at is at or before the
// registry clock's now. Read-modify-write operations are serialized by an
// in-process mutex; the Pebble database is owned by a single process.
package registry
