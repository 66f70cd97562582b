package taskqueue

import (
	"context"
	"errors"
	"testing"

	pebblestore "github.com/rzbill/chatrelay/internal/storage/pebble"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	q, err := Open(db, "tasks")
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	return q
}

func TestRecordRoundtrip(t *testing.T) {
	rec := encodeTask("ai.process_message_stream", []byte(`{"stream_id":"s1"}`))
	name, payload, ok := decodeTask(rec)
	if !ok || name != "ai.process_message_stream" || string(payload) != `{"stream_id":"s1"}` {
		t.Fatalf("roundtrip failed: %q %q %v", name, payload, ok)
	}
	rec[len(rec)-1] ^= 0xFF
	if _, _, ok := decodeTask(rec); ok {
		t.Fatalf("expected crc failure")
	}
}

func TestDequeueFIFOAndDelay(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	s1, _ := q.Enqueue(ctx, "t", []byte("a"), 0, 1000)
	s2, _ := q.Enqueue(ctx, "t", []byte("b"), 200, 1000)
	s3, _ := q.Enqueue(ctx, "t", []byte("c"), 0, 1000)

	msgs, err := q.Dequeue(ctx, 5, 1000, 1100)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Seq != s1 || msgs[1].Seq != s3 {
		t.Fatalf("expected s1,s3 before delay is due: %+v", msgs)
	}
	if _, err := q.Dequeue(ctx, 1, 1000, 1100); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	msgs, err = q.Dequeue(ctx, 1, 1000, 1300)
	if err != nil || len(msgs) != 1 || msgs[0].Seq != s2 || string(msgs[0].Payload) != "b" {
		t.Fatalf("expected delayed s2 after due: %+v %v", msgs, err)
	}
}

func TestCompleteRemovesTask(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	seq, _ := q.Enqueue(ctx, "t", []byte("a"), 0, 1000)
	if _, err := q.Dequeue(ctx, 1, 1000, 1000); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.Complete(ctx, seq); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := q.Complete(ctx, seq); !errors.Is(err, ErrNoLease) {
		t.Fatalf("second complete should fail with ErrNoLease, got %v", err)
	}
	st, err := q.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st != (Stats{}) {
		t.Fatalf("queue should be empty: %+v", st)
	}
}

func TestFailRetriesThenDeadLetters(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	seq, _ := q.Enqueue(ctx, "t", []byte("a"), 0, 1000)

	msgs, _ := q.Dequeue(ctx, 1, 1000, 1000)
	if msgs[0].Deliveries != 1 {
		t.Fatalf("first delivery should count 1, got %d", msgs[0].Deliveries)
	}
	dead, err := q.Fail(ctx, seq, 100, 2, 1000)
	if err != nil || dead {
		t.Fatalf("first fail should retry: dead=%v err=%v", dead, err)
	}
	if _, err := q.Dequeue(ctx, 1, 1000, 1050); !errors.Is(err, ErrEmpty) {
		t.Fatalf("retry should wait for its delay, got %v", err)
	}
	msgs, err = q.Dequeue(ctx, 1, 1000, 1100)
	if err != nil || msgs[0].Deliveries != 2 {
		t.Fatalf("second delivery: %+v %v", msgs, err)
	}
	dead, err = q.Fail(ctx, seq, 100, 2, 1100)
	if err != nil || !dead {
		t.Fatalf("second fail should dead-letter: dead=%v err=%v", dead, err)
	}
	st, _ := q.Stats()
	if st.Dead != 1 || st.Ready != 0 || st.Delayed != 0 || st.Leased != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestReclaimExpired(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	a, _ := q.Enqueue(ctx, "t", []byte("a"), 0, 1000)
	b, _ := q.Enqueue(ctx, "t", []byte("b"), 0, 1000)
	if _, err := q.Dequeue(ctx, 2, 500, 1000); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.ExtendLease(ctx, b, 5000, 1200); err != nil {
		t.Fatalf("extend: %v", err)
	}

	n, err := q.ReclaimExpired(ctx, 3, 1600, 0)
	if err != nil || n != 1 {
		t.Fatalf("reclaim: n=%d err=%v", n, err)
	}
	msgs, err := q.Dequeue(ctx, 5, 500, 1600)
	if err != nil || len(msgs) != 1 || msgs[0].Seq != a || msgs[0].Deliveries != 2 {
		t.Fatalf("expected a redelivered: %+v %v", msgs, err)
	}

	// With a single allowed delivery an expired lease dead-letters.
	n, err = q.ReclaimExpired(ctx, 1, 10_000, 0)
	if err != nil || n != 2 {
		t.Fatalf("reclaim all: n=%d err=%v", n, err)
	}
	st, _ := q.Stats()
	if st.Dead != 2 || st.Ready != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}
