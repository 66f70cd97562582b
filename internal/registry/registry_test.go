package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/rzbill/chatrelay/internal/eventlog"
	pebblestore "github.com/rzbill/chatrelay/internal/storage/pebble"
)

type fixture struct {
	reg   *Registry
	logs  *eventlog.Store
	clock *testclock.Clock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	clk := testclock.NewClock(time.Unix(1_700_000_000, 0))
	logs := eventlog.NewStore(db, clk)
	return fixture{
		reg:   New(db, logs, clk, Options{LivenessTTL: time.Minute, Retention: 10 * time.Minute}),
		logs:  logs,
		clock: clk,
	}
}

func strp(s string) *string { return &s }

func TestCreateAndGet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := int64(3)
	if err := f.reg.Create(ctx, "s1", strp("42"), &conv); err != nil {
		t.Fatalf("create: %v", err)
	}
	st, ok, err := f.reg.Get(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if st.Status != StatusActive || st.LastDeliveredID != eventlog.Origin || *st.OwnerID != "42" || *st.ConversationID != 3 {
		t.Fatalf("unexpected stream: %+v", st)
	}
	if alive, _ := f.reg.Alive(ctx, "s1"); !alive {
		t.Fatalf("fresh stream should have a live marker")
	}
	if err := f.reg.Create(ctx, "s1", nil, nil); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if _, ok, err := f.reg.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("missing stream: ok=%v err=%v", ok, err)
	}
	owner, ok, err := f.reg.OwnerOf(ctx, "s1")
	if err != nil || !ok || *owner != "42" {
		t.Fatalf("owner lookup: %v %v %v", owner, ok, err)
	}
}

func TestTouchRefreshesButNeverResurrects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.reg.Create(ctx, "s1", nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	f.clock.Advance(50 * time.Second)
	if ok, err := f.reg.Touch(ctx, "s1"); err != nil || !ok {
		t.Fatalf("touch within ttl: ok=%v err=%v", ok, err)
	}
	// Refreshed at t+50s, so still alive at t+100s.
	f.clock.Advance(50 * time.Second)
	if alive, _ := f.reg.Alive(ctx, "s1"); !alive {
		t.Fatalf("touch should have extended the marker")
	}

	f.clock.Advance(2 * time.Minute)
	if ok, err := f.reg.Touch(ctx, "s1"); err != nil || ok {
		t.Fatalf("touch after expiry must return false: ok=%v err=%v", ok, err)
	}
	if alive, _ := f.reg.Alive(ctx, "s1"); alive {
		t.Fatalf("expired marker must not be refreshed")
	}

	if err := f.reg.Create(ctx, "s2", nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.reg.Complete(ctx, "s2"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if ok, err := f.reg.Touch(ctx, "s2"); err != nil || ok {
		t.Fatalf("touch on terminal stream must return false: ok=%v err=%v", ok, err)
	}
}

func TestCompleteAndFailAreIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"ok", "bad"} {
		if err := f.reg.Create(ctx, id, nil, nil); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	if ok, err := f.reg.Complete(ctx, "ok"); err != nil || !ok {
		t.Fatalf("first complete: ok=%v err=%v", ok, err)
	}
	if ok, err := f.reg.Complete(ctx, "ok"); err != nil || ok {
		t.Fatalf("second complete: ok=%v err=%v", ok, err)
	}
	if ok, err := f.reg.Fail(ctx, "ok", "late"); err != nil || ok {
		t.Fatalf("fail after complete: ok=%v err=%v", ok, err)
	}
	st, _, _ := f.reg.Get(ctx, "ok")
	if st.Status != StatusComplete || st.ErrorMessage != "" {
		t.Fatalf("terminal state changed: %+v", st)
	}
	if alive, _ := f.reg.Alive(ctx, "ok"); alive {
		t.Fatalf("marker should be removed on completion")
	}
	if _, ok, _ := f.logs.Deadline("ok"); !ok {
		t.Fatalf("log expiry should be scheduled on completion")
	}

	if ok, err := f.reg.Fail(ctx, "bad", "boom"); err != nil || !ok {
		t.Fatalf("fail: ok=%v err=%v", ok, err)
	}
	if ok, err := f.reg.Fail(ctx, "bad", "again"); err != nil || ok {
		t.Fatalf("second fail: ok=%v err=%v", ok, err)
	}
	st, _, _ = f.reg.Get(ctx, "bad")
	if st.Status != StatusError || st.ErrorMessage != "boom" {
		t.Fatalf("unexpected failed stream: %+v", st)
	}

	if ok, err := f.reg.Complete(ctx, "missing"); err != nil || ok {
		t.Fatalf("complete on missing: ok=%v err=%v", ok, err)
	}
}

func TestSetLastDeliveredNonDecreasing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.reg.Create(ctx, "s1", nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, id := range []eventlog.EntryID{3, 1, 5, 4} {
		if err := f.reg.SetLastDelivered(ctx, "s1", id); err != nil {
			t.Fatalf("set last delivered: %v", err)
		}
	}
	st, _, _ := f.reg.Get(ctx, "s1")
	if st.LastDeliveredID != 5 {
		t.Fatalf("want 5, got %d", st.LastDeliveredID)
	}
	if err := f.reg.SetLastDelivered(ctx, "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkDisconnectedOnlyFromActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.reg.Create(ctx, "s1", nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, err := f.reg.MarkDisconnected(ctx, "s1"); err != nil || !ok {
		t.Fatalf("mark: ok=%v err=%v", ok, err)
	}
	if ok, _ := f.reg.MarkDisconnected(ctx, "s1"); ok {
		t.Fatalf("second mark should be a no-op")
	}
	// A disconnected stream can still finish.
	if ok, err := f.reg.Complete(ctx, "s1"); err != nil || !ok {
		t.Fatalf("complete after disconnect: ok=%v err=%v", ok, err)
	}
	if ok, _ := f.reg.MarkDisconnected(ctx, "s1"); ok {
		t.Fatalf("terminal stream must not be marked disconnected")
	}
}

func TestSweepOrphansRemovesOnlyExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"orphan", "live", "done"} {
		if err := f.reg.Create(ctx, id, nil, nil); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, err := f.reg.Complete(ctx, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	f.clock.Advance(45 * time.Second)
	if _, err := f.reg.Touch(ctx, "live"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	f.clock.Advance(30 * time.Second)

	n, err := f.reg.SweepOrphans(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 removed, got %d", n)
	}
	if _, ok, _ := f.reg.Get(ctx, "orphan"); ok {
		t.Fatalf("orphan should be removed")
	}
	for _, id := range []string{"live", "done"} {
		if _, ok, _ := f.reg.Get(ctx, id); !ok {
			t.Fatalf("%s should be untouched", id)
		}
	}
	if _, ok, _ := f.logs.Deadline("orphan"); !ok {
		t.Fatalf("orphan log should be scheduled for expiry")
	}
}

func TestDeleteCancelsStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.reg.Create(ctx, "s1", nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, err := f.reg.Delete(ctx, "s1"); err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	if ok, _ := f.reg.Delete(ctx, "s1"); ok {
		t.Fatalf("second delete should report false")
	}
	if ok, _ := f.reg.Touch(ctx, "s1"); ok {
		t.Fatalf("touch on deleted stream must return false")
	}
}

func TestListWithFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.reg.Create(ctx, "a", strp("7"), nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.reg.Create(ctx, "b", nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.reg.Fail(ctx, "b", "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	all, err := f.reg.List(ctx, "")
	if err != nil || len(all) != 2 {
		t.Fatalf("list all: %d %v", len(all), err)
	}
	owned, err := f.reg.List(ctx, `has_owner && owner == "7" && alive`)
	if err != nil || len(owned) != 1 || owned[0].ID != "a" {
		t.Fatalf("owned filter: %+v %v", owned, err)
	}
	failed, err := f.reg.List(ctx, `status == "error" && error.contains("boom")`)
	if err != nil || len(failed) != 1 || failed[0].ID != "b" {
		t.Fatalf("status filter: %+v %v", failed, err)
	}
	if _, err := f.reg.List(ctx, `status ==`); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("expected ErrInvalidFilter, got %v", err)
	}
	if _, err := f.reg.List(ctx, `id`); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("non-bool filter should be rejected, got %v", err)
	}
}
