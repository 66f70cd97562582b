package janitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/chatrelay/internal/event"
	"github.com/rzbill/chatrelay/internal/eventlog"
	"github.com/rzbill/chatrelay/internal/registry"
	pebblestore "github.com/rzbill/chatrelay/internal/storage/pebble"
)

func TestConfigValidate(t *testing.T) {
	require.Error(t, Config{}.Validate())
	require.Error(t, Config{Orphans: stubOrphans{}}.Validate())
	require.NoError(t, Config{Orphans: stubOrphans{}, Clock: testclock.NewClock(time.Now())}.Validate())
}

type stubOrphans struct {
	n   int
	err error
}

func (s stubOrphans) SweepOrphans(context.Context) (int, error) { return s.n, s.err }

type stubLogs struct {
	n   int
	err error
}

func (s stubLogs) PurgeExpired(context.Context, time.Time) (int, error) { return s.n, s.err }

func TestSweepOnceCollectsErrors(t *testing.T) {
	clk := testclock.NewClock(time.Unix(1_700_000_000, 0))
	j, err := New(Config{
		Orphans: stubOrphans{n: 2, err: errors.New("scan failed")},
		Logs:    stubLogs{n: 1, err: errors.New("purge failed")},
		Clock:   clk,
	})
	require.NoError(t, err)

	rep := j.SweepOnce(context.Background())
	require.Equal(t, 2, rep.Orphans)
	require.Equal(t, 1, rep.PurgedLogs)
	require.ErrorContains(t, rep.Err, "scan failed")
	require.ErrorContains(t, rep.Err, "purge failed")
}

func TestSweepReclaimsOnlyOrphans(t *testing.T) {
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	clk := testclock.NewClock(time.Unix(1_700_000_000, 0))
	logs := eventlog.NewStore(db, clk)
	reg := registry.New(db, logs, clk, registry.Options{LivenessTTL: time.Minute, Retention: 10 * time.Minute})

	require.NoError(t, reg.Create(ctx, "orphan", nil, nil))
	require.NoError(t, reg.Create(ctx, "busy", nil, nil))
	require.NoError(t, reg.Create(ctx, "done", nil, nil))
	_, err = logs.Append(ctx, "done", event.Complete(nil))
	require.NoError(t, err)
	_, err = reg.Complete(ctx, "done")
	require.NoError(t, err)

	clk.Advance(45 * time.Second)
	ok, err := reg.Touch(ctx, "busy")
	require.NoError(t, err)
	require.True(t, ok)
	clk.Advance(30 * time.Second)

	j, err := New(Config{Orphans: reg, Logs: logs, Clock: clk})
	require.NoError(t, err)
	rep := j.SweepOnce(ctx)
	require.NoError(t, rep.Err)
	require.Equal(t, 1, rep.Orphans)

	_, ok, _ = reg.Get(ctx, "orphan")
	require.False(t, ok)
	_, ok, _ = reg.Get(ctx, "busy")
	require.True(t, ok)
	_, ok, _ = reg.Get(ctx, "done")
	require.True(t, ok)

	// The finished stream's log outlives its retention window only until
	// the next sweep after the deadline.
	clk.Advance(10 * time.Minute)
	rep = j.SweepOnce(ctx)
	require.NoError(t, rep.Err)
	require.GreaterOrEqual(t, rep.PurgedLogs, 1)
	entries, err := logs.ReadFrom(ctx, "done", eventlog.Origin, 10, 0)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRunSweepsOnInterval(t *testing.T) {
	clk := testclock.NewClock(time.Unix(1_700_000_000, 0))
	reports := make(chan Report, 4)
	j, err := New(Config{
		Orphans:  stubOrphans{n: 1},
		Clock:    clk,
		Interval: 30 * time.Second,
		OnSweep:  func(r Report) { reports <- r },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	for i := 0; i < 2; i++ {
		require.NoError(t, clk.WaitAdvance(30*time.Second, time.Second, 1))
		select {
		case rep := <-reports:
			require.Equal(t, 1, rep.Orphans)
		case <-time.After(time.Second):
			t.Fatalf("sweep %d did not run", i)
		}
	}

	cancel()
	require.NoError(t, <-done)
}
