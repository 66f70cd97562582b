package taskqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/chatrelay/internal/producer"
)

type runnerFunc func(ctx context.Context, t producer.Task) error

func (f runnerFunc) Run(ctx context.Context, t producer.Task) error { return f(ctx, t) }

func TestWorkerRunsDispatchedTasks(t *testing.T) {
	q := openTestQueue(t)
	var mu sync.Mutex
	seen := map[string]bool{}
	done := make(chan struct{}, 2)
	runner := runnerFunc(func(ctx context.Context, task producer.Task) error {
		mu.Lock()
		seen[task.StreamID] = true
		mu.Unlock()
		done <- struct{}{}
		if task.StreamID == "bad" {
			return errors.New("store down")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(q, runner, clock.WallClock, WorkerOptions{Concurrency: 2, Idle: 20 * time.Millisecond}, nil)
	stopped := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(stopped)
	}()

	d := NewDispatcher(q, clock.WallClock)
	require.NoError(t, d.Submit(context.Background(), producer.Task{StreamID: "good"}))
	require.NoError(t, d.Submit(context.Background(), producer.Task{StreamID: "bad"}))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not run tasks")
		}
	}
	cancel()
	<-stopped

	mu.Lock()
	require.True(t, seen["good"])
	require.True(t, seen["bad"])
	mu.Unlock()

	st, err := q.Stats()
	require.NoError(t, err)
	require.Equal(t, 0, st.Ready)
	require.Equal(t, 0, st.Leased)
	require.Equal(t, 1, st.Dead, "failed task is not retried by default")
}

func TestWorkerDeadLettersUnknownTasks(t *testing.T) {
	q := openTestQueue(t)
	_, err := q.Enqueue(context.Background(), "other.task", []byte("{}"), 0, time.Now().UnixMilli())
	require.NoError(t, err)

	ran := make(chan struct{}, 1)
	w := NewWorker(q, runnerFunc(func(context.Context, producer.Task) error {
		ran <- struct{}{}
		return nil
	}), clock.WallClock, WorkerOptions{Concurrency: 1, Idle: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	select {
	case <-ran:
		t.Fatal("unknown task must not reach the runner")
	default:
	}
	st, err := q.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, st.Dead)
}
