package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/rzbill/chatrelay/internal/producer"
	"github.com/rzbill/chatrelay/pkg/log"
)

// Dispatcher submits producer tasks to a Queue.
type Dispatcher struct {
	q     *Queue
	clock clock.Clock
}

// NewDispatcher returns an Executor that enqueues tasks on q.
func NewDispatcher(q *Queue, clk clock.Clock) *Dispatcher {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Dispatcher{q: q, clock: clk}
}

// Submit enqueues t under producer.TaskName.
func (d *Dispatcher) Submit(ctx context.Context, t producer.Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = d.q.Enqueue(ctx, producer.TaskName, payload, 0, d.clock.Now().UnixMilli())
	return err
}

// WorkerOptions configures a Worker pool.
type WorkerOptions struct {
	Concurrency     int
	Lease           time.Duration
	Idle            time.Duration // max wait between polls when the queue is empty
	RetryAfter      time.Duration
	MaxDeliveries   uint32
	ReclaimInterval time.Duration
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.Lease <= 0 {
		o.Lease = 30 * time.Second
	}
	if o.Idle <= 0 {
		o.Idle = time.Second
	}
	if o.RetryAfter <= 0 {
		o.RetryAfter = 5 * time.Second
	}
	if o.MaxDeliveries == 0 {
		o.MaxDeliveries = 1
	}
	if o.ReclaimInterval <= 0 {
		o.ReclaimInterval = 5 * time.Second
	}
	return o
}

// Worker consumes producer tasks from a Queue.
type Worker struct {
	q      *Queue
	runner producer.Runner
	clock  clock.Clock
	opts   WorkerOptions
	log    log.Logger
}

// NewWorker returns a Worker pool running tasks from q through runner.
func NewWorker(q *Queue, runner producer.Runner, clk clock.Clock, opts WorkerOptions, logger log.Logger) *Worker {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Worker{
		q:      q,
		runner: runner,
		clock:  clk,
		opts:   opts.withDefaults(),
		log:    logger.WithComponent("taskqueue.worker").With(log.Str("queue", q.Name())),
	}
}

// Run processes tasks until ctx is cancelled. In-flight tasks finish before
// Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", log.Int("concurrency", w.opts.Concurrency))
	var wg sync.WaitGroup
	for i := 0; i < w.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.reclaimLoop(ctx)
	}()
	wg.Wait()
	w.log.Info("worker stopped")
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		notify := w.q.Notify()
		msgs, err := w.q.Dequeue(ctx, 1, w.opts.Lease.Milliseconds(), w.clock.Now().UnixMilli())
		switch {
		case errors.Is(err, ErrEmpty):
			select {
			case <-ctx.Done():
			case <-notify:
			case <-w.clock.After(w.opts.Idle):
			}
			continue
		case err != nil:
			if ctx.Err() == nil {
				w.log.Error("dequeue failed", log.Err(err))
			}
			select {
			case <-ctx.Done():
			case <-w.clock.After(w.opts.Idle):
			}
			continue
		}
		for _, m := range msgs {
			w.process(ctx, m)
		}
	}
}

// process runs one leased task, heartbeating its lease meanwhile. The task
// itself runs detached from ctx so shutdown lets it reach a terminal state.
func (w *Worker) process(ctx context.Context, m Leased) {
	lg := w.log.With(log.Uint64("seq", m.Seq))
	if m.Name != producer.TaskName {
		lg.Warn("unknown task, dead-lettering", log.Str("task", m.Name))
		_, _ = w.q.Fail(context.WithoutCancel(ctx), m.Seq, 0, 1, w.clock.Now().UnixMilli())
		return
	}
	var t producer.Task
	if err := json.Unmarshal(m.Payload, &t); err != nil {
		lg.Warn("undecodable task, dead-lettering", log.Err(err))
		_, _ = w.q.Fail(context.WithoutCancel(ctx), m.Seq, 0, 1, w.clock.Now().UnixMilli())
		return
	}
	lg = lg.With(log.Str("stream_id", t.StreamID))

	hbCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(hbCtx, m.Seq, lg)
	}()

	runErr := w.runner.Run(context.WithoutCancel(ctx), t)
	stop()
	<-hbDone

	bg := context.WithoutCancel(ctx)
	if runErr == nil {
		if err := w.q.Complete(bg, m.Seq); err != nil {
			lg.Warn("complete failed", log.Err(err))
		}
		return
	}
	lg.Error("task failed", log.Err(runErr))
	dead, err := w.q.Fail(bg, m.Seq, w.opts.RetryAfter.Milliseconds(), w.opts.MaxDeliveries, w.clock.Now().UnixMilli())
	if err != nil {
		lg.Warn("fail failed", log.Err(err))
	} else if dead {
		lg.Warn("task dead-lettered", log.Int("deliveries", int(m.Deliveries)))
	}
}

func (w *Worker) heartbeat(ctx context.Context, seq uint64, lg log.Logger) {
	every := w.opts.Lease / 3
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(every):
			if err := w.q.ExtendLease(ctx, seq, w.opts.Lease.Milliseconds(), w.clock.Now().UnixMilli()); err != nil && ctx.Err() == nil {
				lg.Warn("extend lease failed", log.Err(err))
			}
		}
	}
}

func (w *Worker) reclaimLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(w.opts.ReclaimInterval):
			n, err := w.q.ReclaimExpired(ctx, w.opts.MaxDeliveries, w.clock.Now().UnixMilli(), 1024)
			if err != nil {
				if ctx.Err() == nil {
					w.log.Warn("reclaim failed", log.Err(err))
				}
				continue
			}
			if n > 0 {
				w.log.Info("reclaimed expired leases", log.Int("count", n))
			}
		}
	}
}
