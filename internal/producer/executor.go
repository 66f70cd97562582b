package producer

import (
	"context"
	"errors"
	"sync"

	"github.com/rzbill/chatrelay/pkg/log"
)

// Executor runs a task asynchronously. Submit returns once the task is
// accepted, not when it finishes.
type Executor interface {
	Submit(ctx context.Context, t Task) error
}

// Runner executes one task to completion.
type Runner interface {
	Run(ctx context.Context, t Task) error
}

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("producer: executor closed")

// Local runs tasks on at most Workers goroutines in this process.
type Local struct {
	runner Runner
	sem    chan struct{}
	log    log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewLocal returns a Local executor with the given concurrency limit.
func NewLocal(r Runner, workers int, logger log.Logger) *Local {
	if workers <= 0 {
		workers = 8
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Local{
		runner: r,
		sem:    make(chan struct{}, workers),
		log:    logger.WithComponent("executor.local"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit waits for a free slot and starts t. Tasks are detached from ctx;
// they stop only when the executor closes.
func (l *Local) Submit(ctx context.Context, t Task) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		return ErrClosed
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() { <-l.sem }()
		if err := l.runner.Run(l.ctx, t); err != nil {
			l.log.Error("task failed", log.Str("stream_id", t.StreamID), log.Err(err))
		}
	}()
	return nil
}

// Close stops accepting tasks and waits for running ones until ctx ends, at
// which point they are cancelled.
func (l *Local) Close(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		l.cancel()
		return nil
	case <-ctx.Done():
		l.cancel()
		<-done
		return ctx.Err()
	}
}

// Fallback submits to Primary and, when that fails, to Secondary.
type Fallback struct {
	Primary   Executor
	Secondary Executor
	Log       log.Logger
}

func (f Fallback) Submit(ctx context.Context, t Task) error {
	err := f.Primary.Submit(ctx, t)
	if err == nil {
		return nil
	}
	if f.Log != nil {
		f.Log.Warn("dispatch unavailable, running locally", log.Str("stream_id", t.StreamID), log.Err(err))
	}
	return f.Secondary.Submit(ctx, t)
}
