package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/juju/clock"

	"github.com/rzbill/chatrelay/internal/chatstore"
	cfgpkg "github.com/rzbill/chatrelay/internal/config"
	"github.com/rzbill/chatrelay/internal/eventlog"
	"github.com/rzbill/chatrelay/internal/janitor"
	"github.com/rzbill/chatrelay/internal/llm"
	"github.com/rzbill/chatrelay/internal/producer"
	"github.com/rzbill/chatrelay/internal/registry"
	"github.com/rzbill/chatrelay/internal/relay"
	chatsvc "github.com/rzbill/chatrelay/internal/services/chat"
	pebblestore "github.com/rzbill/chatrelay/internal/storage/pebble"
	"github.com/rzbill/chatrelay/internal/taskqueue"
	amqpdispatch "github.com/rzbill/chatrelay/internal/taskqueue/amqp"
	"github.com/rzbill/chatrelay/pkg/id"
	"github.com/rzbill/chatrelay/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	DataDir       string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
	Logger        log.Logger
	Clock         clock.Clock
	// Generator overrides the provider named in Config.LLM.
	Generator llm.Generator
	IDs       id.Source
}

// Runtime wires storage and every relay component for a single-node
// instance.
type Runtime struct {
	db     *pebblestore.DB
	config cfgpkg.Config
	log    log.Logger
	clock  clock.Clock
	stats  *storageStats

	logs     *eventlog.Store
	streams  *registry.Registry
	chats    *chatstore.Store
	producer *producer.Producer
	relay    *relay.Endpoint
	janitor  *janitor.Janitor
	chat     *chatsvc.Service

	executor producer.Executor
	local    *producer.Local
	queue    *taskqueue.Queue
	worker   *taskqueue.Worker
	amqp     *amqpdispatch.Dispatcher
	llmErr   error
}

// Open initializes the underlying storage and returns a Runtime.
func Open(opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	cfg := opts.Config

	stats := &storageStats{}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       opts.DataDir,
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Metrics:       stats,
	})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{db: db, config: cfg, log: logger, clock: clk, stats: stats}
	if err := rt.wire(opts); err != nil {
		_ = db.Close()
		return nil, err
	}
	return rt, nil
}

func (r *Runtime) wire(opts Options) error {
	cfg := r.config

	r.logs = eventlog.NewStore(r.db, r.clock)
	r.streams = registry.New(r.db, r.logs, r.clock, registry.Options{
		LivenessTTL: cfg.Registry.LivenessTTL.Std(),
		Retention:   cfg.Registry.Retention.Std(),
	})
	chats, err := chatstore.Open(r.db, r.clock)
	if err != nil {
		return err
	}
	r.chats = chats

	gen := opts.Generator
	if gen == nil {
		llmCfg := cfg.LLMClient()
		gen, err = llm.New(llmCfg)
		if err != nil {
			return err
		}
		if llmCfg.Provider != "echo" && llmCfg.APIKey == "" {
			r.llmErr = fmt.Errorf("no API key in $%s", cfg.LLM.APIKeyEnv)
		}
	}
	budget := llm.Budget{MaxTokens: cfg.LLM.MaxContextTokens}
	if budget.MaxTokens > 0 {
		counter, err := llm.DefaultCounter()
		if err != nil {
			r.log.Warn("tiktoken unavailable, approximating token counts", log.Err(err))
		}
		budget.Counter = counter
	}
	r.producer = producer.New(r.logs, r.streams, gen, r.chats, producer.Options{
		TrimTo: cfg.Registry.TrimLength,
		Budget: budget,
	}, r.log)

	r.local = producer.NewLocal(r.producer, cfg.Dispatch.Workers, r.log)
	switch cfg.Dispatch.Mode {
	case cfgpkg.DispatchQueue:
		q, err := taskqueue.Open(r.db, producer.TaskName)
		if err != nil {
			return err
		}
		r.queue = q
		r.worker = taskqueue.NewWorker(q, r.producer, r.clock, taskqueue.WorkerOptions{
			Concurrency:   cfg.Dispatch.Workers,
			Lease:         cfg.Dispatch.Lease.Std(),
			MaxDeliveries: cfg.Dispatch.MaxDeliveries,
		}, r.log)
		r.executor = producer.Fallback{Primary: taskqueue.NewDispatcher(q, r.clock), Secondary: r.local, Log: r.log}
	case cfgpkg.DispatchAMQP:
		d, err := amqpdispatch.New(cfg.AMQPClient(), r.producer, r.log)
		if err != nil {
			return err
		}
		r.amqp = d
		r.executor = producer.Fallback{Primary: d, Secondary: r.local, Log: r.log}
	default:
		r.executor = r.local
	}

	r.relay = relay.New(r.logs, r.streams, nil, r.clock, relay.Options{
		PageSize:     cfg.Relay.PageSize,
		BlockTimeout: cfg.Relay.BlockTimeout.Std(),
		Budget:       cfg.Relay.Budget.Std(),
	}, r.log)
	r.janitor, err = janitor.New(janitor.Config{
		Orphans:  r.streams,
		Logs:     r.logs,
		Clock:    r.clock,
		Interval: cfg.Janitor.Interval.Std(),
		Logger:   r.log,
	})
	if err != nil {
		return err
	}
	r.chat = chatsvc.New(r.chats, r.streams, r.executor, opts.IDs, r.log)
	return nil
}

// Start connects external dispatchers. A broker that cannot be reached is
// logged and tasks run locally until restart.
func (r *Runtime) Start(ctx context.Context) {
	if r.amqp == nil {
		return
	}
	if err := r.amqp.Start(ctx); err != nil {
		r.log.Warn("rabbitmq unavailable, running producers locally", log.Err(err))
	}
}

// Background returns the long-running loops a server must drive.
func (r *Runtime) Background() []func(context.Context) error {
	loops := []func(context.Context) error{r.janitor.Run}
	if r.worker != nil {
		loops = append(loops, r.worker.Run)
	}
	return loops
}

// Close stops dispatchers, waits briefly for local producers and closes
// storage.
func (r *Runtime) Close() error {
	var errs []error
	if r.amqp != nil {
		errs = append(errs, r.amqp.Close())
	}
	if r.local != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.local.Close(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			errs = append(errs, err)
		}
		cancel()
	}
	if r.db != nil {
		errs = append(errs, r.db.Close())
	}
	return errors.Join(errs...)
}

// Health summarises component state for probes.
type Health struct {
	Storage    string        `json:"storage"`
	Dispatcher string        `json:"dispatcher"`
	LLM        string        `json:"llm"`
	Reads      uint64        `json:"reads"`
	Commits    uint64        `json:"commits"`
	Queue      *QueueHealth  `json:"queue,omitempty"`
	Errors     []string      `json:"errors,omitempty"`
	Checked    time.Duration `json:"checked_ns"`
}

type QueueHealth struct {
	Ready   int `json:"ready"`
	Delayed int `json:"delayed"`
	Leased  int `json:"leased"`
	Dead    int `json:"dead"`
}

// OK reports whether the instance can accept chat traffic. An unconfigured
// LLM degrades replies to error events but does not fail the probe.
func (h Health) OK() bool { return h.Storage == "ok" && h.Dispatcher != "down" }

// Health inspects storage, dispatch and model configuration.
func (r *Runtime) Health(ctx context.Context) Health {
	start := r.clock.Now()
	h := Health{Storage: "ok", Dispatcher: r.config.Dispatch.Mode, LLM: "ok"}
	if err := r.CheckHealth(ctx); err != nil {
		h.Storage = "down"
		h.Errors = append(h.Errors, err.Error())
	}
	if r.queue != nil {
		if st, err := r.queue.Stats(); err == nil {
			h.Queue = &QueueHealth{Ready: st.Ready, Delayed: st.Delayed, Leased: st.Leased, Dead: st.Dead}
		}
	}
	if r.amqp != nil && !r.amqp.Connected() {
		h.Dispatcher = "local-fallback"
	}
	if r.llmErr != nil {
		h.LLM = "unconfigured"
		h.Errors = append(h.Errors, r.llmErr.Error())
	}
	h.Reads = r.stats.reads.Load()
	h.Commits = r.stats.commits.Load()
	h.Checked = r.clock.Now().Sub(start)
	return h
}

// CheckHealth performs a simple storage health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	return r.db.Ping(ctx)
}

func (r *Runtime) DB() *pebblestore.DB          { return r.db }
func (r *Runtime) Config() cfgpkg.Config        { return r.config }
func (r *Runtime) Logger() log.Logger           { return r.log }
func (r *Runtime) Logs() *eventlog.Store        { return r.logs }
func (r *Runtime) Streams() *registry.Registry  { return r.streams }
func (r *Runtime) Chats() *chatstore.Store      { return r.chats }
func (r *Runtime) Relay() *relay.Endpoint       { return r.relay }
func (r *Runtime) Janitor() *janitor.Janitor    { return r.janitor }
func (r *Runtime) Chat() *chatsvc.Service       { return r.chat }
func (r *Runtime) Executor() producer.Executor  { return r.executor }
func (r *Runtime) Producer() *producer.Producer { return r.producer }

// storageStats counts storage traffic for the health endpoint.
type storageStats struct {
	reads   atomic.Uint64
	commits atomic.Uint64
}

func (s *storageStats) ObserveWrite(time.Duration, int)            { s.commits.Add(1) }
func (s *storageStats) ObserveRead(time.Duration, int)             { s.reads.Add(1) }
func (s *storageStats) ObserveBatchCommit(time.Duration, int, int) { s.commits.Add(1) }
