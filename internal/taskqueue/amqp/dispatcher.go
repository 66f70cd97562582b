// Package amqp dispatches producer tasks through a RabbitMQ queue and
// consumes them with manual acknowledgements.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/rzbill/chatrelay/internal/producer"
	"github.com/rzbill/chatrelay/pkg/log"
)

type Config struct {
	URL           string `json:"url" yaml:"url"`
	Queue         string `json:"queue" yaml:"queue"`
	ConsumerTag   string `json:"consumer_tag" yaml:"consumer_tag"`
	PrefetchCount int    `json:"prefetch_count" yaml:"prefetch_count"`
	Workers       int    `json:"workers" yaml:"workers"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("amqp url is required")
	}
	if c.Queue == "" {
		return fmt.Errorf("amqp queue is required")
	}
	if c.PrefetchCount < 1 {
		return fmt.Errorf("amqp prefetch_count must be >= 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("amqp workers must be >= 1")
	}
	return nil
}

// ErrClosed is returned by Submit once the connection is gone.
var ErrClosed = errors.New("amqp: dispatcher closed")

// Dispatcher publishes tasks to a durable queue and runs consumed tasks
// through a producer.Runner.
type Dispatcher struct {
	cfg    Config
	runner producer.Runner
	log    log.Logger

	conn    *amqp091.Connection
	pubCh   *amqp091.Channel
	subCh   *amqp091.Channel
	pubMu   sync.Mutex
	closed  chan struct{}
	closeMu sync.Once
	wg      sync.WaitGroup
}

func New(cfg Config, runner producer.Runner, logger log.Logger) (*Dispatcher, error) {
	if cfg.PrefetchCount == 0 {
		cfg.PrefetchCount = 4
	}
	if cfg.Workers == 0 {
		cfg.Workers = cfg.PrefetchCount
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "chatrelay"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Dispatcher{
		cfg:    cfg,
		runner: runner,
		log:    logger.WithComponent("taskqueue.amqp").With(log.Str("queue", cfg.Queue)),
		closed: make(chan struct{}),
	}, nil
}

// Start dials the broker, declares the queue and begins consuming.
func (d *Dispatcher) Start(ctx context.Context) error {
	conn, err := amqp091.DialConfig(d.cfg.URL, amqp091.Config{Heartbeat: 10 * time.Second})
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open publish channel: %w", err)
	}
	sub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open consume channel: %w", err)
	}
	if err := sub.Qos(d.cfg.PrefetchCount, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	if _, err := pub.QueueDeclare(d.cfg.Queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	deliveries, err := sub.Consume(d.cfg.Queue, d.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("consume queue: %w", err)
	}
	d.conn, d.pubCh, d.subCh = conn, pub, sub

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(ctx, deliveries)
	}
	d.log.Info("consuming", log.Int("workers", d.cfg.Workers))
	return nil
}

// Connected reports whether the broker connection is open.
func (d *Dispatcher) Connected() bool {
	select {
	case <-d.closed:
		return false
	default:
	}
	return d.conn != nil && !d.conn.IsClosed()
}

// Submit publishes t as a persistent message. It fails fast when the
// connection is down so callers can fall back to local execution.
func (d *Dispatcher) Submit(ctx context.Context, t producer.Task) error {
	select {
	case <-d.closed:
		return ErrClosed
	default:
	}
	if d.pubCh == nil || !d.Connected() {
		return ErrClosed
	}
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	d.pubMu.Lock()
	defer d.pubMu.Unlock()
	return d.pubCh.PublishWithContext(ctx, "", d.cfg.Queue, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Type:         producer.TaskName,
		MessageId:    t.StreamID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func (d *Dispatcher) workerLoop(ctx context.Context, deliveries <-chan amqp091.Delivery) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.closed:
			return
		case msg, ok := <-deliveries:
			if !ok {
				return
			}
			d.process(ctx, msg)
		}
	}
}

// process runs one delivery. Tasks are never requeued: a producer execution
// happens at most once per stream.
func (d *Dispatcher) process(ctx context.Context, msg amqp091.Delivery) {
	if msg.Type != "" && msg.Type != producer.TaskName {
		d.log.Warn("unknown task type, dropping", log.Str("type", msg.Type))
		_ = msg.Nack(false, false)
		return
	}
	var t producer.Task
	if err := json.Unmarshal(msg.Body, &t); err != nil {
		d.log.Warn("undecodable task, dropping", log.Err(err))
		_ = msg.Nack(false, false)
		return
	}
	if err := d.runner.Run(context.WithoutCancel(ctx), t); err != nil {
		d.log.Error("task failed", log.Str("stream_id", t.StreamID), log.Err(err))
		_ = msg.Nack(false, false)
		return
	}
	_ = msg.Ack(false)
}

// Close stops consuming, waits for in-flight tasks and closes the connection.
func (d *Dispatcher) Close() error {
	var err error
	d.closeMu.Do(func() {
		close(d.closed)
		if d.subCh != nil {
			_ = d.subCh.Cancel(d.cfg.ConsumerTag, false)
		}
		d.wg.Wait()
		if d.conn != nil {
			err = d.conn.Close()
		}
	})
	return err
}
