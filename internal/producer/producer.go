package producer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rzbill/chatrelay/internal/event"
	"github.com/rzbill/chatrelay/internal/eventlog"
	"github.com/rzbill/chatrelay/internal/llm"
	"github.com/rzbill/chatrelay/internal/registry"
	"github.com/rzbill/chatrelay/pkg/log"
)

// TaskName identifies completion tasks on dispatch queues.
const TaskName = "ai.process_message_stream"

// Task binds one producer execution to one stream. MessageID names the user
// message being answered; guest tasks leave it nil and carry Messages.
type Task struct {
	StreamID       string        `json:"stream_id"`
	MessageID      *int64        `json:"message_id,omitempty"`
	ConversationID *int64        `json:"conversation_id,omitempty"`
	Messages       []llm.Message `json:"messages,omitempty"`
}

// Guest reports whether the task has no persisted message.
func (t Task) Guest() bool { return t.MessageID == nil }

// EventLog is the subset of the event log store the producer writes to.
type EventLog interface {
	Append(ctx context.Context, streamID string, e event.Event) (eventlog.EntryID, error)
	Trim(ctx context.Context, streamID string, approxMax int) (int, error)
}

// Streams is the subset of the registry the producer drives.
type Streams interface {
	Get(ctx context.Context, id string) (registry.Stream, bool, error)
	Touch(ctx context.Context, id string) (bool, error)
	Complete(ctx context.Context, id string) (bool, error)
	Fail(ctx context.Context, id, msg string) (bool, error)
}

// Persister stores AI replies for authenticated chats.
type Persister interface {
	// StartReply creates the reply to userMessageID and returns its id with
	// the conversation history to generate from.
	StartReply(ctx context.Context, userMessageID int64) (int64, []llm.Message, error)
	SaveFinalText(ctx context.Context, messageID int64, text string) error
	SaveError(ctx context.Context, messageID int64, text string) error
}

// Options configures a Producer.
type Options struct {
	// TrimTo bounds the log length once a stream completes.
	TrimTo int
	Budget llm.Budget
}

// Producer executes completion tasks.
type Producer struct {
	logs      EventLog
	streams   Streams
	gen       llm.Generator
	persister Persister
	opts      Options
	log       log.Logger
}

// New returns a Producer. persister may be nil when only guest tasks run.
func New(logs EventLog, streams Streams, gen llm.Generator, persister Persister, opts Options, logger log.Logger) *Producer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.TrimTo <= 0 {
		opts.TrimTo = 1000
	}
	return &Producer{
		logs:      logs,
		streams:   streams,
		gen:       gen,
		persister: persister,
		opts:      opts,
		log:       logger.WithComponent("producer"),
	}
}

// Run executes t to a terminal state. Generation and persistence failures
// are converted into an error event and a failed stream; Run only returns
// an error when recording that failure itself failed.
func (p *Producer) Run(ctx context.Context, t Task) error {
	lg := p.log.With(log.Str("stream_id", t.StreamID))

	var replyID *int64
	messages := t.Messages
	if !t.Guest() {
		if p.persister == nil {
			return p.fail(ctx, lg, t, nil, errors.New("message persistence is not configured"))
		}
		id, history, err := p.persister.StartReply(ctx, *t.MessageID)
		if err != nil {
			return p.fail(ctx, lg, t, nil, err)
		}
		replyID, messages = &id, history
	}
	if len(messages) == 0 {
		return p.fail(ctx, lg, t, replyID, llm.ErrNoMessages)
	}
	messages = p.opts.Budget.Trim(messages)

	var text strings.Builder
	chunks := 0
	for chunk, err := range p.gen.Generate(ctx, messages) {
		if err != nil {
			return p.fail(ctx, lg, t, replyID, err)
		}
		if chunk == "" {
			continue
		}
		_, ok, err := p.streams.Get(ctx, t.StreamID)
		if err != nil {
			return p.fail(ctx, lg, t, replyID, err)
		}
		if !ok {
			lg.Info("stream removed, stopping", log.Int("chunks", chunks))
			// The partial reply still becomes the final message.
			if replyID != nil {
				if err := p.persister.SaveFinalText(context.WithoutCancel(ctx), *replyID, text.String()); err != nil {
					return fmt.Errorf("producer: save cancelled reply %d: %w", *replyID, err)
				}
			}
			return nil
		}
		if _, err := p.logs.Append(ctx, t.StreamID, event.Chunk(chunk, replyID)); err != nil {
			return p.fail(ctx, lg, t, replyID, err)
		}
		text.WriteString(chunk)
		chunks++
		if live, err := p.streams.Touch(ctx, t.StreamID); err != nil {
			lg.Warn("touch failed", log.Err(err))
		} else if !live {
			lg.Debug("liveness marker already expired")
		}
	}

	if replyID != nil {
		if err := p.persister.SaveFinalText(ctx, *replyID, text.String()); err != nil {
			return p.fail(ctx, lg, t, replyID, err)
		}
	}
	if _, err := p.logs.Append(ctx, t.StreamID, event.Complete(replyID)); err != nil {
		return p.fail(ctx, lg, t, replyID, err)
	}
	if _, err := p.streams.Complete(ctx, t.StreamID); err != nil {
		return fmt.Errorf("producer: complete %s: %w", t.StreamID, err)
	}
	if n, err := p.logs.Trim(ctx, t.StreamID, p.opts.TrimTo); err != nil {
		lg.Warn("trim failed", log.Err(err))
	} else if n > 0 {
		lg.Debug("trimmed log", log.Int("entries", n))
	}
	lg.Info("stream complete", log.Int("chunks", chunks), log.Int("bytes", text.Len()))
	return nil
}

// fail records cause as the terminal error of the stream. Every step is
// attempted; failures of the steps themselves are joined and returned.
func (p *Producer) fail(ctx context.Context, lg log.Logger, t Task, replyID *int64, cause error) error {
	msg := cause.Error()
	lg.Warn("producer failed", log.Err(cause))
	// The failure is recorded even when ctx was cancelled mid-generation.
	ctx = context.WithoutCancel(ctx)

	var errs []error
	if _, err := p.logs.Append(ctx, t.StreamID, event.Failure(msg, replyID)); err != nil {
		errs = append(errs, fmt.Errorf("append error event: %w", err))
	}
	if replyID != nil && p.persister != nil {
		if err := p.persister.SaveError(ctx, *replyID, msg); err != nil {
			errs = append(errs, fmt.Errorf("save error reply: %w", err))
		}
	}
	if _, err := p.streams.Fail(ctx, t.StreamID, msg); err != nil {
		errs = append(errs, fmt.Errorf("mark stream failed: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("producer: record failure of %s: %w", t.StreamID, errors.Join(errs...))
	}
	return nil
}
