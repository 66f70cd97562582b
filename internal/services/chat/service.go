package chatsvc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rzbill/chatrelay/internal/chatstore"
	"github.com/rzbill/chatrelay/internal/llm"
	"github.com/rzbill/chatrelay/internal/producer"
	"github.com/rzbill/chatrelay/pkg/id"
	"github.com/rzbill/chatrelay/pkg/log"
)

// StatusStarted is reported once the producer task has been accepted.
const StatusStarted = "processing_started"

// MaxContentLen bounds a single user message.
const MaxContentLen = 10000

var (
	// ErrInvalid marks a malformed request.
	ErrInvalid = errors.New("chat: invalid request")
	// ErrConversationNotFound is returned for unknown or foreign conversations.
	ErrConversationNotFound = errors.New("chat: conversation not found")
	// ErrUnavailable wraps storage and dispatch failures.
	ErrUnavailable = errors.New("chat: service temporarily unavailable")
)

// Conversations stores authenticated chat history.
type Conversations interface {
	CreateConversation(ctx context.Context, owner, firstMessage string) (chatstore.Conversation, error)
	Conversation(ctx context.Context, id int64) (chatstore.Conversation, error)
	AddMessage(ctx context.Context, m chatstore.Message) (chatstore.Message, error)
}

// Streams registers streams and records dispatch failures.
type Streams interface {
	Create(ctx context.Context, id string, ownerID *string, conversationID *int64) error
	Fail(ctx context.Context, id, msg string) (bool, error)
}

// SendRequest is one inbound chat message. A nil Principal selects the
// guest path, which requires Messages instead of Content.
type SendRequest struct {
	Principal      *string
	Content        string
	ConversationID *int64
	Messages       []llm.Message
}

// SendResult is returned once the reply is streaming.
type SendResult struct {
	Status         string `json:"status"`
	MessageID      *int64 `json:"message_id"`
	StreamID       string `json:"stream_id"`
	ConversationID *int64 `json:"conversation_id,omitempty"`
	Title          string `json:"title,omitempty"`
}

type Service struct {
	chats    Conversations
	streams  Streams
	executor producer.Executor
	ids      id.Source
	log      log.Logger
}

func New(chats Conversations, streams Streams, executor producer.Executor, ids id.Source, logger log.Logger) *Service {
	if ids == nil {
		ids = id.UUID{}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Service{chats: chats, streams: streams, executor: executor, ids: ids, log: logger.WithComponent("chat")}
}

// Send validates req, registers a stream and dispatches the reply.
func (s *Service) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if req.Principal == nil {
		return s.sendGuest(ctx, req)
	}
	return s.sendUser(ctx, req)
}

func (s *Service) sendUser(ctx context.Context, req SendRequest) (SendResult, error) {
	if strings.TrimSpace(req.Content) == "" {
		return SendResult{}, fmt.Errorf("%w: content required", ErrInvalid)
	}
	if len(req.Content) > MaxContentLen {
		return SendResult{}, fmt.Errorf("%w: content exceeds %d characters", ErrInvalid, MaxContentLen)
	}
	if s.chats == nil {
		return SendResult{}, fmt.Errorf("%w: chat history is not configured", ErrUnavailable)
	}
	owner := *req.Principal

	var res SendResult
	var conv chatstore.Conversation
	if req.ConversationID != nil {
		c, err := s.chats.Conversation(ctx, *req.ConversationID)
		if errors.Is(err, chatstore.ErrNotFound) || (err == nil && c.OwnerID != owner) {
			return SendResult{}, ErrConversationNotFound
		}
		if err != nil {
			return SendResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		conv = c
	} else {
		c, err := s.chats.CreateConversation(ctx, owner, req.Content)
		if err != nil {
			return SendResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		conv = c
		res.ConversationID = &conv.ID
		res.Title = conv.Title
	}

	msg, err := s.chats.AddMessage(ctx, chatstore.Message{
		ConversationID: conv.ID,
		Role:           llm.RoleUser,
		Content:        req.Content,
		Status:         chatstore.StatusComplete,
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	streamID, err := s.start(ctx, &owner, &conv.ID, producer.Task{MessageID: &msg.ID, ConversationID: &conv.ID})
	if err != nil {
		return SendResult{}, err
	}
	res.Status = StatusStarted
	res.MessageID = &msg.ID
	res.StreamID = streamID
	return res, nil
}

func (s *Service) sendGuest(ctx context.Context, req SendRequest) (SendResult, error) {
	if len(req.Messages) == 0 {
		return SendResult{}, fmt.Errorf("%w: messages list required for guest chat", ErrInvalid)
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != llm.RoleUser || strings.TrimSpace(last.Content) == "" {
		return SendResult{}, fmt.Errorf("%w: last message must be a user message with content", ErrInvalid)
	}
	msgs := append([]llm.Message(nil), req.Messages...)

	streamID, err := s.start(ctx, nil, nil, producer.Task{Messages: msgs})
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{Status: StatusStarted, StreamID: streamID}, nil
}

// start registers the stream and hands the task to the executor. A task
// that cannot be dispatched leaves the stream in error so attached clients
// learn about it.
func (s *Service) start(ctx context.Context, owner *string, conv *int64, t producer.Task) (string, error) {
	streamID := s.ids.Next()
	if err := s.streams.Create(ctx, streamID, owner, conv); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	t.StreamID = streamID
	if err := s.executor.Submit(ctx, t); err != nil {
		s.log.Error("dispatch failed", log.Str("stream_id", streamID), log.Err(err))
		if _, ferr := s.streams.Fail(context.WithoutCancel(ctx), streamID, ErrUnavailable.Error()); ferr != nil {
			s.log.Warn("record dispatch failure", log.Str("stream_id", streamID), log.Err(ferr))
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.log.Debug("stream started", log.Str("stream_id", streamID), log.Bool("guest", owner == nil))
	return streamID, nil
}
