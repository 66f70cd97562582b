// Package chatstore persists conversations and messages for authenticated
// chats and records the final state of AI replies.
package chatstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/juju/clock"

	"github.com/rzbill/chatrelay/internal/llm"
	pebblestore "github.com/rzbill/chatrelay/internal/storage/pebble"
)

// Message statuses.
const (
	StatusStreaming = "streaming"
	StatusComplete  = "complete"
	StatusError     = "error"
)

var ErrNotFound = errors.New("chatstore: not found")

type Conversation struct {
	ID        int64     `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Status         string    `json:"status"`
	ParentID       *int64    `json:"parent_message_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

var (
	seqConvKey    = []byte("chat/seq/conv")
	seqMsgKey     = []byte("chat/seq/msg")
	convPrefix    = []byte("chat/conv/")
	msgPrefix     = []byte("chat/msg/")
	convMsgPrefix = []byte("chat/convmsg/")
)

func keyConv(id int64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte(nil), convPrefix...), uint64(id))
}
func keyMsg(id int64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte(nil), msgPrefix...), uint64(id))
}

func keyConvMsgPrefix(conv int64) []byte {
	k := binary.BigEndian.AppendUint64(append([]byte(nil), convMsgPrefix...), uint64(conv))
	return append(k, '/')
}

func keyConvMsg(conv, msg int64) []byte {
	return binary.BigEndian.AppendUint64(keyConvMsgPrefix(conv), uint64(msg))
}

// Store is a Pebble-backed conversation store.
type Store struct {
	db    *pebblestore.DB
	clock clock.Clock

	mu      sync.Mutex
	lastMsg int64
	lastCnv int64
}

// Open loads id counters from db.
func Open(db *pebblestore.DB, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.WallClock
	}
	s := &Store{db: db, clock: clk}
	var err error
	if s.lastCnv, err = s.loadSeq(seqConvKey); err != nil {
		return nil, err
	}
	if s.lastMsg, err = s.loadSeq(seqMsgKey); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadSeq(key []byte) (int64, error) {
	v, err := s.db.Get(key)
	if pebblestore.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("chatstore: load %s: %w", key, err)
	}
	if len(v) < 8 {
		return 0, nil
	}
	return int64(binary.BigEndian.Uint64(v)), nil
}

// CreateConversation starts a conversation for owner. The title defaults to
// the first line of firstMessage.
func (s *Store) CreateConversation(ctx context.Context, owner, firstMessage string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := Conversation{ID: s.lastCnv + 1, OwnerID: owner, Title: titleFrom(firstMessage), CreatedAt: s.clock.Now().UTC()}
	b := s.db.NewBatch()
	defer b.Close()
	if err := putJSON(b, keyConv(c.ID), c); err != nil {
		return Conversation{}, err
	}
	if err := b.Set(seqConvKey, binary.BigEndian.AppendUint64(nil, uint64(c.ID)), nil); err != nil {
		return Conversation{}, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return Conversation{}, fmt.Errorf("chatstore: create conversation: %w", err)
	}
	s.lastCnv = c.ID
	return c, nil
}

// Conversation returns the conversation with id.
func (s *Store) Conversation(ctx context.Context, id int64) (Conversation, error) {
	var c Conversation
	if err := s.getJSON(keyConv(id), &c); err != nil {
		return Conversation{}, fmt.Errorf("conversation %d: %w", id, err)
	}
	return c, nil
}

// AddMessage stores m with a fresh id and returns it.
func (s *Store) AddMessage(ctx context.Context, m Message) (Message, error) {
	if _, err := s.Conversation(ctx, m.ConversationID); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m.ID = s.lastMsg + 1
	m.CreatedAt = s.clock.Now().UTC()
	b := s.db.NewBatch()
	defer b.Close()
	if err := putJSON(b, keyMsg(m.ID), m); err != nil {
		return Message{}, err
	}
	if err := b.Set(keyConvMsg(m.ConversationID, m.ID), nil, nil); err != nil {
		return Message{}, err
	}
	if err := b.Set(seqMsgKey, binary.BigEndian.AppendUint64(nil, uint64(m.ID)), nil); err != nil {
		return Message{}, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return Message{}, fmt.Errorf("chatstore: add message: %w", err)
	}
	s.lastMsg = m.ID
	return m, nil
}

// Message returns the message with id.
func (s *Store) Message(ctx context.Context, id int64) (Message, error) {
	var m Message
	if err := s.getJSON(keyMsg(id), &m); err != nil {
		return Message{}, fmt.Errorf("message %d: %w", id, err)
	}
	return m, nil
}

// History returns the messages of a conversation in creation order.
func (s *Store) History(ctx context.Context, conv int64) ([]Message, error) {
	prefix := keyConvMsgPrefix(conv)
	var ids []int64
	err := s.db.ScanPrefix(prefix, func(k, _ []byte) error {
		ids = append(ids, int64(binary.BigEndian.Uint64(k[len(prefix):])))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chatstore: history %d: %w", conv, err)
	}
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		m, err := s.Message(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// StartReply creates an empty streaming assistant message answering the
// user message and returns its id with the conversation history to send.
func (s *Store) StartReply(ctx context.Context, userMessageID int64) (int64, []llm.Message, error) {
	user, err := s.Message(ctx, userMessageID)
	if err != nil {
		return 0, nil, err
	}
	history, err := s.History(ctx, user.ConversationID)
	if err != nil {
		return 0, nil, err
	}
	msgs := make([]llm.Message, 0, len(history))
	for _, m := range history {
		if m.Status == StatusError || m.Content == "" {
			continue
		}
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	reply, err := s.AddMessage(ctx, Message{
		ConversationID: user.ConversationID,
		Role:           llm.RoleAssistant,
		Status:         StatusStreaming,
		ParentID:       &user.ID,
	})
	if err != nil {
		return 0, nil, err
	}
	return reply.ID, msgs, nil
}

// SaveFinalText stores the completed reply text.
func (s *Store) SaveFinalText(ctx context.Context, messageID int64, text string) error {
	return s.update(ctx, messageID, text, StatusComplete)
}

// SaveError stores the reply in its error form.
func (s *Store) SaveError(ctx context.Context, messageID int64, text string) error {
	return s.update(ctx, messageID, "Error: "+text, StatusError)
}

func (s *Store) update(ctx context.Context, id int64, content, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.Message(ctx, id)
	if err != nil {
		return err
	}
	m.Content = content
	m.Status = status
	b := s.db.NewBatch()
	defer b.Close()
	if err := putJSON(b, keyMsg(id), m); err != nil {
		return err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("chatstore: update message %d: %w", id, err)
	}
	return nil
}

func (s *Store) getJSON(key []byte, v any) error {
	b, err := s.db.Get(key)
	if pebblestore.IsNotFound(err) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func putJSON(b *pebble.Batch, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Set(key, raw, nil)
}

func titleFrom(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	if r := []rune(line); len(r) > 60 {
		return string(r[:57]) + "..."
	}
	if line == "" {
		return "New chat"
	}
	return line
}
