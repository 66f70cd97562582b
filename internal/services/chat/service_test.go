package chatsvc

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/juju/clock"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/chatrelay/internal/chatstore"
	"github.com/rzbill/chatrelay/internal/eventlog"
	"github.com/rzbill/chatrelay/internal/llm"
	"github.com/rzbill/chatrelay/internal/producer"
	"github.com/rzbill/chatrelay/internal/registry"
	pebblestore "github.com/rzbill/chatrelay/internal/storage/pebble"
	"github.com/rzbill/chatrelay/pkg/id"
)

type captureExecutor struct {
	mu    sync.Mutex
	tasks []producer.Task
	err   error
}

func (c *captureExecutor) Submit(_ context.Context, t producer.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.tasks = append(c.tasks, t)
	return nil
}

type fixture struct {
	svc   *Service
	exec  *captureExecutor
	reg   *registry.Registry
	chats *chatstore.Store
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	logs := eventlog.NewStore(db, clock.WallClock)
	reg := registry.New(db, logs, clock.WallClock, registry.Options{})
	chats, err := chatstore.Open(db, clock.WallClock)
	require.NoError(t, err)
	exec := &captureExecutor{}
	return fixture{
		svc:   New(chats, reg, exec, &id.Sequence{Prefix: "s"}, nil),
		exec:  exec,
		reg:   reg,
		chats: chats,
	}
}

func strp(s string) *string { return &s }

func TestSendCreatesConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Send(ctx, SendRequest{Principal: strp("42"), Content: "Plan my week\nplease"})
	require.NoError(t, err)
	require.Equal(t, StatusStarted, res.Status)
	require.Equal(t, "s-1", res.StreamID)
	require.NotNil(t, res.MessageID)
	require.NotNil(t, res.ConversationID)
	require.Equal(t, "Plan my week", res.Title)

	st, ok, err := f.reg.Get(ctx, "s-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, registry.StatusActive, st.Status)
	require.Equal(t, "42", *st.OwnerID)

	require.Len(t, f.exec.tasks, 1)
	task := f.exec.tasks[0]
	require.Equal(t, "s-1", task.StreamID)
	require.Equal(t, *res.MessageID, *task.MessageID)
	require.False(t, task.Guest())

	msg, err := f.chats.Message(ctx, *res.MessageID)
	require.NoError(t, err)
	require.Equal(t, llm.RoleUser, msg.Role)
}

func TestSendToExistingConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.svc.Send(ctx, SendRequest{Principal: strp("42"), Content: "one"})
	require.NoError(t, err)

	res, err := f.svc.Send(ctx, SendRequest{Principal: strp("42"), Content: "two", ConversationID: first.ConversationID})
	require.NoError(t, err)
	require.Nil(t, res.ConversationID, "existing conversations are not echoed back")

	_, err = f.svc.Send(ctx, SendRequest{Principal: strp("7"), Content: "intrude", ConversationID: first.ConversationID})
	require.ErrorIs(t, err, ErrConversationNotFound)

	missing := int64(999)
	_, err = f.svc.Send(ctx, SendRequest{Principal: strp("42"), Content: "x", ConversationID: &missing})
	require.ErrorIs(t, err, ErrConversationNotFound)
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := []SendRequest{
		{Principal: strp("1"), Content: "  "},
		{},
		{Messages: []llm.Message{{Role: llm.RoleAssistant, Content: "hi"}}},
		{Messages: []llm.Message{{Role: llm.RoleUser, Content: ""}}},
	}
	for _, req := range cases {
		_, err := f.svc.Send(ctx, req)
		require.ErrorIs(t, err, ErrInvalid)
	}
	require.Empty(t, f.exec.tasks)
}

func TestGuestSend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msgs := []llm.Message{{Role: llm.RoleUser, Content: "hello"}}

	res, err := f.svc.Send(ctx, SendRequest{Messages: msgs})
	require.NoError(t, err)
	require.Nil(t, res.MessageID)
	require.Nil(t, res.ConversationID)

	st, ok, err := f.reg.Get(ctx, res.StreamID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, st.OwnerID)

	require.Len(t, f.exec.tasks, 1)
	require.True(t, f.exec.tasks[0].Guest())
	require.Equal(t, msgs, f.exec.tasks[0].Messages)
}

func TestDispatchFailureMarksStream(t *testing.T) {
	f := newFixture(t)
	f.exec.err = errors.New("queue down")
	ctx := context.Background()

	_, err := f.svc.Send(ctx, SendRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	require.ErrorIs(t, err, ErrUnavailable)

	st, ok, err := f.reg.Get(ctx, "s-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, registry.StatusError, st.Status)
}
