package producer

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/chatrelay/internal/event"
	"github.com/rzbill/chatrelay/internal/eventlog"
	"github.com/rzbill/chatrelay/internal/llm"
	"github.com/rzbill/chatrelay/internal/registry"
	pebblestore "github.com/rzbill/chatrelay/internal/storage/pebble"
)

// scripted yields Chunks in order, calling After(i) once chunk i was
// consumed, then yields Err if set.
type scripted struct {
	Chunks []string
	Err    error
	After  func(i int)
	got    []llm.Message
}

func (s *scripted) Generate(ctx context.Context, msgs []llm.Message) iter.Seq2[string, error] {
	s.got = msgs
	return func(yield func(string, error) bool) {
		for i, c := range s.Chunks {
			if !yield(c, nil) {
				return
			}
			if s.After != nil {
				s.After(i)
			}
		}
		if s.Err != nil {
			yield("", s.Err)
		}
	}
}

type fakePersister struct {
	mu        sync.Mutex
	replyID   int64
	history   []llm.Message
	startErr  error
	finalText map[int64]string
	errorText map[int64]string
}

func newFakePersister() *fakePersister {
	return &fakePersister{
		replyID:   101,
		history:   []llm.Message{{Role: llm.RoleUser, Content: "Say hello"}},
		finalText: map[int64]string{},
		errorText: map[int64]string{},
	}
}

func (f *fakePersister) StartReply(ctx context.Context, userMessageID int64) (int64, []llm.Message, error) {
	if f.startErr != nil {
		return 0, nil, f.startErr
	}
	return f.replyID, f.history, nil
}

func (f *fakePersister) SaveFinalText(ctx context.Context, id int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalText[id] = text
	return nil
}

func (f *fakePersister) SaveError(ctx context.Context, id int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errorText[id] = text
	return nil
}

type env struct {
	logs *eventlog.Store
	reg  *registry.Registry
}

func newEnv(t *testing.T) env {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	logs := eventlog.NewStore(db, clock.WallClock)
	return env{logs: logs, reg: registry.New(db, logs, clock.WallClock, registry.Options{})}
}

func (e env) events(t *testing.T, id string) []event.Event {
	t.Helper()
	entries, err := e.logs.ReadFrom(context.Background(), id, eventlog.Origin, 100, 0)
	require.NoError(t, err)
	out := make([]event.Event, len(entries))
	for i, en := range entries {
		out[i] = en.Event
	}
	return out
}

func kinds(evs []event.Event) []event.Kind {
	out := make([]event.Kind, len(evs))
	for i, e := range evs {
		out[i] = e.Kind
	}
	return out
}

func int64p(v int64) *int64 { return &v }

func TestRunAuthenticatedComplete(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	owner := "42"
	require.NoError(t, e.reg.Create(ctx, "s1", &owner, nil))

	pers := newFakePersister()
	gen := &scripted{Chunks: []string{"Hel", "lo"}}
	p := New(e.logs, e.reg, gen, pers, Options{}, nil)

	require.NoError(t, p.Run(ctx, Task{StreamID: "s1", MessageID: int64p(7)}))

	evs := e.events(t, "s1")
	require.Equal(t, []event.Kind{event.KindChunk, event.KindChunk, event.KindComplete}, kinds(evs))
	require.Equal(t, "Hel", evs[0].Content)
	require.Equal(t, int64(101), *evs[2].MessageID)
	require.Equal(t, "Hello", pers.finalText[101])
	require.Equal(t, pers.history, gen.got)

	st, ok, err := e.reg.Get(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, registry.StatusComplete, st.Status)
}

func TestRunGeneratorFailsMidStream(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.reg.Create(ctx, "s1", nil, nil))

	pers := newFakePersister()
	gen := &scripted{Chunks: []string{"Hel"}, Err: errors.New("model overloaded")}
	p := New(e.logs, e.reg, gen, pers, Options{}, nil)

	require.NoError(t, p.Run(ctx, Task{StreamID: "s1", MessageID: int64p(7)}))

	evs := e.events(t, "s1")
	require.Equal(t, []event.Kind{event.KindChunk, event.KindError}, kinds(evs))
	require.Equal(t, "model overloaded", evs[1].Message)

	st, _, err := e.reg.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, registry.StatusError, st.Status)
	require.NotEmpty(t, st.ErrorMessage)
	require.Equal(t, "model overloaded", pers.errorText[101])
	require.Empty(t, pers.finalText)
}

func TestRunStopsWhenStreamRemoved(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.reg.Create(ctx, "s1", nil, nil))

	gen := &scripted{Chunks: []string{"a", "b", "c"}}
	gen.After = func(i int) {
		if i == 0 {
			_, err := e.reg.Delete(ctx, "s1")
			require.NoError(t, err)
		}
	}
	p := New(e.logs, e.reg, gen, nil, Options{}, nil)

	require.NoError(t, p.Run(ctx, Task{StreamID: "s1", Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}}))

	evs := e.events(t, "s1")
	require.Equal(t, []event.Kind{event.KindChunk}, kinds(evs))
	_, ok, err := e.reg.Get(ctx, "s1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRunKeepsPartialReplyWhenStreamRemoved(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	owner := "u1"
	require.NoError(t, e.reg.Create(ctx, "s1", &owner, int64p(7)))

	pers := newFakePersister()
	gen := &scripted{Chunks: []string{"Hel", "lo", "!"}}
	gen.After = func(i int) {
		if i == 1 {
			_, err := e.reg.Delete(ctx, "s1")
			require.NoError(t, err)
		}
	}
	p := New(e.logs, e.reg, gen, pers, Options{}, nil)

	require.NoError(t, p.Run(ctx, Task{StreamID: "s1", MessageID: int64p(7)}))

	pers.mu.Lock()
	defer pers.mu.Unlock()
	require.Equal(t, "Hello", pers.finalText[101])
	require.Empty(t, pers.errorText)
}

func TestRunGuestCarriesNullMessageID(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.reg.Create(ctx, "g1", nil, nil))

	p := New(e.logs, e.reg, &scripted{Chunks: []string{"hi"}}, nil, Options{}, nil)
	require.NoError(t, p.Run(ctx, Task{StreamID: "g1", Messages: []llm.Message{{Role: llm.RoleUser, Content: "hey"}}}))

	evs := e.events(t, "g1")
	require.Equal(t, []event.Kind{event.KindChunk, event.KindComplete}, kinds(evs))
	for _, ev := range evs {
		require.Nil(t, ev.MessageID)
	}
	b, err := event.Encode(evs[0])
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"chunk","content":"hi","message_id":null}`, string(b))
}

func TestRunGuestWithoutMessagesFails(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.reg.Create(ctx, "g1", nil, nil))

	p := New(e.logs, e.reg, &scripted{}, nil, Options{}, nil)
	require.NoError(t, p.Run(ctx, Task{StreamID: "g1"}))

	evs := e.events(t, "g1")
	require.Equal(t, []event.Kind{event.KindError}, kinds(evs))
	st, _, _ := e.reg.Get(ctx, "g1")
	require.Equal(t, registry.StatusError, st.Status)
}

func TestRunStartReplyFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.reg.Create(ctx, "s1", nil, nil))

	pers := newFakePersister()
	pers.startErr = errors.New("Message 7 not found")
	p := New(e.logs, e.reg, &scripted{Chunks: []string{"x"}}, pers, Options{}, nil)
	require.NoError(t, p.Run(ctx, Task{StreamID: "s1", MessageID: int64p(7)}))

	evs := e.events(t, "s1")
	require.Equal(t, []event.Kind{event.KindError}, kinds(evs))
	require.Nil(t, evs[0].MessageID)
	require.Empty(t, pers.errorText)
}

func TestRunTrimsCompletedLog(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.reg.Create(ctx, "s1", nil, nil))

	gen := &scripted{Chunks: []string{"1", "2", "3", "4", "5"}}
	p := New(e.logs, e.reg, gen, nil, Options{TrimTo: 3}, nil)
	require.NoError(t, p.Run(ctx, Task{StreamID: "s1", Messages: []llm.Message{{Role: llm.RoleUser, Content: "count"}}}))

	evs := e.events(t, "s1")
	require.Len(t, evs, 3)
	require.Equal(t, event.KindComplete, evs[2].Kind)
}

type recordingRunner struct {
	done chan Task
}

func (r *recordingRunner) Run(ctx context.Context, t Task) error {
	r.done <- t
	return nil
}

type failingExecutor struct{}

func (failingExecutor) Submit(context.Context, Task) error { return errors.New("broker down") }

func TestLocalAndFallbackExecutors(t *testing.T) {
	r := &recordingRunner{done: make(chan Task, 2)}
	local := NewLocal(r, 2, nil)

	f := Fallback{Primary: failingExecutor{}, Secondary: local}
	require.NoError(t, f.Submit(context.Background(), Task{StreamID: "s1"}))

	select {
	case got := <-r.done:
		require.Equal(t, "s1", got.StreamID)
	case <-time.After(time.Second):
		t.Fatal("task did not run on the local executor")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, local.Close(ctx))
	require.ErrorIs(t, local.Submit(context.Background(), Task{StreamID: "s2"}), ErrClosed)
}
