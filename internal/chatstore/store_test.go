package chatstore

import (
	"context"
	"errors"
	"testing"

	"github.com/juju/clock"

	"github.com/rzbill/chatrelay/internal/llm"
	pebblestore "github.com/rzbill/chatrelay/internal/storage/pebble"
)

func openStore(t *testing.T, dir string) (*Store, *pebblestore.DB) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	s, err := Open(db, clock.WallClock)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s, db
}

func TestReplyLifecycle(t *testing.T) {
	s, db := openStore(t, t.TempDir())
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "42", "What is Go?\nmore")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if conv.Title != "What is Go?" {
		t.Fatalf("unexpected title %q", conv.Title)
	}
	user, err := s.AddMessage(ctx, Message{ConversationID: conv.ID, Role: llm.RoleUser, Content: "What is Go?", Status: StatusComplete})
	if err != nil {
		t.Fatalf("add message: %v", err)
	}

	replyID, history, err := s.StartReply(ctx, user.ID)
	if err != nil {
		t.Fatalf("start reply: %v", err)
	}
	if len(history) != 1 || history[0].Content != "What is Go?" {
		t.Fatalf("unexpected history: %+v", history)
	}
	reply, _ := s.Message(ctx, replyID)
	if reply.Status != StatusStreaming || reply.ParentID == nil || *reply.ParentID != user.ID {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	if err := s.SaveFinalText(ctx, replyID, "A language."); err != nil {
		t.Fatalf("save final: %v", err)
	}
	reply, _ = s.Message(ctx, replyID)
	if reply.Status != StatusComplete || reply.Content != "A language." {
		t.Fatalf("unexpected completed reply: %+v", reply)
	}

	// Second turn sees the first exchange.
	next, _ := s.AddMessage(ctx, Message{ConversationID: conv.ID, Role: llm.RoleUser, Content: "And Rust?", Status: StatusComplete})
	errID, history, err := s.StartReply(ctx, next.ID)
	if err != nil {
		t.Fatalf("start reply: %v", err)
	}
	if len(history) != 3 || history[1].Role != llm.RoleAssistant {
		t.Fatalf("unexpected second history: %+v", history)
	}
	if err := s.SaveError(ctx, errID, "quota"); err != nil {
		t.Fatalf("save error: %v", err)
	}
	failed, _ := s.Message(ctx, errID)
	if failed.Status != StatusError || failed.Content != "Error: quota" {
		t.Fatalf("unexpected failed reply: %+v", failed)
	}
}

func TestIDsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	s, db := openStore(t, dir)
	ctx := context.Background()
	conv, err := s.CreateConversation(ctx, "1", "hi")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m, err := s.AddMessage(ctx, Message{ConversationID: conv.ID, Role: llm.RoleUser, Content: "hi"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, db = openStore(t, dir)
	t.Cleanup(func() { _ = db.Close() })
	m2, err := s.AddMessage(ctx, Message{ConversationID: conv.ID, Role: llm.RoleUser, Content: "again"})
	if err != nil {
		t.Fatalf("add after reopen: %v", err)
	}
	if m2.ID <= m.ID {
		t.Fatalf("message id reused: %d then %d", m.ID, m2.ID)
	}
}

func TestMissingRecords(t *testing.T) {
	s, db := openStore(t, t.TempDir())
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if _, err := s.Message(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.AddMessage(ctx, Message{ConversationID: 5}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing conversation, got %v", err)
	}
	if _, _, err := s.StartReply(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
