package store

import (
	"context"
	"testing"
)

func TestSessionLifecycle(t *testing.T) {
	s, err := NewCoreStore("")
	if err != nil {
		t.Fatalf("NewCoreStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	row, err := s.CreateSession(ctx, "sess-1", "Alice")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if row.UUID != "sess-1" || row.CharacterName != "Alice" {
		t.Fatalf("unexpected session row: %+v", row)
	}

	loaded, err := s.LoadSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if loaded.UUID != "sess-1" {
		t.Fatalf("expected sess-1, got %s", loaded.UUID)
	}

	rows, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 session, got %d", len(rows))
	}

	if err := s.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.LoadSession(ctx, "sess-1"); err == nil {
		t.Fatal("expected error loading a deleted session")
	}
}

func TestAppendAndSummarizeMessages(t *testing.T) {
	s, err := NewCoreStore("")
	if err != nil {
		t.Fatalf("NewCoreStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if _, err := s.CreateSession(ctx, "sess-1", "Alice"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	msg1, err := s.AppendMessage(ctx, "sess-1", RoleUser, "hello")
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, err := s.AppendMessage(ctx, "sess-1", RoleAssistant, "hi there"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	unsummarized, err := s.UnsummarizedMessages(ctx, "sess-1")
	if err != nil {
		t.Fatalf("UnsummarizedMessages: %v", err)
	}
	if len(unsummarized) != 2 {
		t.Fatalf("expected 2 unsummarized messages, got %d", len(unsummarized))
	}

	if err := s.MarkMessagesSummarized(ctx, []int64{msg1.ID}); err != nil {
		t.Fatalf("MarkMessagesSummarized: %v", err)
	}

	remaining, err := s.UnsummarizedMessages(ctx, "sess-1")
	if err != nil {
		t.Fatalf("UnsummarizedMessages (after mark): %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected 1 unsummarized message after marking, got %d", len(remaining))
	}

	full, err := s.FullHistory(ctx, "sess-1")
	if err != nil {
		t.Fatalf("FullHistory: %v", err)
	}
	if len(full) != 2 {
		t.Fatalf("expected 2 messages in full history, got %d", len(full))
	}
}

func TestWorldStateSaveAndLoad(t *testing.T) {
	s, err := NewCoreStore("")
	if err != nil {
		t.Fatalf("NewCoreStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if _, err := s.CreateSession(ctx, "sess-1", "Alice"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	msg, err := s.AppendMessage(ctx, "sess-1", RoleUser, "hello")
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	if _, ok, err := s.CurrentWorldState(ctx, "sess-1"); err != nil || ok {
		t.Fatalf("expected no world state yet, got ok=%v err=%v", ok, err)
	}

	if _, err := s.SaveWorldState(ctx, "sess-1", msg.ID, `{"day":1}`); err != nil {
		t.Fatalf("SaveWorldState: %v", err)
	}

	raw, ok, err := s.CurrentWorldState(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CurrentWorldState: %v", err)
	}
	if !ok {
		t.Fatal("expected a saved world state")
	}
	if raw != `{"day":1}` {
		t.Fatalf("unexpected world state: %s", raw)
	}
}

func TestMemorySpineOrdering(t *testing.T) {
	s, err := NewCoreStore("")
	if err != nil {
		t.Fatalf("NewCoreStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if _, err := s.CreateSession(ctx, "sess-1", "Alice"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if _, err := s.SaveMemoryNode(ctx, MemoryNode{SessionUUID: "sess-1", Tier: TierMicro, Text: "first micro"}); err != nil {
		t.Fatalf("SaveMemoryNode: %v", err)
	}
	if _, err := s.SaveMemoryNode(ctx, MemoryNode{SessionUUID: "sess-1", Tier: TierMicro, Text: "second micro"}); err != nil {
		t.Fatalf("SaveMemoryNode: %v", err)
	}

	unmerged, err := s.UnmergedMicroNodes(ctx, "sess-1")
	if err != nil {
		t.Fatalf("UnmergedMicroNodes: %v", err)
	}
	if len(unmerged) != 2 {
		t.Fatalf("expected 2 unmerged micro nodes, got %d", len(unmerged))
	}

	spine, err := s.MemorySpine(ctx, "sess-1")
	if err != nil {
		t.Fatalf("MemorySpine: %v", err)
	}
	if len(spine) != 2 {
		t.Fatalf("expected 2 nodes in spine, got %d", len(spine))
	}
	if spine[0].Text != "first micro" || spine[1].Text != "second micro" {
		t.Fatalf("expected spine in insertion order, got %q then %q", spine[0].Text, spine[1].Text)
	}
}
