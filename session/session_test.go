package session

import (
	"context"
	"testing"

	"github.com/283525452-ops/DeepTavern/cache"
	"github.com/283525452-ops/DeepTavern/store"
	"github.com/283525452-ops/DeepTavern/vector"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	core, err := store.NewCoreStore("")
	if err != nil {
		t.Fatalf("NewCoreStore: %v", err)
	}
	t.Cleanup(func() { core.Close() })

	hot := cache.New("", 0, "", 0)
	memCol := vector.NewMemoryStore("long_term_memory", nil)
	return New(core, hot, memCol, t.TempDir(), nil)
}

func TestCreateSetsActive(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, "sess-1", "Alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.Row.UUID != "sess-1" {
		t.Fatalf("expected uuid sess-1, got %s", sess.Row.UUID)
	}

	active, ok := mgr.Active()
	if !ok {
		t.Fatal("expected an active session after Create")
	}
	if active.Row.UUID != "sess-1" {
		t.Fatalf("expected active uuid sess-1, got %s", active.Row.UUID)
	}
}

func TestLoadSwitchesActive(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	if _, err := mgr.Create(ctx, "sess-1", "Alice"); err != nil {
		t.Fatalf("Create sess-1: %v", err)
	}
	if _, err := mgr.Create(ctx, "sess-2", "Bob"); err != nil {
		t.Fatalf("Create sess-2: %v", err)
	}

	loaded, err := mgr.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Row.UUID != "sess-1" {
		t.Fatalf("expected sess-1, got %s", loaded.Row.UUID)
	}

	active, ok := mgr.Active()
	if !ok || active.Row.UUID != "sess-1" {
		t.Fatalf("expected active sess-1 after Load, got %+v ok=%v", active, ok)
	}
}

func TestListReturnsAllSessions(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	if _, err := mgr.Create(ctx, "sess-1", "Alice"); err != nil {
		t.Fatalf("Create sess-1: %v", err)
	}
	if _, err := mgr.Create(ctx, "sess-2", "Bob"); err != nil {
		t.Fatalf("Create sess-2: %v", err)
	}

	rows, err := mgr.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(rows))
	}
}

func TestDeleteClearsActive(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	if _, err := mgr.Create(ctx, "sess-1", "Alice"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mgr.Delete(ctx, "sess-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, ok := mgr.Active(); ok {
		t.Fatal("expected no active session after deleting the only session")
	}

	rows, err := mgr.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected 0 sessions after delete, got %d", len(rows))
	}
}

func TestDeleteNonActiveSessionLeavesActiveAlone(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	if _, err := mgr.Create(ctx, "sess-1", "Alice"); err != nil {
		t.Fatalf("Create sess-1: %v", err)
	}
	if _, err := mgr.Create(ctx, "sess-2", "Bob"); err != nil {
		t.Fatalf("Create sess-2: %v", err)
	}
	// sess-2 is active; delete sess-1, which is not.
	if err := mgr.Delete(ctx, "sess-1"); err != nil {
		t.Fatalf("Delete sess-1: %v", err)
	}

	active, ok := mgr.Active()
	if !ok || active.Row.UUID != "sess-2" {
		t.Fatalf("expected sess-2 to remain active, got %+v ok=%v", active, ok)
	}
}
