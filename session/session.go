// Package session implements the session manager: create/load/list/delete a
// roleplay session and bind its graph, hot-cache namespace, and relational
// row together. Exactly one session is "active" at a time in this process,
// matching the source system's single-active-session model.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/283525452-ops/DeepTavern/cache"
	"github.com/283525452-ops/DeepTavern/graph"
	"github.com/283525452-ops/DeepTavern/store"
	"github.com/283525452-ops/DeepTavern/vector"
)

// Embedder is the minimal contract the session manager needs to open a
// session's graph with node-embedding support.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Session bundles everything scoped to one roleplay session.
type Session struct {
	Row   store.Session
	Graph *graph.Graph
}

// Manager owns session lifecycle and the process-wide "active session"
// pointer.
type Manager struct {
	core     *store.CoreStore
	cache    *cache.HotCache
	memory   vector.Store
	graphDir string
	embedder Embedder

	mu     sync.RWMutex
	active *Session
}

// New builds a session manager bound to the relational store, hot cache, the
// long_term_memory vector collection (for per-session delete cascade), and
// the directory graph files are persisted under.
func New(core *store.CoreStore, hotCache *cache.HotCache, memory vector.Store, graphDir string, embedder Embedder) *Manager {
	return &Manager{core: core, cache: hotCache, memory: memory, graphDir: graphDir, embedder: embedder}
}

// Create makes a new session, opens its graph, and sets it active.
func (m *Manager) Create(ctx context.Context, uuid, characterName string) (*Session, error) {
	row, err := m.core.CreateSession(ctx, uuid, characterName)
	if err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}
	return m.bind(ctx, *row)
}

// Load fetches an existing session by UUID, opens its graph, and sets it
// active.
func (m *Manager) Load(ctx context.Context, uuid string) (*Session, error) {
	row, err := m.core.LoadSession(ctx, uuid)
	if err != nil {
		return nil, fmt.Errorf("session: load: %w", err)
	}
	return m.bind(ctx, *row)
}

func (m *Manager) bind(ctx context.Context, row store.Session) (*Session, error) {
	var embedder graph.Embedder
	if m.embedder != nil {
		embedder = m.embedder
	}
	g, err := graph.Open(ctx, m.graphDir, row.UUID, embedder)
	if err != nil {
		return nil, fmt.Errorf("session: open graph: %w", err)
	}

	sess := &Session{Row: row, Graph: g}

	m.mu.Lock()
	if m.active != nil && m.active.Row.UUID != row.UUID {
		m.active.Graph.Close()
	}
	m.active = sess
	m.mu.Unlock()
	return sess, nil
}

// List returns every known session, most recently updated first.
func (m *Manager) List(ctx context.Context) ([]store.Session, error) {
	return m.core.ListSessions(ctx)
}

// Active returns the process-wide active session, or (nil, false) if none
// has been created/loaded yet.
func (m *Manager) Active() (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active, m.active != nil
}

// Delete cascades a session's relational rows, vector-store entries, and
// graph files, clearing it as active if it was.
func (m *Manager) Delete(ctx context.Context, uuid string) error {
	if err := m.core.DeleteSession(ctx, uuid); err != nil {
		return fmt.Errorf("session: delete relational rows: %w", err)
	}
	if m.memory != nil {
		if err := m.memory.DeleteSession(ctx, uuid); err != nil {
			return fmt.Errorf("session: delete vector entries: %w", err)
		}
	}
	m.cache.ClearContext(ctx, uuid)
	m.cache.ClearState(ctx, uuid)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.Row.UUID == uuid {
		m.active.Graph.DeleteGraph()
		m.active.Graph.Close()
		m.active = nil
	} else {
		// Not the active session in memory, but its on-disk graph files
		// still need removing.
		if g, err := graph.Open(ctx, m.graphDir, uuid, nil); err == nil {
			g.DeleteGraph()
			g.Close()
		}
	}
	return nil
}
