package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// CoreStore is the durable relational store for one process: sessions,
// messages, memory nodes, saga entries, world-state snapshots, and
// interaction logs. All access is serialized through mu, matching the
// teacher's SQLiteStore idiom — modernc.org/sqlite's single-writer model
// makes a coarse mutex simpler and just as correct as a connection pool here.
type CoreStore struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// NewCoreStore opens (and if needed creates) the core database at path.
func NewCoreStore(path string) (*CoreStore, error) {
	if path == "" {
		path = ":memory:"
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("store: mkdir %s: %w", dir, err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &CoreStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *CoreStore) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	uuid TEXT PRIMARY KEY,
	character_name TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_uuid TEXT NOT NULL,
	ordinal INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	is_summarized INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_uuid, ordinal);

CREATE TABLE IF NOT EXISTS memory_nodes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_uuid TEXT NOT NULL,
	tier TEXT NOT NULL,
	text TEXT NOT NULL,
	timeline_tag TEXT NOT NULL DEFAULT '',
	source_message_ids TEXT NOT NULL DEFAULT '[]',
	merged INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_nodes_session ON memory_nodes(session_uuid, tier, merged);

CREATE TABLE IF NOT EXISTS saga_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_uuid TEXT NOT NULL,
	macro_node_id INTEGER NOT NULL,
	text TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS world_states (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_uuid TEXT NOT NULL,
	message_id_at_snapshot INTEGER NOT NULL DEFAULT 0,
	state_json TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_world_states_session ON world_states(session_uuid, id);

CREATE TABLE IF NOT EXISTS interaction_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_uuid TEXT NOT NULL,
	message_id INTEGER NOT NULL DEFAULT 0,
	kind TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_interaction_logs_session ON interaction_logs(session_uuid);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *CoreStore) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session row.
func (s *CoreStore) CreateSession(ctx context.Context, uuid, characterName string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (uuid, character_name, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		uuid, characterName, now, now)
	if err != nil {
		return nil, fmt.Errorf("store: create session: %w", err)
	}
	return &Session{UUID: uuid, CharacterName: characterName, CreatedAt: now, UpdatedAt: now}, nil
}

// LoadSession fetches one session by UUID.
func (s *CoreStore) LoadSession(ctx context.Context, uuid string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT uuid, character_name, created_at, updated_at FROM sessions WHERE uuid = ?`, uuid)
	var sess Session
	if err := row.Scan(&sess.UUID, &sess.CharacterName, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("store: session %s: %w", uuid, ErrNotFound)
		}
		return nil, fmt.Errorf("store: load session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns every session, most recently updated first.
func (s *CoreStore) ListSessions(ctx context.Context) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT uuid, character_name, created_at, updated_at FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.UUID, &sess.CharacterName, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession cascades across every table owned by a session, matching the
// source system's delete_session table list exactly.
func (s *CoreStore) DeleteSession(ctx context.Context, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: delete session: begin tx: %w", err)
	}
	defer tx.Rollback()

	tables := []string{"messages", "memory_nodes", "saga_entries", "world_states", "interaction_logs"}
	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE session_uuid = ?`, table), uuid); err != nil {
			return fmt.Errorf("store: delete session: clear %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE uuid = ?`, uuid); err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	return tx.Commit()
}

// AppendMessage inserts the next ordinal message for a session.
func (s *CoreStore) AppendMessage(ctx context.Context, sessionUUID string, role Role, content string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var maxOrdinal sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(ordinal) FROM messages WHERE session_uuid = ?`, sessionUUID).Scan(&maxOrdinal); err != nil {
		return nil, fmt.Errorf("store: append message: next ordinal: %w", err)
	}
	ordinal := maxOrdinal.Int64 + 1

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_uuid, ordinal, role, content, created_at, is_summarized) VALUES (?, ?, ?, ?, ?, 0)`,
		sessionUUID, ordinal, role, content, now)
	if err != nil {
		return nil, fmt.Errorf("store: append message: %w", err)
	}
	id, _ := res.LastInsertId()
	return &Message{ID: id, SessionUUID: sessionUUID, Ordinal: ordinal, Role: role, Content: content, CreatedAt: now}, nil
}

// RecentMessages returns the last `limit` messages for a session, oldest first.
func (s *CoreStore) RecentMessages(ctx context.Context, sessionUUID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_uuid, ordinal, role, content, created_at, is_summarized
		 FROM messages WHERE session_uuid = ? ORDER BY ordinal DESC LIMIT ?`, sessionUUID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var isSummarized int
		if err := rows.Scan(&m.ID, &m.SessionUUID, &m.Ordinal, &m.Role, &m.Content, &m.CreatedAt, &isSummarized); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.IsSummarized = isSummarized != 0
		out = append(out, m)
	}
	// reverse to oldest-first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// UnsummarizedMessages returns every message not yet folded into a MICRO, in
// order.
func (s *CoreStore) UnsummarizedMessages(ctx context.Context, sessionUUID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_uuid, ordinal, role, content, created_at, is_summarized
		 FROM messages WHERE session_uuid = ? AND is_summarized = 0 ORDER BY ordinal ASC`, sessionUUID)
	if err != nil {
		return nil, fmt.Errorf("store: unsummarized messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var isSummarized int
		if err := rows.Scan(&m.ID, &m.SessionUUID, &m.Ordinal, &m.Role, &m.Content, &m.CreatedAt, &isSummarized); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkMessagesSummarized flips is_summarized for the given message IDs.
func (s *CoreStore) MarkMessagesSummarized(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`UPDATE messages SET is_summarized = 1 WHERE id IN (%s)`, strings.Join(placeholders, ","))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: mark summarized: %w", err)
	}
	return nil
}

// FullHistory returns every message for a session in order.
func (s *CoreStore) FullHistory(ctx context.Context, sessionUUID string) ([]Message, error) {
	return s.RecentMessages(ctx, sessionUUID, 1<<30)
}

// SaveMemoryNode inserts a MICRO or MACRO node.
func (s *CoreStore) SaveMemoryNode(ctx context.Context, node MemoryNode) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := json.Marshal(node.SourceMessageIDs)
	if err != nil {
		return 0, fmt.Errorf("store: save memory node: encode ids: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_nodes (session_uuid, tier, text, timeline_tag, source_message_ids, merged, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		node.SessionUUID, node.Tier, node.Text, node.TimelineTag, string(ids), boolToInt(node.Merged), now)
	if err != nil {
		return 0, fmt.Errorf("store: save memory node: %w", err)
	}
	return res.LastInsertId()
}

// UnmergedMicroNodes returns MICRO nodes not yet folded into a MACRO, oldest first.
func (s *CoreStore) UnmergedMicroNodes(ctx context.Context, sessionUUID string) ([]MemoryNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_uuid, tier, text, timeline_tag, source_message_ids, merged, created_at
		 FROM memory_nodes WHERE session_uuid = ? AND tier = ? AND merged = 0 ORDER BY id ASC`,
		sessionUUID, TierMicro)
	if err != nil {
		return nil, fmt.Errorf("store: unmerged micro nodes: %w", err)
	}
	defer rows.Close()
	return scanMemoryNodes(rows)
}

// MemorySpine returns the MACRO nodes (in order) then the unmerged MICRO
// nodes (in order), matching the spine format used for narrator context.
func (s *CoreStore) MemorySpine(ctx context.Context, sessionUUID string) ([]MemoryNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_uuid, tier, text, timeline_tag, source_message_ids, merged, created_at
		 FROM memory_nodes WHERE session_uuid = ? AND tier = ? ORDER BY id ASC`, sessionUUID, TierMacro)
	if err != nil {
		return nil, fmt.Errorf("store: memory spine macros: %w", err)
	}
	macros, err := scanMemoryNodes(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	rows2, err := s.db.QueryContext(ctx,
		`SELECT id, session_uuid, tier, text, timeline_tag, source_message_ids, merged, created_at
		 FROM memory_nodes WHERE session_uuid = ? AND tier = ? AND merged = 0 ORDER BY id ASC`,
		sessionUUID, TierMicro)
	if err != nil {
		return nil, fmt.Errorf("store: memory spine micros: %w", err)
	}
	micros, err := scanMemoryNodes(rows2)
	rows2.Close()
	if err != nil {
		return nil, err
	}
	return append(macros, micros...), nil
}

// MarkNodesMerged flips merged for the given MICRO node IDs once they've been
// folded into a MACRO.
func (s *CoreStore) MarkNodesMerged(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`UPDATE memory_nodes SET merged = 1 WHERE id IN (%s)`, strings.Join(placeholders, ","))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: mark nodes merged: %w", err)
	}
	return nil
}

func scanMemoryNodes(rows *sql.Rows) ([]MemoryNode, error) {
	var out []MemoryNode
	for rows.Next() {
		var n MemoryNode
		var idsJSON string
		var merged int
		if err := rows.Scan(&n.ID, &n.SessionUUID, &n.Tier, &n.Text, &n.TimelineTag, &idsJSON, &merged, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan memory node: %w", err)
		}
		_ = json.Unmarshal([]byte(idsJSON), &n.SourceMessageIDs)
		n.Merged = merged != 0
		out = append(out, n)
	}
	return out, rows.Err()
}

// SaveSagaEntry inserts one historian entry for a MACRO node.
func (s *CoreStore) SaveSagaEntry(ctx context.Context, sessionUUID string, macroNodeID int64, text string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO saga_entries (session_uuid, macro_node_id, text, created_at) VALUES (?, ?, ?, ?)`,
		sessionUUID, macroNodeID, text, now)
	if err != nil {
		return 0, fmt.Errorf("store: save saga entry: %w", err)
	}
	return res.LastInsertId()
}

// SaveWorldState appends a new state snapshot (the "current" state is always
// the most recent row for a session).
func (s *CoreStore) SaveWorldState(ctx context.Context, sessionUUID string, messageID int64, stateJSON string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO world_states (session_uuid, message_id_at_snapshot, state_json, created_at) VALUES (?, ?, ?, ?)`,
		sessionUUID, messageID, stateJSON, now)
	if err != nil {
		return 0, fmt.Errorf("store: save world state: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE uuid = ?`, now, sessionUUID); err != nil {
		return 0, fmt.Errorf("store: save world state: touch session: %w", err)
	}
	return res.LastInsertId()
}

// CurrentWorldState returns the most recent state snapshot for a session.
func (s *CoreStore) CurrentWorldState(ctx context.Context, sessionUUID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stateJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT state_json FROM world_states WHERE session_uuid = ? ORDER BY id DESC LIMIT 1`, sessionUUID).Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: current world state: %w", err)
	}
	return stateJSON, true, nil
}

// RollbackToMessage returns the state snapshot that was current as of
// messageID (the latest snapshot with message_id_at_snapshot <= messageID).
func (s *CoreStore) RollbackToMessage(ctx context.Context, sessionUUID string, messageID int64) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stateJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT state_json FROM world_states WHERE session_uuid = ? AND message_id_at_snapshot <= ?
		 ORDER BY message_id_at_snapshot DESC, id DESC LIMIT 1`, sessionUUID, messageID).Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: rollback: %w", err)
	}
	return stateJSON, true, nil
}

// LogInteraction appends one audit-trail row for a turn's decisions.
func (s *CoreStore) LogInteraction(ctx context.Context, sessionUUID string, messageID int64, kind string, payloadJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interaction_logs (session_uuid, message_id, kind, payload_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionUUID, messageID, kind, payloadJSON, now)
	if err != nil {
		return fmt.Errorf("store: log interaction: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
