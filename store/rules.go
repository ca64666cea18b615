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

	_ "modernc.org/sqlite"
	"gopkg.in/yaml.v3"
)

// RulesStore is the read-only relational store of rule fragments, seeded
// out-of-band and co-indexed by the vector store's rules_memory collection.
// Kept as a second SQLite file (rules_preset.db), matching the source
// system's two-database split (chat_core.db vs rules_preset.db).
type RulesStore struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// NewRulesStore opens (and if needed creates) the rules database at path.
func NewRulesStore(path string) (*RulesStore, error) {
	if path == "" {
		path = ":memory:"
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("rulesstore: mkdir %s: %w", dir, err)
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("rulesstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &RulesStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *RulesStore) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS rules (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	category TEXT NOT NULL DEFAULT '',
	scope TEXT NOT NULL DEFAULT '',
	tags TEXT NOT NULL DEFAULT '[]',
	keyword TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rules_keyword ON rules(keyword);
CREATE INDEX IF NOT EXISTS idx_rules_category ON rules(category);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("rulesstore: init schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *RulesStore) Close() error {
	return s.db.Close()
}

// ruleSeedDocument is the on-disk shape of a rules preset file: a flat list
// of fragments grouped loosely by category for editor readability.
type ruleSeedDocument struct {
	Rules []RuleFragment `yaml:"rules"`
}

// SeedFromYAML loads a rules preset document and inserts every fragment it
// contains. Rule presets are authored by hand, so a real YAML parser (rather
// than a bespoke line-scanner) matters for correctness on quoting, nested
// tag lists, and comments.
func (s *RulesStore) SeedFromYAML(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("rulesstore: seed: read %s: %w", path, err)
	}
	var doc ruleSeedDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("rulesstore: seed: parse %s: %w", path, err)
	}
	for _, r := range doc.Rules {
		if _, err := s.Insert(ctx, r); err != nil {
			return 0, fmt.Errorf("rulesstore: seed: insert %q: %w", r.Keyword, err)
		}
	}
	return len(doc.Rules), nil
}

// Insert adds one rule fragment (used by seeding tools, not the live turn path).
func (s *RulesStore) Insert(ctx context.Context, r RuleFragment) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tags, err := json.Marshal(r.Tags)
	if err != nil {
		return 0, fmt.Errorf("rulesstore: insert: encode tags: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO rules (category, scope, tags, keyword, text) VALUES (?, ?, ?, ?, ?)`,
		r.Category, r.Scope, string(tags), r.Keyword, r.Text)
	if err != nil {
		return 0, fmt.Errorf("rulesstore: insert: %w", err)
	}
	return res.LastInsertId()
}

// ByKeyword returns every rule whose keyword matches exactly, matching the
// source system's get_rule_by_keyword.
func (s *RulesStore) ByKeyword(ctx context.Context, keyword string) ([]RuleFragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, category, scope, tags, keyword, text FROM rules WHERE keyword = ?`, keyword)
	if err != nil {
		return nil, fmt.Errorf("rulesstore: by keyword: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// ContextRules returns rules whose keyword appears as a substring of any
// given context word — a context-based lookup carried over from
// sqlite_manager.py's get_context_rules, supplementing the purely-vector
// Rules RAG path with a cheap case-insensitive substring pass.
func (s *RulesStore) ContextRules(ctx context.Context, contextWords []string) ([]RuleFragment, error) {
	if len(contextWords) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, category, scope, tags, keyword, text FROM rules WHERE keyword != ''`)
	if err != nil {
		return nil, fmt.Errorf("rulesstore: context rules: %w", err)
	}
	defer rows.Close()
	all, err := scanRules(rows)
	if err != nil {
		return nil, err
	}

	var out []RuleFragment
	for _, r := range all {
		for _, w := range contextWords {
			if strings.Contains(strings.ToLower(w), strings.ToLower(r.Keyword)) {
				out = append(out, r)
				break
			}
		}
	}
	return out, nil
}

// ActiveRules returns every rule in scope "active" (always-on rules).
func (s *RulesStore) ActiveRules(ctx context.Context) ([]RuleFragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, category, scope, tags, keyword, text FROM rules WHERE scope = 'active'`)
	if err != nil {
		return nil, fmt.Errorf("rulesstore: active rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// Random returns up to n rules in arbitrary order.
func (s *RulesStore) Random(ctx context.Context, n int) ([]RuleFragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, category, scope, tags, keyword, text FROM rules ORDER BY RANDOM() LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("rulesstore: random: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// AllKeywords returns every distinct non-empty keyword.
func (s *RulesStore) AllKeywords(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT keyword FROM rules WHERE keyword != ''`)
	if err != nil {
		return nil, fmt.Errorf("rulesstore: all keywords: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("rulesstore: scan keyword: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func scanRules(rows *sql.Rows) ([]RuleFragment, error) {
	var out []RuleFragment
	for rows.Next() {
		var r RuleFragment
		var tagsJSON string
		if err := rows.Scan(&r.ID, &r.Category, &r.Scope, &tagsJSON, &r.Keyword, &r.Text); err != nil {
			return nil, fmt.Errorf("rulesstore: scan rule: %w", err)
		}
		_ = json.Unmarshal([]byte(tagsJSON), &r.Tags)
		out = append(out, r)
	}
	return out, rows.Err()
}
