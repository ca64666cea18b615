package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestRulesInsertAndLookup(t *testing.T) {
	s, err := NewRulesStore("")
	if err != nil {
		t.Fatalf("NewRulesStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if _, err := s.Insert(ctx, RuleFragment{Category: "setting", Scope: "active", Tags: []string{"world"}, Keyword: "tavern", Text: "The tavern is warm and crowded."}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := s.Insert(ctx, RuleFragment{Category: "npc", Scope: "contextual", Tags: []string{"guard"}, Keyword: "guard", Text: "The guard is suspicious of strangers."}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	found, err := s.ByKeyword(ctx, "tavern")
	if err != nil {
		t.Fatalf("ByKeyword: %v", err)
	}
	if len(found) != 1 || found[0].Text != "The tavern is warm and crowded." {
		t.Fatalf("unexpected ByKeyword result: %+v", found)
	}

	active, err := s.ActiveRules(ctx)
	if err != nil {
		t.Fatalf("ActiveRules: %v", err)
	}
	if len(active) != 1 || active[0].Keyword != "tavern" {
		t.Fatalf("unexpected ActiveRules result: %+v", active)
	}

	ctxRules, err := s.ContextRules(ctx, []string{"the guard approaches"})
	if err != nil {
		t.Fatalf("ContextRules: %v", err)
	}
	if len(ctxRules) != 1 || ctxRules[0].Keyword != "guard" {
		t.Fatalf("unexpected ContextRules result: %+v", ctxRules)
	}

	keywords, err := s.AllKeywords(ctx)
	if err != nil {
		t.Fatalf("AllKeywords: %v", err)
	}
	if len(keywords) != 2 {
		t.Fatalf("expected 2 distinct keywords, got %d", len(keywords))
	}

	random, err := s.Random(ctx, 10)
	if err != nil {
		t.Fatalf("Random: %v", err)
	}
	if len(random) != 2 {
		t.Fatalf("expected 2 rules from Random, got %d", len(random))
	}
}

func TestRulesSeedFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "preset.yaml")
	doc := `rules:
  - category: setting
    scope: active
    tags: ["world", "intro"]
    keyword: tavern
    text: The tavern is warm and crowded.
  - category: npc
    scope: contextual
    tags: ["guard"]
    keyword: guard
    text: The guard is suspicious of strangers.
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s, err := NewRulesStore("")
	if err != nil {
		t.Fatalf("NewRulesStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	n, err := s.SeedFromYAML(ctx, path)
	if err != nil {
		t.Fatalf("SeedFromYAML: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 seeded fragments, got %d", n)
	}

	keywords, err := s.AllKeywords(ctx)
	if err != nil {
		t.Fatalf("AllKeywords: %v", err)
	}
	if len(keywords) != 2 {
		t.Fatalf("expected 2 distinct keywords after seeding, got %d", len(keywords))
	}

	found, err := s.ByKeyword(ctx, "guard")
	if err != nil {
		t.Fatalf("ByKeyword: %v", err)
	}
	if len(found) != 1 || len(found[0].Tags) != 1 || found[0].Tags[0] != "guard" {
		t.Fatalf("unexpected seeded rule: %+v", found)
	}
}

func TestRulesSeedFromYAMLMissingFile(t *testing.T) {
	s, err := NewRulesStore("")
	if err != nil {
		t.Fatalf("NewRulesStore: %v", err)
	}
	defer s.Close()

	if _, err := s.SeedFromYAML(context.Background(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error reading a missing preset file")
	}
}
