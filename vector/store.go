// Package vector implements the vector store: two named collections,
// long_term_memory and rules_memory, supporting add, filtered search,
// existence probe, and per-session delete.
package vector

import "context"

// Record is one stored memory/rule entry.
type Record struct {
	ID       string
	Text     string
	Metadata map[string]string
	Vector   []float32
}

// SearchResult is one scored hit.
type SearchResult struct {
	Record Record
	Score  float32
}

// Store is the collection-scoped vector store contract. The same interface
// backs both long_term_memory and rules_memory; callers pick the collection
// at construction time.
type Store interface {
	// Add embeds (if no vector is supplied) and stores one record.
	Add(ctx context.Context, rec Record) error
	// Search returns up to n results matching query, restricted to records
	// whose metadata satisfies filter (every key/value pair must match).
	Search(ctx context.Context, query string, n int, filter map[string]string) ([]SearchResult, error)
	// Exists reports whether id is already stored (used for dedup).
	Exists(ctx context.Context, id string) (bool, error)
	// DeleteSession removes every record whose metadata session_id equals
	// sessionUUID.
	DeleteSession(ctx context.Context, sessionUUID string) error
}

// Embedder produces an embedding for text when a record is added without one
// already attached.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Reranker re-scores a query against a candidate set; Memory RAG uses it as
// a second-stage scorer over vector search hits, matching the source
// system's vector-then-rerank two-stage retrieval.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]ScoredDoc, error)
}

// ScoredDoc mirrors embedding.ScoredDoc to avoid an import cycle; the two
// packages describe the same shape for different call sites.
type ScoredDoc struct {
	Index int
	Score float32
}
