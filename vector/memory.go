package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store, used for local/offline operation and in
// tests. It keeps every record in memory and ranks by cosine similarity
// (keywordScore when no embedding is available), with no backing service
// required.
type MemoryStore struct {
	collection string
	embedder   Embedder

	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore builds an in-process store for one named collection.
func NewMemoryStore(collection string, embedder Embedder) *MemoryStore {
	return &MemoryStore{
		collection: collection,
		embedder:   embedder,
		records:    make(map[string]Record),
	}
}

// Add implements Store.
func (m *MemoryStore) Add(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("vector: record id required")
	}
	if len(rec.Vector) == 0 && m.embedder != nil {
		vec, err := m.embedder.Embed(ctx, rec.Text)
		if err != nil {
			return fmt.Errorf("vector: embed %q: %w", rec.ID, err)
		}
		rec.Vector = vec
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec
	return nil
}

// Search implements Store: embeds the query, scores every filter-matching
// record by cosine similarity, returns the top n.
func (m *MemoryStore) Search(ctx context.Context, query string, n int, filter map[string]string) ([]SearchResult, error) {
	m.mu.RLock()
	candidates := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		if matchesFilter(r, filter) {
			candidates = append(candidates, r)
		}
	}
	m.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, nil
	}

	var queryVec []float32
	if m.embedder != nil {
		vec, err := m.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("vector: embed query: %w", err)
		}
		queryVec = vec
	}

	results := make([]SearchResult, 0, len(candidates))
	for _, r := range candidates {
		score := float32(0)
		if queryVec != nil && len(r.Vector) > 0 {
			score = float32(cosineSimilarity(queryVec, r.Vector))
		} else {
			score = keywordScore(query, r.Text)
		}
		results = append(results, SearchResult{Record: r, Score: score})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > n {
		results = results[:n]
	}
	return results, nil
}

// Exists implements Store.
func (m *MemoryStore) Exists(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[id]
	return ok, nil
}

// DeleteSession implements Store.
func (m *MemoryStore) DeleteSession(ctx context.Context, sessionUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.records {
		if r.Metadata["session_id"] == sessionUUID {
			delete(m.records, id)
		}
	}
	return nil
}

func matchesFilter(r Record, filter map[string]string) bool {
	for k, v := range filter {
		if r.Metadata[k] != v {
			return false
		}
	}
	return true
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// keywordScore is the fallback scorer used when no embedder is configured
// (tests, or an embedding-less offline mode): a case-insensitive substring
// test scoring 1.0 when text contains query and 0 otherwise; partial word
// overlap is not scored.
func keywordScore(query, text string) float32 {
	if query == "" || text == "" {
		return 0
	}
	if strings.Contains(strings.ToLower(text), strings.ToLower(query)) {
		return 1.0
	}
	return 0.0
}
