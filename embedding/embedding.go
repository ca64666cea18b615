// Package embedding implements the embedding + rerank capability: a
// vector-of-float producer for text, and a query/document relevance scorer.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Embedder produces a float32 vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Reranker scores a query against a set of candidate documents, returning
// index+score pairs sorted by descending relevance.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]ScoredDoc, error)
}

// ScoredDoc is one reranked candidate.
type ScoredDoc struct {
	Index int
	Score float32
}

// OpenAICompatible embeds via any OpenAI-embeddings-shaped endpoint (the
// SiliconFlow provider named in the config document is one such backend) and
// reranks via a bespoke JSON endpoint, since no ecosystem Go client exists for
// SiliconFlow-style rerank APIs — this is the one place the module reaches
// for a raw net/http POST instead of a client library.
type OpenAICompatible struct {
	client        *openai.Client
	embeddingModel string
	rerankURL     string
	rerankModel   string
	apiKey        string
	httpClient    *http.Client
}

// New builds an embedding+rerank capability bound to one provider's
// credentials.
func New(apiKey, baseURL, embeddingModel, rerankModel string) *OpenAICompatible {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAICompatible{
		client:         openai.NewClientWithConfig(cfg),
		embeddingModel: embeddingModel,
		rerankURL:      baseURL + "/rerank",
		rerankModel:    rerankModel,
		apiKey:         apiKey,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Embed implements Embedder.
func (o *OpenAICompatible) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: []string{text},
		Model: openai.EmbeddingModel(o.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding: empty response")
	}
	return resp.Data[0].Embedding, nil
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float32 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank implements Reranker. On any transport/parse failure it is the
// caller's responsibility to fall back to raw vector-similarity order — this
// method only ever returns an error, never a synthesized fallback ranking.
func (o *OpenAICompatible) Rerank(ctx context.Context, query string, documents []string) ([]ScoredDoc, error) {
	body, err := json.Marshal(rerankRequest{Model: o.rerankModel, Query: query, Documents: documents})
	if err != nil {
		return nil, fmt.Errorf("rerank: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.rerankURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rerank: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank: status %d", resp.StatusCode)
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("rerank: decode response: %w", err)
	}
	out := make([]ScoredDoc, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		out = append(out, ScoredDoc{Index: r.Index, Score: r.RelevanceScore})
	}
	return out, nil
}

// CosineSimilarity scores two equal-length embeddings in [-1, 1]. Used by the
// graph store's in-process node-embedding search; vector.MemoryStore scores
// with its own copy of the same formula.
func CosineSimilarity(a, b []float32) float64 {
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
