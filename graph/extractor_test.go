package graph

import (
	"context"
	"testing"

	llminterface "github.com/283525452-ops/DeepTavern/llm-interface"
)

type stubProvider struct {
	content string
}

func (s *stubProvider) ChatCompletion(ctx context.Context, model string, messages []llminterface.Message, tools []llminterface.Tool) (*llminterface.Response, error) {
	return &llminterface.Response{Content: s.content}, nil
}

func TestExtractAndStoreWritesTriplets(t *testing.T) {
	ctx := context.Background()
	g, err := Open(ctx, t.TempDir(), "sess-1", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer g.Close()

	content := `[{"source": "Old Man Wu", "relation": "guards", "target": "Sunken Temple", "description": "has done so for decades", "weight": 1.0}]`
	extractor := NewExtractor(&stubProvider{content: content}, "extract-model")

	n, err := extractor.ExtractAndStore(ctx, g, "who guards the temple?", "Old Man Wu has guarded the Sunken Temple for decades.")
	if err != nil {
		t.Fatalf("ExtractAndStore: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 triplet stored, got %d", n)
	}

	out, _ := g.GetEntityRelations("Old Man Wu")
	if len(out) != 1 || out[0].Target != "Sunken Temple" {
		t.Errorf("expected stored edge Old Man Wu -> Sunken Temple, got %v", out)
	}
}

func TestExtractAndStoreSkipsUnparseableOutput(t *testing.T) {
	ctx := context.Background()
	g, err := Open(ctx, t.TempDir(), "sess-2", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer g.Close()

	extractor := NewExtractor(&stubProvider{content: "not json"}, "extract-model")
	n, err := extractor.ExtractAndStore(ctx, g, "hi", "hello")
	if err != nil {
		t.Fatalf("ExtractAndStore should not error on bad JSON: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 triplets on unparseable output, got %d", n)
	}
}

func TestExtractAndStoreSkipsIncompleteTriplets(t *testing.T) {
	ctx := context.Background()
	g, err := Open(ctx, t.TempDir(), "sess-3", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer g.Close()

	content := `[{"source": "", "relation": "guards", "target": "Sunken Temple"}]`
	extractor := NewExtractor(&stubProvider{content: content}, "extract-model")
	n, err := extractor.ExtractAndStore(ctx, g, "x", "y")
	if err != nil {
		t.Fatalf("ExtractAndStore: %v", err)
	}
	if n != 0 {
		t.Errorf("expected incomplete triplet to be skipped, got %d", n)
	}
}
