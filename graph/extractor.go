package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	llminterface "github.com/283525452-ops/DeepTavern/llm-interface"
	"github.com/283525452-ops/DeepTavern/log"
)

const promptExtractTriplets = `Extract factual relationships from the exchange below as a JSON array of
triplets. Each triplet has the shape {"source": "...", "relation": "...", "target": "...",
"description": "...", "weight": 1.0}. Only include relationships that are stated or strongly
implied; skip anything speculative. Reply with JSON only, no prose.

Exchange:
%s`

// Extractor turns turn transcripts into graph triplets via an LLM call and
// writes them into a session's Graph, matching the original system's triple
// extraction step that feeds graph_manager.py's add_triplet.
type Extractor struct {
	provider llminterface.Provider
	model    string
}

// NewExtractor builds a triple extractor bound to a chat-completion provider.
func NewExtractor(provider llminterface.Provider, model string) *Extractor {
	return &Extractor{provider: provider, model: model}
}

// ExtractAndStore asks the LLM for triplets describing the given exchange and
// writes them into g via AddTripletsBatch. Returns the number of triplets
// stored.
func (e *Extractor) ExtractAndStore(ctx context.Context, g *Graph, userInput, narratorOutput string) (int, error) {
	transcript := fmt.Sprintf("User: %s\nNarrator: %s", userInput, narratorOutput)
	resp, err := e.provider.ChatCompletion(ctx, e.model, []llminterface.Message{
		{Role: "user", Content: fmt.Sprintf(promptExtractTriplets, transcript)},
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("graph: extract triplets: %w", err)
	}

	var raw []struct {
		Source      string  `json:"source"`
		Relation    string  `json:"relation"`
		Target      string  `json:"target"`
		Description string  `json:"description"`
		Weight      float64 `json:"weight"`
	}
	if err := json.Unmarshal([]byte(cleanJSON(resp.Content)), &raw); err != nil {
		log.Log.Warnf("[Graph] extractor returned unparseable output, skipping turn: %v", err)
		return 0, nil
	}

	triplets := make([]Triplet, 0, len(raw))
	for _, t := range raw {
		if t.Source == "" || t.Relation == "" || t.Target == "" {
			continue
		}
		triplets = append(triplets, Triplet{
			Source: t.Source, Relation: t.Relation, Target: t.Target,
			Description: t.Description, Weight: t.Weight,
		})
	}
	if len(triplets) == 0 {
		return 0, nil
	}
	if err := g.AddTripletsBatch(ctx, triplets); err != nil {
		return 0, fmt.Errorf("graph: store triplets: %w", err)
	}
	log.Log.Infof("[Graph] extracted %d triplets from turn", len(triplets))
	return len(triplets), nil
}

func cleanJSON(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
