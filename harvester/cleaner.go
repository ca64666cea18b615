package harvester

import (
	"context"
	"fmt"
	"strings"

	llminterface "github.com/283525452-ops/DeepTavern/llm-interface"
)

const (
	perSourceCharLimit = 6000
	totalCharLimit     = 250000
)

// promptBatchSummary asks the LLM to fuse several scraped sources on one
// keyword into a single deep encyclopedia-style entry, long and well
// structured enough to serve as durable lore the narrator can draw on.
const promptBatchSummary = `You are a research archivist compiling a long-form reference entry.

Topic: %s

You have been given %d source excerpts below. Cross-reference them, resolve
contradictions by preferring the more detailed source, and write a single
cohesive encyclopedia-style entry in Markdown. Target at least 1500 words.
Do not mention the sources, the excerpt format, or that this was assembled
from multiple pages — write as if it is one authoritative article.

%s`

// LLMCleaner aggregates fetched pages through a chat-completion provider,
// grounded on the source system's LocalCleaner.clean_batch.
type LLMCleaner struct {
	provider llminterface.Provider
	model    string
}

// NewLLMCleaner builds a batch cleaner bound to a chat-completion provider.
func NewLLMCleaner(provider llminterface.Provider, model string) *LLMCleaner {
	return &LLMCleaner{provider: provider, model: model}
}

// CleanBatch implements Cleaner.
func (c *LLMCleaner) CleanBatch(ctx context.Context, pages []FetchedPage, keyword string) (string, error) {
	var b strings.Builder
	total := 0
	for i, p := range pages {
		chunk := p.Content
		if len(chunk) > perSourceCharLimit {
			chunk = chunk[:perSourceCharLimit]
		}
		if total+len(chunk) > totalCharLimit {
			remaining := totalCharLimit - total
			if remaining <= 0 {
				break
			}
			chunk = chunk[:remaining]
		}
		fmt.Fprintf(&b, "=== Source %d: %s ===\n%s\n\n", i+1, p.Domain, chunk)
		total += len(chunk)
		if total >= totalCharLimit {
			break
		}
	}

	prompt := fmt.Sprintf(promptBatchSummary, keyword, len(pages), b.String())
	resp, err := c.provider.ChatCompletion(ctx, c.model, []llminterface.Message{
		{Role: "user", Content: prompt},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("harvester: batch summary: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}
