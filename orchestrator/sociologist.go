package orchestrator

import (
	"context"
	"fmt"

	llminterface "github.com/283525452-ops/DeepTavern/llm-interface"
	"github.com/283525452-ops/DeepTavern/log"
)

const promptSociologist = `Given this scene's narration, write one or two sentences of ambient
world commentary — what the wider world/society is doing elsewhere while this scene plays
out. Not visible to the player; this is background texture for a chronicler's eye only.

Narration:
%s`

// sociologistLengthThreshold is how long (in runes) narrator output must be
// before the sociologist bothers reacting — short beats rarely warrant
// world-simulator commentary.
const sociologistLengthThreshold = 400

// Sociologist is a background, no-persistence task: it reacts to narrator
// output over a length threshold and produces log-only ambient commentary.
// Confirmed against original_source to write no rows — this is deliberately
// a side effect with no storage footprint.
type Sociologist struct {
	provider llminterface.Provider
	model    string
}

// NewSociologist builds the world-simulator task bound to its own LLM role.
func NewSociologist(provider llminterface.Provider, model string) *Sociologist {
	return &Sociologist{provider: provider, model: model}
}

// Observe runs the sociologist pass if narratorOutput is long enough to
// warrant it; the result is logged only, never stored.
func (s *Sociologist) Observe(ctx context.Context, narratorOutput string) {
	if s.provider == nil || len([]rune(narratorOutput)) < sociologistLengthThreshold {
		return
	}
	resp, err := s.provider.ChatCompletion(ctx, s.model, []llminterface.Message{
		{Role: "user", Content: fmt.Sprintf(promptSociologist, narratorOutput)},
	}, nil)
	if err != nil {
		log.Log.Debugf("[Sociologist] observation failed: %v", err)
		return
	}
	log.Log.Infof("[Sociologist] %s", resp.Content)
}
