package llm

import (
	"context"

	llminterface "github.com/283525452-ops/DeepTavern/llm-interface"
)

// RoleProvider adapts a Chain (which already carries its own primary/backup
// models) to the llminterface.Provider contract expected by call sites that
// pass a model string generically — the model argument is ignored in favor
// of the chain's own binding, so a role's fallback model can differ from its
// primary model.
type RoleProvider struct {
	chain *Chain
}

// NewRoleProvider wraps a chain as a Provider for one named role.
func NewRoleProvider(chain *Chain) *RoleProvider {
	return &RoleProvider{chain: chain}
}

// ChatCompletion implements llminterface.Provider.
func (r *RoleProvider) ChatCompletion(ctx context.Context, _ string, messages []llminterface.Message, tools []llminterface.Tool) (*llminterface.Response, error) {
	return r.chain.ChatCompletion(ctx, messages, tools)
}
