package llm

import (
	"context"
	"errors"
	"testing"

	llminterface "github.com/283525452-ops/DeepTavern/llm-interface"
)

type scriptedProvider struct {
	resp *llminterface.Response
	err  error
}

func (s *scriptedProvider) ChatCompletion(ctx context.Context, model string, messages []llminterface.Message, tools []llminterface.Tool) (*llminterface.Response, error) {
	return s.resp, s.err
}

func TestRoleProviderIgnoresPassedModel(t *testing.T) {
	primary := &scriptedProvider{resp: &llminterface.Response{Content: "from chain"}}
	chain := NewChain(primary, "chain-primary-model", nil)
	role := NewRoleProvider(chain)

	resp, err := role.ChatCompletion(context.Background(), "some-unrelated-model-name", nil, nil)
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if resp.Content != "from chain" {
		t.Fatalf("expected chain's response, got %q", resp.Content)
	}
}

func TestRoleProviderFallsBackThroughChain(t *testing.T) {
	primary := &scriptedProvider{err: errors.New("primary down")}
	backup := &scriptedProvider{resp: &llminterface.Response{Content: "from backup"}}
	chain := NewChain(primary, "primary-model", []Backup{{Provider: backup, Model: "backup-model", Name: "backup"}})
	role := NewRoleProvider(chain)

	resp, err := role.ChatCompletion(context.Background(), "", nil, nil)
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if resp.Content != "from backup" {
		t.Fatalf("expected backup's response, got %q", resp.Content)
	}
}
