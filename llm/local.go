package llm

import (
	"context"
	"sync"

	llminterface "github.com/283525452-ops/DeepTavern/llm-interface"
)

// LocalProvider talks to a local on-disk model served behind an
// OpenAI-compatible HTTP endpoint (e.g. an Ollama or llama.cpp server).
// Local inference backends typically can't serve concurrent requests against
// the same weights, so every call is serialized through generateMu —
// mirroring the source system's single process-wide inference lock.
type LocalProvider struct {
	remote     *RemoteProvider
	generateMu sync.Mutex
}

// NewLocalProvider wraps a local inference server reachable at baseURL.
func NewLocalProvider(name, baseURL string) *LocalProvider {
	return &LocalProvider{
		remote: NewRemoteProvider(name, "unused", baseURL),
	}
}

// ChatCompletion implements llminterface.Provider, serialized against
// concurrent local inference calls.
func (p *LocalProvider) ChatCompletion(ctx context.Context, model string, messages []llminterface.Message, tools []llminterface.Tool) (*llminterface.Response, error) {
	p.generateMu.Lock()
	defer p.generateMu.Unlock()
	return p.remote.ChatCompletion(ctx, model, messages, tools)
}

// ChatCompletionStream implements llminterface.StreamingProvider, serialized
// the same way; the lock is held only long enough to start the stream, since
// the goroutine draining it runs independently afterward.
func (p *LocalProvider) ChatCompletionStream(ctx context.Context, model string, messages []llminterface.Message) (<-chan llminterface.Chunk, error) {
	p.generateMu.Lock()
	defer p.generateMu.Unlock()
	return p.remote.ChatCompletionStream(ctx, model, messages)
}
