// Package llm implements the LLM capability: a uniform chat-completion
// contract over remote OpenAI-compatible HTTP providers and local inference
// servers, with retry and fallback-provider support.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	llminterface "github.com/283525452-ops/DeepTavern/llm-interface"
	"github.com/283525452-ops/DeepTavern/log"
	"github.com/sashabaranov/go-openai"
)

// retryableStatus mirrors the source system's retry policy: 429 and 5xx are
// worth a bounded retry, everything else fails fast.
var retryableStatus = map[int]bool{
	429: true, 500: true, 502: true, 503: true, 504: true,
}

// RemoteProvider talks to any OpenAI-compatible /chat/completions endpoint.
type RemoteProvider struct {
	Name       string
	client     *openai.Client
	maxRetries int
}

// NewRemoteProvider builds a provider bound to one API key + base URL pair.
func NewRemoteProvider(name, apiKey, baseURL string) *RemoteProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &RemoteProvider{
		Name:       name,
		client:     openai.NewClientWithConfig(cfg),
		maxRetries: 2,
	}
}

// ChatCompletion implements llminterface.Provider with the source system's
// retry-on-transient-status behavior.
func (p *RemoteProvider) ChatCompletion(ctx context.Context, model string, messages []llminterface.Message, tools []llminterface.Tool) (*llminterface.Response, error) {
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(messages),
	}
	if len(tools) > 0 {
		req.Tools = toOpenAITools(tools)
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		resp, err := p.client.CreateChatCompletion(ctx, req)
		if err == nil {
			return fromOpenAIResponse(resp), nil
		}
		lastErr = err

		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && !retryableStatus[apiErr.HTTPStatusCode] {
			log.Log.Errorf("[%s:%s] API error: %v", p.Name, model, err)
			break
		}
		log.Log.Warnf("[%s:%s] request failed (attempt %d/%d): %v", p.Name, model, attempt+1, p.maxRetries+1, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Second):
		}
	}
	return nil, fmt.Errorf("llm: %s/%s: %w", p.Name, model, lastErr)
}

// ChatCompletionStream implements llminterface.StreamingProvider. Streaming
// never retries or falls back mid-stream, matching the narrator's
// always-primary-provider contract.
func (p *RemoteProvider) ChatCompletionStream(ctx context.Context, model string, messages []llminterface.Message) (<-chan llminterface.Chunk, error) {
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(messages),
		Stream:   true,
	}
	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("llm: %s/%s stream: %w", p.Name, model, err)
	}

	out := make(chan llminterface.Chunk)
	go func() {
		defer close(out)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if err != nil {
				out <- llminterface.Chunk{Done: true}
				return
			}
			if len(resp.Choices) > 0 {
				content := resp.Choices[0].Delta.Content
				if content != "" {
					select {
					case out <- llminterface.Chunk{Content: content}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

func toOpenAIMessages(messages []llminterface.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		})
	}
	return out
}

func toOpenAITools(tools []llminterface.Tool) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func fromOpenAIResponse(resp openai.ChatCompletionResponse) *llminterface.Response {
	r := &llminterface.Response{
		Usage: llminterface.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) > 0 {
		r.Content = resp.Choices[0].Message.Content
	}
	return r
}
