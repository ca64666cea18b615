package server

import "encoding/json"

// chatCompletionChunkJSON marshals one streamed token into the
// OpenAI-compatible chat.completion.chunk shape expected by SillyTavern-style
// clients (only the fields those clients actually read are populated).
func chatCompletionChunkJSON(model, content string, done bool) string {
	type delta struct {
		Content string `json:"content,omitempty"`
	}
	type choice struct {
		Index        int    `json:"index"`
		Delta        delta  `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	}
	type chunk struct {
		Object  string   `json:"object"`
		Model   string   `json:"model"`
		Choices []choice `json:"choices"`
	}

	c := chunk{Object: "chat.completion.chunk", Model: model, Choices: []choice{{Delta: delta{Content: content}}}}
	if done {
		c.Choices[0].FinishReason = "stop"
	}
	b, _ := json.Marshal(c)
	return string(b)
}
