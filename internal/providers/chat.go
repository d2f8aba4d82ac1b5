package providers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ParseChatRequest decodes an OpenAI-style chat completion body into the
// canonical request. Unknown top-level fields are kept in Extra.
func ParseChatRequest(body []byte) (*ChatRequest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if fields == nil {
		return nil, errors.New("request body must be a JSON object")
	}

	req := &ChatRequest{}

	if raw, ok := fields["stream"]; ok {
		var stream bool
		if err := json.Unmarshal(raw, &stream); err == nil && stream {
			return nil, ErrStreamingUnsupported
		}
		delete(fields, "stream")
	}

	if raw, ok := fields["model"]; ok {
		if err := json.Unmarshal(raw, &req.Model); err != nil {
			return nil, fmt.Errorf("field 'model' must be a string")
		}
		delete(fields, "model")
	}

	raw, ok := fields["messages"]
	if !ok {
		return nil, errors.New("field 'messages' is required")
	}
	if err := json.Unmarshal(raw, &req.Messages); err != nil {
		return nil, fmt.Errorf("field 'messages' is malformed: %w", err)
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("field 'messages' must not be empty")
	}
	delete(fields, "messages")

	if raw, ok := fields["temperature"]; ok {
		if !isNull(raw) {
			var t float64
			if err := json.Unmarshal(raw, &t); err != nil {
				return nil, fmt.Errorf("field 'temperature' must be a number")
			}
			req.Temperature = &t
		}
		delete(fields, "temperature")
	}

	if raw, ok := fields["top_p"]; ok {
		if !isNull(raw) {
			var p float64
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("field 'top_p' must be a number")
			}
			req.TopP = &p
		}
		delete(fields, "top_p")
	}

	if raw, ok := fields["max_tokens"]; ok {
		if !isNull(raw) {
			var n int
			if err := json.Unmarshal(raw, &n); err != nil {
				return nil, fmt.Errorf("field 'max_tokens' must be an integer")
			}
			req.MaxTokens = &n
		}
		delete(fields, "max_tokens")
	}

	if len(fields) > 0 {
		req.Extra = fields
	}
	return req, nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

type (
	completionMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	completionChoice struct {
		Index        int               `json:"index"`
		Message      completionMessage `json:"message"`
		FinishReason string            `json:"finish_reason"`
	}

	completionUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	completion struct {
		ID      string             `json:"id"`
		Object  string             `json:"object"`
		Created int64              `json:"created"`
		Model   string             `json:"model"`
		Choices []completionChoice `json:"choices"`
		Usage   completionUsage    `json:"usage"`
	}
)

// BuildCompletion renders a canonical chat.completion body for adapters
// whose upstream speaks a different wire format.
func BuildCompletion(id, model, content string, usage Usage, created time.Time) ([]byte, error) {
	return json.Marshal(completion{
		ID:      id,
		Object:  "chat.completion",
		Created: created.Unix(),
		Model:   model,
		Choices: []completionChoice{{
			Index:        0,
			Message:      completionMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: completionUsage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		},
	})
}
