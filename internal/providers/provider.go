// Package providers defines the canonical chat types shared by the execution
// engine and every upstream adapter, plus the Adapter contract itself.
//
// Each upstream lives in its own sub-package (openai, anthropic, gemini) and
// implements Adapter. Adding an upstream means adding one Kind value and one
// Adapter implementation.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind identifies an upstream provider.
type Kind string

const (
	KindOpenAI    Kind = "openai"
	KindAnthropic Kind = "anthropic"
	KindGemini    Kind = "gemini"
)

// Kinds lists every supported provider kind in declaration order.
var Kinds = []Kind{KindOpenAI, KindAnthropic, KindGemini}

// ParseKind validates s as a provider kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("providers: unknown provider %q", s)
}

func (k Kind) String() string { return string(k) }

// ProviderTimeout is the default per-attempt upstream timeout.
const ProviderTimeout = 30 * time.Second

// ErrStreamingUnsupported is returned by ParseChatRequest for stream=true.
var ErrStreamingUnsupported = errors.New("streaming responses are not supported")

type (
	// Message is one conversation turn. Content is kept as raw JSON so that
	// non-text content survives untouched.
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	// ChatRequest is the canonical, provider-agnostic chat request.
	ChatRequest struct {
		// Model is the model the caller asked for. Routing decides the model
		// that actually serves the request.
		Model       string
		Messages    []Message
		Temperature *float64
		TopP        *float64
		MaxTokens   *int

		// Extra holds every other top-level field of the inbound body.
		Extra map[string]json.RawMessage
	}

	// Usage is the normalized token accounting of one upstream response.
	// Reported is false when the upstream omitted usage counters.
	Usage struct {
		PromptTokens     int
		CompletionTokens int
		TotalTokens      int
		Reported         bool
	}

	// Response is the normalized upstream response. Raw is the canonical
	// chat.completion JSON body handed back to the caller and cached.
	Response struct {
		ID      string
		Model   string
		Content string
		Usage   Usage
		Raw     []byte
	}
)

// Text returns the message content when it is a JSON string.
func (m Message) Text() (string, bool) {
	if len(m.Content) == 0 || m.Content[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return "", false
	}
	return s, true
}

// TextMessage builds a message with string content.
func TextMessage(role, content string) Message {
	b, _ := json.Marshal(content)
	return Message{Role: role, Content: b}
}

// EffectiveTemperature returns the request temperature, 0 when absent.
func (r *ChatRequest) EffectiveTemperature() float64 {
	if r.Temperature == nil {
		return 0
	}
	return *r.Temperature
}

// Adapter is the contract every upstream provider implements.
type Adapter interface {
	Kind() Kind
	// Call sends req to the upstream using model and returns the normalized
	// response together with the upstream latency. Any transport failure or
	// non-2xx upstream status is an error.
	Call(ctx context.Context, req *ChatRequest, model string) (*Response, time.Duration, error)
	HealthCheck(ctx context.Context) error
}

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// TranslationError reports an upstream response that could not be
// normalized into the canonical shape.
type TranslationError struct {
	Provider Kind
	Reason   string
	Err      error
}

func (e *TranslationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: translate response: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: translate response: %s", e.Provider, e.Reason)
}

func (e *TranslationError) Unwrap() error { return e.Err }
