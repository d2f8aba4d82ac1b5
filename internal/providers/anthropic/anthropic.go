// Package anthropic implements the lossy adapter: the conversation is reduced
// to a single user turn and the reply is reshaped into a canonical
// chat.completion body.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/cost-gateway/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	defaultMaxTokens = 512
	fallbackID       = "anthropic-fallback"
)

// Provider implements providers.Adapter for Anthropic (official SDK).
type Provider struct {
	apiKey  string
	baseURL string
	timeout time.Duration
	now     func() time.Time
	client  anthropic.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithTimeout overrides the HTTP client timeout applied to every call.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// New creates a new Anthropic Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		timeout: providers.ProviderTimeout,
		now:     time.Now,
	}
	for _, o := range opts {
		o(p)
	}

	p.client = anthropic.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: p.timeout}),
		option.WithMaxRetries(0),
	)

	return p
}

func (p *Provider) Kind() providers.Kind { return providers.KindAnthropic }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toProviderError(err))
	}
	return nil
}

// Call implements providers.Adapter.
func (p *Provider) Call(ctx context.Context, req *providers.ChatRequest, model string) (*providers.Response, time.Duration, error) {
	if p.apiKey == "" {
		return nil, 0, fmt.Errorf("anthropic: no API key configured")
	}

	start := time.Now()
	msg, err := p.client.Messages.New(ctx, buildParams(req, model))
	latency := time.Since(start)
	if err != nil {
		return nil, latency, toProviderError(err)
	}

	raw := msg.RawJSON()
	if !gjson.Valid(raw) {
		return nil, latency, &providers.TranslationError{Provider: providers.KindAnthropic, Reason: "response body is not JSON"}
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}

	id := msg.ID
	if id == "" {
		id = fallbackID
	}
	respModel := string(msg.Model)
	if respModel == "" {
		respModel = model
	}

	usage := usageFromRaw(raw)
	body, err := providers.BuildCompletion(id, respModel, sb.String(), usage, p.now())
	if err != nil {
		return nil, latency, &providers.TranslationError{Provider: providers.KindAnthropic, Reason: "encode completion", Err: err}
	}

	return &providers.Response{
		ID:      id,
		Model:   respModel,
		Content: sb.String(),
		Usage:   usage,
		Raw:     body,
	}, latency, nil
}

// buildParams keeps only user turns, joined into one user message. Other
// roles and non-text content are dropped.
func buildParams(req *providers.ChatRequest, model string) anthropic.MessageNewParams {
	var parts []string
	for _, m := range req.Messages {
		if m.Role != "user" {
			continue
		}
		text, _ := m.Text()
		parts = append(parts, text)
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}

	return anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(strings.Join(parts, "\n"))),
		},
	}
}

// usageFromRaw synthesizes OpenAI-style counters from input/output tokens.
// Both counters must be present for the usage to count as reported.
func usageFromRaw(raw string) providers.Usage {
	input, output := gjson.Get(raw, "usage.input_tokens"), gjson.Get(raw, "usage.output_tokens")
	if !input.Exists() || !output.Exists() {
		return providers.Usage{}
	}
	in := int(input.Int())
	out := int(output.Int())
	return providers.Usage{
		PromptTokens:     in,
		CompletionTokens: out,
		TotalTokens:      in + out,
		Reported:         true,
	}
}

// ProviderError is a structured error returned by the Anthropic API.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		msg := gjson.Get(apierr.RawJSON(), "error.message").String()
		if msg == "" {
			msg = http.StatusText(apierr.StatusCode)
		}
		return &ProviderError{
			StatusCode: apierr.StatusCode,
			Message:    msg,
			Type:       "anthropic_error",
			Code:       gjson.Get(apierr.RawJSON(), "error.type").String(),
		}
	}
	return err
}
