// Package openai implements the near-verbatim adapter: the canonical request
// is forwarded with only the model overridden and the upstream JSON body is
// returned unchanged.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/cost-gateway/internal/providers"
)

const defaultBaseURL = "https://api.openai.com/v1"

type Provider struct {
	apiKey  string
	baseURL string
	timeout time.Duration
	client  openaiSDK.Client
}

type Option func(*Provider)

func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithTimeout overrides the HTTP client timeout applied to every call.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		timeout: providers.ProviderTimeout,
	}

	for _, o := range opts {
		o(p)
	}

	httpClient := &http.Client{Timeout: p.timeout}
	if p.baseURL != "" && p.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, p.baseURL)
	}

	p.client = openaiSDK.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	)

	return p
}

func (p *Provider) Kind() providers.Kind { return providers.KindOpenAI }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", toProviderError(err))
	}
	return nil
}

// Call implements providers.Adapter.
func (p *Provider) Call(ctx context.Context, req *providers.ChatRequest, model string) (*providers.Response, time.Duration, error) {
	if p.apiKey == "" {
		return nil, 0, fmt.Errorf("openai: no API key configured")
	}

	params, opts := buildParams(req, model)

	start := time.Now()
	resp, err := p.client.Chat.Completions.New(ctx, params, opts...)
	latency := time.Since(start)
	if err != nil {
		return nil, latency, toProviderError(err)
	}

	raw := []byte(resp.RawJSON())
	if len(resp.Choices) == 0 {
		return nil, latency, &providers.TranslationError{Provider: providers.KindOpenAI, Reason: "response has no choices"}
	}

	return &providers.Response{
		ID:      resp.ID,
		Model:   resp.Model,
		Content: resp.Choices[0].Message.Content,
		Usage:   usageFromRaw(raw),
		Raw:     raw,
	}, latency, nil
}

// buildParams maps the canonical request onto SDK params. Fields the SDK
// params cannot express (non-text content, passthrough fields) are written
// into the JSON body directly.
func buildParams(req *providers.ChatRequest, model string) (openaiSDK.ChatCompletionNewParams, []option.RequestOption) {
	var opts []option.RequestOption

	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	verbatim := false
	for _, m := range req.Messages {
		text, ok := m.Text()
		msg, known := toSDKMessage(m.Role, text)
		if !ok || !known {
			verbatim = true
		}
		msgs = append(msgs, msg)
	}
	if verbatim {
		opts = append(opts, option.WithJSONSet("messages", req.Messages))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    model,
	}

	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openaiSDK.Float(*req.TopP)
	}
	if req.MaxTokens != nil {
		params.MaxTokens = openaiSDK.Int(int64(*req.MaxTokens))
	}

	for k, v := range req.Extra {
		opts = append(opts, option.WithJSONSet(k, v))
	}

	return params, opts
}

// usageFromRaw reads usage counters from the upstream body. Reported stays
// false unless the total can be known: either total_tokens or both
// prompt_tokens and completion_tokens must be present. The caller then falls
// back to its estimate.
func usageFromRaw(raw []byte) providers.Usage {
	u := gjson.GetBytes(raw, "usage")
	if !u.Exists() || u.Type == gjson.Null {
		return providers.Usage{}
	}
	prompt, completion, total := u.Get("prompt_tokens"), u.Get("completion_tokens"), u.Get("total_tokens")
	out := providers.Usage{
		PromptTokens:     int(prompt.Int()),
		CompletionTokens: int(completion.Int()),
	}
	switch {
	case total.Exists():
		out.TotalTokens = int(total.Int())
	case prompt.Exists() && completion.Exists():
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	default:
		return providers.Usage{}
	}
	out.Reported = true
	return out
}

type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("openai: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "openai_error",
			Code:       apierr.Code,
		}
	}
	return err
}

type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}

	r2.URL = &u2

	return t.rt.RoundTrip(r2)
}

// toSDKMessage builds the typed SDK message for role. known is false for
// roles the SDK params cannot express; the caller then sends the messages as
// received.
func toSDKMessage(role, content string) (msg openaiSDK.ChatCompletionMessageParamUnion, known bool) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "developer":
		return openaiSDK.DeveloperMessage(content), true
	case "system":
		return openaiSDK.SystemMessage(content), true
	case "assistant":
		return openaiSDK.AssistantMessage(content), true
	case "user":
		return openaiSDK.UserMessage(content), true
	default:
		return openaiSDK.UserMessage(content), false
	}
}
