// Package gemini reshapes chat requests into Gemini generateContent calls and
// renders the reply as a canonical chat.completion body.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/nulpointcorp/cost-gateway/internal/providers"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Provider implements providers.Adapter for Google Gemini (official GenAI SDK).
type Provider struct {
	apiKey  string
	baseURL string
	timeout time.Duration
	now     func() time.Time
	client  *genai.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
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

// New creates a new Gemini Provider.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		timeout: providers.ProviderTimeout,
		now:     time.Now,
	}
	for _, o := range opts {
		o(p)
	}

	base, ver := splitBaseURLAndVersion(p.baseURL)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      p.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: p.timeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	p.client = client

	return p, nil
}

func (p *Provider) Kind() providers.Kind { return providers.KindGemini }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", toProviderError(err))
	}
	return nil
}

// Call implements providers.Adapter.
func (p *Provider) Call(ctx context.Context, req *providers.ChatRequest, model string) (*providers.Response, time.Duration, error) {
	if p.apiKey == "" {
		return nil, 0, fmt.Errorf("gemini: no API key configured")
	}

	contents, cfg := buildContents(req)

	start := time.Now()
	resp, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	latency := time.Since(start)
	if err != nil {
		return nil, latency, toProviderError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, latency, &providers.TranslationError{Provider: providers.KindGemini, Reason: "response has no candidates"}
	}

	id := resp.ResponseID
	if id == "" {
		id = "gemini-" + uuid.NewString()
	}
	respModel := resp.ModelVersion
	if respModel == "" {
		respModel = model
	}

	text := resp.Text()
	usage := usageFrom(resp.UsageMetadata)

	body, err := providers.BuildCompletion(id, respModel, text, usage, p.now())
	if err != nil {
		return nil, latency, &providers.TranslationError{Provider: providers.KindGemini, Reason: "encode completion", Err: err}
	}

	return &providers.Response{
		ID:      id,
		Model:   respModel,
		Content: text,
		Usage:   usage,
		Raw:     body,
	}, latency, nil
}

// buildContents maps system turns to the system instruction and assistant
// turns to the model role. Messages without text content are skipped.
func buildContents(req *providers.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var system []string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		text, ok := m.Text()
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "system", "developer":
			system = append(system, text)
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(text, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{}
	empty := true

	if len(system) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n"), genai.RoleUser)
		empty = false
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
		empty = false
	}
	if req.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*req.TopP))
		empty = false
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(*req.MaxTokens)
		empty = false
	}

	if empty {
		return contents, nil
	}
	return contents, cfg
}

// usageFrom maps usage metadata. The SDK decodes absent counters as zero, so
// usage counts as reported only when a total is present or both the prompt
// and candidate counters are.
func usageFrom(m *genai.GenerateContentResponseUsageMetadata) providers.Usage {
	if m == nil {
		return providers.Usage{}
	}
	u := providers.Usage{
		PromptTokens:     int(m.PromptTokenCount),
		CompletionTokens: int(m.CandidatesTokenCount),
		TotalTokens:      int(m.TotalTokenCount),
	}
	switch {
	case u.TotalTokens > 0:
	case u.PromptTokens > 0 && u.CompletionTokens > 0:
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	default:
		return providers.Usage{}
	}
	u.Reported = true
	return u
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

// looksLikeAPIVersion matches path segments such as v1 or v1beta.
func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

// ProviderError is a structured error returned by the Gemini API (SDK wrapper).
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("gemini: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Type:       apiErr.Status,
			Code:       fmt.Sprintf("%d", apiErr.Code),
		}
	}
	return err
}
