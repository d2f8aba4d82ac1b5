package fingerprint

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/nulpointcorp/cost-gateway/internal/providers"
)

func ptr[T any](v T) *T { return &v }

func request(contents ...string) *providers.ChatRequest {
	req := &providers.ChatRequest{Model: "gpt-4o"}
	for _, c := range contents {
		req.Messages = append(req.Messages, providers.TextMessage("user", c))
	}
	return req
}

func TestCompute_WhitespaceInsensitive(t *testing.T) {
	cases := []struct {
		a, b string
	}{
		{"hello world", "  hello   world  "},
		{"hello world", "hello\n\tworld"},
		{"a b c", "a b\r\nc"},
	}
	for _, tc := range cases {
		fa := Compute(request(tc.a), "v0", "gpt-4o")
		fb := Compute(request(tc.b), "v0", "gpt-4o")
		if fa != fb {
			t.Errorf("fingerprints differ for %q and %q", tc.a, tc.b)
		}
	}
}

func TestCompute_RoleTrimmed(t *testing.T) {
	a := &providers.ChatRequest{Messages: []providers.Message{providers.TextMessage("user", "x")}}
	b := &providers.ChatRequest{Messages: []providers.Message{providers.TextMessage(" user ", "x")}}
	if Compute(a, "v0", "m") != Compute(b, "v0", "m") {
		t.Fatal("expected role whitespace to be ignored")
	}
}

func TestCompute_Sensitivity(t *testing.T) {
	base := Compute(request("hello"), "v0", "gpt-4o")

	variants := map[string]string{
		"model":   Compute(request("hello"), "v0", "gpt-4o-mini"),
		"policy":  Compute(request("hello"), "v1", "gpt-4o"),
		"content": Compute(request("hello!"), "v0", "gpt-4o"),
		"order":   Compute(request("a", "b"), "v0", "gpt-4o"),
	}
	for name, fp := range variants {
		if fp == base {
			t.Errorf("changing %s did not change the fingerprint", name)
		}
	}
	if Compute(request("a", "b"), "v0", "gpt-4o") == Compute(request("b", "a"), "v0", "gpt-4o") {
		t.Error("message order should change the fingerprint")
	}
}

func TestCompute_SamplingFields(t *testing.T) {
	base := request("hello")
	fp := Compute(base, "v0", "m")

	explicitDefaults := request("hello")
	explicitDefaults.Temperature = ptr(0.0)
	explicitDefaults.TopP = ptr(1.0)
	if Compute(explicitDefaults, "v0", "m") != fp {
		t.Error("explicit default temperature/top_p should match absent fields")
	}

	withMax := request("hello")
	withMax.MaxTokens = ptr(16)
	if Compute(withMax, "v0", "m") == fp {
		t.Error("max_tokens should change the fingerprint")
	}

	withTopP := request("hello")
	withTopP.TopP = ptr(0.9)
	if Compute(withTopP, "v0", "m") == fp {
		t.Error("top_p should change the fingerprint")
	}
}

func TestCompute_IgnoresOtherFields(t *testing.T) {
	a := request("hello")
	b := request("hello")
	b.Model = "something-else"
	b.Extra = map[string]json.RawMessage{"user": json.RawMessage(`"u-1"`), "seed": json.RawMessage(`7`)}
	if Compute(a, "v0", "m") != Compute(b, "v0", "m") {
		t.Fatal("requested model and passthrough fields must not influence the fingerprint")
	}
}

func TestCompute_NonTextContent(t *testing.T) {
	mk := func(raw string) *providers.ChatRequest {
		return &providers.ChatRequest{Messages: []providers.Message{{Role: "user", Content: json.RawMessage(raw)}}}
	}
	a := mk(`[{"type":"text","text":"hi  there"}]`)
	b := mk(`[ { "text" : "hi  there", "type" : "text" } ]`)
	if Compute(a, "v0", "m") != Compute(b, "v0", "m") {
		t.Error("formatting and key order of structured content should not matter")
	}

	c := mk(`[{"type":"text","text":"hi there"}]`)
	if Compute(a, "v0", "m") == Compute(c, "v0", "m") {
		t.Error("structured content passes through without whitespace collapsing")
	}
}

func TestCompute_Format(t *testing.T) {
	fp := Compute(request("x"), "v0", "m")
	if len(fp) != 64 || strings.Trim(fp, "0123456789abcdef") != "" {
		t.Fatalf("expected 64 hex chars, got %q", fp)
	}
}

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		name string
		req  *providers.ChatRequest
		want int
	}{
		{"empty floor", request(""), 1},
		{"short floor", request("abc"), 1},
		{"exact", request(strings.Repeat("a", 400)), 100},
		{"concatenated", request(strings.Repeat("a", 6), strings.Repeat("b", 6)), 3},
		{"runes not bytes", request(strings.Repeat("é", 8)), 2},
		{
			"non-text ignored",
			&providers.ChatRequest{Messages: []providers.Message{
				{Role: "user", Content: json.RawMessage(`[{"type":"text","text":"` + strings.Repeat("a", 100) + `"}]`)},
			}},
			1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := EstimateTokens(tc.req); got != tc.want {
				t.Errorf("EstimateTokens = %d, want %d", got, tc.want)
			}
		})
	}
}
