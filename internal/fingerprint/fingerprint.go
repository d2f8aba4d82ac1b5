// Package fingerprint derives cache keys from chat requests and provides the
// coarse token estimate used for routing and cost estimation.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/nulpointcorp/cost-gateway/internal/providers"
)

type canonicalMessage struct {
	Content any    `json:"content"`
	Role    string `json:"role"`
}

// Compute returns the hex SHA-256 of the canonical form of req. Only the
// messages, temperature, top_p, max_tokens, policyVersion and modelUsed take
// part; every other request field is ignored.
func Compute(req *providers.ChatRequest, policyVersion, modelUsed string) string {
	msgs := make([]canonicalMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, canonicalMessage{
			Role:    strings.TrimSpace(m.Role),
			Content: canonicalContent(m),
		})
	}

	topP := 1.0
	if req.TopP != nil {
		topP = *req.TopP
	}
	var maxTokens any
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	// Map keys are emitted in sorted order by encoding/json.
	canon := map[string]any{
		"messages":       msgs,
		"temperature":    req.EffectiveTemperature(),
		"top_p":          topP,
		"max_tokens":     maxTokens,
		"policy_version": policyVersion,
		"model_used":     modelUsed,
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Every value above is JSON-encodable.
	_ = enc.Encode(canon)

	sum := sha256.Sum256(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
	return hex.EncodeToString(sum[:])
}

// canonicalContent collapses whitespace in text content. Other content is
// decoded generically so that object keys come out sorted.
func canonicalContent(m providers.Message) any {
	if text, ok := m.Text(); ok {
		return strings.Join(strings.Fields(text), " ")
	}
	if len(m.Content) == 0 {
		return ""
	}
	dec := json.NewDecoder(bytes.NewReader(m.Content))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return string(m.Content)
	}
	return v
}

// EstimateTokens approximates the input size as one token per four
// characters of text content, with a floor of 1.
func EstimateTokens(req *providers.ChatRequest) int {
	chars := 0
	for _, m := range req.Messages {
		if text, ok := m.Text(); ok {
			chars += utf8.RuneCountInString(text)
		}
	}
	return max(1, chars/4)
}
