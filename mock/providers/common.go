package main

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"routing", "cheaper", "model", "served", "this", "request", "from", "a",
	"mock", "provider", "with", "a", "fixed", "token", "count", "for",
	"cost", "accounting", "and", "budget", "tests",
}

// reply returns a fake completion of n words prefixed with the serving
// model, so callers can see where a request was routed.
func reply(model string, n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return "[" + model + "] " + strings.Join(words, " ") + "."
}

// promptTokens approximates the token count of the request text at four
// characters per token.
func promptTokens(texts ...string) int {
	n := 0
	for _, t := range texts {
		n += len(t)
	}
	return max(1, (n+3)/4)
}

// fail applies the configured latency and reports whether this request
// should simulate an upstream failure.
func fail(cfg Config) bool {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
	return cfg.ErrorRate > 0 && rand.Float64() < cfg.ErrorRate
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
