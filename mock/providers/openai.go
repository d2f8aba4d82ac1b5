package main

import (
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"
)

// newOpenAIHandler simulates POST /v1/chat/completions and GET /v1/models.
func newOpenAIHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if fail(cfg) {
			writeOpenAIError(w, cfg.ErrorStatus, "mock upstream failure", "server_error")
			return
		}

		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := decode(r, &req); err != nil {
			writeOpenAIError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}

		texts := make([]string, len(req.Messages))
		for i, m := range req.Messages {
			texts[i] = m.Content
		}
		in := promptTokens(texts...)
		out := cfg.ReplyWords

		writeJSON(w, http.StatusOK, map[string]any{
			"id":      fmt.Sprintf("chatcmpl-mock%x", rand.Int64()),
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": reply(req.Model, out)},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{
				"prompt_tokens":     in,
				"completion_tokens": out,
				"total_tokens":      in + out,
			},
		})
	})

	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "gpt-4o", "object": "model", "created": 1710000000, "owned_by": "openai"},
				{"id": "gpt-4o-mini", "object": "model", "created": 1710000000, "owned_by": "openai"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeOpenAIError(w, http.StatusNotFound, "mock: unknown path "+r.URL.Path, "not_found")
	})

	return mux
}

func writeOpenAIError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"message": msg, "type": typ},
	})
}
