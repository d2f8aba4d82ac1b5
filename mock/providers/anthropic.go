package main

import (
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"
)

// newAnthropicHandler simulates POST /v1/messages and GET /v1/models.
func newAnthropicHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/messages", func(w http.ResponseWriter, r *http.Request) {
		if fail(cfg) {
			writeAnthropicError(w, cfg.ErrorStatus, "mock upstream failure", "overloaded_error")
			return
		}

		var req struct {
			Model  string `json:"model"`
			System []struct {
				Text string `json:"text"`
			} `json:"system"`
			Messages []struct {
				Content []struct {
					Text string `json:"text"`
				} `json:"content"`
			} `json:"messages"`
		}
		if err := decode(r, &req); err != nil {
			writeAnthropicError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}

		var texts []string
		for _, s := range req.System {
			texts = append(texts, s.Text)
		}
		for _, m := range req.Messages {
			for _, c := range m.Content {
				texts = append(texts, c.Text)
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":            fmt.Sprintf("msg_%x", rand.Int64()),
			"type":          "message",
			"role":          "assistant",
			"model":         req.Model,
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content": []map[string]string{
				{"type": "text", "text": reply(req.Model, cfg.ReplyWords)},
			},
			"usage": map[string]int{
				"input_tokens":  promptTokens(texts...),
				"output_tokens": cfg.ReplyWords,
			},
		})
	})

	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, _ *http.Request) {
		now := time.Now().UTC().Format(time.RFC3339)
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]any{
				{"type": "model", "id": "claude-3-5-haiku-latest", "display_name": "Claude 3.5 Haiku", "created_at": now},
			},
			"has_more": false,
			"first_id": "claude-3-5-haiku-latest",
			"last_id":  "claude-3-5-haiku-latest",
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeAnthropicError(w, http.StatusNotFound, "mock: unknown path "+r.URL.Path, "not_found_error")
	})

	return mux
}

func writeAnthropicError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{
		"type":  "error",
		"error": map[string]string{"type": typ, "message": msg},
	})
}
