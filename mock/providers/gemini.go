package main

import (
	"net/http"
	"strings"
)

// newGeminiHandler simulates the generateContent and model list endpoints
// of the Gemini API under the /v1beta prefix:
//
//	POST /v1beta/models/{model}:generateContent
//	GET  /v1beta/models
func newGeminiHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1beta/models/{call}", func(w http.ResponseWriter, r *http.Request) {
		model, method, ok := strings.Cut(r.PathValue("call"), ":")
		if !ok || method != "generateContent" {
			writeGeminiError(w, http.StatusNotFound, "mock: unknown method "+r.URL.Path)
			return
		}
		if fail(cfg) {
			writeGeminiError(w, cfg.ErrorStatus, "mock upstream failure")
			return
		}

		var req struct {
			Contents []struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"contents"`
		}
		if err := decode(r, &req); err != nil {
			writeGeminiError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		var texts []string
		for _, c := range req.Contents {
			for _, p := range c.Parts {
				texts = append(texts, p.Text)
			}
		}
		in := promptTokens(texts...)
		out := cfg.ReplyWords

		writeJSON(w, http.StatusOK, map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]string{{"text": reply(model, out)}},
				},
				"finishReason": "STOP",
				"index":        0,
			}},
			"usageMetadata": map[string]int{
				"promptTokenCount":     in,
				"candidatesTokenCount": out,
				"totalTokenCount":      in + out,
			},
			"modelVersion": model,
		})
	})

	mux.HandleFunc("GET /v1beta/models", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{"name": "models/gemini-1.5-flash", "displayName": "Gemini 1.5 Flash"},
				{"name": "models/gemini-2.0-flash", "displayName": "Gemini 2.0 Flash"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeGeminiError(w, http.StatusNotFound, "mock: unknown path "+r.URL.Path)
	})

	return mux
}

func writeGeminiError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  http.StatusText(status),
		},
	})
}
