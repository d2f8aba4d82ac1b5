package proxy

import (
	"fmt"
	"testing"

	"github.com/valyala/fasthttp"
)

// benchRequest builds a chat request; the body varies with i.
func benchRequest(key string, i int, temperature float64) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	ctx.Request.SetRequestURI("/v1/chat/completions")
	ctx.Request.Header.Set("Authorization", "Bearer "+key)
	ctx.Request.Header.SetContentType("application/json")
	ctx.Request.SetBodyString(fmt.Sprintf(
		`{"model":"gpt-4o","temperature":%g,"messages":[{"role":"user","content":"ping %d"}]}`,
		temperature, i))
	return ctx
}

// BenchmarkChat_Upstream measures handler overhead on the upstream path with
// an instant in-process adapter.
//
// Run: go test -bench=BenchmarkChat -benchmem ./internal/proxy/
func BenchmarkChat_Upstream(b *testing.B) {
	h := newHarness(b)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ctx := benchRequest(h.key, i, 0.5)
		h.handler(ctx)
		if ctx.Response.StatusCode() != fasthttp.StatusOK {
			b.Fatalf("unexpected status %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
		}
	}
}

// BenchmarkChat_CacheHit measures the cache-hit path.
func BenchmarkChat_CacheHit(b *testing.B) {
	h := newHarness(b)
	h.handler(benchRequest(h.key, 0, 0))

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ctx := benchRequest(h.key, 0, 0)
		h.handler(ctx)
		if string(ctx.Response.Header.Peek("X-Cache")) != "HIT" {
			b.Fatalf("expected cache hit, got %q", ctx.Response.Header.Peek("X-Cache"))
		}
	}
}
