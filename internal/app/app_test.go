package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/nulpointcorp/cost-gateway/internal/config"
	"github.com/nulpointcorp/cost-gateway/internal/policy"
	"github.com/nulpointcorp/cost-gateway/internal/providers"
)

const testPolicyDoc = `
version: app-test
defaults:
  provider: openai
  model: gpt-4o
routing:
  - name: long
    when:
      est_input_tokens_gte: 4000
    use:
      provider: anthropic
      model: claude-3-5-haiku-latest
pricing:
  - provider: openai
    model: gpt-4o
    usd_per_1k_tokens: 0.01
`

func writePolicy(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(testPolicyDoc), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Port:            0,
		LogLevel:        "info",
		OpenAI:          config.ProviderConfig{APIKey: "sk-test", BaseURL: "http://127.0.0.1:1"},
		ProviderTimeout: time.Second,
		PolicyPath:      writePolicy(t),
		Cache:           config.CacheConfig{Mode: config.ModeMemory, ExcludeExact: "gpt-4o-audio"},
		LedgerMode:      config.ModeMemory,
		Audit:           config.AuditConfig{Sink: config.SinkLog},
		RateLimit:       config.RateLimitConfig{SignupPerHour: 3},
		CORSOrigins:     []string{"*"},
	}
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNew_MemoryBackends(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), discard(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.srv == nil || a.health == nil || a.reqLogger == nil {
		t.Fatal("gateway should be fully wired")
	}
	if a.policy.Version != "app-test" {
		t.Errorf("policy version = %q, want app-test", a.policy.Version)
	}
	if a.memCache == nil || a.respCache == nil {
		t.Error("memory cache should be configured")
	}
	if a.rdb != nil {
		t.Error("redis should not be connected without REDIS_URL")
	}
	if a.statsReader != nil {
		t.Error("log sink should not provide a stats reader")
	}
}

func TestNew_RedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig(t)
	cfg.Redis.URL = "redis://" + mr.Addr()
	cfg.Cache.Mode = config.ModeRedis
	cfg.LedgerMode = config.ModeRedis
	cfg.RateLimit.RPMLimit = 10

	a, err := New(context.Background(), cfg, discard(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.rdb == nil || a.cacheProbe == nil {
		t.Fatal("redis should back the cache")
	}
	if err := a.cacheProbe(context.Background()); err != nil {
		t.Errorf("cache probe: %v", err)
	}
	if a.memCache != nil {
		t.Error("memory cache should not be created in redis mode")
	}
}

func TestNew_CacheDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.Mode = config.ModeNone

	a, err := New(context.Background(), cfg, discard(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.respCache != nil {
		t.Error("cache should be nil when disabled")
	}
	if opts := a.engineOptions(nil); opts.Cache != nil {
		t.Error("engine should receive an untyped nil cache")
	}
}

func TestNew_Failures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"missing policy", func(c *config.Config) { c.PolicyPath = filepath.Join(t.TempDir(), "absent.yaml") }},
		{"unreachable redis", func(c *config.Config) { c.Redis.URL = "redis://127.0.0.1:1" }},
		{"bad exclusion pattern", func(c *config.Config) { c.Cache.ExcludePatterns = "gpt-(" }},
		{"postgres sink without database", func(c *config.Config) { c.Audit.Sink = config.SinkPostgres }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := testConfig(t)
			c.mutate(cfg)
			if _, err := New(context.Background(), cfg, discard(), "test"); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestNew_MissingPolicyIsConfigurationError(t *testing.T) {
	cfg := testConfig(t)
	cfg.PolicyPath = filepath.Join(t.TempDir(), "absent.yaml")

	_, err := New(context.Background(), cfg, discard(), "test")
	var ce *policy.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestNew_NilContext(t *testing.T) {
	if _, err := New(nil, testConfig(t), discard(), "test"); err == nil {
		t.Fatal("expected error for nil context")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), discard(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClose_Idempotent(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), discard(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Close()
	a.Close()
}

func TestBuildAdapters(t *testing.T) {
	cfg := &config.Config{
		OpenAI:          config.ProviderConfig{APIKey: "sk-openai"},
		Gemini:          config.ProviderConfig{APIKey: "g-key", BaseURL: "http://127.0.0.1:1/v1beta"},
		ProviderTimeout: time.Second,
	}
	adapters, err := buildAdapters(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	var kinds []string
	for k, a := range adapters {
		if a.Kind() != k {
			t.Errorf("adapter under %q reports kind %q", k, a.Kind())
		}
		kinds = append(kinds, string(k))
	}
	slices.Sort(kinds)
	if !slices.Equal(kinds, []string{"gemini", "openai"}) {
		t.Errorf("kinds = %v, want [gemini openai]", kinds)
	}
}

func TestUnroutable(t *testing.T) {
	p, err := policy.Parse([]byte(testPolicyDoc))
	if err != nil {
		t.Fatal(err)
	}
	adapters := map[providers.Kind]providers.Adapter{providers.KindOpenAI: nil}

	got := unroutable(p, adapters)
	if !slices.Equal(got, []string{"anthropic/claude-3-5-haiku-latest"}) {
		t.Errorf("unroutable = %v", got)
	}
}

func TestRedactURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"redis://localhost:6379", "redis://localhost:6379"},
		{"redis://:secret@localhost:6379", "redis://***@localhost:6379"},
		{"postgres://user:pw@db:5432/gw?sslmode=disable", "postgres://***@db:5432/gw?sslmode=disable"},
		{"user:pw@host", "***@host"},
	}
	for _, c := range cases {
		if got := redactURL(c.in); got != c.want {
			t.Errorf("redactURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
