package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate runs the test in an empty directory with every config variable
// cleared.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	for _, k := range []string{
		"PORT", "LOG_LEVEL", "OPENAI_API_KEY", "OPENAI_BASE_URL", "ANTHROPIC_API_KEY",
		"ANTHROPIC_BASE_URL", "GOOGLE_API_KEY", "GEMINI_BASE_URL", "POLICY_PATH", "REDIS_URL",
		"CACHE_MODE", "LEDGER_MODE", "CACHE_EXCLUDE_EXACT", "CACHE_EXCLUDE_PATTERNS",
		"DATABASE_URL", "DB_MAX_OPEN_CONNS", "AUDIT_SINK", "CLICKHOUSE_DSN", "PROVIDER_TIMEOUT",
		"RPM_LIMIT", "SIGNUP_LIMIT_PER_HOUR", "API_KEY_PEPPER", "ADMIN_KEY", "CORS_ORIGINS",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 || cfg.LogLevel != "info" {
		t.Errorf("port/log level: %d %q", cfg.Port, cfg.LogLevel)
	}
	if cfg.PolicyPath != "concord.config.yaml" {
		t.Errorf("policy path = %q", cfg.PolicyPath)
	}
	if cfg.Cache.Mode != ModeMemory || cfg.LedgerMode != ModeMemory || cfg.Audit.Sink != SinkLog {
		t.Errorf("modes: cache=%q ledger=%q sink=%q", cfg.Cache.Mode, cfg.LedgerMode, cfg.Audit.Sink)
	}
	if cfg.ProviderTimeout != 30*time.Second {
		t.Errorf("provider timeout = %v", cfg.ProviderTimeout)
	}
	if cfg.RateLimit.RPMLimit != 0 || cfg.RateLimit.SignupPerHour != 3 {
		t.Errorf("rate limits: %+v", cfg.RateLimit)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("cors = %v", cfg.CORSOrigins)
	}
	if cfg.NeedsRedis() {
		t.Error("memory defaults should not need Redis")
	}
}

func TestLoad_Env(t *testing.T) {
	isolate(t)
	t.Setenv("ANTHROPIC_API_KEY", "ak")
	t.Setenv("ANTHROPIC_BASE_URL", "http://localhost:9000")
	t.Setenv("PORT", "9090")
	t.Setenv("CACHE_MODE", "REDIS")
	t.Setenv("LEDGER_MODE", "redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("CACHE_EXCLUDE_EXACT", "gpt-4o-realtime, o1")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("PROVIDER_TIMEOUT", "5s")
	t.Setenv("RPM_LIMIT", "120")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9090 || cfg.Anthropic.BaseURL != "http://localhost:9000" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.Cache.Mode != ModeRedis || !cfg.NeedsRedis() {
		t.Errorf("cache mode = %q", cfg.Cache.Mode)
	}
	if cfg.Cache.ExcludeExact != "gpt-4o-realtime, o1" {
		t.Errorf("exclude exact = %q", cfg.Cache.ExcludeExact)
	}
	if strings.Join(cfg.CORSOrigins, "|") != "https://a.example|https://b.example" {
		t.Errorf("cors = %v", cfg.CORSOrigins)
	}
	if cfg.ProviderTimeout != 5*time.Second || cfg.RateLimit.RPMLimit != 120 {
		t.Errorf("timeout=%v rpm=%d", cfg.ProviderTimeout, cfg.RateLimit.RPMLimit)
	}
}

func TestLoad_DotEnvAndYAML(t *testing.T) {
	dir := isolate(t)

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("GOOGLE_API_KEY=from-dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("policy_path: policies/prod.yaml\nport: 7070\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("GOOGLE_API_KEY") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gemini.APIKey != "from-dotenv" {
		t.Errorf("gemini key = %q", cfg.Gemini.APIKey)
	}
	if cfg.PolicyPath != "policies/prod.yaml" || cfg.Port != 7070 {
		t.Errorf("yaml values not applied: %q %d", cfg.PolicyPath, cfg.Port)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"no provider", map[string]string{}, "at least one provider"},
		{"bad cache mode", map[string]string{"CACHE_MODE": "disk"}, "CACHE_MODE"},
		{"bad ledger mode", map[string]string{"LEDGER_MODE": "none"}, "LEDGER_MODE"},
		{"redis without url", map[string]string{"LEDGER_MODE": "redis"}, "REDIS_URL"},
		{"postgres sink without db", map[string]string{"AUDIT_SINK": "postgres"}, "DATABASE_URL"},
		{"clickhouse without dsn", map[string]string{"AUDIT_SINK": "clickhouse"}, "CLICKHOUSE_DSN"},
		{"unknown sink", map[string]string{"AUDIT_SINK": "kafka"}, "AUDIT_SINK"},
		{"db without pepper", map[string]string{"DATABASE_URL": "postgres://x"}, "API_KEY_PEPPER"},
		{"bad log level", map[string]string{"LOG_LEVEL": "trace"}, "LOG_LEVEL"},
		{"negative rpm", map[string]string{"RPM_LIMIT": "-1"}, "RPM_LIMIT"},
		{"zero signup limit", map[string]string{"SIGNUP_LIMIT_PER_HOUR": "0"}, "SIGNUP_LIMIT_PER_HOUR"},
		{"zero timeout", map[string]string{"PROVIDER_TIMEOUT": "0s"}, "PROVIDER_TIMEOUT"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			isolate(t)
			if c.name != "no provider" {
				t.Setenv("OPENAI_API_KEY", "sk-test")
			}
			for k, v := range c.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.HasPrefix(err.Error(), "config: ") || !strings.Contains(err.Error(), c.want) {
				t.Fatalf("error %q should mention %q", err, c.want)
			}
		})
	}
}
