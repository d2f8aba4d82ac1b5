// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file, when present, is loaded
// into the process environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// The routing policy (routes, retries, fallback, pricing) lives in its own
// YAML document at POLICY_PATH and is loaded by internal/policy.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Backend modes.
const (
	ModeRedis  = "redis"
	ModeMemory = "memory"
	ModeNone   = "none"

	SinkLog        = "log"
	SinkPostgres   = "postgres"
	SinkClickHouse = "clickhouse"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Provider API keys. At least one must be non-empty.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig

	// ProviderTimeout bounds every upstream attempt. Default: 30s.
	ProviderTimeout time.Duration

	// PolicyPath is the routing policy document. Default: concord.config.yaml.
	PolicyPath string

	// Redis holds the connection URL shared by the cache, the budget ledger
	// and the rate limiters.
	Redis RedisConfig

	Cache CacheConfig

	// LedgerMode selects the budget ledger: "redis" or "memory".
	// Default: "memory".
	LedgerMode string

	Database DatabaseConfig

	Audit AuditConfig

	RateLimit RateLimitConfig

	// APIKeyPepper is prepended to API keys before hashing.
	APIKeyPepper string

	// AdminKey guards the /admin endpoints. Empty disables them.
	AdminKey string

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache backend. Whether a request is
// cached at all is decided by the routing policy.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  Redis-backed cache (requires REDIS_URL). Recommended for production.
	//   "memory" In-process TTL cache. No external deps; not shared across replicas.
	//   "none"   Cache disabled entirely.
	// Default: "memory".
	Mode string

	// ExcludeExact is a comma-separated list of model names that must never
	// be cached.
	ExcludeExact string

	// ExcludePatterns is a comma-separated list of Go regular expressions
	// matched against model names.
	ExcludePatterns string
}

// DatabaseConfig configures the Postgres store of workspaces and keys.
type DatabaseConfig struct {
	// URL is a lib/pq connection string. Empty keeps tenants in memory.
	URL          string
	MaxOpenConns int
}

// AuditConfig selects where outcome records go.
type AuditConfig struct {
	// Sink is one of: log, postgres, clickhouse. Default: log.
	Sink          string
	ClickHouseDSN string
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute per workspace.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int

	// SignupPerHour is the per-IP key issuance limit. Default: 3.
	SignupPerHour int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// At least one provider API key must be configured.
// REDIS_URL is only required when a backend runs in redis mode.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("POLICY_PATH", "concord.config.yaml")
	v.SetDefault("CACHE_MODE", ModeMemory)
	v.SetDefault("LEDGER_MODE", ModeMemory)
	v.SetDefault("AUDIT_SINK", SinkLog)
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("PROVIDER_TIMEOUT", "30s")
	v.SetDefault("CORS_ORIGINS", "*")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)
	v.SetDefault("SIGNUP_LIMIT_PER_HOUR", 3)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},

		ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		PolicyPath:      v.GetString("POLICY_PATH"),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			ExcludeExact:    v.GetString("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetString("CACHE_EXCLUDE_PATTERNS"),
		},

		LedgerMode: strings.ToLower(v.GetString("LEDGER_MODE")),

		Database: DatabaseConfig{
			URL:          v.GetString("DATABASE_URL"),
			MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		},

		Audit: AuditConfig{
			Sink:          strings.ToLower(v.GetString("AUDIT_SINK")),
			ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit:      v.GetInt("RPM_LIMIT"),
			SignupPerHour: v.GetInt("SIGNUP_LIMIT_PER_HOUR"),
		},

		APIKeyPepper: v.GetString("API_KEY_PEPPER"),
		AdminKey:     v.GetString("ADMIN_KEY"),
		CORSOrigins:  splitList(v.GetString("CORS_ORIGINS")),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY or GOOGLE_API_KEY)",
		)
	}

	switch c.Cache.Mode {
	case ModeRedis, ModeMemory, ModeNone:
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	switch c.LedgerMode {
	case ModeRedis, ModeMemory:
	default:
		return fmt.Errorf("config: invalid LEDGER_MODE %q; must be one of: redis, memory", c.LedgerMode)
	}

	if (c.Cache.Mode == ModeRedis || c.LedgerMode == ModeRedis) && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis or LEDGER_MODE=redis; " +
				"set both to memory to run without Redis",
		)
	}

	switch c.Audit.Sink {
	case SinkLog:
	case SinkPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("config: DATABASE_URL is required when AUDIT_SINK=postgres")
		}
	case SinkClickHouse:
		if c.Audit.ClickHouseDSN == "" {
			return fmt.Errorf("config: CLICKHOUSE_DSN is required when AUDIT_SINK=clickhouse")
		}
	default:
		return fmt.Errorf("config: invalid AUDIT_SINK %q; must be one of: log, postgres, clickhouse", c.Audit.Sink)
	}

	if c.Database.URL != "" && c.APIKeyPepper == "" {
		return fmt.Errorf("config: API_KEY_PEPPER is required when DATABASE_URL is set")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.PolicyPath == "" {
		return fmt.Errorf("config: POLICY_PATH must not be empty")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("config: PROVIDER_TIMEOUT must be a positive duration")
	}
	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.RPMLimit)
	}
	if c.RateLimit.SignupPerHour < 1 {
		return fmt.Errorf("config: SIGNUP_LIMIT_PER_HOUR must be ≥ 1, got %d", c.RateLimit.SignupPerHour)
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != ""
}

// NeedsRedis reports whether any backend runs against Redis.
func (c *Config) NeedsRedis() bool {
	return c.Cache.Mode == ModeRedis || c.LedgerMode == ModeRedis
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
