package policy

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nulpointcorp/cost-gateway/internal/providers"
)

type (
	routeDoc struct {
		Provider string `yaml:"provider"`
		Model    string `yaml:"model"`
	}

	ruleDoc struct {
		Name string `yaml:"name"`
		When struct {
			EstInputTokensLT  *int `yaml:"est_input_tokens_lt"`
			EstInputTokensGTE *int `yaml:"est_input_tokens_gte"`
		} `yaml:"when"`
		Use routeDoc `yaml:"use"`
	}

	priceDoc struct {
		Provider       string  `yaml:"provider"`
		Model          string  `yaml:"model"`
		USDPer1KTokens float64 `yaml:"usd_per_1k_tokens"`
	}

	document struct {
		Version  string    `yaml:"version"`
		Defaults routeDoc  `yaml:"defaults"`
		Routing  []ruleDoc `yaml:"routing"`
		Fallback *routeDoc `yaml:"fallback"`
		Cache    struct {
			Enabled *bool          `yaml:"enabled"`
			TTL     *time.Duration `yaml:"ttl"`
		} `yaml:"cache"`
		Retry struct {
			MaxAttempts *int            `yaml:"max_attempts"`
			Backoff     []time.Duration `yaml:"backoff"`
		} `yaml:"retry"`
		Budget struct {
			ActionOnExceed    string   `yaml:"action_on_exceed"`
			DefaultMonthlyUSD *float64 `yaml:"default_monthly_usd"`
		} `yaml:"budget"`
		Pricing []priceDoc `yaml:"pricing"`
	}
)

// Load reads the policy document at path. Environment variables in the file
// are expanded before parsing.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Path: path, Reason: "read policy", Err: err}
	}
	p, err := Parse([]byte(os.ExpandEnv(string(data))))
	if err != nil {
		var ce *ConfigurationError
		if errors.As(err, &ce) {
			ce.Path = path
		}
		return nil, err
	}
	return p, nil
}

// Parse builds a Policy from a YAML document.
func Parse(data []byte) (*Policy, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigurationError{Reason: "parse policy", Err: err}
	}
	return doc.build()
}

func (d *document) build() (*Policy, error) {
	p := Default()

	if d.Version != "" {
		p.Version = d.Version
	}

	if d.Defaults.Provider != "" {
		k, err := providers.ParseKind(d.Defaults.Provider)
		if err != nil {
			return nil, invalid("defaults", err)
		}
		p.Defaults.Provider = k
	}
	if d.Defaults.Model != "" {
		p.Defaults.Model = d.Defaults.Model
	}

	p.Rules = make([]Rule, 0, len(d.Routing))
	for i, rd := range d.Routing {
		r := Rule{
			Name: rd.Name,
			When: When{
				EstInputTokensLT:  rd.When.EstInputTokensLT,
				EstInputTokensGTE: rd.When.EstInputTokensGTE,
			},
			Use: Route{Model: rd.Use.Model},
		}
		if rd.Use.Provider != "" {
			k, err := providers.ParseKind(rd.Use.Provider)
			if err != nil {
				return nil, invalid(fmt.Sprintf("routing[%d]", i), err)
			}
			r.Use.Provider = k
		}
		if b := r.When.EstInputTokensLT; b != nil && *b < 0 {
			return nil, invalid(fmt.Sprintf("routing[%d]", i), fmt.Errorf("est_input_tokens_lt must not be negative"))
		}
		if b := r.When.EstInputTokensGTE; b != nil && *b < 0 {
			return nil, invalid(fmt.Sprintf("routing[%d]", i), fmt.Errorf("est_input_tokens_gte must not be negative"))
		}
		p.Rules = append(p.Rules, r)
	}

	if d.Fallback != nil && (d.Fallback.Provider != "" || d.Fallback.Model != "") {
		k, err := providers.ParseKind(d.Fallback.Provider)
		if err != nil {
			return nil, invalid("fallback", err)
		}
		if d.Fallback.Model == "" {
			return nil, invalid("fallback", fmt.Errorf("model is required"))
		}
		p.Fallback = &Route{Provider: k, Model: d.Fallback.Model}
	}

	if d.Cache.Enabled != nil {
		p.Cache.Enabled = *d.Cache.Enabled
	}
	if d.Cache.TTL != nil {
		if *d.Cache.TTL <= 0 {
			return nil, invalid("cache", fmt.Errorf("ttl must be positive"))
		}
		p.Cache.TTL = *d.Cache.TTL
	}

	if d.Retry.MaxAttempts != nil {
		if *d.Retry.MaxAttempts < 1 {
			return nil, invalid("retry", fmt.Errorf("max_attempts must be at least 1"))
		}
		p.Retry.MaxAttempts = *d.Retry.MaxAttempts
	}
	if d.Retry.Backoff != nil {
		for _, b := range d.Retry.Backoff {
			if b < 0 {
				return nil, invalid("retry", fmt.Errorf("backoff must not be negative"))
			}
		}
		p.Retry.Backoff = d.Retry.Backoff
	}

	if d.Budget.ActionOnExceed != "" {
		a, err := ParseAction(d.Budget.ActionOnExceed)
		if err != nil {
			return nil, invalid("budget", err)
		}
		p.Budget.ActionOnExceed = a
	}
	if d.Budget.DefaultMonthlyUSD != nil {
		p.Budget.DefaultMonthlyUSD = *d.Budget.DefaultMonthlyUSD
	}

	seen := make(map[Route]bool, len(d.Pricing))
	for i, pd := range d.Pricing {
		k, err := providers.ParseKind(pd.Provider)
		if err != nil {
			return nil, invalid(fmt.Sprintf("pricing[%d]", i), err)
		}
		r := Route{Provider: k, Model: pd.Model}
		if r.Model == "" {
			return nil, invalid(fmt.Sprintf("pricing[%d]", i), fmt.Errorf("model is required"))
		}
		if pd.USDPer1KTokens < 0 {
			return nil, invalid(fmt.Sprintf("pricing[%d]", i), fmt.Errorf("usd_per_1k_tokens must not be negative"))
		}
		if seen[r] {
			return nil, invalid(fmt.Sprintf("pricing[%d]", i), fmt.Errorf("duplicate price for %s", r))
		}
		seen[r] = true
		p.Pricing = append(p.Pricing, Price{Route: r, USDPer1KTokens: pd.USDPer1KTokens})
	}

	return p, nil
}

func invalid(section string, err error) *ConfigurationError {
	return &ConfigurationError{Reason: section, Err: err}
}
