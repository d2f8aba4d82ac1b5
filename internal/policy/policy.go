// Package policy holds the routing policy: routing rules, fallback route,
// cache and retry settings, budget behavior and the pricing table used for
// cost estimates. A Policy is built once at start-up and never mutated.
package policy

import (
	"fmt"
	"time"

	"github.com/nulpointcorp/cost-gateway/internal/providers"
)

// DefaultVersion is used when the policy document does not set a version.
const DefaultVersion = "v0"

// Action is what the engine does when a request would exceed the budget.
type Action string

const (
	ActionDowngrade Action = "downgrade"
	ActionBlock     Action = "block"
)

// ParseAction validates s as an exceed action. The empty string is not valid.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionDowngrade, ActionBlock:
		return a, nil
	}
	return "", fmt.Errorf("policy: unknown action_on_exceed %q", s)
}

type (
	// Route is a provider/model pair.
	Route struct {
		Provider providers.Kind
		Model    string
	}

	// When holds the optional bounds of a rule. Nil bounds always hold.
	When struct {
		EstInputTokensLT  *int
		EstInputTokensGTE *int
	}

	// Rule routes requests matching When to Use. Empty Use fields fall back
	// to the policy defaults.
	Rule struct {
		Name string
		When When
		Use  Route
	}

	CacheSettings struct {
		Enabled bool
		TTL     time.Duration
	}

	// RetrySettings bounds the attempts on the primary route. MaxAttempts
	// counts the first call.
	RetrySettings struct {
		MaxAttempts int
		Backoff     []time.Duration
	}

	BudgetSettings struct {
		ActionOnExceed    Action
		DefaultMonthlyUSD float64
	}

	// Price is the blended USD price per 1000 tokens of a route.
	Price struct {
		Route
		USDPer1KTokens float64
	}

	Policy struct {
		Version  string
		Defaults Route
		Rules    []Rule
		Fallback *Route
		Cache    CacheSettings
		Retry    RetrySettings
		Budget   BudgetSettings
		Pricing  []Price
	}
)

func (r Route) String() string { return string(r.Provider) + "/" + r.Model }

// Matches reports whether every present bound holds for est.
func (w When) Matches(est int) bool {
	if w.EstInputTokensLT != nil && est >= *w.EstInputTokensLT {
		return false
	}
	if w.EstInputTokensGTE != nil && est < *w.EstInputTokensGTE {
		return false
	}
	return true
}

// Default returns the policy used for every field the document omits.
func Default() *Policy {
	return &Policy{
		Version:  DefaultVersion,
		Defaults: Route{Provider: providers.KindOpenAI, Model: "gpt-4o"},
		Cache:    CacheSettings{Enabled: true, TTL: 24 * time.Hour},
		Retry: RetrySettings{
			MaxAttempts: 2,
			Backoff:     []time.Duration{250 * time.Millisecond},
		},
		Budget: BudgetSettings{
			ActionOnExceed:    ActionDowngrade,
			DefaultMonthlyUSD: 200,
		},
	}
}

// BackoffFor returns the delay to wait after the given failed attempt
// (1-based). Attempts past the end of the list reuse its last value.
func (p *Policy) BackoffFor(attempt int) time.Duration {
	n := len(p.Retry.Backoff)
	if n == 0 || attempt < 1 {
		return 0
	}
	if attempt > n {
		attempt = n
	}
	return p.Retry.Backoff[attempt-1]
}

// PriceOf returns the configured price of r.
func (p *Policy) PriceOf(r Route) (float64, bool) {
	for _, pr := range p.Pricing {
		if pr.Route == r {
			return pr.USDPer1KTokens, true
		}
	}
	return 0, false
}

// EstimateCost prices tokens on route r. Unpriced routes cost nothing.
func (p *Policy) EstimateCost(r Route, tokens int) float64 {
	price, _ := p.PriceOf(r)
	return float64(tokens) / 1000 * price
}

// Cheapest returns the lowest-priced route whose provider passes usable.
// Ties go to the route declared first.
func (p *Policy) Cheapest(usable func(providers.Kind) bool) (Route, bool) {
	var (
		best  Route
		price float64
		found bool
	)
	for _, pr := range p.Pricing {
		if usable != nil && !usable(pr.Provider) {
			continue
		}
		if !found || pr.USDPer1KTokens < price {
			best, price, found = pr.Route, pr.USDPer1KTokens, true
		}
	}
	return best, found
}

// Routes lists every route the policy can send traffic to.
func (p *Policy) Routes() []Route {
	out := []Route{p.Defaults}
	for _, r := range p.Rules {
		out = append(out, p.resolve(r.Use))
	}
	if p.Fallback != nil {
		out = append(out, *p.Fallback)
	}
	return out
}

// resolve fills empty fields of r from the policy defaults.
func (p *Policy) resolve(r Route) Route {
	if r.Provider == "" {
		r.Provider = p.Defaults.Provider
	}
	if r.Model == "" {
		r.Model = p.Defaults.Model
	}
	return r
}

// ResolveRule returns the route of rule i with defaults applied.
func (p *Policy) ResolveRule(i int) Route { return p.resolve(p.Rules[i].Use) }

// ConfigurationError reports a missing or malformed policy document.
type ConfigurationError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := "policy: invalid configuration"
	if e.Path != "" {
		msg += " " + e.Path
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
