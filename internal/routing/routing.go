// Package routing picks the provider and model that serve a request.
package routing

import (
	"github.com/nulpointcorp/cost-gateway/internal/policy"
	"github.com/nulpointcorp/cost-gateway/internal/providers"
)

// Decision is the route chosen for one request. RouteName is empty when no
// rule matched and the policy defaults were used.
type Decision struct {
	Provider  providers.Kind
	Model     string
	RouteName string
}

func (d Decision) Route() policy.Route {
	return policy.Route{Provider: d.Provider, Model: d.Model}
}

// Choose evaluates the rules of p in declared order and returns the first
// match. Without a match the policy defaults are used.
func Choose(p *policy.Policy, estTokens int) Decision {
	for i, rule := range p.Rules {
		if !rule.When.Matches(estTokens) {
			continue
		}
		r := p.ResolveRule(i)
		return Decision{Provider: r.Provider, Model: r.Model, RouteName: rule.Name}
	}
	return Decision{Provider: p.Defaults.Provider, Model: p.Defaults.Model}
}
