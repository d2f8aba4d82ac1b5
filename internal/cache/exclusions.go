package cache

import (
	"fmt"
	"regexp"
	"strings"
)

// ExclusionList names models whose responses must never be cached, by exact
// name or by regular expression. The nil list excludes nothing.
type ExclusionList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewExclusionList compiles patterns up front so a bad expression fails
// start-up rather than a request.
func NewExclusionList(exact, patterns []string) (*ExclusionList, error) {
	el := &ExclusionList{
		exact: make(map[string]struct{}, len(exact)),
	}

	for _, e := range exact {
		if e = strings.TrimSpace(e); e != "" {
			el.exact[e] = struct{}{}
		}
	}

	for _, p := range patterns {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache exclusion: invalid pattern %q: %w", p, err)
		}
		el.patterns = append(el.patterns, re)
	}

	return el, nil
}

// ParseExclusionList splits comma-separated exact names and patterns, the
// form used by environment configuration.
func ParseExclusionList(exact, patterns string) (*ExclusionList, error) {
	return NewExclusionList(splitList(exact), splitList(patterns))
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// Matches reports whether model is excluded.
func (el *ExclusionList) Matches(model string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.exact[model]; ok {
		return true
	}
	for _, re := range el.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.exact) + len(el.patterns)
}
