// Package budget tracks spend per workspace per calendar month (UTC).
//
// Reads and increments are separate operations. The engine checks the budget
// before an upstream call and records actual spend after it, so concurrent
// requests may overshoot a ceiling slightly. Enforcement is best-effort.
package budget

import (
	"context"
	"time"
)

// Ledger is a per-workspace monthly spend counter.
type Ledger interface {
	CurrentSpend(ctx context.Context, workspaceID string) (float64, error)
	AddSpend(ctx context.Context, workspaceID string, amountUSD float64) error
}

// MonthKey formats t as the UTC year-month that scopes spend.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Exceeds reports whether spending estimate on top of spend crosses limit.
// A non-positive limit means no ceiling.
func Exceeds(spend, estimate, limit float64) bool {
	if limit <= 0 {
		return false
	}
	return spend+estimate > limit
}
