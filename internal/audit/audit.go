// Package audit defines the per-request outcome record, the sinks that
// persist it and the usage statistics derived from it.
package audit

import (
	"context"
	"time"
)

// Outcome is the terminal classification of a request.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeRetried  Outcome = "retried"
	OutcomeFallback Outcome = "fallback"
	OutcomeError    Outcome = "error"
	OutcomeBlocked  Outcome = "blocked"
)

// CacheStatus tells whether the response cache took part in a request.
type CacheStatus string

const (
	CacheHit    CacheStatus = "HIT"
	CacheMiss   CacheStatus = "MISS"
	CacheBypass CacheStatus = "BYPASS"
)

// Record is written exactly once per request and never changed afterwards.
// Actual token counts are nil when the upstream did not report usage.
type Record struct {
	ID                 string
	RequestID          string
	WorkspaceID        string
	Timestamp          time.Time
	Provider           string
	ModelRequested     string
	ModelUsed          string
	RouteName          string
	CacheStatus        CacheStatus
	EstInputTokens     int
	ActualInputTokens  *int
	ActualOutputTokens *int
	EstCostUSD         float64
	ActualCostUSD      float64
	BaselineCostUSD    float64
	LatencyMs          int64
	Outcome            Outcome
	RequestHash        string
	PolicyVersion      string
	Attempts           int
	Error              string
}

// Sink persists batches of records.
type Sink interface {
	WriteBatch(ctx context.Context, records []Record) error
}

// Stats aggregates the records of one workspace over a time window.
type Stats struct {
	Requests         int64
	CostUSD          float64
	WouldHaveCostUSD float64
	SavingsUSD       float64
	SavingsPct       float64
}

// StatsReader computes Stats from persisted records.
type StatsReader interface {
	Stats(ctx context.Context, workspaceID string, since time.Time) (Stats, error)
}

// NewStats derives savings from the request count, the actual cost and the
// cost the same requests would have had on the default route.
func NewStats(requests int64, cost, baseline float64) Stats {
	s := Stats{Requests: requests, CostUSD: cost, WouldHaveCostUSD: baseline}
	s.SavingsUSD = baseline - cost
	if baseline > 0 {
		s.SavingsPct = s.SavingsUSD / baseline * 100
	}
	return s
}

// StartOfDay returns midnight UTC of the day containing t.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
