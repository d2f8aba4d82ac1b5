package budget

import (
	"context"
	"sync"
	"time"
)

type monthKey struct {
	workspace string
	month     string
}

// MemoryLedger is an in-process Ledger for single-instance runs and tests.
type MemoryLedger struct {
	mu    sync.Mutex
	spend map[monthKey]float64
	now   func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{spend: make(map[monthKey]float64), now: time.Now}
}

// WithClock replaces the clock used to pick the current month.
func (l *MemoryLedger) WithClock(now func() time.Time) *MemoryLedger {
	l.now = now
	return l
}

func (l *MemoryLedger) CurrentSpend(_ context.Context, workspaceID string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spend[monthKey{workspaceID, MonthKey(l.now())}], nil
}

func (l *MemoryLedger) AddSpend(_ context.Context, workspaceID string, amountUSD float64) error {
	if amountUSD <= 0 {
		return nil
	}
	l.mu.Lock()
	l.spend[monthKey{workspaceID, MonthKey(l.now())}] += amountUSD
	l.mu.Unlock()
	return nil
}
