package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/cost-gateway/internal/audit"
	"github.com/nulpointcorp/cost-gateway/internal/budget"
)

const insertRequest = `INSERT INTO requests (
	id, request_id, workspace_id, ts, provider, model_requested, model_used, route_name,
	cache_status, est_input_tokens, actual_input_tokens, actual_output_tokens,
	est_cost_usd, actual_cost_usd, baseline_cost_usd, latency_ms, outcome,
	request_hash, policy_version, attempts, error
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`

const upsertMonthlySpend = `INSERT INTO monthly_spend (workspace_id, year_month, total_cost_usd)
VALUES ($1, $2, $3)
ON CONFLICT (workspace_id, year_month)
DO UPDATE SET total_cost_usd = monthly_spend.total_cost_usd + EXCLUDED.total_cost_usd`

type spendKey struct {
	workspaceID string
	month       string
}

// WriteBatch inserts records and adds their actual cost to monthly_spend in
// one transaction. It implements audit.Sink.
func (s *Store) WriteBatch(ctx context.Context, records []audit.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertRequest)
	if err != nil {
		return fmt.Errorf("postgres: prepare insert: %w", err)
	}
	defer stmt.Close()

	spend := make(map[spendKey]float64)
	for _, r := range records {
		id := r.ID
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		ts := r.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}

		if _, err := stmt.ExecContext(ctx,
			id, r.RequestID, r.WorkspaceID, ts.UTC(), r.Provider, r.ModelRequested, r.ModelUsed,
			nullString(r.RouteName), string(r.CacheStatus), r.EstInputTokens,
			nullInt(r.ActualInputTokens), nullInt(r.ActualOutputTokens),
			r.EstCostUSD, r.ActualCostUSD, r.BaselineCostUSD, r.LatencyMs, string(r.Outcome),
			r.RequestHash, r.PolicyVersion, r.Attempts, nullString(r.Error),
		); err != nil {
			return fmt.Errorf("postgres: insert request %s: %w", id, err)
		}

		if r.ActualCostUSD > 0 {
			spend[spendKey{r.WorkspaceID, budget.MonthKey(ts)}] += r.ActualCostUSD
		}
	}

	keys := make([]spendKey, 0, len(spend))
	for k := range spend {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].workspaceID != keys[j].workspaceID {
			return keys[i].workspaceID < keys[j].workspaceID
		}
		return keys[i].month < keys[j].month
	})

	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, upsertMonthlySpend, k.workspaceID, k.month, spend[k]); err != nil {
			return fmt.Errorf("postgres: upsert monthly spend: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit batch: %w", err)
	}
	return nil
}

// Stats implements audit.StatsReader over the requests table.
func (s *Store) Stats(ctx context.Context, workspaceID string, since time.Time) (audit.Stats, error) {
	if _, err := uuid.Parse(workspaceID); err != nil {
		return audit.NewStats(0, 0, 0), nil
	}

	var (
		count          int64
		cost, baseline float64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*), COALESCE(SUM(actual_cost_usd), 0), COALESCE(SUM(baseline_cost_usd), 0)
		 FROM requests WHERE workspace_id = $1 AND ts >= $2`,
		workspaceID, since.UTC(),
	).Scan(&count, &cost, &baseline)
	if err != nil {
		return audit.Stats{}, fmt.Errorf("postgres: stats: %w", err)
	}
	return audit.NewStats(count, cost, baseline), nil
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}
