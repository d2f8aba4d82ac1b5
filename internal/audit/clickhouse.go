package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const clickhouseTable = "request_outcomes"

const clickhouseSchema = `CREATE TABLE IF NOT EXISTS ` + clickhouseTable + ` (
	id                   String,
	request_id           String,
	workspace_id         String,
	ts                   DateTime64(3, 'UTC'),
	provider             LowCardinality(String),
	model_requested      String,
	model_used           LowCardinality(String),
	route_name           String,
	cache_status         LowCardinality(String),
	est_input_tokens     Int64,
	actual_input_tokens  Nullable(Int64),
	actual_output_tokens Nullable(Int64),
	est_cost_usd         Float64,
	actual_cost_usd      Float64,
	baseline_cost_usd    Float64,
	latency_ms           Int64,
	outcome              LowCardinality(String),
	request_hash         String,
	policy_version       LowCardinality(String),
	attempts             Int32,
	error                String
) ENGINE = MergeTree
ORDER BY (workspace_id, ts)`

// ClickHouseSink stores records in a MergeTree table and answers stats
// queries from it.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects to dsn, pings the server and creates the
// outcome table when it is missing.
func NewClickHouseSink(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: parse clickhouse dsn: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("audit: open clickhouse: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("audit: ping clickhouse: %w", err)
	}

	if err := conn.Exec(ctx, clickhouseSchema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("audit: create table: %w", err)
	}

	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) WriteBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+clickhouseTable)
	if err != nil {
		return fmt.Errorf("audit: prepare batch: %w", err)
	}

	for _, r := range records {
		if err := batch.Append(clickhouseRow(r)...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("audit: append record %s: %w", r.ID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("audit: send batch: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Stats(ctx context.Context, workspaceID string, since time.Time) (Stats, error) {
	var (
		requests       uint64
		cost, baseline float64
	)
	err := s.conn.QueryRow(ctx, `
		SELECT count(), sum(actual_cost_usd), sum(baseline_cost_usd)
		FROM `+clickhouseTable+`
		WHERE workspace_id = ? AND ts >= ?`,
		workspaceID, since.UTC(),
	).Scan(&requests, &cost, &baseline)
	if err != nil {
		return Stats{}, fmt.Errorf("audit: query stats: %w", err)
	}
	return NewStats(int64(requests), cost, baseline), nil
}

func (s *ClickHouseSink) Ping(ctx context.Context) error { return s.conn.Ping(ctx) }

func (s *ClickHouseSink) Close() error { return s.conn.Close() }

// clickhouseRow orders the fields of r like the table columns.
func clickhouseRow(r Record) []any {
	return []any{
		r.ID,
		r.RequestID,
		r.WorkspaceID,
		r.Timestamp.UTC(),
		r.Provider,
		r.ModelRequested,
		r.ModelUsed,
		r.RouteName,
		string(r.CacheStatus),
		int64(r.EstInputTokens),
		int64Ptr(r.ActualInputTokens),
		int64Ptr(r.ActualOutputTokens),
		r.EstCostUSD,
		r.ActualCostUSD,
		r.BaselineCostUSD,
		r.LatencyMs,
		string(r.Outcome),
		r.RequestHash,
		r.PolicyVersion,
		int32(r.Attempts),
		r.Error,
	}
}

func int64Ptr(v *int) *int64 {
	if v == nil {
		return nil
	}
	n := int64(*v)
	return &n
}
