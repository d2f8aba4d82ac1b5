package postgres

var schema = []string{
	`CREATE TABLE IF NOT EXISTS workspaces (
		id                 UUID PRIMARY KEY,
		name               TEXT NOT NULL,
		owner_email        TEXT UNIQUE,
		monthly_budget_usd NUMERIC NOT NULL DEFAULT 200,
		action_on_exceed   TEXT NOT NULL DEFAULT 'downgrade',
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id           UUID PRIMARY KEY,
		workspace_id UUID NOT NULL REFERENCES workspaces (id),
		key_hash     TEXT NOT NULL UNIQUE,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		revoked_at   TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS requests (
		id                   UUID PRIMARY KEY,
		request_id           TEXT NOT NULL DEFAULT '',
		workspace_id         UUID NOT NULL REFERENCES workspaces (id),
		ts                   TIMESTAMPTZ NOT NULL DEFAULT now(),
		provider             TEXT NOT NULL,
		model_requested      TEXT NOT NULL,
		model_used           TEXT NOT NULL,
		route_name           TEXT,
		cache_status         TEXT NOT NULL,
		est_input_tokens     INTEGER NOT NULL,
		actual_input_tokens  INTEGER,
		actual_output_tokens INTEGER,
		est_cost_usd         NUMERIC NOT NULL,
		actual_cost_usd      NUMERIC,
		baseline_cost_usd    NUMERIC NOT NULL DEFAULT 0,
		latency_ms           INTEGER NOT NULL,
		outcome              TEXT NOT NULL,
		request_hash         TEXT NOT NULL,
		policy_version       TEXT NOT NULL,
		attempts             INTEGER NOT NULL DEFAULT 0,
		error                TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS requests_workspace_ts_idx ON requests (workspace_id, ts)`,
	`CREATE TABLE IF NOT EXISTS monthly_spend (
		workspace_id   UUID NOT NULL REFERENCES workspaces (id),
		year_month     TEXT NOT NULL,
		total_cost_usd NUMERIC NOT NULL DEFAULT 0,
		PRIMARY KEY (workspace_id, year_month)
	)`,
}
