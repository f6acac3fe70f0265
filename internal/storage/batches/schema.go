package batches

// Schema is valid for both sqlite3 and postgres.
const Schema = `
CREATE TABLE IF NOT EXISTS order_batches (
	batch_id           TEXT PRIMARY KEY,
	client_id          TEXT NOT NULL,
	account_ref        TEXT NOT NULL,
	strategy_id        TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL,
	require_approval   BOOLEAN NOT NULL,
	created_at         TIMESTAMP NOT NULL,
	updated_at         TIMESTAMP NOT NULL,
	portfolio_snapshot TEXT NOT NULL,
	target_allocation  TEXT NOT NULL,
	allocation_source  TEXT NOT NULL DEFAULT '',
	trades             TEXT NOT NULL,
	rejection_reason   TEXT NOT NULL DEFAULT '',
	execution_claim    TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_order_batches_client ON order_batches (client_id, created_at);
CREATE INDEX IF NOT EXISTS idx_order_batches_status ON order_batches (status);

CREATE TABLE IF NOT EXISTS batch_results (
	batch_id          TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	instruction_index INTEGER NOT NULL,
	idempotency_key   TEXT NOT NULL,
	success           BOOLEAN NOT NULL,
	dry_run           BOOLEAN NOT NULL DEFAULT FALSE,
	order_id          TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	error_message     TEXT NOT NULL DEFAULT '',
	recorded_at       TIMESTAMP NOT NULL,
	PRIMARY KEY (batch_id, symbol)
);
`
