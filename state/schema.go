package state

const (
	// updated_at doubles as "processing since" for the stuck sweep.
	bridgeTransactionsTable = `CREATE TABLE IF NOT EXISTS bridge_transactions (
		tx_id TEXT PRIMARY KEY NOT NULL,
		kind TEXT NOT NULL,
		counterparty TEXT NOT NULL,
		destination TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		source_asset TEXT NOT NULL,
		dest_asset TEXT NOT NULL,
		source_tx_ref TEXT NOT NULL DEFAULT '',
		dest_tx_ref TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		retryable INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		CONSTRAINT chk_tx_id CHECK (tx_id != ''),
		CONSTRAINT chk_status CHECK (status IN ('pending', 'processing', 'confirmed', 'processed', 'failed')),
		CONSTRAINT chk_kind CHECK (kind IN ('deposit', 'withdrawal', 'burn', 'swap'))
	);
	CREATE INDEX IF NOT EXISTS idx_bridge_transactions_status ON bridge_transactions (status, updated_at);`

	txColumns = ` tx_id, kind, counterparty, destination, amount, source_asset, dest_asset,
		source_tx_ref, dest_tx_ref, status, retryable, last_error, created_at, updated_at `
)
