package database

const Schema = `
CREATE TABLE IF NOT EXISTS securities (
	id TEXT PRIMARY KEY,
	isin TEXT NOT NULL DEFAULT '',
	exchange_code TEXT NOT NULL DEFAULT '',
	broker_txn_code TEXT NOT NULL DEFAULT '',
	broker_holdings_code TEXT NOT NULL DEFAULT '',
	feed_symbol TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	doc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS securities_isin_idx ON securities (isin);
CREATE INDEX IF NOT EXISTS securities_exchange_code_idx ON securities (exchange_code);

CREATE TABLE IF NOT EXISTS portfolios (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	version INTEGER NOT NULL,
	doc TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	portfolio_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	doc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS transactions_portfolio_idx ON transactions (portfolio_id);

CREATE TABLE IF NOT EXISTS staged_rows (
	id TEXT PRIMARY KEY,
	batch_id TEXT NOT NULL,
	claimed INTEGER NOT NULL DEFAULT 0,
	doc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS staged_rows_batch_idx ON staged_rows (batch_id);

CREATE TABLE IF NOT EXISTS price_history (
	security_id TEXT NOT NULL,
	price TEXT NOT NULL,
	ts TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS price_history_security_idx ON price_history (security_id, ts);
`

type docRow struct {
	ID      string `db:"id"`
	Version int64  `db:"version"`
	Doc     string `db:"doc"`
}
