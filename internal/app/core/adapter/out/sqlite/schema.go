package sqlite

// Schema 帳本資料表
// opening_balance 是從 account-management 匯入時的期初餘額，
// 不變式稽核比對 balance == opening_balance + SUM(postings.amount)
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id              INTEGER NOT NULL PRIMARY KEY,
	owner_id        TEXT    NOT NULL,
	status          INTEGER NOT NULL,
	balance         INTEGER NOT NULL,
	version         INTEGER NOT NULL DEFAULT 0,
	allow_overdraft INTEGER NOT NULL DEFAULT 0,
	opening_balance INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS transactions (
	id              TEXT    NOT NULL PRIMARY KEY,
	idem_key        TEXT    NOT NULL UNIQUE,
	kind            INTEGER NOT NULL,
	status          INTEGER NOT NULL,
	fail_reason     TEXT    NOT NULL DEFAULT '',
	from_account_id INTEGER NOT NULL DEFAULT 0,
	to_account_id   INTEGER NOT NULL DEFAULT 0,
	amount          INTEGER NOT NULL,
	created_at      INTEGER NOT NULL,
	completed_at    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS postings (
	id                TEXT    NOT NULL PRIMARY KEY,
	transaction_id    TEXT    NOT NULL,
	account_id        INTEGER NOT NULL,
	amount            INTEGER NOT NULL,
	resulting_balance INTEGER NOT NULL,
	created_at        INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_postings_account ON postings(account_id, created_at);
CREATE INDEX IF NOT EXISTS idx_postings_transaction ON postings(transaction_id);
`
