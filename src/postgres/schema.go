package postgres

import "context"

// EnsureSchema creates the engine's tables if they are missing. The event
// log is append-only with a unique source_id (the dedup key); everything
// else is derived or transactional state. Amount columns are signed 64-bit:
// ingest rejects amounts that don't fit and the match calculation saturates
// at MaxInt64.
func EnsureSchema(ctx context.Context) error {
	return DoExec(ctx, `
	CREATE TABLE IF NOT EXISTS events (
		seq         BIGSERIAL PRIMARY KEY,
		source_id   TEXT NOT NULL UNIQUE,
		kind        TEXT NOT NULL,
		round_id    TEXT NOT NULL,
		project_id  TEXT NOT NULL DEFAULT '',
		account     TEXT NOT NULL DEFAULT '',
		amount      BIGINT NOT NULL DEFAULT 0,
		observed_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS applied_events (
		source_id TEXT PRIMARY KEY
	);
	CREATE TABLE IF NOT EXISTS cursors (
		name TEXT PRIMARY KEY,
		seq  BIGINT NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS rounds (
		round_id  TEXT PRIMARY KEY,
		total     BIGINT NOT NULL DEFAULT 0,
		allocated BIGINT NOT NULL DEFAULT 0,
		CHECK (allocated >= 0 AND allocated <= total)
	);
	CREATE TABLE IF NOT EXISTS projects (
		round_id   TEXT NOT NULL REFERENCES rounds(round_id),
		project_id TEXT NOT NULL,
		PRIMARY KEY (round_id, project_id)
	);
	CREATE TABLE IF NOT EXISTS contributions (
		round_id   TEXT NOT NULL,
		project_id TEXT NOT NULL,
		donor      TEXT NOT NULL,
		amount     BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (round_id, project_id, donor)
	);
	CREATE TABLE IF NOT EXISTS distributions (
		round_id     TEXT NOT NULL,
		project_id   TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'none',
		match_amount BIGINT NOT NULL DEFAULT 0,
		committed_at TIMESTAMPTZ,
		tx_ref       TEXT,
		PRIMARY KEY (round_id, project_id)
	);
	CREATE TABLE IF NOT EXISTS payout_outbox (
		id         TEXT PRIMARY KEY,
		round_id   TEXT NOT NULL,
		project_id TEXT NOT NULL,
		amount     BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		sent       BOOLEAN NOT NULL DEFAULT FALSE
	);`)
}
