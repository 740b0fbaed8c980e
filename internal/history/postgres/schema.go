package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    call_id      TEXT         PRIMARY KEY,
    started_at   TIMESTAMPTZ  NOT NULL,
    ended_at     TIMESTAMPTZ  NOT NULL,
    reason       TEXT         NOT NULL DEFAULT '',
    from_error   BOOLEAN      NOT NULL DEFAULT false,
    last_error   TEXT         NOT NULL DEFAULT '',
    notice       TEXT         NOT NULL DEFAULT '',
    recording_ns BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_calls_started_at
    ON calls (started_at DESC);
`

const ddlCallEntries = `
CREATE TABLE IF NOT EXISTS call_entries (
    call_id    TEXT         NOT NULL REFERENCES calls (call_id) ON DELETE CASCADE,
    seq        INTEGER      NOT NULL,
    timestamp  TIMESTAMPTZ  NOT NULL,
    role       TEXT         NOT NULL,
    text       TEXT         NOT NULL,
    PRIMARY KEY (call_id, seq)
);
`

// Migrate creates the history tables if they do not exist. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []struct {
		name string
		sql  string
	}{
		{"calls", ddlCalls},
		{"call_entries", ddlCallEntries},
	} {
		if _, err := pool.Exec(ctx, stmt.sql); err != nil {
			return fmt.Errorf("migrate %s: %w", stmt.name, err)
		}
	}
	return nil
}
