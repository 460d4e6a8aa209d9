// Package postgres provides the PostgreSQL-backed implementation of
// [callog.Store].
//
// The store holds a single [pgxpool.Pool]. [Migrate] is idempotent and runs
// on every start, so no external migration tooling is needed.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCalls = `
CREATE TABLE IF NOT EXISTS voxbridge_calls (
    id            TEXT         PRIMARY KEY,
    variant       TEXT         NOT NULL,
    model         TEXT         NOT NULL DEFAULT '',
    remote_addr   TEXT         NOT NULL DEFAULT '',
    started_at    TIMESTAMPTZ  NOT NULL,
    ended_at      TIMESTAMPTZ  NOT NULL,
    bytes_up      BIGINT       NOT NULL DEFAULT 0,
    bytes_down    BIGINT       NOT NULL DEFAULT 0,
    frames_up     BIGINT       NOT NULL DEFAULT 0,
    frames_down   BIGINT       NOT NULL DEFAULT 0,
    send_errors   BIGINT       NOT NULL DEFAULT 0,
    close_reason  TEXT         NOT NULL DEFAULT '',
    error         TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_voxbridge_calls_started_at
    ON voxbridge_calls (started_at);

CREATE INDEX IF NOT EXISTS idx_voxbridge_calls_close_reason
    ON voxbridge_calls (close_reason);
`

// Migrate creates or ensures the calls table and its indexes exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlCalls); err != nil {
		return fmt.Errorf("call log migrate: %w", err)
	}
	return nil
}
