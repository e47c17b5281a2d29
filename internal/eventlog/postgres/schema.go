// Package postgres stores session lifecycle events in PostgreSQL.
//
// Usage:
//
//	store, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	w := eventlog.NewWriter(store, 1024)
//	go w.Run(ctx)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessionEvents = `
CREATE TABLE IF NOT EXISTS session_events (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    event_type  TEXT         NOT NULL,
    at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    seq         INT          NOT NULL DEFAULT 0,
    role        TEXT         NOT NULL DEFAULT '',
    stage       TEXT         NOT NULL DEFAULT '',
    kind        TEXT         NOT NULL DEFAULT '',
    attempts    INT          NOT NULL DEFAULT 0,
    latency_ns  BIGINT       NOT NULL DEFAULT 0,
    reason      TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_session_events_session_at
    ON session_events (session_id, at);

CREATE INDEX IF NOT EXISTS idx_session_events_type
    ON session_events (event_type);
`

// Migrate creates the session_events table and its indexes. It is
// idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSessionEvents); err != nil {
		return fmt.Errorf("migrate session_events: %w", err)
	}
	return nil
}
