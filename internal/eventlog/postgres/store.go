package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parley/internal/eventlog"
	"github.com/MrWong99/parley/internal/session"
)

var _ eventlog.Store = (*Store)(nil)

var eventColumns = []string{
	"session_id", "event_type", "at", "seq", "role", "stage", "kind", "attempts", "latency_ns", "reason",
}

// Store is a PostgreSQL-backed event log. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database at dsn and runs [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("eventlog postgres: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("eventlog postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("eventlog postgres: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("eventlog postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Append implements [eventlog.Store] using the COPY protocol.
func (s *Store) Append(ctx context.Context, events []session.Event) error {
	if len(events) == 0 {
		return nil
	}
	src := pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
		e := events[i]
		at := e.At
		if at.IsZero() {
			at = time.Now()
		}
		return []any{
			e.SessionID,
			string(e.Type),
			at,
			int32(e.Seq),
			e.Role,
			e.Stage,
			e.Kind,
			int32(e.Attempts),
			e.Latency.Nanoseconds(),
			e.Reason,
		}, nil
	})
	if _, err := s.pool.CopyFrom(ctx, pgx.Identifier{"session_events"}, eventColumns, src); err != nil {
		return fmt.Errorf("eventlog postgres: append: %w", err)
	}
	return nil
}

// Events returns the events recorded for sessionID, oldest first.
func (s *Store) Events(ctx context.Context, sessionID string) ([]session.Event, error) {
	const q = `
		SELECT session_id, event_type, at, seq, role, stage, kind, attempts, latency_ns, reason
		FROM   session_events
		WHERE  session_id = $1
		ORDER  BY at, id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("eventlog postgres: events: %w", err)
	}
	events, err := pgx.CollectRows(rows, scanEvent)
	if err != nil {
		return nil, fmt.Errorf("eventlog postgres: events: %w", err)
	}
	return events, nil
}

func scanEvent(row pgx.CollectableRow) (session.Event, error) {
	var (
		e         session.Event
		typ       string
		seq       int32
		attempts  int32
		latencyNS int64
	)
	err := row.Scan(&e.SessionID, &typ, &e.At, &seq, &e.Role, &e.Stage, &e.Kind, &attempts, &latencyNS, &e.Reason)
	if err != nil {
		return session.Event{}, err
	}
	e.Type = session.EventType(typ)
	e.Seq = int(seq)
	e.Attempts = int(attempts)
	e.Latency = time.Duration(latencyNS)
	return e, nil
}

// Ping checks connectivity. It backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}
