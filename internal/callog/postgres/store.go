package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxbridge/internal/callog"
)

// Compile-time interface check.
var _ callog.Store = (*Store)(nil)

// Store is the PostgreSQL-backed call record store. All operations are safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, and runs [Migrate] to ensure the calls table exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("call log: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("call log: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("call log: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("call log: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Insert implements [callog.Store].
func (s *Store) Insert(ctx context.Context, rec callog.Record) error {
	const q = `
		INSERT INTO voxbridge_calls
		    (id, variant, model, remote_addr, started_at, ended_at,
		     bytes_up, bytes_down, frames_up, frames_down, send_errors,
		     close_reason, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.pool.Exec(ctx, q,
		rec.ID,
		rec.Variant,
		rec.Model,
		rec.RemoteAddr,
		rec.StartedAt,
		rec.EndedAt,
		rec.BytesUp,
		rec.BytesDown,
		rec.FramesUp,
		rec.FramesDown,
		rec.SendErrors,
		rec.CloseReason,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("call log: insert: %w", err)
	}
	return nil
}

// Recent implements [callog.Store]. It returns up to limit records, newest
// first.
func (s *Store) Recent(ctx context.Context, limit int) ([]callog.Record, error) {
	const q = `
		SELECT id, variant, model, remote_addr, started_at, ended_at,
		       bytes_up, bytes_down, frames_up, frames_down, send_errors,
		       close_reason, error
		FROM   voxbridge_calls
		ORDER  BY started_at DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("call log: recent: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (callog.Record, error) {
		var r callog.Record
		err := row.Scan(
			&r.ID,
			&r.Variant,
			&r.Model,
			&r.RemoteAddr,
			&r.StartedAt,
			&r.EndedAt,
			&r.BytesUp,
			&r.BytesDown,
			&r.FramesUp,
			&r.FramesDown,
			&r.SendErrors,
			&r.CloseReason,
			&r.Error,
		)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("call log: scan rows: %w", err)
	}
	if records == nil {
		records = []callog.Record{}
	}
	return records, nil
}

// Ping implements [callog.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
