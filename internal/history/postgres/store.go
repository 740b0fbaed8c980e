// Package postgres provides a PostgreSQL-backed [history.Store].
//
// Calls live in the calls table and their transcripts in call_entries, one
// row per committed entry. [NewStore] runs [Migrate] so the schema exists
// before the first save.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	ctrl := call.New(provider, device, call.Options{OnEnd: history.Hook(store, 5*time.Second)})
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/callwright/internal/call"
	"github.com/MrWong99/callwright/internal/history"
)

var _ history.Store = (*Store)(nil)

// Store archives calls in PostgreSQL. All methods are safe for concurrent
// use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Save implements [history.Store]. The call row and its entries are
// replaced in one transaction.
func (s *Store) Save(ctx context.Context, sum call.Summary) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const upsert = `
			INSERT INTO calls
			    (call_id, started_at, ended_at, reason, from_error, last_error, notice, recording_ns)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (call_id) DO UPDATE SET
			    started_at   = EXCLUDED.started_at,
			    ended_at     = EXCLUDED.ended_at,
			    reason       = EXCLUDED.reason,
			    from_error   = EXCLUDED.from_error,
			    last_error   = EXCLUDED.last_error,
			    notice       = EXCLUDED.notice,
			    recording_ns = EXCLUDED.recording_ns`
		if _, err := tx.Exec(ctx, upsert,
			sum.CallID,
			sum.StartedAt,
			sum.EndedAt,
			sum.Reason,
			sum.FromError,
			sum.LastError,
			sum.Notice,
			sum.RecordingDuration.Nanoseconds(),
		); err != nil {
			return fmt.Errorf("upsert call: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM call_entries WHERE call_id = $1`, sum.CallID); err != nil {
			return fmt.Errorf("clear entries: %w", err)
		}
		if len(sum.Transcript) == 0 {
			return nil
		}

		rows := make([][]any, len(sum.Transcript))
		for i, e := range sum.Transcript {
			rows[i] = []any{sum.CallID, i, e.Timestamp, string(e.Role), e.Text}
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"call_entries"},
			[]string{"call_id", "seq", "timestamp", "role", "text"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("insert entries: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("history store: save %s: %w", sum.CallID, err)
	}
	return nil
}

// List implements [history.Store].
func (s *Store) List(ctx context.Context, limit int) ([]call.Summary, error) {
	q := `
		SELECT call_id, started_at, ended_at, reason, from_error, last_error, notice, recording_ns
		FROM   calls
		ORDER  BY started_at DESC`
	var args []any
	if limit > 0 {
		q += "\nLIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history store: list: %w", err)
	}
	calls, err := pgx.CollectRows(rows, scanSummary)
	if err != nil {
		return nil, fmt.Errorf("history store: scan calls: %w", err)
	}
	if calls == nil {
		calls = []call.Summary{}
	}
	return calls, nil
}

// Get implements [history.Store].
func (s *Store) Get(ctx context.Context, callID string) (call.Summary, error) {
	const q = `
		SELECT call_id, started_at, ended_at, reason, from_error, last_error, notice, recording_ns
		FROM   calls
		WHERE  call_id = $1`

	rows, err := s.pool.Query(ctx, q, callID)
	if err != nil {
		return call.Summary{}, fmt.Errorf("history store: get: %w", err)
	}
	sum, err := pgx.CollectExactlyOneRow(rows, scanSummary)
	if errors.Is(err, pgx.ErrNoRows) {
		return call.Summary{}, history.ErrNotFound
	}
	if err != nil {
		return call.Summary{}, fmt.Errorf("history store: scan call: %w", err)
	}

	const qe = `
		SELECT timestamp, role, text
		FROM   call_entries
		WHERE  call_id = $1
		ORDER  BY seq`
	rows, err = s.pool.Query(ctx, qe, callID)
	if err != nil {
		return call.Summary{}, fmt.Errorf("history store: get entries: %w", err)
	}
	sum.Transcript, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (call.Entry, error) {
		var (
			e    call.Entry
			role string
		)
		if err := row.Scan(&e.Timestamp, &role, &e.Text); err != nil {
			return call.Entry{}, err
		}
		e.Role = call.Role(role)
		return e, nil
	})
	if err != nil {
		return call.Summary{}, fmt.Errorf("history store: scan entries: %w", err)
	}
	return sum, nil
}

// Check pings the database. The control API uses it as a readiness probe.
func (s *Store) Check(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

func scanSummary(row pgx.CollectableRow) (call.Summary, error) {
	var (
		s           call.Summary
		recordingNS int64
	)
	if err := row.Scan(
		&s.CallID,
		&s.StartedAt,
		&s.EndedAt,
		&s.Reason,
		&s.FromError,
		&s.LastError,
		&s.Notice,
		&recordingNS,
	); err != nil {
		return call.Summary{}, err
	}
	s.RecordingDuration = time.Duration(recordingNS)
	return s, nil
}
