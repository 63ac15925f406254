package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	createTriggerEventsSQL = `CREATE TABLE IF NOT EXISTS trigger_events (
        seq        BIGSERIAL PRIMARY KEY,
        id         UUID        NOT NULL UNIQUE,
        kind       TEXT        NOT NULL,
        at         TIMESTAMPTZ NOT NULL,
        state_from TEXT        NOT NULL,
        state_to   TEXT        NOT NULL,
        payload    JSONB       NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	createTriggerEventsIndexSQL = `CREATE INDEX IF NOT EXISTS trigger_events_at_idx ON trigger_events (at);`

	insertEventSQL = `INSERT INTO trigger_events (
        id,
        kind,
        at,
        state_from,
        state_to,
        payload
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (id) DO NOTHING;`

	latestEventSQL = `SELECT id, kind, at, state_from, state_to, payload, created_at
    FROM trigger_events
    ORDER BY seq DESC
    LIMIT 1;`

	listRecentEventsSQL = `SELECT id, kind, at, state_from, state_to, payload, created_at
    FROM trigger_events
    ORDER BY seq DESC
    LIMIT $1;`

	listEventsBetweenSQL = `SELECT id, kind, at, state_from, state_to, payload, created_at
    FROM trigger_events
    WHERE at >= $1
      AND at < $2
    ORDER BY at, seq;`

	countEventsSQL = `SELECT COUNT(*) FROM trigger_events;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// EventStore defines operations for trigger event persistence.
type EventStore interface {
	EnsureSchema(ctx context.Context) error
	InsertEvent(ctx context.Context, rec EventRecord) error
	LatestEvent(ctx context.Context) (EventRecord, error)
	ListRecentEvents(ctx context.Context, limit int) ([]EventRecord, error)
	ListEventsBetween(ctx context.Context, from, to time.Time) ([]EventRecord, error)
	CountEvents(ctx context.Context) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to trigger events and writer leadership.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
// The lock lives on a dedicated connection, so it is released if the process dies.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock still drops the lock once the connection goes away
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the trigger_events table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range []string{createTriggerEventsSQL, createTriggerEventsIndexSQL} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure trigger_events schema: %w", err)
		}
	}
	return nil
}

// InsertEvent persists an event. Re-inserting the same id is a no-op.
func (s *Store) InsertEvent(ctx context.Context, rec EventRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertEventSQL,
		rec.ID,
		rec.Kind,
		rec.At,
		rec.StateFrom,
		rec.StateTo,
		[]byte(rec.Payload),
	); execErr != nil {
		return fmt.Errorf("insert trigger event: %w", execErr)
	}
	return nil
}

// LatestEvent returns the most recently inserted event or pgx.ErrNoRows.
func (s *Store) LatestEvent(ctx context.Context) (EventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return EventRecord{}, err
	}
	rows, err := pool.Query(ctx, latestEventSQL)
	if err != nil {
		return EventRecord{}, fmt.Errorf("latest trigger event: %w", err)
	}
	records, err := collectEvents(rows, 1)
	if err != nil {
		return EventRecord{}, err
	}
	if len(records) == 0 {
		return EventRecord{}, pgx.ErrNoRows
	}
	return records[0], nil
}

// ListRecentEvents lists the most recent events, newest first.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRecentEventsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent trigger events: %w", err)
	}
	return collectEvents(rows, limit)
}

// ListEventsBetween lists events within [from, to), oldest first.
func (s *Store) ListEventsBetween(ctx context.Context, from, to time.Time) ([]EventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listEventsBetweenSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("list trigger events between: %w", err)
	}
	return collectEvents(rows, 0)
}

// CountEvents counts stored events.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countEventsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count trigger events: %w", scanErr)
	}
	return count, nil
}

func collectEvents(rows pgx.Rows, capacity int) ([]EventRecord, error) {
	defer rows.Close()
	records := make([]EventRecord, 0, capacity)
	for rows.Next() {
		var (
			rec     EventRecord
			payload []byte
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Kind,
			&rec.At,
			&rec.StateFrom,
			&rec.StateTo,
			&payload,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.Payload = json.RawMessage(payload)
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

var (
	_ EventStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
