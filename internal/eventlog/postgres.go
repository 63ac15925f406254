package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"crash-guardian/internal/storage"
)

// PostgresLog keeps events in the trigger_events table. The insert is committed before
// Append returns, which is the durability the guardian waits for.
type PostgresLog struct {
	store storage.EventStore
}

// NewPostgresLog wraps an event store and makes sure its schema exists.
func NewPostgresLog(ctx context.Context, store storage.EventStore) (*PostgresLog, error) {
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return &PostgresLog{store: store}, nil
}

func (l *PostgresLog) Append(ctx context.Context, ev TriggerEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal trigger event: %w", err)
	}
	return l.store.InsertEvent(ctx, storage.EventRecord{
		ID:        ev.ID,
		Kind:      string(ev.Kind),
		At:        ev.At,
		StateFrom: string(ev.From),
		StateTo:   string(ev.To),
		Payload:   payload,
	})
}

func (l *PostgresLog) Latest(ctx context.Context) (TriggerEvent, bool, error) {
	rec, err := l.store.LatestEvent(ctx)
	if errors.Is(err, pgx.ErrNoRows) {
		return TriggerEvent{}, false, nil
	}
	if err != nil {
		return TriggerEvent{}, false, err
	}
	ev, err := decodeRecord(rec)
	if err != nil {
		return TriggerEvent{}, false, err
	}
	return ev, true, nil
}

func (l *PostgresLog) List(ctx context.Context, limit int) ([]TriggerEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	recs, err := l.store.ListRecentEvents(ctx, limit)
	if err != nil {
		return nil, err
	}
	return decodeRecords(recs)
}

func (l *PostgresLog) Between(ctx context.Context, from, to time.Time) ([]TriggerEvent, error) {
	recs, err := l.store.ListEventsBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return decodeRecords(recs)
}

// Close is a no-op; the pool belongs to the caller.
func (l *PostgresLog) Close() error { return nil }

func decodeRecords(recs []storage.EventRecord) ([]TriggerEvent, error) {
	out := make([]TriggerEvent, 0, len(recs))
	for _, rec := range recs {
		ev, err := decodeRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func decodeRecord(rec storage.EventRecord) (TriggerEvent, error) {
	var ev TriggerEvent
	if err := json.Unmarshal(rec.Payload, &ev); err != nil {
		return TriggerEvent{}, fmt.Errorf("decode trigger event %s: %w", rec.ID, err)
	}
	return ev, nil
}

var _ Log = (*PostgresLog)(nil)
