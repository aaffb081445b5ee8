package events

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Querier is satisfied by pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore writes events to the domain_events table.
type PGStore struct {
	DB Querier
}

func (s PGStore) InsertEvent(ctx context.Context, ev Event) (Event, error) {
	const q = `INSERT INTO domain_events (id, topic, aggregate_id, payload)
VALUES ($1, $2, $3, $4)
RETURNING occurred_at`
	if err := s.DB.QueryRow(ctx, q, ev.ID, ev.Topic, ev.AggregateID, []byte(ev.Payload)).Scan(&ev.OccurredAt); err != nil {
		return Event{}, err
	}
	return ev, nil
}
