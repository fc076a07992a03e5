package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bobmcallan/animus/internal/errors"
	"github.com/bobmcallan/animus/internal/models"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so the same SQL
// helpers serve auto-commit and transactional callers.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type eventStore struct {
	m *Manager
}

// appendEventOn inserts one event and returns it with its store-assigned
// sequence number. The sequence column is durable, so ordering survives
// crashes.
func appendEventOn(ctx context.Context, q querier, kind models.EventKind) (*models.Event, error) {
	raw, err := models.EncodeEventKind(kind)
	if err != nil {
		return nil, err
	}

	var seq int64
	var ts time.Time
	err = q.QueryRow(ctx,
		`INSERT INTO events (kind) VALUES ($1::jsonb) RETURNING seq, timestamp`,
		string(raw),
	).Scan(&seq, &ts)
	if err != nil {
		return nil, errors.Database("append event", err)
	}

	return &models.Event{Seq: seq, Timestamp: ts, Kind: kind}, nil
}

// Append records an event outside any caller transaction.
func (s *eventStore) Append(ctx context.Context, kind models.EventKind) (*models.Event, error) {
	return appendEventOn(ctx, s.m.pool, kind)
}

// Since returns events with seq greater than the given value, in order.
// Malformed rows and unknown type tags decode to UnknownEvent rather than
// failing the read.
func (s *eventStore) Since(ctx context.Context, seq int64) ([]models.Event, error) {
	rows, err := s.m.pool.Query(ctx,
		`SELECT seq, timestamp, kind FROM events WHERE seq > $1 ORDER BY seq ASC`,
		seq,
	)
	if err != nil {
		return nil, errors.Database("read events", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var e models.Event
		var raw []byte
		if err := rows.Scan(&e.Seq, &e.Timestamp, &raw); err != nil {
			return nil, errors.Database("scan event", err)
		}
		e.Kind = models.DecodeEventKind(raw)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Database("read events", err)
	}
	return events, nil
}
