package postgres

import (
	"context"

	"github.com/google/uuid"

	"github.com/bobmcallan/animus/internal/errors"
	"github.com/bobmcallan/animus/internal/models"
)

type workLogStore struct {
	m *Manager
}

// Append records a work-scoped log entry. Logs are append-only.
func (s *workLogStore) Append(ctx context.Context, entry models.LogEntry) error {
	_, err := s.m.pool.Exec(ctx, `
		INSERT INTO logs (work_id, timestamp, level, message)
		VALUES ($1, $2, $3, $4)`,
		entry.WorkID, entry.Timestamp, string(entry.Level), entry.Message,
	)
	if err != nil {
		return errors.Database("append log", err)
	}
	return nil
}

// ForWork returns a work item's logs ordered by timestamp.
func (s *workLogStore) ForWork(ctx context.Context, id uuid.UUID) ([]models.LogEntry, error) {
	rows, err := s.m.pool.Query(ctx, `
		SELECT work_id, timestamp, level, message
		FROM logs WHERE work_id = $1 ORDER BY timestamp ASC`,
		id,
	)
	if err != nil {
		return nil, errors.Database("read logs", err)
	}
	defer rows.Close()

	var entries []models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		var level string
		if err := rows.Scan(&e.WorkID, &e.Timestamp, &level, &e.Message); err != nil {
			return nil, errors.Database("scan log", err)
		}
		e.Level = models.LogLevel(level)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Database("read logs", err)
	}
	return entries, nil
}
