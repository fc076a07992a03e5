package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/bobmcallan/animus/internal/errors"
	"github.com/bobmcallan/animus/internal/metrics"
	"github.com/bobmcallan/animus/internal/models"
)

// workQueue drives the pgmq extension's SQL functions: pgmq.create,
// pgmq.send, pgmq.read, pgmq.archive, pgmq.delete.
type workQueue struct {
	m *Manager
}

// Create creates a queue. Idempotent.
func (q *workQueue) Create(ctx context.Context, queue string) error {
	if _, err := q.m.pool.Exec(ctx, `SELECT pgmq.create($1)`, queue); err != nil {
		return errors.Database("create queue", err)
	}
	metrics.QueueOperations.WithLabelValues(queue, "create").Inc()
	return nil
}

// Send enqueues a message. delaySeconds of zero means immediate delivery.
func (q *workQueue) Send(ctx context.Context, queue string, payload json.RawMessage, delaySeconds int) (int64, error) {
	var msgID int64
	err := q.m.pool.QueryRow(ctx, `SELECT pgmq.send($1, $2::jsonb, $3)`,
		queue, string(payload), delaySeconds,
	).Scan(&msgID)
	if err != nil {
		return 0, errors.Database("send message", err)
	}
	metrics.QueueOperations.WithLabelValues(queue, "send").Inc()
	return msgID, nil
}

// Read returns the next message, hiding it for vtSeconds, or nil when the
// queue is empty.
func (q *workQueue) Read(ctx context.Context, queue string, vtSeconds int) (*models.QueueMessage, error) {
	var msg models.QueueMessage
	var payload []byte
	err := q.m.pool.QueryRow(ctx,
		`SELECT msg_id, read_ct, enqueued_at, vt, message FROM pgmq.read($1, $2, 1)`,
		queue, vtSeconds,
	).Scan(&msg.MsgID, &msg.ReadCount, &msg.EnqueuedAt, &msg.VisibleAt, &payload)
	if err == pgx.ErrNoRows {
		metrics.QueueOperations.WithLabelValues(queue, "read_empty").Inc()
		return nil, nil
	}
	if err != nil {
		return nil, errors.Database("read message", err)
	}
	msg.Payload = payload
	metrics.QueueOperations.WithLabelValues(queue, "read").Inc()
	return &msg, nil
}

// Archive moves a message to the archive table, preserving it for audit.
func (q *workQueue) Archive(ctx context.Context, queue string, msgID int64) error {
	if _, err := q.m.pool.Exec(ctx, `SELECT pgmq.archive($1, $2)`, queue, msgID); err != nil {
		return errors.Database("archive message", err)
	}
	metrics.QueueOperations.WithLabelValues(queue, "archive").Inc()
	return nil
}

// Delete removes a message permanently.
func (q *workQueue) Delete(ctx context.Context, queue string, msgID int64) error {
	if _, err := q.m.pool.Exec(ctx, `SELECT pgmq.delete($1, $2)`, queue, msgID); err != nil {
		return errors.Database("delete message", err)
	}
	metrics.QueueOperations.WithLabelValues(queue, "delete").Inc()
	return nil
}
