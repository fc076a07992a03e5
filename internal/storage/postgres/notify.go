package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/bobmcallan/animus/internal/errors"
)

// notifier implements the pub/sub channel over Postgres LISTEN/NOTIFY.
// Delivery is best-effort: a slow subscriber drops payloads rather than
// blocking the listening connection, and the control plane's poll fallback
// guarantees liveness either way.
type notifier struct {
	m *Manager
}

// Subscribe dedicates one connection to LISTEN on the channel and streams
// payloads until ctx is cancelled.
func (n *notifier) Subscribe(ctx context.Context, channel string) (<-chan string, error) {
	pooled, err := n.m.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Database("acquire listen connection", err)
	}

	// The connection leaves the pool for the life of the subscription;
	// WaitForNotification cannot share a pooled connection.
	conn := pooled.Hijack()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Close(context.Background())
		return nil, errors.Database("listen "+channel, err)
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer conn.Close(context.Background())

		for {
			notification, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					n.m.logger.Warn().
						Str("channel", channel).
						Err(err).
						Msg("Notification listener stopped")
				}
				return
			}
			select {
			case out <- notification.Payload:
			default:
				// Subscriber is behind; drop and rely on the poll fallback.
			}
		}
	}()

	return out, nil
}
