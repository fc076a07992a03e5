// Package interfaces defines the storage contracts for Animus.
package interfaces

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/bobmcallan/animus/internal/models"
)

// StorageManager coordinates the durable store's backends. The database is
// the single source of truth: every durable mutation goes through one of
// these interfaces and commits atomically with its events.
type StorageManager interface {
	WorkStore() WorkStore
	WorkQueue() WorkQueue
	EventStore() EventStore
	WorkLogStore() WorkLogStore
	Notifier() Notifier

	// Ping verifies connectivity to the durable store.
	Ping(ctx context.Context) error

	Close() error
}

// WorkStore persists work items and enforces the lifecycle state machine.
// Each mutating operation executes in a single transaction and appends its
// event(s) with the same commit.
type WorkStore interface {
	// Submit transactionally creates-or-merges a submission. A created item
	// is enqueued, moved to queued, and announced on the work_ready channel;
	// a dedup hit is linked to the canonical item and marked merged.
	Submit(ctx context.Context, item models.NewWorkItem) (*models.SubmitResult, error)

	Get(ctx context.Context, id uuid.UUID) (*models.WorkItem, error)
	ListByState(ctx context.Context, state models.State) ([]*models.WorkItem, error)

	// Transition performs an optimistic compare-and-set from → to. Zero
	// affected rows means the caller lost the race and receives
	// InvalidTransition, or NotFound when the item does not exist. Appends a
	// state_transition event.
	Transition(ctx context.Context, id uuid.UUID, from, to models.State) error

	// Claim moves queued → claimed for the given worker.
	Claim(ctx context.Context, id uuid.UUID, workerID string) error

	// Start moves claimed → running and increments attempts. Attempts are
	// bumped exactly once per successful entry into running.
	Start(ctx context.Context, id uuid.UUID, workerID string) error

	// Complete moves running → completed and stores the outcome.
	Complete(ctx context.Context, id uuid.UUID, outcome models.Outcome) error

	// Fail moves running → failed and stores the error outcome.
	Fail(ctx context.Context, id uuid.UUID, errMsg string, retryable bool, durationMS int64) error

	// Retry moves failed → queued for another attempt.
	Retry(ctx context.Context, id uuid.UUID) error

	// DeadLetter moves from → dead with a reason. Legal from queued
	// (cancelled, circuit-broken) and failed (exhausted retries).
	DeadLetter(ctx context.Context, id uuid.UUID, from models.State, reason string) error

	// MergedProvenance lists the preserved origins of submissions that
	// merged into the given canonical item.
	MergedProvenance(ctx context.Context, id uuid.UUID) ([]models.MergedProvenance, error)
}

// WorkQueue is the queue extension contract: SEND / READ-with-visibility-
// timeout / ARCHIVE / DELETE / CREATE.
type WorkQueue interface {
	Create(ctx context.Context, queue string) error
	Send(ctx context.Context, queue string, payload json.RawMessage, delaySeconds int) (int64, error)
	// Read returns the next message, hiding it for vtSeconds, or nil when
	// the queue is empty.
	Read(ctx context.Context, queue string, vtSeconds int) (*models.QueueMessage, error)
	Archive(ctx context.Context, queue string, msgID int64) error
	Delete(ctx context.Context, queue string, msgID int64) error
}

// EventStore appends and reads the monotonically sequenced event log.
type EventStore interface {
	Append(ctx context.Context, kind models.EventKind) (*models.Event, error)
	// Since returns events with seq greater than the given value, in order.
	Since(ctx context.Context, seq int64) ([]models.Event, error)
}

// WorkLogStore appends and reads work-scoped log entries.
type WorkLogStore interface {
	Append(ctx context.Context, entry models.LogEntry) error
	ForWork(ctx context.Context, id uuid.UUID) ([]models.LogEntry, error)
}

// Notifier is the transactional pub/sub channel on the durable store.
// Delivery is best-effort: subscribers may miss payloads, so consumers pair
// a subscription with a poll fallback.
type Notifier interface {
	// Subscribe returns a stream of payloads for the channel. The stream
	// closes when ctx is cancelled.
	Subscribe(ctx context.Context, channel string) (<-chan string, error)
}
