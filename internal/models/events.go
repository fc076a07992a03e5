package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is a structured record emitted by the engine on every state change.
// Seq is assigned by the store at append time and is strictly increasing;
// consumers can detect gaps.
type Event struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Kind      EventKind `json:"kind"`
}

// EventKind is one variant of the engine's event union. Each variant
// serializes as a JSON object with a snake_case "type" tag.
type EventKind interface {
	EventType() string
}

// Event type tags.
const (
	EventWorkCreated     = "work_created"
	EventWorkMerged      = "work_merged"
	EventWorkQueued      = "work_queued"
	EventWorkClaimed     = "work_claimed"
	EventWorkRunning     = "work_running"
	EventWorkCompleted   = "work_completed"
	EventWorkFailed      = "work_failed"
	EventWorkDead        = "work_dead"
	EventWorkSpawned     = "work_spawned"
	EventStateTransition = "state_transition"
)

// WorkCreated records the durable creation of a work item.
type WorkCreated struct {
	ID       uuid.UUID `json:"id"`
	WorkType string    `json:"work_type"`
	DedupKey string    `json:"dedup_key,omitempty"`
	Priority int       `json:"priority"`
	Source   string    `json:"source"`
}

func (WorkCreated) EventType() string { return EventWorkCreated }

// WorkMerged records a dedup hit at submit time.
type WorkMerged struct {
	ID          uuid.UUID `json:"id"`
	CanonicalID uuid.UUID `json:"canonical_id"`
	Reason      string    `json:"reason"`
}

func (WorkMerged) EventType() string { return EventWorkMerged }

// WorkQueued records an item becoming ready for dispatch.
type WorkQueued struct {
	ID       uuid.UUID `json:"id"`
	Priority int       `json:"priority"`
}

func (WorkQueued) EventType() string { return EventWorkQueued }

// WorkClaimed records a dispatcher picking up an item.
type WorkClaimed struct {
	ID       uuid.UUID `json:"id"`
	WorkerID string    `json:"worker_id"`
}

func (WorkClaimed) EventType() string { return EventWorkClaimed }

// WorkRunning records execution starting.
type WorkRunning struct {
	ID       uuid.UUID `json:"id"`
	WorkerID string    `json:"worker_id"`
}

func (WorkRunning) EventType() string { return EventWorkRunning }

// WorkCompleted records successful retirement.
type WorkCompleted struct {
	ID         uuid.UUID `json:"id"`
	DurationMS int64     `json:"duration_ms"`
}

func (WorkCompleted) EventType() string { return EventWorkCompleted }

// WorkFailed records an execution failure.
type WorkFailed struct {
	ID        uuid.UUID `json:"id"`
	Error     string    `json:"error"`
	Retryable bool      `json:"retryable"`
	Attempt   int       `json:"attempt"`
}

func (WorkFailed) EventType() string { return EventWorkFailed }

// WorkDead records terminal failure: exhausted retries, cancellation, or a
// broken circuit.
type WorkDead struct {
	ID       uuid.UUID `json:"id"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
}

func (WorkDead) EventType() string { return EventWorkDead }

// WorkSpawned records child work submitted by a running faculty.
type WorkSpawned struct {
	ParentID uuid.UUID   `json:"parent_id"`
	ChildIDs []uuid.UUID `json:"child_ids"`
}

func (WorkSpawned) EventType() string { return EventWorkSpawned }

// StateTransition records a generic lifecycle transition.
type StateTransition struct {
	ID   uuid.UUID `json:"id"`
	From State     `json:"from"`
	To   State     `json:"to"`
}

func (StateTransition) EventType() string { return EventStateTransition }

// UnknownEvent preserves an event whose stored JSON is malformed or whose
// type tag is not recognized. Readers must tolerate these so newer writers
// can add kinds without breaking older readers.
type UnknownEvent struct {
	Raw string `json:"-"`
}

func (UnknownEvent) EventType() string { return "unknown" }

// EncodeEventKind serializes a kind to its tagged JSON form.
func EncodeEventKind(kind EventKind) ([]byte, error) {
	body, err := json.Marshal(kind)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", kind.EventType(), err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode event %s: %w", kind.EventType(), err)
	}
	fields["type"] = json.RawMessage(fmt.Sprintf("%q", kind.EventType()))
	return json.Marshal(fields)
}

// DecodeEventKind parses a stored event back to its variant. It never
// returns an error: malformed JSON and unknown type tags decode to
// UnknownEvent with the raw text preserved.
func DecodeEventKind(raw []byte) EventKind {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return UnknownEvent{Raw: string(raw)}
	}

	var kind EventKind
	var err error
	switch envelope.Type {
	case EventWorkCreated:
		kind, err = decodeInto[WorkCreated](raw)
	case EventWorkMerged:
		kind, err = decodeInto[WorkMerged](raw)
	case EventWorkQueued:
		kind, err = decodeInto[WorkQueued](raw)
	case EventWorkClaimed:
		kind, err = decodeInto[WorkClaimed](raw)
	case EventWorkRunning:
		kind, err = decodeInto[WorkRunning](raw)
	case EventWorkCompleted:
		kind, err = decodeInto[WorkCompleted](raw)
	case EventWorkFailed:
		kind, err = decodeInto[WorkFailed](raw)
	case EventWorkDead:
		kind, err = decodeInto[WorkDead](raw)
	case EventWorkSpawned:
		kind, err = decodeInto[WorkSpawned](raw)
	case EventStateTransition:
		kind, err = decodeInto[StateTransition](raw)
	default:
		return UnknownEvent{Raw: string(raw)}
	}
	if err != nil {
		return UnknownEvent{Raw: string(raw)}
	}
	return kind
}

func decodeInto[T EventKind](raw []byte) (EventKind, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
