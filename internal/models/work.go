// Package models defines the core data model for Animus: work items, their
// lifecycle states, events, and work-scoped logs.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/animus/internal/errors"
)

// State is the lifecycle state of a work item.
type State string

const (
	// StateCreated: submitted, pending the dedup check.
	StateCreated State = "created"
	// StateQueued: ready for execution, waiting for a dispatcher.
	StateQueued State = "queued"
	// StateClaimed: dispatcher assigned, execution starting.
	StateClaimed State = "claimed"
	// StateRunning: faculty actively processing.
	StateRunning State = "running"
	// StateCompleted: done successfully. Terminal.
	StateCompleted State = "completed"
	// StateFailed: execution failed, may be retried.
	StateFailed State = "failed"
	// StateDead: exhausted retries, cancelled, or circuit-broken. Terminal.
	StateDead State = "dead"
	// StateMerged: recognized as duplicate, linked to canonical item. Terminal.
	StateMerged State = "merged"
)

// AllStates lists every lifecycle state.
var AllStates = []State{
	StateCreated, StateQueued, StateClaimed, StateRunning,
	StateCompleted, StateFailed, StateDead, StateMerged,
}

// transitions is the legal transition table. Anything absent is rejected.
var transitions = map[State][]State{
	StateCreated: {StateQueued, StateMerged},
	StateQueued:  {StateClaimed, StateDead},
	StateClaimed: {StateRunning, StateQueued},
	StateRunning: {StateCompleted, StateFailed},
	StateFailed:  {StateQueued, StateDead},
}

// CanTransitionTo reports whether s → to is a legal transition.
func (s State) CanTransitionTo(to State) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is a terminal state.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateDead || s == StateMerged
}

// IsActive reports whether s counts toward the structural-dedup uniqueness
// constraint. Terminal items are excluded.
func (s State) IsActive() bool {
	return !s.IsTerminal()
}

func (s State) String() string { return string(s) }

// ParseState converts a stored state string back to a State.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateCreated, StateQueued, StateClaimed, StateRunning,
		StateCompleted, StateFailed, StateDead, StateMerged:
		return State(s), nil
	}
	return "", &errors.InvalidStateError{Value: s}
}

// Provenance records where a work item came from.
type Provenance struct {
	// Source is the high-level origin (e.g. "user", "heartbeat", "faculty").
	Source string `json:"source"`
	// Trigger is the more specific cause (e.g. "skill/check-in").
	Trigger string `json:"trigger,omitempty"`
}

// Outcome is the result of work execution, stored on completion or failure.
type Outcome struct {
	Success bool `json:"success"`
	// Data is the faculty's result document. Opaque to the engine.
	Data json.RawMessage `json:"data,omitempty"`
	// Error message when Success is false.
	Error string `json:"error,omitempty"`
	// DurationMS is the wall-clock execution time.
	DurationMS int64 `json:"duration_ms"`
}

// WorkItem is a unit of work tracked by the engine.
type WorkItem struct {
	ID uuid.UUID `json:"id"`

	// WorkType determines which faculty executes this item and scopes dedup.
	WorkType string `json:"work_type"`

	// DedupKey pairs with WorkType to mark submissions as structurally
	// equivalent. Empty means no structural dedup.
	DedupKey string `json:"dedup_key,omitempty"`

	Provenance Provenance `json:"provenance"`

	// Params are passed to the faculty verbatim. The engine never interprets
	// them.
	Params json.RawMessage `json:"params,omitempty"`

	// Priority: higher wins at tie-break.
	Priority int `json:"priority"`

	State State `json:"state"`

	// MergedInto is set iff State is merged.
	MergedInto uuid.UUID `json:"merged_into,omitempty"`

	// ParentID links work spawned by another item's faculty.
	ParentID uuid.UUID `json:"parent_id,omitempty"`

	// Attempts counts entries into the running state.
	Attempts int `json:"attempts"`

	// MaxAttempts caps retries. Zero means the control-plane default applies.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// QueueMsgID correlates the item to its in-flight queue message.
	QueueMsgID int64 `json:"pgmq_msg_id,omitempty"`

	Outcome *Outcome `json:"outcome,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// ResolvedAt is set when the item enters a terminal state.
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// EffectiveMaxAttempts resolves the retry cap against the control-plane
// default.
func (w *WorkItem) EffectiveMaxAttempts(defaultMax int) int {
	if w.MaxAttempts > 0 {
		return w.MaxAttempts
	}
	return defaultMax
}

// NewWorkItem is a submission request. Construct with NewWork and the
// chainable setters.
type NewWorkItem struct {
	WorkType    string          `json:"work_type"`
	DedupKey    string          `json:"dedup_key,omitempty"`
	Provenance  Provenance      `json:"provenance"`
	Params      json.RawMessage `json:"params,omitempty"`
	Priority    int             `json:"priority"`
	ParentID    uuid.UUID       `json:"parent_id,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

// NewWork starts a submission for the given work type and source.
func NewWork(workType, source string) NewWorkItem {
	return NewWorkItem{
		WorkType:   workType,
		Provenance: Provenance{Source: source},
	}
}

// WithDedupKey sets the structural dedup key.
func (n NewWorkItem) WithDedupKey(key string) NewWorkItem {
	n.DedupKey = key
	return n
}

// WithTrigger sets the provenance trigger.
func (n NewWorkItem) WithTrigger(trigger string) NewWorkItem {
	n.Provenance.Trigger = trigger
	return n
}

// WithParams sets the opaque faculty parameters.
func (n NewWorkItem) WithParams(params json.RawMessage) NewWorkItem {
	n.Params = params
	return n
}

// WithPriority sets the priority.
func (n NewWorkItem) WithPriority(p int) NewWorkItem {
	n.Priority = p
	return n
}

// WithParent links the submission to a parent work item.
func (n NewWorkItem) WithParent(parent uuid.UUID) NewWorkItem {
	n.ParentID = parent
	return n
}

// WithMaxAttempts caps retries for this item.
func (n NewWorkItem) WithMaxAttempts(max int) NewWorkItem {
	n.MaxAttempts = max
	return n
}

// SubmitResult reports what happened to a submission.
type SubmitResult struct {
	// Created is the new queued item, nil when the submission merged.
	Created *WorkItem `json:"created,omitempty"`
	// Merged links the suppressed submission to the surviving canonical item.
	Merged *MergedSubmission `json:"merged,omitempty"`
}

// MergedSubmission identifies a dedup hit.
type MergedSubmission struct {
	NewID       uuid.UUID `json:"new_id"`
	CanonicalID uuid.UUID `json:"canonical_id"`
}

// MergedProvenance preserves the origin of a submission that merged into a
// canonical item.
type MergedProvenance struct {
	WorkID     uuid.UUID  `json:"work_id"`
	Provenance Provenance `json:"provenance"`
	CreatedAt  time.Time  `json:"created_at"`
}

// LogLevel classifies a work-scoped log entry.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is a log line scoped to a work item, ordered by timestamp.
type LogEntry struct {
	WorkID    uuid.UUID `json:"work_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}
