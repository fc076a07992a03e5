// Package errors defines the error taxonomy shared across the engine.
package errors

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested work item does not exist.
var ErrNotFound = errors.New("work item not found")

// NotFound wraps ErrNotFound with the identifier that missed.
func NotFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// InvalidTransitionError is returned when a state transition is rejected,
// either statically by the transition table or because the compare-and-set
// update affected zero rows.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// InvalidTransition constructs an InvalidTransitionError.
func InvalidTransition(from, to string) error {
	return &InvalidTransitionError{From: from, To: to}
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

// InvalidStateError is returned when an unparseable state string is loaded
// from storage.
type InvalidStateError struct {
	Value string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid work item state: %q", e.Value)
}

// ConfigError is returned for malformed faculty files, missing required
// settings, and other configuration failures.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Msg
}

// Config constructs a ConfigError with a formatted message.
func Config(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// Database wraps a durable-store failure with context.
func Database(op string, err error) error {
	return fmt.Errorf("database %s: %w", op, err)
}
