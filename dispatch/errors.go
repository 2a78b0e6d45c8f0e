package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error kinds used to classify failures for the retry policy.
const (
	KindConfiguration = "configuration"
	KindTimeout       = "timeout"
	KindExecution     = "execution"
)

var (
	ErrUnknownActionType = errors.New("no executor registered for action type")
	ErrRegistryFrozen    = errors.New("executor registry is frozen")
	ErrQueueFull         = errors.New("task queue is full")
	ErrQueueClosed       = errors.New("task queue is closed")
	ErrExecutorFailed    = errors.New("executor reported failure")
)

// ConfigurationError means an action could not be attempted: its type is
// not registered or its config failed validation. It never aborts sibling
// actions.
type ConfigurationError struct {
	ActionType string
	Problems   []error
}

func (e *ConfigurationError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	return fmt.Sprintf("action %s: configuration error: %s", e.ActionType, strings.Join(msgs, "; "))
}

func (e *ConfigurationError) Unwrap() []error { return e.Problems }

// ExecutionFailure wraps an error returned (or a failure reported) by an
// executor.
type ExecutionFailure struct {
	ActionType string
	Err        error
}

func (e *ExecutionFailure) Error() string {
	return fmt.Sprintf("action %s failed: %v", e.ActionType, e.Err)
}

func (e *ExecutionFailure) Unwrap() error { return e.Err }

// NonRetryableError marks an error whose first occurrence is final.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error { return e.Err }

// NonRetryable wraps err so the retry policy stops after this attempt.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable reports whether err was marked with NonRetryable.
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// KindError attaches a caller-defined kind to an error. Kinds listed in
// RetryPolicy.NonRetryableKinds stop retries.
type KindError struct {
	Kind string
	Err  error
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }

// WithKind classifies err as kind.
func WithKind(kind string, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// ErrorKind returns the kind of err: the innermost explicit KindError,
// "configuration" for configuration errors, "timeout" for deadline
// overruns, otherwise "execution".
func ErrorKind(err error) string {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return KindConfiguration
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindExecution
}
