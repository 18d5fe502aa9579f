package orchestrate

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownSagaType is returned by Start when the requested saga type
	// has not been registered.
	ErrUnknownSagaType = errors.New("unknown saga type")

	// ErrDuplicateSagaType is returned by Registry.Register when a
	// definition with the same name already exists.
	ErrDuplicateSagaType = errors.New("saga type already registered")

	// ErrDuplicateStepName is returned while building a definition whose
	// step names collide.
	ErrDuplicateStepName = errors.New("duplicate step name")

	// ErrDependencyCycle is returned by DefinitionBuilder.Build when the
	// declared step dependencies cannot be linearized.
	ErrDependencyCycle = errors.New("step dependency cycle")

	// ErrDuplicateInstanceID is returned by Start when an instance with the
	// supplied ID already has journal entries.
	ErrDuplicateInstanceID = errors.New("instance id already exists")

	// ErrInstanceNotFound is returned when no journal entries exist for the
	// requested instance.
	ErrInstanceNotFound = errors.New("saga instance not found")

	// ErrAppendConflict is returned by a Journal when two appends race for
	// the same instance. The caller must serialize appends per instance.
	ErrAppendConflict = errors.New("concurrent journal append for instance")

	// ErrEngineSaturated is returned by Start when the engine's start queue
	// is full. The caller may retry; no work is silently dropped.
	ErrEngineSaturated = errors.New("engine saturated")

	// ErrEngineClosed is returned once Close has been called.
	ErrEngineClosed = errors.New("engine closed")

	// ErrTerminal is returned by Cancel when the instance has already
	// reached a terminal status.
	ErrTerminal = errors.New("saga instance is terminal")
)

// PermanentError marks a collaborator failure as non-retryable. The step
// executor short-circuits to FAILED without consuming retry budget.
type PermanentError struct {
	error
}

// Permanent wraps err so the step executor treats it as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{err}
}

// Unwrap exposes the wrapped error to errors.Is / errors.As.
func (e *PermanentError) Unwrap() error {
	return e.error
}

// IsPermanent reports whether err (or anything it wraps) was marked with
// Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// journalError wraps a journal write failure. It is fatal for the current
// attempt: the orchestrator never advances state without a confirmed append,
// so the instance stalls and stays resumable.
func journalError(op string, err error) error {
	return fmt.Errorf("journal %s: %w", op, err)
}
