package orchestrate

import (
	"fmt"
	"time"
)

// SagaTypeName identifies a registered saga definition.
type SagaTypeName string

// StepName identifies a step within a definition. Names are unique per
// definition.
type StepName string

// ActionRef names a collaborator action. Refs are opaque to the engine and
// resolved by the Invoker, which keeps definitions data-driven and
// serializable: restoring a saga from the journal only needs the ref, never
// a live function value.
type ActionRef string

// RetryPolicy bounds the step executor's retries for transient failures.
// Delays grow exponentially from InitialDelay by Multiplier up to MaxDelay,
// with random jitter of up to Jitter (a fraction of the computed delay) to
// avoid synchronized retry storms across concurrent instances.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// DefaultRetryPolicy returns the engine default: 3 attempts, 1s base delay
// doubling, capped at 30s, 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// NoRetry returns a policy with a single attempt.
func NoRetry() RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxAttempts = 1
	return p
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p == (RetryPolicy{}) {
		return DefaultRetryPolicy()
	}
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Multiplier <= 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 {
		p.Jitter = d.Jitter
	}
	return p
}

// Step declares one unit of a saga: a forward action and, usually, a
// compensating action that semantically undoes it.
type Step struct {
	// Name is unique within the definition.
	Name StepName

	// Forward is the collaborator action executed when the saga advances.
	Forward ActionRef

	// Compensate undoes a successful Forward. An empty ref means the step
	// has nothing to undo and is skipped during rollback.
	Compensate ActionRef

	// Retry bounds the executor's retries for this step. Zero value means
	// DefaultRetryPolicy.
	Retry RetryPolicy

	// Timeout bounds a single forward or compensating invocation. Zero
	// means no per-attempt timeout.
	Timeout time.Duration

	// SideEffectFree marks the forward action as having no observable
	// effect until it returns. A timed-out forward step is normally
	// compensated during rollback on the assumption that a partial effect
	// occurred; side-effect-free steps skip that conservative pass.
	SideEffectFree bool
}

// Definition is the immutable template for one saga type: an ordered
// sequence of steps. Built once at startup (see DefinitionBuilder or
// LoadDefinitions) and shared read-only across all instances.
type Definition struct {
	name     SagaTypeName
	steps    []Step
	deadline time.Duration
	byName   map[StepName]int
}

// NewDefinition validates steps and builds a Definition with the given
// execution order. Step names must be unique.
func NewDefinition(name SagaTypeName, steps []Step) (*Definition, error) {
	if name == "" {
		return nil, fmt.Errorf("definition name must not be empty")
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("definition %q must have at least one step", name)
	}

	d := &Definition{
		name:   name,
		steps:  make([]Step, len(steps)),
		byName: make(map[StepName]int, len(steps)),
	}
	for i, s := range steps {
		if s.Name == "" {
			return nil, fmt.Errorf("definition %q: step %d has no name", name, i)
		}
		if s.Forward == "" {
			return nil, fmt.Errorf("definition %q: step %q has no forward action", name, s.Name)
		}
		if _, exists := d.byName[s.Name]; exists {
			return nil, fmt.Errorf("definition %q: step %q: %w", name, s.Name, ErrDuplicateStepName)
		}
		s.Retry = s.Retry.normalized()
		d.steps[i] = s
		d.byName[s.Name] = i
	}
	return d, nil
}

// Name returns the saga type name.
func (d *Definition) Name() SagaTypeName {
	return d.name
}

// Steps returns the steps in execution order. The returned slice must not be
// mutated.
func (d *Definition) Steps() []Step {
	return d.steps
}

// Step returns the step at index i.
func (d *Definition) Step(i int) Step {
	return d.steps[i]
}

// StepIndex returns the execution index for a step name.
func (d *Definition) StepIndex(name StepName) (int, bool) {
	i, ok := d.byName[name]
	return i, ok
}

// Deadline returns the optional saga-wide wall-clock budget. Zero means no
// deadline. Past the deadline the orchestrator forces the instance into
// COMPENSATING at its next decision point, regardless of step position.
func (d *Definition) Deadline() time.Duration {
	return d.deadline
}

// WithDeadline returns a copy of the definition carrying a saga-wide
// deadline.
func (d *Definition) WithDeadline(deadline time.Duration) *Definition {
	cp := *d
	cp.deadline = deadline
	return &cp
}
