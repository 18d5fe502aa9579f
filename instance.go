package orchestrate

import (
	"encoding/json"
	"time"
)

// Status is the derived state of a saga instance.
//
// Running and Compensating are live; the rest are terminal. Failed is
// reachable only when step 0 fails, when there is nothing to undo. Every other
// failure transitions through Compensating first. CompensationFailed
// requires manual operator intervention and is never auto-retried.
type Status string

const (
	StatusRunning            Status = "running"
	StatusCompensating       Status = "compensating"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusCompensated        Status = "compensated"
	StatusCompensationFailed Status = "compensation_failed"
)

// Terminal reports whether no further journal entries will be appended for
// an instance in this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCompensated, StatusCompensationFailed:
		return true
	}
	return false
}

// Instance is a complete, consistent snapshot of one saga execution,
// derived from journal replay. The journal is the source of truth; a
// snapshot is never trusted over it.
type Instance struct {
	ID            string          `json:"id"`
	SagaType      SagaTypeName    `json:"saga_type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Status        Status          `json:"status"`
	CurrentStep   int             `json:"current_step"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
