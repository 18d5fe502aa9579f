package orchestrate

import (
	"encoding/json"
	"fmt"
	"time"
)

// runState is the state of one saga instance derived from its journal.
//
// Derivation is a pure function of the entries: replaying the same journal
// always yields the same runState. Crash recovery reconstructs an instance
// solely from this; no separately persisted "current status" is trusted.
type runState struct {
	sagaType    SagaTypeName
	correlation string
	payload     json.RawMessage
	createdAt   time.Time
	updatedAt   time.Time
	lastSeq     uint64

	status Status

	// nextStep is the forward index to execute next while Running.
	nextStep int

	// compTargets are step indices eligible for compensation, in the order
	// their forward actions completed. Rollback walks them back to front.
	compTargets []int

	// compCursor indexes into compTargets: the next compensation to run
	// while Compensating.
	compCursor int

	// outputs holds the data captured from each successful forward step,
	// keyed by step name, for use by its compensation.
	outputs map[StepName]json.RawMessage

	cancelRequested bool
	failedStep      StepName
	failureDetail   string
}

// replay folds journal entries into a runState for the given definition.
//
// Per-step forward resolution: the last forward entry for a step decides it.
// A Failed entry finalizes the step only when it carries Final (retry budget
// exhausted or a permanent error); without it a retry is still pending and
// the step counts as in flight, never as failed. A trailing Attempted is an
// in-doubt attempt whose outcome was lost to a crash; it is treated as
// Failed, which safely triggers compensation. A timed-out forward step is
// itself included in the compensation targets (a partial effect may have
// occurred) unless the step is marked side-effect-free or has no
// compensating action.
func replay(def *Definition, entries []Entry) (*runState, error) {
	if len(entries) == 0 {
		return nil, ErrInstanceNotFound
	}

	st := &runState{
		outputs: make(map[StepName]json.RawMessage),
	}

	type stepTrack struct {
		forward      OutcomeKind
		forwardFinal bool
		timedOut     bool
		detail       string

		compensate      OutcomeKind
		compensateFinal bool
		compDetail      string
	}
	track := make(map[StepName]*stepTrack, len(def.Steps()))
	forStep := func(name StepName) *stepTrack {
		t, ok := track[name]
		if !ok {
			t = &stepTrack{}
			track[name] = t
		}
		return t
	}

	var completed []int // indices in forward-completion order

	for i, e := range entries {
		if e.Seq <= st.lastSeq {
			return nil, fmt.Errorf("journal entry %d out of order: seq %d after %d", i, e.Seq, st.lastSeq)
		}
		st.lastSeq = e.Seq
		st.updatedAt = e.Timestamp

		switch e.Outcome {
		case OutcomeCreated:
			st.sagaType = e.SagaType
			st.correlation = e.Correlation
			st.payload = e.Output
			st.createdAt = e.Timestamp
			continue
		case OutcomeCancelRequested:
			st.cancelRequested = true
			continue
		}

		idx, ok := def.StepIndex(e.Step)
		if !ok {
			return nil, fmt.Errorf("journal references unknown step %q in saga %q", e.Step, def.Name())
		}
		t := forStep(e.Step)

		switch e.Phase {
		case PhaseForward:
			t.forward = e.Outcome
			switch e.Outcome {
			case OutcomeSucceeded:
				st.outputs[e.Step] = e.Output
				completed = append(completed, idx)
			case OutcomeFailed:
				t.forwardFinal = e.Final
				t.timedOut = e.TimedOut
				t.detail = e.Detail
			}
		case PhaseCompensate:
			t.compensate = e.Outcome
			if e.Outcome == OutcomeFailed {
				t.compensateFinal = e.Final
				t.compDetail = e.Detail
			}
		default:
			return nil, fmt.Errorf("journal entry %d has unknown phase %q", i, e.Phase)
		}
	}

	// Resolve the failing forward step, if any. Execution is strictly
	// sequential, so at most one step is unresolved: the first one whose
	// last forward entry is not Succeeded. A non-final Failed entry is a
	// transient attempt with retry budget left, so the step is still in
	// flight (pendingIdx), not failed.
	failedIdx := -1
	failedTimedOut := false
	pendingIdx := -1
	pendingTimedOut := false
	for i, s := range def.Steps() {
		t, started := track[s.Name]
		if !started || t.forward == "" {
			break // never started; no later step can have run
		}
		if t.forward == OutcomeSucceeded {
			continue
		}
		if t.forward == OutcomeFailed && !t.forwardFinal {
			pendingIdx = i
			pendingTimedOut = t.timedOut
			break
		}
		// Finally failed, or a trailing in-doubt Attempted treated as
		// Failed.
		failedIdx = i
		failedTimedOut = t.forward == OutcomeFailed && t.timedOut
		st.failedStep = s.Name
		st.failureDetail = t.detail
		if t.forward == OutcomeAttempted {
			st.failureDetail = "in-doubt attempt: outcome unknown after crash"
		}
		break
	}

	// All steps forward-complete: terminal success.
	if len(completed) == len(def.Steps()) {
		st.status = StatusCompleted
		st.nextStep = len(completed)
		return st, nil
	}

	// A first-step failure has nothing to undo.
	if failedIdx == 0 && len(completed) == 0 && !st.cancelRequested {
		st.status = StatusFailed
		return st, nil
	}

	// No final failure and no cancel: still moving forward. A pending
	// retry resumes at its own step, which is the next incomplete one.
	if failedIdx < 0 && !st.cancelRequested {
		st.status = StatusRunning
		st.nextStep = len(completed)
		return st, nil
	}

	// Rolling back. Targets are the completed steps in completion order,
	// plus the unresolved step itself when its last attempt timed out and
	// may have left a partial effect behind. Cancellation can abandon a
	// pending retry, so a timed-out pending step joins the rollback too.
	for _, idx := range completed {
		if def.Step(idx).Compensate != "" {
			st.compTargets = append(st.compTargets, idx)
		}
	}
	unresolvedIdx, unresolvedTimedOut := failedIdx, failedTimedOut
	if pendingIdx >= 0 {
		unresolvedIdx, unresolvedTimedOut = pendingIdx, pendingTimedOut
	}
	if unresolvedIdx > 0 && unresolvedTimedOut {
		s := def.Step(unresolvedIdx)
		if s.Compensate != "" && !s.SideEffectFree {
			st.compTargets = append(st.compTargets, unresolvedIdx)
		}
	}

	// Walk targets most-recent-first. A compensation is never invoked
	// before every step started after it is compensated or never ran.
	for cursor := len(st.compTargets) - 1; cursor >= 0; cursor-- {
		name := def.Step(st.compTargets[cursor]).Name
		t := track[name]
		switch {
		case t != nil && t.compensate == OutcomeSucceeded:
			continue
		case t != nil && t.compensate == OutcomeFailed && t.compensateFinal:
			st.status = StatusCompensationFailed
			st.compCursor = cursor
			st.failureDetail = t.compDetail
			return st, nil
		default:
			// Pending, mid-retry, or an in-doubt compensation attempt:
			// re-execute. Compensations are idempotent by construction,
			// so rerunning an attempt whose outcome was lost is safe.
			st.status = StatusCompensating
			st.compCursor = cursor
			return st, nil
		}
	}

	st.status = StatusCompensated
	return st, nil
}

// snapshot renders the runState as a public Instance.
func (st *runState) snapshot(instanceID string) *Instance {
	inst := &Instance{
		ID:            instanceID,
		SagaType:      st.sagaType,
		CorrelationID: st.correlation,
		Status:        st.status,
		Payload:       st.payload,
		Error:         st.failureDetail,
		CreatedAt:     st.createdAt,
		UpdatedAt:     st.updatedAt,
	}
	switch st.status {
	case StatusRunning:
		inst.CurrentStep = st.nextStep
	case StatusCompensating, StatusCompensationFailed:
		inst.CurrentStep = st.compTargets[st.compCursor]
	case StatusCompleted:
		inst.CurrentStep = st.nextStep - 1
	}
	return inst
}

// compensationData returns the payload for a step's compensating action:
// the output captured when its forward action succeeded, falling back to
// the instance payload when the forward step never produced one (a timed
// out step being conservatively compensated).
func (st *runState) compensationData(name StepName) json.RawMessage {
	if out, ok := st.outputs[name]; ok && out != nil {
		return out
	}
	return st.payload
}
