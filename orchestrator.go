package orchestrate

import (
	"context"
	"log/slog"
)

// orchestrator drives one saga instance to a terminal status.
//
// Each iteration is a decision point: re-read the journal, derive the state
// by replay, and either advance the next forward step, run the next
// compensation, or stop. State never changes except through a confirmed
// journal append, so a crash at any point leaves the instance resumable
// and the decision logic has no memory of its own.
//
// Only one orchestrator may drive an instance at a time; the engine holds
// an in-process lease and the journal's append gate fences out any other
// driver that slipped past it.
type orchestrator struct {
	instanceID string
	def        *Definition
	journal    Journal
	exec       *stepExecutor
	clock      Clock
	logger     *slog.Logger

	// hub receives transition events; may be nil.
	hub *eventHub

	// cancelRequested is the cooperative cancel flag, polled at decision
	// points; may be nil. An in-flight collaborator call is never
	// interrupted, because a half-completed external effect cannot be
	// safely aborted; cancellation takes effect only after the current
	// outcome is recorded.
	cancelRequested func() bool

	// yield asks the orchestrator to stop at the next decision point
	// (engine shutdown); may be nil. The instance stays resumable.
	yield <-chan struct{}
}

func (o *orchestrator) run(ctx context.Context) (Status, error) {
	for {
		select {
		case <-o.yield:
			return "", ErrEngineClosed
		default:
		}

		entries, err := o.journal.ReadAll(ctx, o.instanceID)
		if err != nil {
			return "", journalError("read", err)
		}
		st, err := replay(o.def, entries)
		if err != nil {
			return "", err
		}
		if o.hub != nil {
			o.hub.publish(o.def, entries)
		}

		if st.status.Terminal() {
			o.logger.Info("saga terminal",
				"instance_id", o.instanceID,
				"saga_type", o.def.Name(),
				"status", st.status,
			)
			return st.status, nil
		}

		switch st.status {
		case StatusRunning:
			if detail, stop := o.stopReason(st); stop {
				if _, err := o.journal.Append(ctx, Entry{
					InstanceID: o.instanceID,
					Outcome:    OutcomeCancelRequested,
					Detail:     detail,
					Timestamp:  o.clock.Now(),
				}); err != nil {
					return "", journalError("append", err)
				}
				continue
			}
			step := o.def.Step(st.nextStep)
			o.logger.Debug("advancing saga",
				"instance_id", o.instanceID,
				"step", step.Name,
				"index", st.nextStep,
			)
			if _, err := o.exec.execute(ctx, o.instanceID, step, PhaseForward, st.payload); err != nil {
				return "", err
			}

		case StatusCompensating:
			step := o.def.Step(st.compTargets[st.compCursor])
			o.logger.Debug("compensating saga",
				"instance_id", o.instanceID,
				"step", step.Name,
			)
			if _, err := o.exec.execute(ctx, o.instanceID, step, PhaseCompensate, st.compensationData(step.Name)); err != nil {
				return "", err
			}
		}
	}
}

// stopReason reports whether a running instance must turn around at this
// decision point: a cooperative cancel request, or the saga type's
// wall-clock deadline expiring.
func (o *orchestrator) stopReason(st *runState) (string, bool) {
	if o.cancelRequested != nil && o.cancelRequested() {
		return "cancel requested", true
	}
	if d := o.def.Deadline(); d > 0 && o.clock.Now().After(st.createdAt.Add(d)) {
		return "saga deadline exceeded", true
	}
	return "", false
}
