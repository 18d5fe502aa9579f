package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// StepOutcome is the definitive result of executing one step in one phase,
// after the retry budget is spent. Failure drives the orchestrator's
// transitions as data, never as a thrown error.
type StepOutcome struct {
	Succeeded bool
	TimedOut  bool
	Output    json.RawMessage
	Err       error
}

// stepExecutor runs a single step's forward or compensating action against
// the collaborator, bounded by the step's timeout and retried per its
// policy. Every attempt is journaled as an Attempted entry followed by a
// Succeeded/Failed entry; a crash between the two leaves the in-doubt
// trailing Attempted that recovery relies on.
type stepExecutor struct {
	journal Journal
	invoker Invoker
	clock   Clock
	logger  *slog.Logger
}

// journalAbort carries a journal write failure out of the retry loop. It is
// an infrastructure error, not a step outcome: the instance must stall and
// stay resumable rather than transition on an unconfirmed write.
type journalAbort struct {
	err error
}

func (a *journalAbort) Error() string { return a.err.Error() }
func (a *journalAbort) Unwrap() error { return a.err }

func (x *stepExecutor) execute(ctx context.Context, instanceID string, step Step, phase Phase, payload json.RawMessage) (StepOutcome, error) {
	ref := step.Forward
	if phase == PhaseCompensate {
		ref = step.Compensate
	}

	policy := step.Retry.normalized()

	var (
		attempt    int
		lastOutput json.RawMessage
		lastErr    error
		timedOut   bool
	)

	op := func() error {
		attempt++
		if _, err := x.journal.Append(ctx, Entry{
			InstanceID: instanceID,
			Step:       step.Name,
			Phase:      phase,
			Outcome:    OutcomeAttempted,
			Attempt:    attempt,
			Timestamp:  x.clock.Now(),
		}); err != nil {
			return backoff.Permanent(&journalAbort{journalError("append", err)})
		}

		callCtx := ctx
		cancel := context.CancelFunc(func() {})
		if step.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		}
		out, err := x.invoker.Invoke(callCtx, ref, payload)
		cancel()

		if err == nil {
			if _, jerr := x.journal.Append(ctx, Entry{
				InstanceID: instanceID,
				Step:       step.Name,
				Phase:      phase,
				Outcome:    OutcomeSucceeded,
				Attempt:    attempt,
				Output:     out,
				Timestamp:  x.clock.Now(),
			}); jerr != nil {
				return backoff.Permanent(&journalAbort{journalError("append", jerr)})
			}
			lastOutput = out
			lastErr = nil
			return nil
		}

		if ctx.Err() != nil {
			// The caller went away mid-call. Record nothing: the trailing
			// Attempted entry marks the attempt in-doubt for recovery.
			return backoff.Permanent(&journalAbort{ctx.Err()})
		}

		// The step's own deadline expiring is a timeout, not a caller
		// cancellation.
		attemptTimedOut := errors.Is(err, context.DeadlineExceeded)

		// Final marks the end of the attempt series. A Failed entry
		// without it means a retry is still pending, so replay keeps the
		// instance where it is instead of turning it around.
		final := IsPermanent(err) || attempt >= policy.MaxAttempts

		if _, jerr := x.journal.Append(ctx, Entry{
			InstanceID: instanceID,
			Step:       step.Name,
			Phase:      phase,
			Outcome:    OutcomeFailed,
			Attempt:    attempt,
			TimedOut:   attemptTimedOut,
			Detail:     err.Error(),
			Final:      final,
			Timestamp:  x.clock.Now(),
		}); jerr != nil {
			return backoff.Permanent(&journalAbort{journalError("append", jerr)})
		}

		lastErr = err
		timedOut = attemptTimedOut

		if IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialDelay
	bo.MaxInterval = policy.MaxDelay
	bo.Multiplier = policy.Multiplier
	bo.RandomizationFactor = policy.Jitter
	bo.MaxElapsedTime = 0

	var b backoff.BackOff = backoff.WithMaxRetries(bo, uint64(policy.MaxAttempts-1))
	b = backoff.WithContext(b, ctx)

	notify := func(err error, delay time.Duration) {
		x.logger.Debug("retrying step",
			"instance_id", instanceID,
			"step", step.Name,
			"phase", phase,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}

	err := backoff.RetryNotifyWithTimer(op, b, notify, newBackoffTimer(x.clock))

	var abort *journalAbort
	if errors.As(err, &abort) {
		return StepOutcome{}, abort.err
	}
	if err == nil {
		return StepOutcome{Succeeded: true, Output: lastOutput}, nil
	}
	if lastErr == nil {
		// The retry loop aborted before any attempt resolved (e.g. the
		// context expired while waiting out a backoff delay). Leave the
		// instance stalled and resumable.
		return StepOutcome{}, err
	}
	return StepOutcome{TimedOut: timedOut, Err: lastErr}, nil
}
