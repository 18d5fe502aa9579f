package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingInvoker wraps a FuncInvoker and records every invocation in
// order, so tests can assert exactly which actions ran.
type recordingInvoker struct {
	inner *FuncInvoker

	mu    sync.Mutex
	calls []ActionRef
}

func newRecordingInvoker() *recordingInvoker {
	return &recordingInvoker{inner: NewFuncInvoker()}
}

func (r *recordingInvoker) register(t *testing.T, ref ActionRef, fn ActionFunc) {
	t.Helper()
	require.NoError(t, r.inner.Register(ref, fn))
}

// ok registers an action that always succeeds with the given output.
func (r *recordingInvoker) ok(t *testing.T, ref ActionRef, output string) {
	r.register(t, ref, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		if output == "" {
			return nil, nil
		}
		return rawJSON(output), nil
	})
}

func (r *recordingInvoker) Invoke(ctx context.Context, ref ActionRef, payload json.RawMessage) (json.RawMessage, error) {
	r.mu.Lock()
	r.calls = append(r.calls, ref)
	r.mu.Unlock()
	return r.inner.Invoke(ctx, ref, payload)
}

func (r *recordingInvoker) invoked() []ActionRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ActionRef(nil), r.calls...)
}

func newTestOrchestrator(def *Definition, j Journal, inv Invoker) *orchestrator {
	clock := SystemClock()
	return &orchestrator{
		instanceID: "inst-1",
		def:        def,
		journal:    j,
		exec: &stepExecutor{
			journal: j,
			invoker: inv,
			clock:   clock,
			logger:  discardLogger(),
		},
		clock:  clock,
		logger: discardLogger(),
	}
}

func seedInstance(t *testing.T, j Journal, def *Definition, payload string) {
	t.Helper()
	_, err := j.Append(context.Background(), Entry{
		InstanceID:  "inst-1",
		Outcome:     OutcomeCreated,
		Output:      rawJSON(payload),
		SagaType:    def.Name(),
		Correlation: "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		Timestamp:   time.Now(),
	})
	require.NoError(t, err)
}

func TestOrchestratorHappyPath(t *testing.T) {
	def := bookingDef(t)
	inv := newRecordingInvoker()
	inv.ok(t, "hotel.reserve", `{"reservation":"r-1"}`)
	inv.ok(t, "payments.charge", `{"charge":"c-1"}`)
	inv.ok(t, "mail.confirm", "")

	j := NewMemoryJournal()
	seedInstance(t, j, def, `{"trip":42}`)

	status, err := newTestOrchestrator(def, j, inv).run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, []ActionRef{"hotel.reserve", "payments.charge", "mail.confirm"}, inv.invoked())
}

func TestOrchestratorFailureCompensatesInReverseOrder(t *testing.T) {
	def := bookingDef(t)
	inv := newRecordingInvoker()
	inv.ok(t, "hotel.reserve", `{"reservation":"r-1"}`)
	inv.ok(t, "payments.charge", `{"charge":"c-1"}`)
	inv.register(t, "mail.confirm", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, Permanent(errors.New("smtp rejected recipient"))
	})
	inv.ok(t, "payments.refund", "")
	inv.ok(t, "hotel.release", "")

	j := NewMemoryJournal()
	seedInstance(t, j, def, `{"trip":42}`)

	status, err := newTestOrchestrator(def, j, inv).run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, status)
	assert.Equal(t, []ActionRef{
		"hotel.reserve", "payments.charge", "mail.confirm",
		"payments.refund", "hotel.release",
	}, inv.invoked())
}

func TestOrchestratorFirstStepFailure(t *testing.T) {
	def := bookingDef(t)
	inv := newRecordingInvoker()
	inv.register(t, "hotel.reserve", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, Permanent(errors.New("no rooms"))
	})

	j := NewMemoryJournal()
	seedInstance(t, j, def, `{}`)

	status, err := newTestOrchestrator(def, j, inv).run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)
	assert.Equal(t, []ActionRef{"hotel.reserve"}, inv.invoked(), "nothing to compensate")
}

func TestOrchestratorCompensationReceivesForwardOutput(t *testing.T) {
	def := bookingDef(t)
	inv := newRecordingInvoker()
	inv.ok(t, "hotel.reserve", `{"reservation":"r-1"}`)
	inv.register(t, "payments.charge", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, Permanent(errors.New("declined"))
	})
	var releasePayload json.RawMessage
	inv.register(t, "hotel.release", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		releasePayload = payload
		return nil, nil
	})

	j := NewMemoryJournal()
	seedInstance(t, j, def, `{"trip":42}`)

	status, err := newTestOrchestrator(def, j, inv).run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, status)
	assert.JSONEq(t, `{"reservation":"r-1"}`, string(releasePayload))
}

// A crash between Attempted and its outcome leaves the journal mid-step.
// Recovery must treat the in-doubt step as failed and roll back only the
// steps known to have completed.
func TestOrchestratorRecoversInDoubtInstance(t *testing.T) {
	def := bookingDef(t)
	j := NewMemoryJournal()
	ctx := context.Background()

	seedInstance(t, j, def, `{"trip":42}`)
	for _, e := range []Entry{
		{Step: "reserve-room", Phase: PhaseForward, Outcome: OutcomeAttempted, Attempt: 1},
		{Step: "reserve-room", Phase: PhaseForward, Outcome: OutcomeSucceeded, Attempt: 1, Output: rawJSON(`{"reservation":"r-1"}`)},
		{Step: "charge-card", Phase: PhaseForward, Outcome: OutcomeAttempted, Attempt: 1},
	} {
		e.InstanceID = "inst-1"
		e.Timestamp = time.Now()
		_, err := j.Append(ctx, e)
		require.NoError(t, err)
	}

	inv := newRecordingInvoker()
	inv.ok(t, "hotel.release", "")
	// No forward actions registered: recovery must not re-run any.

	status, err := newTestOrchestrator(def, j, inv).run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, status)
	assert.Equal(t, []ActionRef{"hotel.release"}, inv.invoked())
}

// A crash during a backoff delay leaves a trailing non-final Failed entry:
// the attempt series never finished. Recovery re-runs the step forward
// instead of failing the saga or turning it around.
func TestOrchestratorResumesAfterCrashMidRetry(t *testing.T) {
	def := bookingDef(t)
	j := NewMemoryJournal()
	ctx := context.Background()

	seedInstance(t, j, def, `{"trip":42}`)
	for _, e := range []Entry{
		{Step: "reserve-room", Phase: PhaseForward, Outcome: OutcomeAttempted, Attempt: 1},
		{Step: "reserve-room", Phase: PhaseForward, Outcome: OutcomeFailed, Attempt: 1, Detail: "gateway 503"},
	} {
		e.InstanceID = "inst-1"
		e.Timestamp = time.Now()
		_, err := j.Append(ctx, e)
		require.NoError(t, err)
	}

	inv := newRecordingInvoker()
	inv.ok(t, "hotel.reserve", `{"reservation":"r-1"}`)
	inv.ok(t, "payments.charge", `{"charge":"c-1"}`)
	inv.ok(t, "mail.confirm", "")

	status, err := newTestOrchestrator(def, j, inv).run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, []ActionRef{"hotel.reserve", "payments.charge", "mail.confirm"}, inv.invoked())
}

func TestOrchestratorCompensationFailureHalts(t *testing.T) {
	def := bookingDef(t)
	inv := newRecordingInvoker()
	inv.ok(t, "hotel.reserve", `{"reservation":"r-1"}`)
	inv.register(t, "payments.charge", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, Permanent(errors.New("declined"))
	})
	inv.register(t, "hotel.release", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, Permanent(errors.New("release rejected"))
	})

	j := NewMemoryJournal()
	seedInstance(t, j, def, `{}`)

	status, err := newTestOrchestrator(def, j, inv).run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompensationFailed, status)
}

// With several compensable steps completed, a compensation failure halts the
// rollback where it stands: targets earlier in the saga are never invoked.
func TestOrchestratorCompensationFailureSkipsEarlierTargets(t *testing.T) {
	def, err := NewDefinition("trip-booking", []Step{
		{Name: "reserve-room", Forward: "hotel.reserve", Compensate: "hotel.release", Retry: fastRetry(2)},
		{Name: "charge-card", Forward: "payments.charge", Compensate: "payments.refund", Retry: fastRetry(2)},
		{Name: "send-confirmation", Forward: "mail.confirm", Retry: fastRetry(2)},
	})
	require.NoError(t, err)

	inv := newRecordingInvoker()
	inv.ok(t, "hotel.reserve", `{"reservation":"r-1"}`)
	inv.ok(t, "payments.charge", `{"charge":"c-1"}`)
	inv.register(t, "mail.confirm", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, Permanent(errors.New("smtp rejected recipient"))
	})
	inv.register(t, "payments.refund", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, Permanent(errors.New("refund rejected"))
	})
	inv.register(t, "hotel.release", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		t.Error("earlier compensation must not run after a later one failed")
		return nil, nil
	})

	j := NewMemoryJournal()
	seedInstance(t, j, def, `{}`)

	status, err := newTestOrchestrator(def, j, inv).run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompensationFailed, status)
	assert.Equal(t, []ActionRef{
		"hotel.reserve", "payments.charge", "mail.confirm",
		"payments.refund",
	}, inv.invoked())
}

func TestOrchestratorCompensationRetriesTransientFailure(t *testing.T) {
	def := bookingDef(t)
	inv := newRecordingInvoker()
	inv.ok(t, "hotel.reserve", `{"reservation":"r-1"}`)
	inv.register(t, "payments.charge", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, Permanent(errors.New("declined"))
	})
	var releases int
	inv.register(t, "hotel.release", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		releases++
		if releases == 1 {
			return nil, errors.New("hotel api flake")
		}
		return nil, nil
	})

	j := NewMemoryJournal()
	seedInstance(t, j, def, `{}`)

	status, err := newTestOrchestrator(def, j, inv).run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, status)
	assert.Equal(t, 2, releases)
}

func TestOrchestratorCancelFlag(t *testing.T) {
	def := bookingDef(t)
	inv := newRecordingInvoker()
	inv.ok(t, "hotel.reserve", `{"reservation":"r-1"}`)
	inv.ok(t, "payments.charge", `{"charge":"c-1"}`)
	inv.ok(t, "mail.confirm", "")
	inv.ok(t, "payments.refund", "")
	inv.ok(t, "hotel.release", "")

	j := NewMemoryJournal()
	seedInstance(t, j, def, `{}`)

	// Request cancellation after the first step completes. The in-flight
	// step is never interrupted; the turnaround happens at the next
	// decision point.
	var steps int
	orc := newTestOrchestrator(def, j, inv)
	orc.cancelRequested = func() bool {
		steps++
		return steps > 1
	}

	status, err := orc.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, status)
	assert.Equal(t, []ActionRef{"hotel.reserve", "hotel.release"}, inv.invoked())

	// The cancel request itself is journaled.
	entries, err := j.ReadAll(context.Background(), "inst-1")
	require.NoError(t, err)
	var marked bool
	for _, e := range entries {
		if e.Outcome == OutcomeCancelRequested {
			marked = true
		}
	}
	assert.True(t, marked)
}

func TestOrchestratorDeadline(t *testing.T) {
	def := bookingDef(t).WithDeadline(time.Nanosecond)
	inv := newRecordingInvoker()

	j := NewMemoryJournal()
	seedInstance(t, j, def, `{}`)

	// The deadline has already passed at the first decision point, so no
	// forward step ever runs.
	status, err := newTestOrchestrator(def, j, inv).run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, status)
	assert.Empty(t, inv.invoked())
}

func TestOrchestratorYieldsOnClose(t *testing.T) {
	def := bookingDef(t)
	inv := newRecordingInvoker()
	inv.ok(t, "hotel.reserve", "")

	j := NewMemoryJournal()
	seedInstance(t, j, def, `{}`)

	yield := make(chan struct{})
	close(yield)
	orc := newTestOrchestrator(def, j, inv)
	orc.yield = yield

	_, err := orc.run(context.Background())
	assert.ErrorIs(t, err, ErrEngineClosed)
	assert.Empty(t, inv.invoked())

	// The instance is untouched and resumable.
	orc2 := newTestOrchestrator(def, j, inv)
	inv.ok(t, "payments.charge", "")
	inv.ok(t, "mail.confirm", "")
	status, err := orc2.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
}

func TestOrchestratorTerminalIsIdempotent(t *testing.T) {
	def := bookingDef(t)
	inv := newRecordingInvoker()
	inv.ok(t, "hotel.reserve", "")
	inv.ok(t, "payments.charge", "")
	inv.ok(t, "mail.confirm", "")

	j := NewMemoryJournal()
	seedInstance(t, j, def, `{}`)

	orc := newTestOrchestrator(def, j, inv)
	_, err := orc.run(context.Background())
	require.NoError(t, err)
	before, err := j.ReadAll(context.Background(), "inst-1")
	require.NoError(t, err)

	// Running again must be a no-op: the journal already says completed.
	status, err := orc.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	after, err := j.ReadAll(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
}
