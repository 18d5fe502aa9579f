package orchestrate

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// Options configures an Engine. The zero value of each field falls back to
// a sensible default.
type Options struct {
	// Journal stores every instance's execution record. Defaults to an
	// in-memory journal; production deployments supply a durable one.
	Journal Journal

	// Clock supplies time and retry wake-ups. Defaults to SystemClock.
	Clock Clock

	// Logger receives structured engine logs. Defaults to slog.Default.
	Logger *slog.Logger

	// MaxConcurrent bounds how many instances are orchestrated at once.
	// Orchestration within one instance is strictly sequential; across
	// instances it is fully parallel up to this bound. Defaults to 8.
	MaxConcurrent int

	// QueueDepth bounds how many accepted starts may wait for a free
	// orchestration slot. Start fails with ErrEngineSaturated once both
	// the slots and the queue are full. Defaults to 64.
	QueueDepth int
}

func (o Options) withDefaults() Options {
	if o.Journal == nil {
		o.Journal = NewMemoryJournal()
	}
	if o.Clock == nil {
		o.Clock = SystemClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 8
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 64
	}
	return o
}

// Engine is the public entry point: start saga instances, query status,
// request cancellation, resume after a restart, and watch transitions.
// All state changes flow through the orchestrator's transition rules; the
// Engine exposes no direct mutation.
type Engine struct {
	registry *Registry
	journal  Journal
	invoker  Invoker
	clock    Clock
	logger   *slog.Logger
	hub      *eventHub
	exec     *stepExecutor

	// tokens is a counting semaphore over slots + queue; holding a token
	// is the admission ticket Start/Resume acquire up front, so saturation
	// is reported synchronously and nothing is silently dropped.
	tokens chan struct{}
	queue  chan runRequest

	handles *xsync.MapOf[string, *handle]

	stop   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

type runRequest struct {
	instanceID string
	def        *Definition
}

// handle marks an instance as driven by this engine and carries its
// cooperative cancel flag.
type handle struct {
	cancel atomic.Bool
}

// New creates an Engine over the given definitions and collaborator
// invoker and starts its orchestration workers.
func New(registry *Registry, invoker Invoker, opts Options) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry must not be nil")
	}
	if invoker == nil {
		return nil, fmt.Errorf("invoker must not be nil")
	}
	opts = opts.withDefaults()

	e := &Engine{
		registry: registry,
		journal:  opts.Journal,
		invoker:  invoker,
		clock:    opts.Clock,
		logger:   opts.Logger,
		hub:      newEventHub(),
		tokens:   make(chan struct{}, opts.MaxConcurrent+opts.QueueDepth),
		queue:    make(chan runRequest, opts.MaxConcurrent+opts.QueueDepth),
		handles:  xsync.NewMapOf[string, *handle](),
		stop:     make(chan struct{}),
	}
	e.exec = &stepExecutor{
		journal: e.journal,
		invoker: invoker,
		clock:   e.clock,
		logger:  e.logger,
	}

	for i := 0; i < opts.MaxConcurrent; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e, nil
}

// Start creates a saga instance and begins orchestrating it asynchronously.
// An empty instanceID gets a generated one; the returned ID identifies the
// instance in all other calls. Ordinary step failures are absorbed into the
// instance's own compensation flow and reported via Status, never here.
func (e *Engine) Start(ctx context.Context, sagaType SagaTypeName, payload json.RawMessage, instanceID string) (string, error) {
	if e.closed.Load() {
		return "", ErrEngineClosed
	}
	def, err := e.registry.Lookup(sagaType)
	if err != nil {
		return "", err
	}

	if instanceID == "" {
		instanceID = uuid.New().String()
	}
	// Cheap rejection before consuming an admission token. Uniqueness is
	// ultimately decided by the journal when the created marker is
	// appended; this lookup alone would be a check-then-act race.
	if _, exists, err := e.journal.LastEntry(ctx, instanceID); err != nil {
		return "", journalError("read", err)
	} else if exists {
		return "", fmt.Errorf("%s: %w", instanceID, ErrDuplicateInstanceID)
	}

	select {
	case e.tokens <- struct{}{}:
	default:
		return "", ErrEngineSaturated
	}

	now := e.clock.Now()
	entropy := ulid.Monotonic(rand.Reader, 0)
	correlation := ulid.MustNew(ulid.Timestamp(now), entropy).String()

	if _, err := e.journal.Append(ctx, Entry{
		InstanceID:  instanceID,
		Outcome:     OutcomeCreated,
		Output:      payload,
		SagaType:    sagaType,
		Correlation: correlation,
		Timestamp:   now,
	}); err != nil {
		<-e.tokens
		switch {
		case errors.Is(err, ErrDuplicateInstanceID):
			return "", err
		case errors.Is(err, ErrAppendConflict):
			// Only another Start with the same ID can contend for the
			// created marker; exactly one of the two wins it.
			return "", fmt.Errorf("%s: %w", instanceID, ErrDuplicateInstanceID)
		default:
			return "", journalError("append", err)
		}
	}

	e.logger.Info("saga started",
		"instance_id", instanceID,
		"saga_type", sagaType,
		"correlation_id", correlation,
	)

	// Guaranteed not to block: every queue slot is covered by a token.
	e.queue <- runRequest{instanceID: instanceID, def: def}
	return instanceID, nil
}

// Resume continues orchestrating an instance found in the journal, e.g.
// after a process restart. State is reconstructed purely by replay. It is
// a no-op when this engine is already driving the instance, and fails with
// ErrTerminal when there is nothing left to do.
func (e *Engine) Resume(ctx context.Context, instanceID string) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	def, st, err := e.stateOf(ctx, instanceID)
	if err != nil {
		return err
	}
	if st.status.Terminal() {
		return fmt.Errorf("%s: %w", instanceID, ErrTerminal)
	}
	if _, driven := e.handles.Load(instanceID); driven {
		return nil
	}

	select {
	case e.tokens <- struct{}{}:
	default:
		return ErrEngineSaturated
	}
	e.queue <- runRequest{instanceID: instanceID, def: def}
	return nil
}

// Status derives a complete snapshot of the instance from journal replay.
func (e *Engine) Status(ctx context.Context, instanceID string) (*Instance, error) {
	_, st, err := e.stateOf(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return st.snapshot(instanceID), nil
}

// Cancel requests that a running instance turn around and compensate. It is
// cooperative: an in-flight step finishes and has its outcome recorded
// before the request takes effect at the next decision point. Cancel fails
// with ErrTerminal once the instance has finished.
func (e *Engine) Cancel(ctx context.Context, instanceID string) error {
	_, st, err := e.stateOf(ctx, instanceID)
	if err != nil {
		return err
	}
	if st.status.Terminal() {
		return fmt.Errorf("%s: %w", instanceID, ErrTerminal)
	}

	if h, driven := e.handles.Load(instanceID); driven {
		h.cancel.Store(true)
		return nil
	}

	// Nobody is driving the instance, so journal the request directly; the
	// next Resume acts on it. A conflict means a driver appeared between
	// the check and the append; hand the request to it instead.
	_, err = e.journal.Append(ctx, Entry{
		InstanceID: instanceID,
		Outcome:    OutcomeCancelRequested,
		Detail:     "cancel requested",
		Timestamp:  e.clock.Now(),
	})
	if errors.Is(err, ErrAppendConflict) {
		if h, driven := e.handles.Load(instanceID); driven {
			h.cancel.Store(true)
			return nil
		}
		return err
	}
	if err != nil {
		return journalError("append", err)
	}
	return nil
}

// Watch streams the instance's state transitions, starting after journal
// sequence number fromSeq (0 streams from the beginning). The channel is
// closed once the instance is terminal or ctx is done. The stream is
// restartable: a consumer resumes from the last Seq it processed.
func (e *Engine) Watch(ctx context.Context, instanceID string, fromSeq uint64) (<-chan Event, error) {
	def, _, err := e.stateOf(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	// Subscribe before reading so nothing falls between replay and live.
	sub, _ := e.hub.subscribe(instanceID)

	entries, err := e.journal.ReadAll(ctx, instanceID)
	if err != nil {
		if sub != nil {
			e.hub.unsubscribe(instanceID, sub)
		}
		return nil, journalError("read", err)
	}
	replayed, err := eventsFromEntries(def, entries)
	if err != nil {
		if sub != nil {
			e.hub.unsubscribe(instanceID, sub)
		}
		return nil, err
	}

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		if sub != nil {
			defer e.hub.unsubscribe(instanceID, sub)
		}

		var lastSent uint64
		terminal := false
		for _, ev := range replayed {
			if ev.Seq <= fromSeq {
				continue
			}
			select {
			case out <- ev:
				lastSent = ev.Seq
				terminal = ev.Status.Terminal()
			case <-ctx.Done():
				return
			}
		}
		if sub == nil || terminal {
			return
		}
		for {
			select {
			case ev, ok := <-sub.ch:
				if !ok {
					return
				}
				if ev.Seq <= lastSent || ev.Seq <= fromSeq {
					continue
				}
				select {
				case out <- ev:
					lastSent = ev.Seq
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close stops accepting work and waits for in-flight orchestrations to
// reach their next decision point and yield. Instances that have not
// finished stay resumable in the journal.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.stop)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stateOf reads the instance's journal and derives its state. The created
// marker names the saga type, which resolves the definition replay needs.
func (e *Engine) stateOf(ctx context.Context, instanceID string) (*Definition, *runState, error) {
	entries, err := e.journal.ReadAll(ctx, instanceID)
	if err != nil {
		return nil, nil, journalError("read", err)
	}
	if len(entries) == 0 {
		return nil, nil, fmt.Errorf("%s: %w", instanceID, ErrInstanceNotFound)
	}
	if entries[0].Outcome != OutcomeCreated {
		return nil, nil, fmt.Errorf("instance %s journal has no created marker", instanceID)
	}
	def, err := e.registry.Lookup(entries[0].SagaType)
	if err != nil {
		return nil, nil, err
	}
	st, err := replay(def, entries)
	if err != nil {
		return nil, nil, err
	}
	return def, st, nil
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		case req := <-e.queue:
			e.drive(req)
			<-e.tokens
		}
	}
}

func (e *Engine) drive(req runRequest) {
	h := &handle{}
	if _, loaded := e.handles.LoadOrStore(req.instanceID, h); loaded {
		e.logger.Warn("instance already being driven", "instance_id", req.instanceID)
		return
	}
	defer e.handles.Delete(req.instanceID)

	orc := &orchestrator{
		instanceID:      req.instanceID,
		def:             req.def,
		journal:         e.journal,
		exec:            e.exec,
		clock:           e.clock,
		logger:          e.logger,
		hub:             e.hub,
		cancelRequested: h.cancel.Load,
		yield:           e.stop,
	}

	start := time.Now()
	status, err := orc.run(context.Background())
	switch {
	case errors.Is(err, ErrEngineClosed):
		e.logger.Info("saga yielded for shutdown", "instance_id", req.instanceID)
	case err != nil:
		// Journal trouble or a definition mismatch: the instance is
		// stalled, not corrupted. Resume retries it.
		e.logger.Error("saga stalled",
			"instance_id", req.instanceID,
			"error", err,
		)
	default:
		e.logger.Info("saga finished",
			"instance_id", req.instanceID,
			"status", status,
			"duration", time.Since(start),
		)
	}
}
