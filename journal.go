package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tidwall/btree"
)

// Phase says which direction an entry belongs to.
type Phase string

const (
	PhaseForward    Phase = "forward"
	PhaseCompensate Phase = "compensate"
)

// OutcomeKind classifies a journal entry.
//
// Attempted is written before every invocation and Succeeded/Failed after
// it. The dual-entry pattern lets recovery distinguish "we know we tried but
// don't know the outcome" (a crash mid-call leaves a trailing Attempted)
// from a clean result.
//
// Created and CancelRequested are instance-level markers with no step name.
// Journaling the cancel request keeps the orchestrator's decision a pure
// function of the journal.
type OutcomeKind string

const (
	OutcomeCreated         OutcomeKind = "created"
	OutcomeAttempted       OutcomeKind = "attempted"
	OutcomeSucceeded       OutcomeKind = "succeeded"
	OutcomeFailed          OutcomeKind = "failed"
	OutcomeCancelRequested OutcomeKind = "cancel_requested"
)

// Entry is one immutable fact about a saga instance. Entries are append-only
// and ordered by Seq, monotonic per instance.
type Entry struct {
	InstanceID string      `json:"instance_id"`
	Seq        uint64      `json:"seq"`
	Step       StepName    `json:"step,omitempty"`
	Phase      Phase       `json:"phase,omitempty"`
	Outcome    OutcomeKind `json:"outcome"`
	Attempt    int         `json:"attempt,omitempty"`
	TimedOut   bool        `json:"timed_out,omitempty"`
	Detail     string      `json:"detail,omitempty"`

	// Final marks a Failed entry as the definitive end of its attempt
	// series: the retry budget is exhausted or the error was permanent.
	// A Failed entry without Final records one attempt's outcome while a
	// retry is still pending, and must not drive a status transition.
	Final bool `json:"final,omitempty"`

	// Output carries the forward result on Succeeded entries, the data a
	// later compensation needs to undo the step. On the Created marker it
	// carries the instance payload.
	Output json.RawMessage `json:"output,omitempty"`

	// SagaType and Correlation are set on the Created marker only, so an
	// instance can be reconstructed from its journal alone.
	SagaType    SagaTypeName `json:"saga_type,omitempty"`
	Correlation string       `json:"correlation,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Journal is the durable, append-only record of what has happened to each
// saga instance.
//
// Durability contract: once Append returns, the entry is visible to every
// subsequent ReadAll for that instance, with no eventual-consistency window.
// Crash recovery replays the journal and depends on no lost or reordered
// entries.
//
// Appends for one instance must be serialized by the caller. A Journal
// detects overlapping appends for the same instance and rejects them with
// ErrAppendConflict rather than guessing at an order; this fences off a
// second driver double-advancing a saga after a crash-and-restart race.
// Cross-instance appends are fully concurrent.
//
// The Created marker is exclusive: appending one to a non-empty instance
// journal fails with ErrDuplicateInstanceID. Uniqueness of instance IDs is
// decided here, atomically with the append, not by a caller-side lookup.
type Journal interface {
	// Append assigns the next sequence number for e.InstanceID, persists
	// the entry, and returns the assigned number.
	Append(ctx context.Context, e Entry) (uint64, error)

	// ReadAll returns all entries for the instance in sequence order. An
	// unknown instance yields an empty slice, not an error.
	ReadAll(ctx context.Context, instanceID string) ([]Entry, error)

	// LastEntry returns the highest-sequence entry for the instance, or
	// false when none exist.
	LastEntry(ctx context.Context, instanceID string) (Entry, bool, error)
}

// MemoryJournal is an in-memory Journal for tests and embedded use. Each
// instance gets its own partition, so instances never contend with each
// other.
type MemoryJournal struct {
	partitions *xsync.MapOf[string, *memPartition]
}

type memPartition struct {
	// appendGate serializes appenders without touching readers: two
	// overlapping appends for one instance conflict, reads never do.
	appendGate atomic.Bool

	mu      sync.RWMutex
	entries *btree.Map[uint64, Entry]
	nextSeq uint64
}

// NewMemoryJournal creates an empty MemoryJournal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		partitions: xsync.NewMapOf[string, *memPartition](),
	}
}

func (j *MemoryJournal) partition(instanceID string) *memPartition {
	p, _ := j.partitions.LoadOrCompute(instanceID, func() *memPartition {
		return &memPartition{
			entries: btree.NewMap[uint64, Entry](8),
			nextSeq: 1,
		}
	})
	return p
}

// Append implements Journal. An overlapping append for the same instance
// fails with ErrAppendConflict instead of queuing behind the first one.
func (j *MemoryJournal) Append(_ context.Context, e Entry) (uint64, error) {
	p := j.partition(e.InstanceID)
	if !p.appendGate.CompareAndSwap(false, true) {
		return 0, ErrAppendConflict
	}
	defer p.appendGate.Store(false)

	p.mu.Lock()
	defer p.mu.Unlock()

	if e.Outcome == OutcomeCreated && p.nextSeq != 1 {
		return 0, fmt.Errorf("%s: %w", e.InstanceID, ErrDuplicateInstanceID)
	}

	e.Seq = p.nextSeq
	p.nextSeq++
	p.entries.Set(e.Seq, e)
	return e.Seq, nil
}

// ReadAll implements Journal.
func (j *MemoryJournal) ReadAll(_ context.Context, instanceID string) ([]Entry, error) {
	p, ok := j.partitions.Load(instanceID)
	if !ok {
		return nil, nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := make([]Entry, 0, p.entries.Len())
	p.entries.Scan(func(_ uint64, e Entry) bool {
		entries = append(entries, e)
		return true
	})
	return entries, nil
}

// LastEntry implements Journal.
func (j *MemoryJournal) LastEntry(_ context.Context, instanceID string) (Entry, bool, error) {
	p, ok := j.partitions.Load(instanceID)
	if !ok {
		return Entry{}, false, nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, e, ok := p.entries.Max()
	return e, ok, nil
}
