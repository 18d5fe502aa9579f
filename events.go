package orchestrate

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Event is one state transition of a saga instance, derived from the
// journal entry that caused it. Seq is the journal sequence number, which
// doubles as the resumption token: a consumer that missed events restarts a
// Watch from the last Seq it saw.
type Event struct {
	InstanceID string
	Seq        uint64
	Status     Status
	Step       StepName
	Phase      Phase
	Outcome    OutcomeKind
	Timestamp  time.Time
}

// eventsFromEntries maps journal entries to the transition events they
// produced, by replaying each prefix. Journals are short (a handful of
// entries per step), so the quadratic replay is not worth optimizing.
//
// Attempted markers carry the preceding status: an attempt in flight is not
// a transition, and replaying a historical prefix that ends at one would
// misread it as in-doubt. Only outcome entries move the status.
func eventsFromEntries(def *Definition, entries []Entry) ([]Event, error) {
	events := make([]Event, 0, len(entries))
	status := StatusRunning
	for i := range entries {
		e := entries[i]
		if e.Outcome != OutcomeAttempted {
			st, err := replay(def, entries[:i+1])
			if err != nil {
				return nil, err
			}
			status = st.status
		}
		events = append(events, Event{
			InstanceID: e.InstanceID,
			Seq:        e.Seq,
			Status:     status,
			Step:       e.Step,
			Phase:      e.Phase,
			Outcome:    e.Outcome,
			Timestamp:  e.Timestamp,
		})
	}
	return events, nil
}

// subscriberBuffer bounds each watcher's live channel. A consumer that
// falls further behind than this loses events and must restart its Watch
// from the last Seq it processed.
const subscriberBuffer = 256

type subscriber struct {
	ch chan Event
}

type feed struct {
	mu      sync.Mutex
	lastSeq uint64
	closed  bool
	subs    map[*subscriber]struct{}
}

// eventHub fans journal-derived events out to Watch subscribers, one feed
// per instance.
type eventHub struct {
	feeds *xsync.MapOf[string, *feed]
}

func newEventHub() *eventHub {
	return &eventHub{
		feeds: xsync.NewMapOf[string, *feed](),
	}
}

func (h *eventHub) feed(instanceID string) *feed {
	f, _ := h.feeds.LoadOrCompute(instanceID, func() *feed {
		return &feed{subs: make(map[*subscriber]struct{})}
	})
	return f
}

// publish sends every event newer than the feed's high-water mark to the
// live subscribers and closes the feed once the instance is terminal.
// Slow subscribers are skipped rather than blocking the orchestrator.
func (h *eventHub) publish(def *Definition, entries []Entry) {
	if len(entries) == 0 {
		return
	}
	f := h.feed(entries[0].InstanceID)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	if entries[len(entries)-1].Seq <= f.lastSeq {
		return
	}

	events, err := eventsFromEntries(def, entries)
	if err != nil {
		return
	}
	var final Status
	for _, ev := range events {
		final = ev.Status
		if ev.Seq <= f.lastSeq {
			continue
		}
		f.lastSeq = ev.Seq
		for sub := range f.subs {
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
	if final.Terminal() {
		f.closed = true
		for sub := range f.subs {
			close(sub.ch)
		}
		f.subs = make(map[*subscriber]struct{})
	}
}

// subscribe registers a live subscriber and returns it together with the
// feed's current high-water mark. Events with Seq <= mark are already in
// the journal and must be served by replay; everything after arrives on the
// subscriber channel. A nil subscriber means the feed is closed.
func (h *eventHub) subscribe(instanceID string) (*subscriber, uint64) {
	f := h.feed(instanceID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, f.lastSeq
	}
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	f.subs[sub] = struct{}{}
	return sub, f.lastSeq
}

func (h *eventHub) unsubscribe(instanceID string, sub *subscriber) {
	f := h.feed(instanceID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[sub]; ok {
		delete(f.subs, sub)
		close(sub.ch)
	}
}
