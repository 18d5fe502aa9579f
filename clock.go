package orchestrate

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Clock supplies current time and delayed wake-ups. The engine and the step
// executor take it as an injected dependency so retry and deadline behavior
// is deterministic under test.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is a single-shot timer handed out by a Clock.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// SystemClock returns a Clock backed by the time package.
func SystemClock() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTimer(d time.Duration) Timer {
	return &systemTimer{t: time.NewTimer(d)}
}

type systemTimer struct {
	t *time.Timer
}

func (s *systemTimer) C() <-chan time.Time { return s.t.C }
func (s *systemTimer) Stop() bool          { return s.t.Stop() }

// backoffTimer adapts a Clock to the backoff.Timer interface so retry delays
// flow through the injected clock.
type backoffTimer struct {
	clock Clock
	timer Timer
}

var _ backoff.Timer = (*backoffTimer)(nil)

func newBackoffTimer(clock Clock) *backoffTimer {
	return &backoffTimer{clock: clock}
}

func (b *backoffTimer) Start(d time.Duration) {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = b.clock.NewTimer(d)
}

func (b *backoffTimer) C() <-chan time.Time {
	if b.timer == nil {
		return nil
	}
	return b.timer.C()
}

func (b *backoffTimer) Stop() {
	if b.timer != nil {
		b.timer.Stop()
	}
}
