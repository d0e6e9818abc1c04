// Package clock abstracts wall-clock time and single-shot timers so the
// timer-heavy respawn state machine can be driven deterministically in tests.
package clock

import "time"

// Timer is a single-shot timer that can be cancelled before it fires.
type Timer interface {
	// Stop cancels the timer. It reports whether the timer was still
	// pending; after Stop returns, the callback will not fire.
	Stop() bool
}

// Clock provides current time and cancellable single-shot timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// System is the wall-clock implementation backed by the time package.
type System struct{}

// NewSystem returns the wall-clock Clock.
func NewSystem() System {
	return System{}
}

// Now returns the current wall-clock time.
func (System) Now() time.Time {
	return time.Now()
}

// AfterFunc arms a time.AfterFunc timer.
func (System) AfterFunc(d time.Duration, fn func()) Timer {
	return systemTimer{timer: time.AfterFunc(d, fn)}
}

type systemTimer struct {
	timer *time.Timer
}

func (t systemTimer) Stop() bool {
	return t.timer.Stop()
}
