package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a deterministic Clock for tests. Time only moves when Advance is
// called; timers fire synchronously on the advancing goroutine, in deadline
// order.
type Fake struct {
	mu      sync.Mutex
	current time.Time
	timers  []*fakeTimer
	nextID  uint64
}

// NewFake creates a fake clock starting at a fixed, arbitrary instant.
func NewFake() *Fake {
	return &Fake{
		current: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// AfterFunc registers fn to fire once the fake clock has advanced past d.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	timer := &fakeTimer{
		clock:    f,
		id:       f.nextID,
		deadline: f.current.Add(d),
		fn:       fn,
	}
	f.timers = append(f.timers, timer)
	return timer
}

// Advance moves the fake clock forward by d, firing due timers in deadline
// order. Callbacks run with no locks held, so they may arm new timers;
// timers armed inside a callback fire in the same Advance when due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.current.Add(d)
	f.mu.Unlock()

	for {
		timer := f.popDue(target)
		if timer == nil {
			break
		}
		f.mu.Lock()
		if timer.deadline.After(f.current) {
			f.current = timer.deadline
		}
		f.mu.Unlock()
		timer.fn()
	}

	f.mu.Lock()
	f.current = target
	f.mu.Unlock()
}

// PendingTimers reports how many timers are armed and unfired.
func (f *Fake) PendingTimers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

func (f *Fake) popDue(target time.Time) *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()

	sort.SliceStable(f.timers, func(i, j int) bool {
		if f.timers[i].deadline.Equal(f.timers[j].deadline) {
			return f.timers[i].id < f.timers[j].id
		}
		return f.timers[i].deadline.Before(f.timers[j].deadline)
	})
	for i, timer := range f.timers {
		if timer.deadline.After(target) {
			continue
		}
		f.timers = append(f.timers[:i], f.timers[i+1:]...)
		return timer
	}
	return nil
}

func (f *Fake) remove(id uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, timer := range f.timers {
		if timer.id == id {
			f.timers = append(f.timers[:i], f.timers[i+1:]...)
			return true
		}
	}
	return false
}

type fakeTimer struct {
	clock    *Fake
	id       uint64
	deadline time.Time
	fn       func()
}

func (t *fakeTimer) Stop() bool {
	return t.clock.remove(t.id)
}
