package respawn

import (
	"sync"
	"time"
)

// DefaultTimingWindow is the rolling-window size for adaptive timing.
const DefaultTimingWindow = 10

// TimingHistory keeps a rolling window of realized idle-detection
// durations for one session and derives the adaptive confirmation delay
// from them.
type TimingHistory struct {
	mu     sync.Mutex
	size   int
	window []time.Duration
}

// NewTimingHistory builds an empty history with the given window size.
func NewTimingHistory(size int) *TimingHistory {
	if size <= 0 {
		size = DefaultTimingWindow
	}
	return &TimingHistory{size: size}
}

// Push appends one realized detection duration, evicting the oldest entry
// once the window is full. Non-positive durations are ignored.
func (h *TimingHistory) Push(d time.Duration) {
	if d <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.window = append(h.window, d)
	if len(h.window) > h.size {
		h.window = h.window[len(h.window)-h.size:]
	}
}

// Len reports how many samples the window currently holds.
func (h *TimingHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.window)
}

// MovingAverage returns the mean of the retained samples, or zero when the
// window is empty.
func (h *TimingHistory) MovingAverage() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.window) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range h.window {
		total += d
	}
	return total / time.Duration(len(h.window))
}

// ConfirmDelay derives the confirmation delay for the next cycle: half the
// moving average of recent detection durations, clamped to [min, max].
// With no history it returns base clamped to the same bounds.
func (h *TimingHistory) ConfirmDelay(base, min, max time.Duration) time.Duration {
	delay := base
	if avg := h.MovingAverage(); avg > 0 {
		delay = avg / 2
	}
	if min > 0 && delay < min {
		delay = min
	}
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}
