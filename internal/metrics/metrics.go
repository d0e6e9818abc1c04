// Package metrics collects per-session respawn cycle records and derives
// aggregate statistics and a composite health score from them. The score
// is recomputed on demand from recent cycle history and is never
// authoritative state.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// Outcome classifies one finished or aborted respawn cycle.
type Outcome string

const (
	// OutcomeSuccess is a cycle whose recovery sequence was issued and the
	// session resumed working.
	OutcomeSuccess Outcome = "success"
	// OutcomeStuckRecovery is a cycle that failed to produce subsequent
	// working activity within the stuck-detection bound.
	OutcomeStuckRecovery Outcome = "stuck_recovery"
	// OutcomeBlocked is the cycle on which the circuit breaker tripped.
	OutcomeBlocked Outcome = "blocked"
	// OutcomeError is a cycle aborted by an unexpected failure.
	OutcomeError Outcome = "error"
	// OutcomeCancelled is a cycle cut short by an explicit stop or by
	// respawn being disabled.
	OutcomeCancelled Outcome = "cancelled"
)

// Cycle is one respawn cycle record.
type Cycle struct {
	SessionID string        `json:"session_id"`
	Number    int           `json:"number"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Duration  time.Duration `json:"duration"`

	// IdleReason names the signal that started the cycle, e.g. the matcher
	// name or "no_output".
	IdleReason string `json:"idle_reason"`
	// ConfirmDelay is the confirmation delay actually armed for the cycle,
	// after any adaptive adjustment.
	ConfirmDelay time.Duration `json:"confirm_delay"`
	// ConfirmElapsed is the time spent between the idle signal and the
	// confirmed-idle decision.
	ConfirmElapsed time.Duration `json:"confirm_elapsed"`

	RecoverySteps []string `json:"recovery_steps,omitempty"`
	ClearSkipped  bool     `json:"clear_skipped,omitempty"`

	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`

	StartTokenPercent int `json:"start_token_percent"`
	EndTokenPercent   int `json:"end_token_percent"`

	// VerifierErrors counts AI checks that came back unavailable during
	// the cycle.
	VerifierErrors int `json:"verifier_errors,omitempty"`
}

// DefaultRetention bounds how many cycles are kept per session.
const DefaultRetention = 50

// Stats summarizes the retained cycles of one session.
type Stats struct {
	Total       int
	Successes   int
	Stuck       int
	Cancelled   int
	SuccessRate float64
	AvgDuration time.Duration
	P95Duration time.Duration
	LastOutcome Outcome
}

// Option configures Aggregator construction.
type Option func(*Aggregator)

// WithRetention overrides the per-session retention bound.
func WithRetention(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.retention = n
		}
	}
}

// Aggregator retains a bounded window of cycle records per session.
type Aggregator struct {
	mu        sync.Mutex
	retention int
	cycles    map[string][]Cycle
}

// NewAggregator builds an empty aggregator.
func NewAggregator(options ...Option) *Aggregator {
	aggregator := &Aggregator{
		retention: DefaultRetention,
		cycles:    make(map[string][]Cycle),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(aggregator)
	}
	return aggregator
}

// Record appends one cycle, evicting the oldest once the retention bound
// is reached.
func (a *Aggregator) Record(cycle Cycle) {
	if cycle.SessionID == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	window := append(a.cycles[cycle.SessionID], cycle)
	if len(window) > a.retention {
		window = window[len(window)-a.retention:]
	}
	a.cycles[cycle.SessionID] = window
}

// Session returns a copy of the retained cycles for one session, oldest
// first.
func (a *Aggregator) Session(sessionID string) []Cycle {
	a.mu.Lock()
	defer a.mu.Unlock()

	window := a.cycles[sessionID]
	out := make([]Cycle, len(window))
	copy(out, window)
	return out
}

// Reset drops all retained cycles for one session.
func (a *Aggregator) Reset(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.cycles, sessionID)
}

// Stats computes aggregate statistics over the retained window.
func (a *Aggregator) Stats(sessionID string) Stats {
	window := a.Session(sessionID)
	stats := Stats{Total: len(window)}
	if len(window) == 0 {
		return stats
	}

	durations := make([]time.Duration, 0, len(window))
	var total time.Duration
	for _, cycle := range window {
		switch cycle.Outcome {
		case OutcomeSuccess:
			stats.Successes++
		case OutcomeStuckRecovery, OutcomeBlocked:
			stats.Stuck++
		case OutcomeCancelled:
			stats.Cancelled++
		}
		durations = append(durations, cycle.Duration)
		total += cycle.Duration
	}
	stats.LastOutcome = window[len(window)-1].Outcome

	decided := stats.Total - stats.Cancelled
	if decided > 0 {
		stats.SuccessRate = float64(stats.Successes) / float64(decided)
	}

	stats.AvgDuration = total / time.Duration(len(durations))
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	idx := (len(durations)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	stats.P95Duration = durations[idx]
	return stats
}

// Health score component weights. They sum to 1.
const (
	weightSuccessRate = 0.35
	weightBreaker     = 0.25
	weightProgress    = 0.15
	weightVerifier    = 0.10
	weightStuckFreq   = 0.15
)

// Health derives the composite 0-100 score for one session from its
// retained cycles. A session with no history scores 100.
func (a *Aggregator) Health(sessionID string) int {
	window := a.Session(sessionID)
	if len(window) == 0 {
		return 100
	}

	var successes, stuck, decided, verifierErrors int
	sinceSuccess := 0
	for _, cycle := range window {
		switch cycle.Outcome {
		case OutcomeSuccess:
			successes++
			decided++
			sinceSuccess = 0
		case OutcomeCancelled:
			sinceSuccess++
		default:
			decided++
			sinceSuccess++
		}
		if cycle.Outcome == OutcomeStuckRecovery {
			stuck++
		}
		verifierErrors += cycle.VerifierErrors
	}

	successRate := 1.0
	if decided > 0 {
		successRate = float64(successes) / float64(decided)
	}

	breaker := 1.0
	if window[len(window)-1].Outcome == OutcomeBlocked {
		breaker = 0
	}

	// Progress decays as cycles pass without a successful recovery.
	progress := 1.0 - float64(sinceSuccess)/float64(progressStallBound)
	progress = clampUnit(progress)

	verifier := 1.0 - float64(verifierErrors)/float64(len(window))
	verifier = clampUnit(verifier)

	stuckFreq := 1.0 - float64(stuck)/float64(len(window))

	score := weightSuccessRate*successRate +
		weightBreaker*breaker +
		weightProgress*progress +
		weightVerifier*verifier +
		weightStuckFreq*stuckFreq
	return int(score*100 + 0.5)
}

// progressStallBound is the cycle count past which the task-progress
// component bottoms out.
const progressStallBound = 5

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
