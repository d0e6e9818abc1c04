// Package respawn implements the per-session idle-detection and recovery
// state machine. One controller is bound to exactly one agent session for
// as long as its respawn policy is enabled; it owns a single timer slot
// that is always cancelled before being re-armed.
package respawn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Ark0N/Claudeman-sub001/internal/clock"
	"github.com/Ark0N/Claudeman-sub001/internal/config"
	"github.com/Ark0N/Claudeman-sub001/internal/events"
	"github.com/Ark0N/Claudeman-sub001/internal/idle"
	"github.com/Ark0N/Claudeman-sub001/internal/metrics"
	"github.com/Ark0N/Claudeman-sub001/internal/session"
)

// State identifies the controller's position in the idle-detection cycle.
type State string

const (
	// StateWorking is the default state, re-entered on any output activity.
	StateWorking State = "WORKING"
	// StateWatching means output has been silent past the idle timeout.
	StateWatching State = "WATCHING"
	// StateConfirming means a completion indicator matched and the
	// confirmation timer is armed.
	StateConfirming State = "CONFIRMING"
	// StatePlanPending means a plan prompt matched and the auto-accept
	// timer is armed.
	StatePlanPending State = "PLAN_PENDING"
	// StateConfirmedIdle is the terminal state of one cycle; it triggers
	// the recovery sequence.
	StateConfirmedIdle State = "CONFIRMED_IDLE"
	// StateBlocked means the circuit breaker tripped; automatic recovery
	// is suppressed until respawn is re-enabled.
	StateBlocked State = "BLOCKED"
)

// stuckDetectionMultiplier bounds how long after a recovery sequence the
// controller waits for working activity before treating the cycle as
// unproductive, as a multiple of the idle timeout.
const stuckDetectionMultiplier = 3

// DefaultStuckThreshold trips the circuit breaker after this many
// consecutive unproductive cycles when the config leaves it unset.
const DefaultStuckThreshold = 3

// planAcceptKeystroke is the single confirmation sent for plan-mode
// prompts. Never used to answer free-form questions.
const planAcceptKeystroke = "1"

// StuckError indicates the circuit breaker has tripped for a session and
// operator action is required to re-enable respawn.
type StuckError struct {
	SessionID string
}

func (e *StuckError) Error() string {
	return fmt.Sprintf("session %s is blocked after repeated unproductive recovery cycles", e.SessionID)
}

// Code returns the stable machine-readable error code.
func (e *StuckError) Code() string {
	return "stuck_state"
}

// Agent is the slice of a session worker the controller observes and
// drives. *session.Worker satisfies it.
type Agent interface {
	ID() string
	OutputTail() string
	LastActivity() time.Time
	TokenUsage() session.TokenUsage
	SendInput(text string) error
}

// Option configures Controller construction.
type Option func(*Controller)

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) {
		if clk != nil {
			c.clk = clk
		}
	}
}

// WithBus wires cycle and blocked events onto the process event bus.
func WithBus(bus events.Bus) Option {
	return func(c *Controller) {
		c.bus = bus
	}
}

// WithLogger configures structured logging.
func WithLogger(logger *log.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithTracer configures the tracer used for transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Controller) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithVerifier wires the optional AI idle check.
func WithVerifier(verifier idle.Verifier) Option {
	return func(c *Controller) {
		c.verifier = verifier
	}
}

// WithPlanVerifier wires the optional AI plan-mode check.
func WithPlanVerifier(verifier idle.PlanVerifier) Option {
	return func(c *Controller) {
		c.planVerifier = verifier
	}
}

// WithTeamPresence suppresses idle cycles while a session's team still has
// unfinished delegated work.
func WithTeamPresence(team idle.TeamPresence) Option {
	return func(c *Controller) {
		c.team = team
	}
}

// WithRecorder wires cycle records into the metrics aggregator.
func WithRecorder(recorder *metrics.Aggregator) Option {
	return func(c *Controller) {
		c.recorder = recorder
	}
}

// Controller drives the idle-detection and recovery state machine for one
// session.
type Controller struct {
	agent        Agent
	cfg          config.Respawn
	clk          clock.Clock
	bus          events.Bus
	logger       *log.Logger
	tracer       trace.Tracer
	evaluator    *idle.Evaluator
	verifier     idle.Verifier
	planVerifier idle.PlanVerifier
	team         idle.TeamPresence
	recorder     *metrics.Aggregator
	timing       *TimingHistory

	mu           sync.Mutex
	state        State
	gen          uint64
	timer        clock.Timer
	subscription events.Subscription
	started      bool
	stopped      bool

	completionPhrase string

	cycleActive      bool
	cycleNum         int
	cycleStartedAt   time.Time
	cycleSilentSince time.Time
	cycleReason      string
	cycleStartTokens int
	cycleVerifErrors int
	confirmDelay     time.Duration

	idleCooldownUntil time.Time
	planCooldownUntil time.Time

	awaitingProgress bool
	recoveredAt      time.Time
	kickstartSent    bool
	consecutiveStuck int
}

// NewController binds a controller to one agent session.
func NewController(agent Agent, cfg config.Respawn, options ...Option) (*Controller, error) {
	if agent == nil {
		return nil, errors.New("agent is required")
	}
	if cfg.IdleTimeout <= 0 {
		return nil, errors.New("idle timeout must be positive")
	}
	if cfg.CompletionConfirm <= 0 {
		return nil, errors.New("completion confirm delay must be positive")
	}
	if cfg.NoOutputTimeout <= 0 {
		return nil, errors.New("no-output timeout must be positive")
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = DefaultStuckThreshold
	}

	controller := &Controller{
		agent:  agent,
		cfg:    cfg,
		clk:    clock.NewSystem(),
		tracer: otel.Tracer("claudeman/respawn"),
		timing: NewTimingHistory(DefaultTimingWindow),
		state:  StateWorking,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(controller)
	}

	evaluatorOptions := make([]idle.Option, 0, 3)
	if len(cfg.CompletionPatterns) > 0 {
		matchers, err := idle.CompileMatchers(cfg.CompletionPatterns)
		if err != nil {
			return nil, fmt.Errorf("compile completion patterns: %w", err)
		}
		evaluatorOptions = append(evaluatorOptions, idle.WithCompletionMatchers(matchers))
	}
	if len(cfg.PlanPatterns) > 0 {
		matchers, err := idle.CompileMatchers(cfg.PlanPatterns)
		if err != nil {
			return nil, fmt.Errorf("compile plan patterns: %w", err)
		}
		evaluatorOptions = append(evaluatorOptions, idle.WithPlanMatchers(matchers))
	}
	if controller.team != nil {
		evaluatorOptions = append(evaluatorOptions, idle.WithTeamPresence(controller.team))
	}

	evaluator, err := idle.NewEvaluator(idle.Config{
		IdleTimeout:     cfg.IdleTimeout,
		NoOutputTimeout: cfg.NoOutputTimeout,
	}, evaluatorOptions...)
	if err != nil {
		return nil, fmt.Errorf("build idle evaluator: %w", err)
	}
	controller.evaluator = evaluator

	return controller, nil
}

// Start arms the idle watch and begins consuming activity events. It is
// an error to start a controller twice.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return errors.New("controller is stopped")
	}
	if c.started {
		return errors.New("controller already started")
	}
	c.started = true

	if c.bus != nil {
		c.subscription = c.bus.Subscribe(events.EventTypeSessionOutput, func(event events.Event) {
			if event.SessionID == c.agent.ID() {
				c.OnActivity()
			}
		})
	}

	c.transitionLocked(StateWorking, "respawn enabled")
	c.armLocked(c.cfg.IdleTimeout, c.onIdleElapsed)
	return nil
}

// Stop cancels all pending timers and detaches the controller. If a cycle
// was in flight one cancelled record is emitted. Stop is idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	c.stopped = true
	c.cancelTimerLocked()
	if c.subscription != nil {
		c.subscription.Unsubscribe()
		c.subscription = nil
	}

	if c.cycleActive {
		c.recordCycleLocked(metrics.OutcomeCancelled, "respawn disabled")
	}
	c.logf("respawn disabled", "session", c.agent.ID(), "state", string(c.state))
}

// OnActivity resets the machine to WORKING. Any pending confirmation or
// plan-accept timer is cancelled; the would-be cycle is abandoned without
// a record. Called for every output event of the bound session.
func (c *Controller) OnActivity() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || !c.started || c.state == StateBlocked {
		return
	}

	c.cancelTimerLocked()
	if c.cycleActive {
		c.logf("idle cycle aborted by activity", "session", c.agent.ID(), "state", string(c.state), "cycle", c.cycleNum)
		c.cycleActive = false
	}
	if c.awaitingProgress {
		c.awaitingProgress = false
		c.consecutiveStuck = 0
	}
	if c.state != StateWorking {
		c.transitionLocked(StateWorking, "output activity")
	}
	c.armLocked(c.cfg.IdleTimeout, c.onIdleElapsed)
}

// SetCompletionPhrase installs the per-task custom completion phrase
// checked ahead of the heuristic matcher set. An empty phrase clears it.
func (c *Controller) SetCompletionPhrase(phrase string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completionPhrase = strings.TrimSpace(phrase)
}

// State reports the current machine state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Blocked reports whether the circuit breaker has tripped.
func (c *Controller) Blocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateBlocked
}

// ConsecutiveStuck reports the current unproductive-cycle streak.
func (c *Controller) ConsecutiveStuck() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveStuck
}

// ConfirmDelay reports the confirmation delay the next cycle would arm.
func (c *Controller) ConfirmDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextConfirmDelayLocked()
}

// onIdleElapsed fires once output has been silent past the idle timeout.
func (c *Controller) onIdleElapsed() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || c.state == StateBlocked {
		return
	}

	now := c.clk.Now()
	lastActivity := c.agent.LastActivity()
	silent := now.Sub(lastActivity)
	if silent < c.cfg.IdleTimeout {
		// Output arrived without an activity callback; keep watching from
		// the true activity timestamp.
		c.armLocked(c.cfg.IdleTimeout-silent, c.onIdleElapsed)
		return
	}

	if c.team != nil && c.team.HasActiveTeammates(c.agent.ID()) {
		// Delegated work is still in flight; check again after another
		// idle window.
		c.armLocked(c.cfg.IdleTimeout, c.onIdleElapsed)
		return
	}

	verdict := c.evaluator.Evaluate(idle.Input{
		SessionID:        c.agent.ID(),
		OutputTail:       c.agent.OutputTail(),
		SinceActivity:    silent,
		CompletionPhrase: c.completionPhrase,
	})

	c.cycleActive = true
	c.cycleNum++
	c.cycleStartedAt = now
	c.cycleSilentSince = lastActivity
	c.cycleStartTokens = c.agent.TokenUsage().Percent()
	c.cycleVerifErrors = 0
	c.transitionLocked(StateWatching, "idle timeout elapsed")

	switch verdict {
	case idle.VerdictPlanPrompt:
		if c.cfg.AutoAcceptPlans {
			c.transitionLocked(StatePlanPending, "plan prompt matched")
			c.armLocked(c.cfg.AutoAcceptDelay, c.onPlanAcceptDue)
			return
		}
		// Plan prompts without auto-accept fall through to the no-output
		// path so the operator has time to answer.
		c.armLocked(c.noOutputRemainingLocked(silent), c.onNoOutputElapsed)
	case idle.VerdictLikelyIdle:
		c.cycleReason = c.evaluator.MatchCompletion(c.agent.OutputTail(), c.completionPhrase)
		c.confirmDelay = c.nextConfirmDelayLocked()
		c.transitionLocked(StateConfirming, "completion indicator matched")
		c.armLocked(c.confirmDelay, c.onConfirmElapsed)
	case idle.VerdictConfirmedIdle:
		c.cycleReason = "no_output"
		c.confirmDelay = 0
		c.decideIdleLocked()
	default:
		// No indicator matched; only further silence can end this cycle.
		c.armLocked(c.noOutputRemainingLocked(silent), c.onNoOutputElapsed)
	}
}

// noOutputRemainingLocked returns the time left until total silence has
// lasted idle timeout plus no-output timeout.
func (c *Controller) noOutputRemainingLocked(silent time.Duration) time.Duration {
	remaining := c.cfg.IdleTimeout + c.cfg.NoOutputTimeout - silent
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// onConfirmElapsed fires when the confirmation window passed undisturbed.
func (c *Controller) onConfirmElapsed() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || c.state != StateConfirming {
		return
	}
	c.decideIdleLocked()
}

// onNoOutputElapsed fires on total silence past the no-output fallback.
func (c *Controller) onNoOutputElapsed() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || c.state != StateWatching {
		return
	}
	c.cycleReason = "no_output"
	c.confirmDelay = 0
	c.decideIdleLocked()
}

// decideIdleLocked consults the AI idle verifier, then commits to
// CONFIRMED_IDLE or aborts the cycle on a WORKING verdict.
func (c *Controller) decideIdleLocked() {
	if c.verifier != nil && c.cfg.AIIdleCheck.Enabled && !c.clk.Now().Before(c.idleCooldownUntil) {
		verdict, err := c.consultLocked(c.verifier, c.cfg.AIIdleCheck)
		if c.stopped || !c.cycleActive {
			return
		}
		switch {
		case err != nil:
			// Unavailable: the heuristic decision stands unmodified.
			c.cycleVerifErrors++
			c.logf("idle verifier unavailable", "session", c.agent.ID(), "error", err)
		case verdict == idle.CheckVerdictWorking:
			c.idleCooldownUntil = c.clk.Now().Add(c.cfg.AIIdleCheck.Cooldown)
			c.logf("idle verifier overruled heuristic", "session", c.agent.ID(), "cycle", c.cycleNum)
			c.cycleActive = false
			c.transitionLocked(StateWorking, "verifier says working")
			c.armLocked(c.cfg.IdleTimeout, c.onIdleElapsed)
			return
		}
	}

	now := c.clk.Now()
	c.transitionLocked(StateConfirmedIdle, c.cycleReason)
	if c.cfg.AdaptiveTiming {
		c.timing.Push(now.Sub(c.cycleSilentSince))
	}
	c.runRecoveryLocked(false)
}

// onPlanAcceptDue fires when the plan auto-accept delay elapsed with the
// prompt still pending.
func (c *Controller) onPlanAcceptDue() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || c.state != StatePlanPending {
		return
	}

	if c.evaluator.MatchPlan(c.agent.OutputTail()) == "" {
		// Prompt disappeared without new activity; resume watching.
		c.cycleActive = false
		c.transitionLocked(StateWorking, "plan prompt gone")
		c.armLocked(c.cfg.IdleTimeout, c.onIdleElapsed)
		return
	}

	if c.planVerifier != nil && c.cfg.AIPlanCheck.Enabled && !c.clk.Now().Before(c.planCooldownUntil) {
		verdict, err := c.consultLocked(idle.Verifier(c.planVerifier), c.cfg.AIPlanCheck)
		if c.stopped || c.state != StatePlanPending {
			return
		}
		switch {
		case err != nil:
			c.cycleVerifErrors++
			c.logf("plan verifier unavailable", "session", c.agent.ID(), "error", err)
		case verdict == idle.CheckVerdictNotPlanMode:
			c.planCooldownUntil = c.clk.Now().Add(c.cfg.AIPlanCheck.Cooldown)
			c.cycleActive = false
			c.transitionLocked(StateWorking, "verifier says not plan mode")
			c.armLocked(c.cfg.IdleTimeout, c.onIdleElapsed)
			return
		}
	}

	// Plan-mode acceptance is one confirmation keystroke, never a full
	// response.
	if err := c.agent.SendInput(planAcceptKeystroke); err != nil {
		c.logf("plan accept failed", "session", c.agent.ID(), "error", err)
	} else {
		c.publish(events.EventTypeRespawnCycle, events.SeverityInfo, map[string]any{
			"action": "plan_accepted",
			"cycle":  c.cycleNum,
		})
		c.logf("plan auto-accepted", "session", c.agent.ID(), "cycle", c.cycleNum)
	}
	c.cycleActive = false
	c.transitionLocked(StateWorking, "plan accepted")
	c.armLocked(c.cfg.IdleTimeout, c.onIdleElapsed)
}

// consultLocked calls a verifier with a bounded output window. The lock is
// released for the duration of the call; callers must re-validate state
// afterwards.
func (c *Controller) consultLocked(verifier idle.Verifier, check config.AICheck) (string, error) {
	window := idle.Window(c.agent.OutputTail(), check.ContextChars)
	model := check.Model
	timeout := check.Timeout

	c.mu.Unlock()
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	result, err := verifier.Check(ctx, window, model, timeout)
	c.mu.Lock()

	if err != nil {
		return "", fmt.Errorf("%w: %v", idle.ErrVerifierUnavailable, err)
	}
	return result.Verdict, nil
}

// runRecoveryLocked issues the recovery sequence: optional clear, init
// command, update prompt; then watches for the session to resume working.
func (c *Controller) runRecoveryLocked(fromStuck bool) {
	now := c.clk.Now()
	steps := make([]string, 0, 3)
	clearSkipped := false

	tokens := c.agent.TokenUsage().Percent()
	if c.cfg.ClearCommand != "" {
		if c.cfg.SkipClearWhenLowContext && tokens < c.cfg.ContextThresholdPercent {
			clearSkipped = true
			c.logf("clear skipped under low context", "session", c.agent.ID(), "tokens_percent", tokens)
		} else if err := c.recoveryStepLocked(c.cfg.ClearCommand, "clear", &steps); err != nil {
			c.failCycleLocked(err)
			return
		}
	}
	if c.cfg.InitCommand != "" {
		if err := c.recoveryStepLocked(c.cfg.InitCommand, "init", &steps); err != nil {
			c.failCycleLocked(err)
			return
		}
	}
	if c.cfg.UpdatePrompt != "" {
		if err := c.recoveryStepLocked(c.cfg.UpdatePrompt, "update_prompt", &steps); err != nil {
			c.failCycleLocked(err)
			return
		}
	}

	if !fromStuck {
		cycle := c.cycleRecordLocked(metrics.OutcomeSuccess, "")
		cycle.RecoverySteps = steps
		cycle.ClearSkipped = clearSkipped
		c.emitCycleLocked(cycle)
		c.cycleActive = false
	}

	c.awaitingProgress = true
	c.recoveredAt = now
	c.kickstartSent = false
	c.transitionLocked(StateWorking, "recovery sequence issued")
	c.armProgressLocked()
}

// recoveryStepLocked sends one recovery input and appends its step name.
func (c *Controller) recoveryStepLocked(input, step string, steps *[]string) error {
	if err := c.agent.SendInput(input); err != nil {
		return fmt.Errorf("send %s: %w", step, err)
	}
	*steps = append(*steps, step)
	return nil
}

// failCycleLocked records an errored cycle and resumes the idle watch.
func (c *Controller) failCycleLocked(err error) {
	c.logf("recovery sequence failed", "session", c.agent.ID(), "cycle", c.cycleNum, "error", err)
	c.recordCycleLocked(metrics.OutcomeError, err.Error())
	c.cycleActive = false
	c.awaitingProgress = false
	c.transitionLocked(StateWorking, "recovery failed")
	c.armLocked(c.cfg.IdleTimeout, c.onIdleElapsed)
}

// armProgressLocked arms the timer for the next post-recovery deadline:
// the one-shot kickstart check or the stuck-detection bound, whichever
// comes first.
func (c *Controller) armProgressLocked() {
	now := c.clk.Now()
	stuckAt := c.recoveredAt.Add(stuckDetectionMultiplier * c.cfg.IdleTimeout)
	next := stuckAt

	if c.cfg.KickstartPrompt != "" && !c.kickstartSent {
		kickAt := c.recoveredAt.Add(c.cfg.NoOutputTimeout)
		if kickAt.Before(next) {
			next = kickAt
		}
	}

	delay := next.Sub(now)
	if delay < 0 {
		delay = 0
	}
	c.armLocked(delay, c.onProgressDue)
}

// onProgressDue fires at the next post-recovery deadline.
func (c *Controller) onProgressDue() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || !c.awaitingProgress || c.state == StateBlocked {
		return
	}

	now := c.clk.Now()
	if c.agent.LastActivity().After(c.recoveredAt) {
		// The session resumed without an activity callback.
		c.awaitingProgress = false
		c.consecutiveStuck = 0
		c.armLocked(c.cfg.IdleTimeout, c.onIdleElapsed)
		return
	}

	stuckAt := c.recoveredAt.Add(stuckDetectionMultiplier * c.cfg.IdleTimeout)
	if now.Before(stuckAt) {
		// Kickstart deadline: one-shot nudge, then keep waiting.
		if c.cfg.KickstartPrompt != "" && !c.kickstartSent {
			c.kickstartSent = true
			if err := c.agent.SendInput(c.cfg.KickstartPrompt); err != nil {
				c.logf("kickstart failed", "session", c.agent.ID(), "error", err)
			} else {
				c.logf("kickstart prompt sent", "session", c.agent.ID(), "cycle", c.cycleNum)
			}
		}
		c.armProgressLocked()
		return
	}

	// Stuck bound elapsed with no activity since recovery.
	c.consecutiveStuck++
	if c.consecutiveStuck >= c.cfg.StuckThreshold {
		c.awaitingProgress = false
		c.cycleNum++
		c.cycleStartedAt = c.recoveredAt
		c.recordCycleLocked(metrics.OutcomeBlocked, "circuit breaker tripped")
		c.transitionLocked(StateBlocked, "consecutive unproductive cycles")
		c.publish(events.EventTypeSessionBlocked, events.SeverityError, map[string]any{
			"consecutive_stuck": c.consecutiveStuck,
			"cycle":             c.cycleNum,
		})
		c.logf("session blocked by circuit breaker",
			"session", c.agent.ID(), "consecutive_stuck", c.consecutiveStuck)
		return
	}

	c.cycleNum++
	c.cycleStartedAt = c.recoveredAt
	c.cycleReason = "stuck_recovery"
	c.recordCycleLocked(metrics.OutcomeStuckRecovery, "no activity after recovery")
	c.logf("stuck recovery attempt",
		"session", c.agent.ID(), "cycle", c.cycleNum, "consecutive_stuck", c.consecutiveStuck)
	c.runRecoveryLocked(true)
}

// nextConfirmDelayLocked resolves the confirmation delay for the next
// cycle, applying adaptive timing when enabled.
func (c *Controller) nextConfirmDelayLocked() time.Duration {
	if !c.cfg.AdaptiveTiming {
		return c.cfg.CompletionConfirm
	}
	return c.timing.ConfirmDelay(c.cfg.CompletionConfirm, c.cfg.AdaptiveMinConfirm, c.cfg.AdaptiveMaxConfirm)
}

// cycleRecordLocked builds the record for the in-flight cycle.
func (c *Controller) cycleRecordLocked(outcome metrics.Outcome, errText string) metrics.Cycle {
	now := c.clk.Now()
	return metrics.Cycle{
		SessionID:         c.agent.ID(),
		Number:            c.cycleNum,
		StartedAt:         c.cycleStartedAt,
		EndedAt:           now,
		Duration:          now.Sub(c.cycleStartedAt),
		IdleReason:        c.cycleReason,
		ConfirmDelay:      c.confirmDelay,
		ConfirmElapsed:    now.Sub(c.cycleSilentSince),
		Outcome:           outcome,
		Error:             errText,
		StartTokenPercent: c.cycleStartTokens,
		EndTokenPercent:   c.agent.TokenUsage().Percent(),
		VerifierErrors:    c.cycleVerifErrors,
	}
}

func (c *Controller) recordCycleLocked(outcome metrics.Outcome, errText string) {
	c.emitCycleLocked(c.cycleRecordLocked(outcome, errText))
}

func (c *Controller) emitCycleLocked(cycle metrics.Cycle) {
	if c.recorder != nil && c.cfg.RecordMetrics {
		c.recorder.Record(cycle)
	}
	severity := events.SeverityInfo
	if cycle.Outcome != metrics.OutcomeSuccess {
		severity = events.SeverityWarn
	}
	c.publish(events.EventTypeRespawnCycle, severity, map[string]any{
		"cycle":   cycle.Number,
		"outcome": string(cycle.Outcome),
		"reason":  cycle.IdleReason,
	})
}

// armLocked re-arms the single timer slot, cancelling any pending timer.
func (c *Controller) armLocked(d time.Duration, fn func()) {
	c.cancelTimerLocked()
	c.gen++
	gen := c.gen
	c.timer = c.clk.AfterFunc(d, func() {
		c.mu.Lock()
		stale := gen != c.gen || c.stopped
		c.mu.Unlock()
		if stale {
			return
		}
		fn()
	})
}

func (c *Controller) cancelTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
}

// transitionLocked records one state change with a span and a status
// event.
func (c *Controller) transitionLocked(to State, reason string) {
	from := c.state
	c.state = to

	_, span := c.tracer.Start(context.Background(), "respawn.transition")
	span.SetAttributes(
		attribute.String("session_id", c.agent.ID()),
		attribute.String("from_state", string(from)),
		attribute.String("to_state", string(to)),
		attribute.String("reason", reason),
		attribute.Int("cycle", c.cycleNum),
	)
	span.End()

	c.logf("respawn transition",
		"session", c.agent.ID(), "from", string(from), "to", string(to), "reason", reason)
	c.publish(events.EventTypeSessionStatus, events.SeverityInfo, map[string]any{
		"respawn_state": string(to),
		"reason":        reason,
	})
}

func (c *Controller) publish(eventType, severity string, payload map[string]any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{
		Type:      eventType,
		Timestamp: c.clk.Now(),
		SessionID: c.agent.ID(),
		Payload:   payload,
		Severity:  severity,
	})
}

func (c *Controller) logf(msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Info(msg, keyvals...)
}
