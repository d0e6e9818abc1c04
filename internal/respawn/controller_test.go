package respawn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Ark0N/Claudeman-sub001/internal/clock"
	"github.com/Ark0N/Claudeman-sub001/internal/config"
	"github.com/Ark0N/Claudeman-sub001/internal/events"
	"github.com/Ark0N/Claudeman-sub001/internal/idle"
	"github.com/Ark0N/Claudeman-sub001/internal/metrics"
	"github.com/Ark0N/Claudeman-sub001/internal/session"
)

type fakeAgent struct {
	mu           sync.Mutex
	id           string
	tail         string
	lastActivity time.Time
	tokens       session.TokenUsage
	inputs       []string
	sendErr      error
}

func (f *fakeAgent) ID() string { return f.id }

func (f *fakeAgent) OutputTail() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tail
}

func (f *fakeAgent) LastActivity() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastActivity
}

func (f *fakeAgent) TokenUsage() session.TokenUsage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens
}

func (f *fakeAgent) SendInput(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.inputs = append(f.inputs, text)
	return nil
}

func (f *fakeAgent) sentInputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.inputs))
	copy(out, f.inputs)
	return out
}

func (f *fakeAgent) setTail(tail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tail = tail
}

func (f *fakeAgent) touch(at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastActivity = at
}

type fakeVerifier struct {
	mu      sync.Mutex
	verdict string
	err     error
	calls   int
}

func (f *fakeVerifier) Check(_ context.Context, _, _ string, _ time.Duration) (idle.CheckResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return idle.CheckResult{}, f.err
	}
	return idle.CheckResult{Verdict: f.verdict}, nil
}

func (f *fakeVerifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() config.Respawn {
	return config.Respawn{
		IdleTimeout:       time.Second,
		CompletionConfirm: 500 * time.Millisecond,
		NoOutputTimeout:   10 * time.Second,
		AutoAcceptPlans:   true,
		AutoAcceptDelay:   2 * time.Second,
		RecordMetrics:     true,
		StuckThreshold:    3,
		ClearCommand:      "/clear",
		InitCommand:       "/init",
		UpdatePrompt:      "keep going with the current task",
	}
}

type fixture struct {
	clk      *clock.Fake
	agent    *fakeAgent
	recorder *metrics.Aggregator
	ctrl     *Controller
}

func newFixture(t *testing.T, cfg config.Respawn, options ...Option) *fixture {
	t.Helper()
	clk := clock.NewFake()
	agent := &fakeAgent{id: "sess-1", lastActivity: clk.Now()}
	recorder := metrics.NewAggregator()

	options = append([]Option{WithClock(clk), WithRecorder(recorder)}, options...)
	ctrl, err := NewController(agent, cfg, options...)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return &fixture{clk: clk, agent: agent, recorder: recorder, ctrl: ctrl}
}

func TestNewControllerValidation(t *testing.T) {
	if _, err := NewController(nil, testConfig()); err == nil {
		t.Fatal("expected error for nil agent")
	}
	cfg := testConfig()
	cfg.IdleTimeout = 0
	if _, err := NewController(&fakeAgent{id: "x"}, cfg); err == nil {
		t.Fatal("expected error for zero idle timeout")
	}
	cfg = testConfig()
	cfg.CompletionPatterns = []string{"("}
	if _, err := NewController(&fakeAgent{id: "x"}, cfg); err == nil {
		t.Fatal("expected error for invalid completion pattern")
	}
}

func TestActivityDuringConfirmingAbortsCycle(t *testing.T) {
	fx := newFixture(t, testConfig())
	fx.agent.setTail("refactor done, task complete")

	fx.clk.Advance(time.Second)
	if state := fx.ctrl.State(); state != StateConfirming {
		t.Fatalf("state = %s, want %s", state, StateConfirming)
	}

	// Output arrives inside the confirmation window.
	fx.agent.touch(fx.clk.Now())
	fx.ctrl.OnActivity()
	if state := fx.ctrl.State(); state != StateWorking {
		t.Fatalf("state = %s, want %s", state, StateWorking)
	}

	fx.clk.Advance(500 * time.Millisecond)
	if inputs := fx.agent.sentInputs(); len(inputs) != 0 {
		t.Fatalf("recovery sent after abort: %v", inputs)
	}
	if records := fx.recorder.Session("sess-1"); len(records) != 0 {
		t.Fatalf("records = %d, want none for an aborted would-be cycle", len(records))
	}
}

func TestConfirmedIdleTimingAndSingleRecord(t *testing.T) {
	fx := newFixture(t, testConfig())
	fx.agent.setTail("all checks pass, task complete")
	start := fx.clk.Now()

	// Silence through the idle timeout plus most of the confirm window.
	fx.clk.Advance(1400 * time.Millisecond)
	if inputs := fx.agent.sentInputs(); len(inputs) != 0 {
		t.Fatalf("recovery sent before confirmation window closed: %v", inputs)
	}
	if state := fx.ctrl.State(); state != StateConfirming {
		t.Fatalf("state = %s, want %s", state, StateConfirming)
	}

	fx.clk.Advance(100 * time.Millisecond)
	inputs := fx.agent.sentInputs()
	want := []string{"/clear", "/init", "keep going with the current task"}
	if len(inputs) != len(want) {
		t.Fatalf("inputs = %v, want %v", inputs, want)
	}
	for i := range want {
		if inputs[i] != want[i] {
			t.Fatalf("inputs[%d] = %q, want %q", i, inputs[i], want[i])
		}
	}

	records := fx.recorder.Session("sess-1")
	if len(records) != 1 {
		t.Fatalf("records = %d, want exactly 1", len(records))
	}
	record := records[0]
	if record.Outcome != metrics.OutcomeSuccess {
		t.Fatalf("outcome = %s, want success", record.Outcome)
	}
	if record.Number != 1 {
		t.Fatalf("cycle number = %d, want 1", record.Number)
	}
	// Confirmed idle no earlier than idle timeout + confirm delay.
	if elapsed := record.ConfirmElapsed; elapsed < 1500*time.Millisecond {
		t.Fatalf("confirmed after %v, want >= 1.5s", elapsed)
	}
	if record.EndedAt.Sub(start) < 1500*time.Millisecond {
		t.Fatalf("confirmed at +%v, want >= 1.5s", record.EndedAt.Sub(start))
	}
	if record.RecoverySteps[0] != "clear" || record.RecoverySteps[1] != "init" || record.RecoverySteps[2] != "update_prompt" {
		t.Fatalf("steps = %v", record.RecoverySteps)
	}
}

func TestNoOutputFallback(t *testing.T) {
	cfg := testConfig()
	cfg.NoOutputTimeout = 2 * time.Second
	fx := newFixture(t, cfg)
	fx.agent.setTail("grinding through a long build")

	fx.clk.Advance(time.Second)
	if state := fx.ctrl.State(); state != StateWatching {
		t.Fatalf("state = %s, want %s", state, StateWatching)
	}

	fx.clk.Advance(2 * time.Second)
	records := fx.recorder.Session("sess-1")
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].IdleReason != "no_output" {
		t.Fatalf("reason = %q, want no_output", records[0].IdleReason)
	}
	if records[0].Outcome != metrics.OutcomeSuccess {
		t.Fatalf("outcome = %s, want success", records[0].Outcome)
	}
}

func TestPlanAutoAccept(t *testing.T) {
	fx := newFixture(t, testConfig())
	fx.agent.setTail("Here is my plan. Would you like to proceed?")

	fx.clk.Advance(time.Second)
	if state := fx.ctrl.State(); state != StatePlanPending {
		t.Fatalf("state = %s, want %s", state, StatePlanPending)
	}

	fx.clk.Advance(2 * time.Second)
	inputs := fx.agent.sentInputs()
	if len(inputs) != 1 || inputs[0] != planAcceptKeystroke {
		t.Fatalf("inputs = %v, want single accept keystroke", inputs)
	}
	if state := fx.ctrl.State(); state != StateWorking {
		t.Fatalf("state = %s, want %s", state, StateWorking)
	}
	if records := fx.recorder.Session("sess-1"); len(records) != 0 {
		t.Fatalf("records = %d, want none for a plan acceptance", len(records))
	}
}

func TestPlanAcceptCancelledByActivity(t *testing.T) {
	fx := newFixture(t, testConfig())
	fx.agent.setTail("Would you like to proceed?")

	fx.clk.Advance(time.Second)
	fx.agent.touch(fx.clk.Now())
	fx.ctrl.OnActivity()

	fx.clk.Advance(2 * time.Second)
	if inputs := fx.agent.sentInputs(); len(inputs) != 0 {
		t.Fatalf("inputs = %v, want none after cancel", inputs)
	}
}

func TestVerifierWorkingAbortsAndArmsCooldown(t *testing.T) {
	cfg := testConfig()
	cfg.AIIdleCheck = config.AICheck{
		Enabled:      true,
		Model:        "haiku",
		ContextChars: 4000,
		Timeout:      30 * time.Second,
		Cooldown:     10 * time.Minute,
	}
	verifier := &fakeVerifier{verdict: idle.CheckVerdictWorking}
	fx := newFixture(t, cfg, WithVerifier(verifier))
	fx.agent.setTail("task complete")

	fx.clk.Advance(1500 * time.Millisecond)
	if got := verifier.callCount(); got != 1 {
		t.Fatalf("verifier calls = %d, want 1", got)
	}
	if inputs := fx.agent.sentInputs(); len(inputs) != 0 {
		t.Fatalf("recovery sent despite WORKING verdict: %v", inputs)
	}
	if state := fx.ctrl.State(); state != StateWorking {
		t.Fatalf("state = %s, want %s", state, StateWorking)
	}

	// The next cycle falls inside the cooldown: heuristic-only, so the
	// verifier is not consulted and recovery proceeds.
	fx.clk.Advance(1500 * time.Millisecond)
	if got := verifier.callCount(); got != 1 {
		t.Fatalf("verifier calls = %d, want still 1 during cooldown", got)
	}
	if inputs := fx.agent.sentInputs(); len(inputs) == 0 {
		t.Fatal("expected heuristic recovery during cooldown")
	}
}

func TestVerifierUnavailableFallsBackToHeuristic(t *testing.T) {
	cfg := testConfig()
	cfg.AIIdleCheck = config.AICheck{Enabled: true, Timeout: time.Second, Cooldown: time.Minute}
	verifier := &fakeVerifier{err: errors.New("transport: connection refused")}
	fx := newFixture(t, cfg, WithVerifier(verifier))
	fx.agent.setTail("task complete")

	fx.clk.Advance(1500 * time.Millisecond)
	if inputs := fx.agent.sentInputs(); len(inputs) == 0 {
		t.Fatal("expected heuristic recovery when verifier is unavailable")
	}
	records := fx.recorder.Session("sess-1")
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].VerifierErrors != 1 {
		t.Fatalf("VerifierErrors = %d, want 1", records[0].VerifierErrors)
	}
}

func TestSkipClearWhenLowContext(t *testing.T) {
	cfg := testConfig()
	cfg.SkipClearWhenLowContext = true
	cfg.ContextThresholdPercent = 25
	fx := newFixture(t, cfg)
	fx.agent.mu.Lock()
	fx.agent.tokens = session.TokenUsage{Used: 10_000, Limit: 200_000}
	fx.agent.mu.Unlock()
	fx.agent.setTail("task complete")

	fx.clk.Advance(1500 * time.Millisecond)
	inputs := fx.agent.sentInputs()
	if len(inputs) != 2 || inputs[0] != "/init" {
		t.Fatalf("inputs = %v, want clear skipped", inputs)
	}
	records := fx.recorder.Session("sess-1")
	if len(records) != 1 || !records[0].ClearSkipped {
		t.Fatalf("records = %+v, want ClearSkipped", records)
	}
}

func TestCustomCompletionPhraseStartsCycle(t *testing.T) {
	fx := newFixture(t, testConfig())
	fx.ctrl.SetCompletionPhrase("MISSION DONE")
	fx.agent.setTail("wrapping up... mission done")

	fx.clk.Advance(1500 * time.Millisecond)
	records := fx.recorder.Session("sess-1")
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].IdleReason != "custom_phrase" {
		t.Fatalf("reason = %q, want custom_phrase", records[0].IdleReason)
	}
}

func TestAdaptiveConfirmDelayClamped(t *testing.T) {
	cfg := testConfig()
	cfg.AdaptiveTiming = true
	cfg.AdaptiveMinConfirm = 2 * time.Second
	cfg.AdaptiveMaxConfirm = 4 * time.Second
	fx := newFixture(t, cfg)
	fx.agent.setTail("task complete")

	// First cycle: no history, base delay clamped up to the minimum.
	if delay := fx.ctrl.ConfirmDelay(); delay != 2*time.Second {
		t.Fatalf("initial ConfirmDelay = %v, want 2s", delay)
	}

	// Complete one cycle; realized detection duration is pushed into the
	// rolling window (1s idle + 2s confirm = 3s, halved to 1.5s, clamped).
	fx.clk.Advance(3 * time.Second)
	if records := fx.recorder.Session("sess-1"); len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	delay := fx.ctrl.ConfirmDelay()
	if delay < cfg.AdaptiveMinConfirm || delay > cfg.AdaptiveMaxConfirm {
		t.Fatalf("ConfirmDelay = %v, want within [%v, %v]", delay, cfg.AdaptiveMinConfirm, cfg.AdaptiveMaxConfirm)
	}
}

func TestCircuitBreakerBlocksAfterThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.StuckThreshold = 2
	fx := newFixture(t, cfg)
	fx.agent.setTail("task complete")

	// Cycle 1 confirms at t=1.5s and issues recovery.
	fx.clk.Advance(1500 * time.Millisecond)
	firstRecovery := len(fx.agent.sentInputs())
	if firstRecovery == 0 {
		t.Fatal("expected initial recovery sequence")
	}

	// No activity within 3x the idle timeout: first stuck re-attempt.
	fx.clk.Advance(3 * time.Second)
	if got := fx.ctrl.ConsecutiveStuck(); got != 1 {
		t.Fatalf("ConsecutiveStuck = %d, want 1", got)
	}
	secondRecovery := len(fx.agent.sentInputs())
	if secondRecovery <= firstRecovery {
		t.Fatal("expected a stuck-recovery re-attempt")
	}

	// Still no activity: the breaker trips and suppresses further recovery.
	fx.clk.Advance(3 * time.Second)
	if !fx.ctrl.Blocked() {
		t.Fatal("expected controller to be blocked")
	}
	if got := len(fx.agent.sentInputs()); got != secondRecovery {
		t.Fatalf("inputs grew to %d after blocking, want %d", got, secondRecovery)
	}

	fx.clk.Advance(time.Minute)
	if got := len(fx.agent.sentInputs()); got != secondRecovery {
		t.Fatalf("blocked session received more input: %d", got)
	}

	outcomes := []metrics.Outcome{}
	for _, record := range fx.recorder.Session("sess-1") {
		outcomes = append(outcomes, record.Outcome)
	}
	want := []metrics.Outcome{metrics.OutcomeSuccess, metrics.OutcomeStuckRecovery, metrics.OutcomeBlocked}
	if len(outcomes) != len(want) {
		t.Fatalf("outcomes = %v, want %v", outcomes, want)
	}
	for i := range want {
		if outcomes[i] != want[i] {
			t.Fatalf("outcomes[%d] = %s, want %s", i, outcomes[i], want[i])
		}
	}
}

func TestActivityAfterRecoveryResetsStuckStreak(t *testing.T) {
	cfg := testConfig()
	cfg.StuckThreshold = 2
	fx := newFixture(t, cfg)
	fx.agent.setTail("task complete")

	fx.clk.Advance(1500 * time.Millisecond)
	fx.clk.Advance(3 * time.Second)
	if got := fx.ctrl.ConsecutiveStuck(); got != 1 {
		t.Fatalf("ConsecutiveStuck = %d, want 1", got)
	}

	// The second recovery attempt works: output resumes.
	fx.agent.touch(fx.clk.Now())
	fx.ctrl.OnActivity()
	if got := fx.ctrl.ConsecutiveStuck(); got != 0 {
		t.Fatalf("ConsecutiveStuck = %d, want 0 after activity", got)
	}
	if fx.ctrl.Blocked() {
		t.Fatal("controller must not be blocked after productive recovery")
	}
}

func TestKickstartSentOnceBeforeStuckBound(t *testing.T) {
	cfg := testConfig()
	cfg.NoOutputTimeout = 2 * time.Second
	cfg.KickstartPrompt = "pick up the next backlog item"
	fx := newFixture(t, cfg)
	fx.agent.setTail("long silence ahead")

	// No-output fallback confirms at 1s + 2s.
	fx.clk.Advance(3 * time.Second)
	baseline := len(fx.agent.sentInputs())

	// Kickstart fires at +2s after recovery, before the 3s stuck bound.
	fx.clk.Advance(2 * time.Second)
	inputs := fx.agent.sentInputs()
	if len(inputs) != baseline+1 || inputs[len(inputs)-1] != cfg.KickstartPrompt {
		t.Fatalf("inputs = %v, want one kickstart prompt", inputs)
	}
}

func TestStopMidCycleEmitsCancelled(t *testing.T) {
	fx := newFixture(t, testConfig())
	fx.agent.setTail("task complete")

	fx.clk.Advance(time.Second)
	if state := fx.ctrl.State(); state != StateConfirming {
		t.Fatalf("state = %s, want %s", state, StateConfirming)
	}

	fx.ctrl.Stop()
	fx.ctrl.Stop() // idempotent

	records := fx.recorder.Session("sess-1")
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].Outcome != metrics.OutcomeCancelled {
		t.Fatalf("outcome = %s, want cancelled", records[0].Outcome)
	}

	fx.clk.Advance(time.Minute)
	if inputs := fx.agent.sentInputs(); len(inputs) != 0 {
		t.Fatalf("inputs after stop = %v", inputs)
	}
}

func TestStopOutsideCycleEmitsNothing(t *testing.T) {
	fx := newFixture(t, testConfig())
	fx.ctrl.Stop()
	if records := fx.recorder.Session("sess-1"); len(records) != 0 {
		t.Fatalf("records = %d, want 0", len(records))
	}
}

func TestTeamPresenceDefersCycle(t *testing.T) {
	team := &stubTeam{active: true}
	fx := newFixture(t, testConfig(), WithTeamPresence(team))
	fx.agent.setTail("task complete")

	fx.clk.Advance(1500 * time.Millisecond)
	if records := fx.recorder.Session("sess-1"); len(records) != 0 {
		t.Fatalf("records = %d, want none while teammates are active", len(records))
	}
	if state := fx.ctrl.State(); state != StateWorking {
		t.Fatalf("state = %s, want %s", state, StateWorking)
	}

	team.setActive(false)
	fx.clk.Advance(2 * time.Second)
	if records := fx.recorder.Session("sess-1"); len(records) != 1 {
		t.Fatalf("records = %d, want 1 once the team drained", len(records))
	}
}

func TestBlockedEventPublished(t *testing.T) {
	cfg := testConfig()
	cfg.StuckThreshold = 1
	bus := events.New()
	blocked := make(chan events.Event, 1)
	bus.Subscribe(events.EventTypeSessionBlocked, func(event events.Event) {
		select {
		case blocked <- event:
		default:
		}
	})

	fx := newFixture(t, cfg, WithBus(bus))
	fx.agent.setTail("task complete")

	fx.clk.Advance(1500 * time.Millisecond)
	fx.clk.Advance(3 * time.Second)
	if !fx.ctrl.Blocked() {
		t.Fatal("expected blocked controller")
	}

	select {
	case event := <-blocked:
		if event.SessionID != "sess-1" {
			t.Fatalf("SessionID = %q", event.SessionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for blocked event")
	}
}

type countingBus struct {
	events.Bus
	unsubscribed int32
}

func (b *countingBus) Subscribe(eventType string, handler events.Handler) events.Subscription {
	inner := b.Bus.Subscribe(eventType, handler)
	return &countingSubscription{Subscription: inner, bus: b}
}

type countingSubscription struct {
	events.Subscription
	bus *countingBus
}

func (s *countingSubscription) Unsubscribe() {
	atomic.AddInt32(&s.bus.unsubscribed, 1)
	s.Subscription.Unsubscribe()
}

func TestStopReleasesBusSubscription(t *testing.T) {
	bus := &countingBus{Bus: events.New()}
	fx := newFixture(t, testConfig(), WithBus(bus))

	fx.ctrl.Stop()
	if got := atomic.LoadInt32(&bus.unsubscribed); got != 1 {
		t.Fatalf("unsubscribed = %d, want 1", got)
	}

	fx.ctrl.Stop()
	if got := atomic.LoadInt32(&bus.unsubscribed); got != 1 {
		t.Fatalf("unsubscribed after second stop = %d, want 1", got)
	}
}

type stubTeam struct {
	mu     sync.Mutex
	active bool
}

func (s *stubTeam) HasActiveTeammates(string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *stubTeam) setActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = active
}
