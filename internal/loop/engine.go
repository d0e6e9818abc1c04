// Package loop drives the top-level assignment-and-recovery loop: a
// fixed-period tick that reconciles exited workers, hands schedulable
// tasks to idle sessions, and keeps time-bounded runs busy with
// synthesized follow-up work. Engine is also the facade the CLI and API
// surfaces talk to.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Ark0N/Claudeman-sub001/internal/clock"
	"github.com/Ark0N/Claudeman-sub001/internal/config"
	"github.com/Ark0N/Claudeman-sub001/internal/events"
	"github.com/Ark0N/Claudeman-sub001/internal/idle"
	"github.com/Ark0N/Claudeman-sub001/internal/metrics"
	"github.com/Ark0N/Claudeman-sub001/internal/respawn"
	"github.com/Ark0N/Claudeman-sub001/internal/session"
	"github.com/Ark0N/Claudeman-sub001/internal/task"
)

// DefaultTickInterval is used when the config leaves the loop period
// unset.
const DefaultTickInterval = 5 * time.Second

// followUpPriority keeps synthesized work below any operator-added task.
const followUpPriority = -1

// followUps are the generic tasks synthesized when a time-bounded run
// drains its backlog.
var followUps = []string{
	"Review the most recent changes for correctness and simplify where possible.",
	"Improve test coverage for recently touched code paths.",
	"Update documentation to reflect the current behavior.",
	"Run the linters and fix every new warning.",
}

// coder is the interface an error implements to carry a stable
// machine-readable code.
type coder interface {
	Code() string
}

// ErrorCode maps an error to its stable code for API surfaces. Unknown
// errors collapse to "internal".
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var coded coder
	if errors.As(err, &coded) {
		return coded.Code()
	}
	if errors.Is(err, idle.ErrVerifierUnavailable) {
		return "verifier_unavailable"
	}
	return "internal"
}

// Option configures Engine construction.
type Option func(*Engine)

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) {
		if clk != nil {
			e.clk = clk
		}
	}
}

// WithLogger configures structured logging.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithVerifier wires the AI idle check into per-session respawn
// controllers.
func WithVerifier(verifier idle.Verifier) Option {
	return func(e *Engine) {
		e.verifier = verifier
	}
}

// WithPlanVerifier wires the AI plan-mode check into per-session respawn
// controllers.
func WithPlanVerifier(verifier idle.PlanVerifier) Option {
	return func(e *Engine) {
		e.planVerifier = verifier
	}
}

// WithTeamPresence wires teammate-based idle suppression into per-session
// respawn controllers.
func WithTeamPresence(team idle.TeamPresence) Option {
	return func(e *Engine) {
		e.team = team
	}
}

// Engine composes the session registry, task backlog, respawn controllers
// and metrics into one scheduling loop.
type Engine struct {
	registry *session.Registry
	tasks    *task.Store
	bus      events.Bus
	recorder *metrics.Aggregator
	cfg      config.Config
	clk      clock.Clock
	logger   *log.Logger

	verifier     idle.Verifier
	planVerifier idle.PlanVerifier
	team         idle.TeamPresence
	evaluator    *idle.Evaluator

	mu           sync.Mutex
	controllers  map[string]*respawn.Controller
	startedAt    time.Time
	tickTimer    clock.Timer
	subscription events.Subscription
}

// NewEngine builds the engine facade over its collaborators.
func NewEngine(registry *session.Registry, tasks *task.Store, bus events.Bus, recorder *metrics.Aggregator, cfg config.Config, options ...Option) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if tasks == nil {
		return nil, errors.New("task store is required")
	}
	if bus == nil {
		return nil, errors.New("bus is required")
	}
	if recorder == nil {
		return nil, errors.New("metrics recorder is required")
	}

	engine := &Engine{
		registry:    registry,
		tasks:       tasks,
		bus:         bus,
		recorder:    recorder,
		cfg:         cfg,
		clk:         clock.NewSystem(),
		controllers: make(map[string]*respawn.Controller),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(engine)
	}

	evaluatorOptions := []idle.Option{}
	if len(cfg.Respawn.CompletionPatterns) > 0 {
		matchers, err := idle.CompileMatchers(cfg.Respawn.CompletionPatterns)
		if err != nil {
			return nil, fmt.Errorf("compile completion patterns: %w", err)
		}
		evaluatorOptions = append(evaluatorOptions, idle.WithCompletionMatchers(matchers))
	}
	evaluator, err := idle.NewEvaluator(idle.Config{
		IdleTimeout:     durationOr(cfg.Respawn.IdleTimeout, 2*time.Minute),
		NoOutputTimeout: durationOr(cfg.Respawn.NoOutputTimeout, 5*time.Minute),
	}, evaluatorOptions...)
	if err != nil {
		return nil, fmt.Errorf("build completion evaluator: %w", err)
	}
	engine.evaluator = evaluator

	return engine, nil
}

// Run restores persisted state, then ticks until the context is
// cancelled. Shutdown stops every respawn controller and session.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.registry.ReconcileStartup(ctx); err != nil {
		return fmt.Errorf("reconcile sessions: %w", err)
	}
	if err := e.tasks.Restore(ctx); err != nil {
		return fmt.Errorf("restore tasks: %w", err)
	}

	e.mu.Lock()
	e.startedAt = e.clk.Now()
	if e.subscription == nil {
		e.subscription = e.bus.Subscribe(events.EventTypeSessionOutput, func(event events.Event) {
			e.checkCompletion(event.SessionID)
		})
	}
	e.mu.Unlock()

	interval := durationOr(e.cfg.LoopInterval, DefaultTickInterval)
	ticks := make(chan struct{}, 1)
	arm := func() {
		e.mu.Lock()
		e.tickTimer = e.clk.AfterFunc(interval, func() {
			select {
			case ticks <- struct{}{}:
			default:
			}
		})
		e.mu.Unlock()
	}
	arm()

	for {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			if e.tickTimer != nil {
				e.tickTimer.Stop()
				e.tickTimer = nil
			}
			e.mu.Unlock()
			e.Shutdown()
			return ctx.Err()
		case <-ticks:
			e.tick()
			arm()
		}
	}
}

// Shutdown stops every respawn controller and every live session.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	controllers := make([]*respawn.Controller, 0, len(e.controllers))
	for id, controller := range e.controllers {
		controllers = append(controllers, controller)
		delete(e.controllers, id)
	}
	if e.subscription != nil {
		e.subscription.Unsubscribe()
		e.subscription = nil
	}
	e.mu.Unlock()

	for _, controller := range controllers {
		controller.Stop()
	}
	for _, worker := range e.registry.List() {
		e.registry.Stop(worker.ID())
	}
}

// tick runs one scheduling pass: reconcile, detect completions, assign,
// and synthesize follow-up work.
func (e *Engine) tick() {
	e.reconcile()
	for _, worker := range e.registry.ListBusy() {
		e.checkCompletion(worker.ID())
	}
	e.assign()
	e.synthesizeFollowUps()
}

// reconcile fails tasks whose worker is gone or no longer carries the
// assignment.
func (e *Engine) reconcile() {
	for _, running := range e.tasks.List(task.StatusRunning) {
		worker, ok := e.registry.Get(running.WorkerID)
		if ok && worker.Status() == session.StatusBusy && worker.TaskID() == running.ID {
			continue
		}
		if err := e.tasks.MarkFailed(running.ID, errors.New("assigned session exited")); err != nil {
			e.logf("reconcile task failed", "task", running.ID, "error", err)
			continue
		}
		e.publishTask(running.ID, "failed", events.SeverityWarn)
		e.logf("task failed after session exit", "task", running.ID, "session", running.WorkerID)
	}
}

// checkCompletion marks a busy worker's task completed when its output
// carries the task's completion phrase or a completion indicator.
func (e *Engine) checkCompletion(sessionID string) {
	worker, ok := e.registry.Get(sessionID)
	if !ok || worker.Status() != session.StatusBusy {
		return
	}
	taskID := worker.TaskID()
	if taskID == "" {
		return
	}
	assigned, ok := e.tasks.Get(taskID)
	if !ok || assigned.Status != task.StatusRunning {
		return
	}

	// Only output produced after the assignment counts; the retained tail
	// still holds text from whatever ran on this worker before.
	match := e.evaluator.MatchCompletion(worker.TaskOutput(), assigned.CompletionPhrase)
	if match == "" {
		return
	}
	if err := e.tasks.MarkCompleted(taskID); err != nil {
		e.logf("mark task completed", "task", taskID, "error", err)
		return
	}
	worker.ClearTask()
	e.setControllerPhrase(sessionID, "")
	e.publishTask(taskID, "completed", events.SeverityInfo)
	e.logf("task completed", "task", taskID, "session", sessionID, "match", match)
}

// assign hands the next schedulable task to each idle worker that has no
// respawn cycle in flight.
func (e *Engine) assign() {
	for _, worker := range e.registry.ListIdle() {
		if !e.respawnQuiet(worker.ID()) {
			continue
		}
		next, ok := e.tasks.NextSchedulable()
		if !ok {
			return
		}
		if err := worker.AssignTask(next.ID); err != nil {
			e.logf("assign task", "task", next.ID, "session", worker.ID(), "error", err)
			continue
		}
		if err := e.tasks.MarkRunning(next.ID, worker.ID()); err != nil {
			worker.ClearTask()
			e.logf("mark task running", "task", next.ID, "error", err)
			continue
		}
		if err := worker.SendInput(next.Prompt); err != nil {
			worker.ClearTask()
			if markErr := e.tasks.MarkFailed(next.ID, err); markErr != nil {
				e.logf("mark task failed", "task", next.ID, "error", markErr)
			}
			e.publishTask(next.ID, "failed", events.SeverityWarn)
			e.logf("send task prompt", "task", next.ID, "session", worker.ID(), "error", err)
			continue
		}
		e.setControllerPhrase(worker.ID(), next.CompletionPhrase)
		e.publishTask(next.ID, "assigned", events.SeverityInfo)
		e.logf("task assigned", "task", next.ID, "session", worker.ID(), "priority", next.Priority)
	}
}

// synthesizeFollowUps keeps a time-bounded run busy once the backlog
// drains.
func (e *Engine) synthesizeFollowUps() {
	if e.cfg.MinDuration <= 0 {
		return
	}
	e.mu.Lock()
	deadline := e.startedAt.Add(e.cfg.MinDuration)
	started := !e.startedAt.IsZero()
	e.mu.Unlock()
	if !started || !e.clk.Now().Before(deadline) {
		return
	}
	if len(e.tasks.List(task.StatusPending)) > 0 {
		return
	}

	for _, prompt := range followUps {
		added, err := e.tasks.Add(task.Spec{Prompt: prompt, Priority: followUpPriority})
		if err != nil {
			e.logf("synthesize follow-up", "error", err)
			continue
		}
		e.publishTask(added.ID, "synthesized", events.SeverityInfo)
	}
	e.logf("follow-up tasks synthesized", "count", len(followUps))
}

// CreateSession spawns a new supervised session.
func (e *Engine) CreateSession(workingDir string) (*session.Worker, error) {
	return e.registry.Create(workingDir)
}

// StopSession disables respawn for the session and stops it. Unknown ids
// are silently ignored; stopping twice is safe.
func (e *Engine) StopSession(id string) {
	e.DisableRespawn(id)
	e.registry.Stop(id)
}

// Session returns one live session by id.
func (e *Engine) Session(id string) (*session.Worker, bool) {
	return e.registry.Get(id)
}

// Sessions lists all tracked sessions.
func (e *Engine) Sessions() []*session.Worker {
	return e.registry.List()
}

// SendInput writes raw input to a session, bypassing the scheduler.
func (e *Engine) SendInput(sessionID, text string) error {
	worker, ok := e.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return worker.SendInput(text)
}

// AddTask appends a task to the backlog.
func (e *Engine) AddTask(spec task.Spec) (task.Task, error) {
	added, err := e.tasks.Add(spec)
	if err != nil {
		return task.Task{}, err
	}
	e.publishTask(added.ID, "added", events.SeverityInfo)
	return added, nil
}

// RemoveTask deletes a task by id.
func (e *Engine) RemoveTask(id string) bool {
	return e.tasks.Remove(id)
}

// Tasks lists tasks, optionally filtered by status.
func (e *Engine) Tasks(statuses ...task.Status) []task.Task {
	return e.tasks.List(statuses...)
}

// ClearTasks removes finished tasks; with failed set, failed ones too.
func (e *Engine) ClearTasks(failed bool) int {
	cleared := e.tasks.ClearCompleted()
	if failed {
		cleared += e.tasks.ClearFailed()
	}
	return cleared
}

// StalledBacklog lists pending tasks that can never become schedulable.
func (e *Engine) StalledBacklog() []task.Task {
	return e.tasks.StalledBacklog()
}

// ExplainTask reports why a pending task cannot be scheduled. It returns a
// coded error for unsatisfiable dependency chains and nil otherwise.
func (e *Engine) ExplainTask(id string) error {
	return e.tasks.Explain(id)
}

// EnableRespawn attaches a respawn controller to a session, replacing any
// existing one. Re-enabling a blocked session resets its circuit breaker.
func (e *Engine) EnableRespawn(sessionID string, cfg config.Respawn) error {
	worker, ok := e.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}

	options := []respawn.Option{
		respawn.WithClock(e.clk),
		respawn.WithBus(e.bus),
		respawn.WithRecorder(e.recorder),
	}
	if e.logger != nil {
		options = append(options, respawn.WithLogger(e.logger))
	}
	if e.verifier != nil {
		options = append(options, respawn.WithVerifier(e.verifier))
	}
	if e.planVerifier != nil {
		options = append(options, respawn.WithPlanVerifier(e.planVerifier))
	}
	if e.team != nil {
		options = append(options, respawn.WithTeamPresence(e.team))
	}

	controller, err := respawn.NewController(worker, cfg, options...)
	if err != nil {
		return fmt.Errorf("build respawn controller: %w", err)
	}

	e.mu.Lock()
	previous := e.controllers[sessionID]
	e.controllers[sessionID] = controller
	e.mu.Unlock()
	if previous != nil {
		previous.Stop()
	}

	if err := controller.Start(); err != nil {
		e.mu.Lock()
		delete(e.controllers, sessionID)
		e.mu.Unlock()
		return fmt.Errorf("start respawn controller: %w", err)
	}
	if assigned, ok := e.tasks.Get(worker.TaskID()); ok {
		controller.SetCompletionPhrase(assigned.CompletionPhrase)
	}
	e.logf("respawn enabled", "session", sessionID)
	return nil
}

// DisableRespawn detaches and stops the session's respawn controller.
func (e *Engine) DisableRespawn(sessionID string) {
	e.mu.Lock()
	controller := e.controllers[sessionID]
	delete(e.controllers, sessionID)
	e.mu.Unlock()
	if controller != nil {
		controller.Stop()
	}
}

// RespawnState reports the controller state for a session, if respawn is
// enabled.
func (e *Engine) RespawnState(sessionID string) (respawn.State, bool) {
	e.mu.Lock()
	controller := e.controllers[sessionID]
	e.mu.Unlock()
	if controller == nil {
		return "", false
	}
	return controller.State(), true
}

// Metrics returns the retained cycle records for one session.
func (e *Engine) Metrics(sessionID string) []metrics.Cycle {
	return e.recorder.Session(sessionID)
}

// Stats returns aggregate cycle statistics for one session.
func (e *Engine) Stats(sessionID string) metrics.Stats {
	return e.recorder.Stats(sessionID)
}

// Health returns the composite 0-100 health score for one session.
func (e *Engine) Health(sessionID string) int {
	return e.recorder.Health(sessionID)
}

// respawnQuiet reports whether a session has no respawn cycle in flight
// and is not blocked.
func (e *Engine) respawnQuiet(sessionID string) bool {
	e.mu.Lock()
	controller := e.controllers[sessionID]
	e.mu.Unlock()
	if controller == nil {
		return true
	}
	if controller.Blocked() {
		return false
	}
	return controller.State() == respawn.StateWorking
}

func (e *Engine) setControllerPhrase(sessionID, phrase string) {
	e.mu.Lock()
	controller := e.controllers[sessionID]
	e.mu.Unlock()
	if controller != nil {
		controller.SetCompletionPhrase(phrase)
	}
}

func (e *Engine) publishTask(taskID, action, severity string) {
	e.bus.Publish(events.Event{
		Type:      events.EventTypeTaskUpdate,
		Timestamp: e.clk.Now(),
		TaskID:    taskID,
		Payload:   map[string]any{"action": action},
		Severity:  severity,
	})
}

func (e *Engine) logf(msg string, keyvals ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Info(msg, keyvals...)
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
