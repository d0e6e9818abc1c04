package loop

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Ark0N/Claudeman-sub001/internal/clock"
	"github.com/Ark0N/Claudeman-sub001/internal/config"
	"github.com/Ark0N/Claudeman-sub001/internal/events"
	"github.com/Ark0N/Claudeman-sub001/internal/idle"
	"github.com/Ark0N/Claudeman-sub001/internal/metrics"
	"github.com/Ark0N/Claudeman-sub001/internal/proc"
	"github.com/Ark0N/Claudeman-sub001/internal/respawn"
	"github.com/Ark0N/Claudeman-sub001/internal/session"
	"github.com/Ark0N/Claudeman-sub001/internal/store"
	"github.com/Ark0N/Claudeman-sub001/internal/task"
)

type engineFixture struct {
	engine   *Engine
	registry *session.Registry
	tasks    *task.Store
	host     *proc.FakeHost
	clk      *clock.Fake
	recorder *metrics.Aggregator
}

func newEngineFixture(t *testing.T, cfg config.Config) *engineFixture {
	t.Helper()

	clk := clock.NewFake()
	host := proc.NewFakeHost()
	bus := events.New()
	registry, err := session.NewRegistry(host, store.NewMemoryStore(), bus, clk, nil, session.Config{
		AgentBinary: "claude",
		MaxSessions: 4,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	tasks := task.NewStore()
	recorder := metrics.NewAggregator()

	engine, err := NewEngine(registry, tasks, bus, recorder, cfg, WithClock(clk))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return &engineFixture{
		engine:   engine,
		registry: registry,
		tasks:    tasks,
		host:     host,
		clk:      clk,
		recorder: recorder,
	}
}

func (fx *engineFixture) createSession(t *testing.T) (*session.Worker, *proc.FakeProcess) {
	t.Helper()
	worker, err := fx.engine.CreateSession(t.TempDir())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	spawned := fx.host.Spawned()
	return worker, spawned[len(spawned)-1]
}

func waitForWorkerStatus(t *testing.T, worker *session.Worker, want session.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if worker.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status = %q, want %q", worker.Status(), want)
}

func waitForTail(t *testing.T, worker *session.Worker, substr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(worker.OutputTail(), substr) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("output tail %q never contained %q", worker.OutputTail(), substr)
}

func TestTickAssignsTaskToIdleWorker(t *testing.T) {
	fx := newEngineFixture(t, config.Defaults())
	worker, process := fx.createSession(t)

	added, err := fx.engine.AddTask(task.Spec{Prompt: "fix the flaky integration test", Priority: 5})
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	fx.engine.tick()

	got, _ := fx.tasks.Get(added.ID)
	if got.Status != task.StatusRunning {
		t.Fatalf("task status = %s, want running", got.Status)
	}
	if got.WorkerID != worker.ID() {
		t.Fatalf("task worker = %q, want %q", got.WorkerID, worker.ID())
	}
	if worker.Status() != session.StatusBusy || worker.TaskID() != added.ID {
		t.Fatalf("worker = %s/%s, want busy with task", worker.Status(), worker.TaskID())
	}
	if !strings.Contains(process.StdinText(), "fix the flaky integration test") {
		t.Fatalf("stdin = %q, want task prompt", process.StdinText())
	}
}

func TestTickAssignsByPriorityAcrossWorkers(t *testing.T) {
	fx := newEngineFixture(t, config.Defaults())
	fx.createSession(t)

	low, _ := fx.engine.AddTask(task.Spec{Prompt: "low", Priority: 1})
	high, _ := fx.engine.AddTask(task.Spec{Prompt: "high", Priority: 9})

	fx.engine.tick()

	gotHigh, _ := fx.tasks.Get(high.ID)
	gotLow, _ := fx.tasks.Get(low.ID)
	if gotHigh.Status != task.StatusRunning {
		t.Fatalf("high-priority task = %s, want running", gotHigh.Status)
	}
	if gotLow.Status != task.StatusPending {
		t.Fatalf("low-priority task = %s, want still pending", gotLow.Status)
	}
}

func TestTickFailsTaskOfExitedWorker(t *testing.T) {
	fx := newEngineFixture(t, config.Defaults())
	worker, process := fx.createSession(t)

	added, _ := fx.engine.AddTask(task.Spec{Prompt: "doomed"})
	fx.engine.tick()

	code := 1
	process.Exit(&code)
	waitForWorkerStatus(t, worker, session.StatusError)

	fx.engine.tick()

	got, _ := fx.tasks.Get(added.ID)
	if got.Status != task.StatusFailed {
		t.Fatalf("task status = %s, want failed", got.Status)
	}
	if got.Error == "" {
		t.Fatal("expected failure reason on task")
	}
}

func TestCompletionPhraseCompletesTask(t *testing.T) {
	fx := newEngineFixture(t, config.Defaults())
	worker, process := fx.createSession(t)

	added, _ := fx.engine.AddTask(task.Spec{
		Prompt:           "ship the release notes",
		CompletionPhrase: "RELEASE NOTES SHIPPED",
	})
	fx.engine.tick()
	if worker.TaskID() != added.ID {
		t.Fatalf("task not assigned")
	}

	process.EmitStdout("drafting...\nRELEASE NOTES SHIPPED\n")
	waitForTail(t, worker, "RELEASE NOTES SHIPPED")

	fx.engine.tick()

	got, _ := fx.tasks.Get(added.ID)
	if got.Status != task.StatusCompleted {
		t.Fatalf("task status = %s, want completed", got.Status)
	}
	if worker.TaskID() != "" || worker.Status() != session.StatusIdle {
		t.Fatalf("worker = %s/%q, want idle and unassigned", worker.Status(), worker.TaskID())
	}

	// The freed worker picks up new work on the next tick.
	next, _ := fx.engine.AddTask(task.Spec{Prompt: "next item"})
	fx.engine.tick()
	if got, _ := fx.tasks.Get(next.ID); got.Status != task.StatusRunning {
		t.Fatalf("next task = %s, want running", got.Status)
	}
}

func TestCompletionIgnoresOutputFromEarlierTask(t *testing.T) {
	fx := newEngineFixture(t, config.Defaults())
	worker, process := fx.createSession(t)

	first, _ := fx.engine.AddTask(task.Spec{Prompt: "first item"})
	fx.engine.tick()
	if worker.TaskID() != first.ID {
		t.Fatalf("first task not assigned")
	}

	process.EmitStdout("wrapping up\nall tests pass, task complete\n")
	waitForTail(t, worker, "task complete")
	fx.engine.tick()
	if got, _ := fx.tasks.Get(first.ID); got.Status != task.StatusCompleted {
		t.Fatalf("first task = %s, want completed", got.Status)
	}

	// The retained tail still holds the first task's completion text. The
	// second task must not complete until the agent produces new output.
	second, _ := fx.engine.AddTask(task.Spec{Prompt: "second item"})
	fx.engine.tick()
	if worker.TaskID() != second.ID {
		t.Fatalf("second task not assigned")
	}
	fx.engine.tick()
	if got, _ := fx.tasks.Get(second.ID); got.Status != task.StatusRunning {
		t.Fatalf("second task = %s after silent tick, want running", got.Status)
	}

	process.EmitStdout("second round done, task complete\n")
	waitForTail(t, worker, "second round done")
	fx.engine.tick()
	if got, _ := fx.tasks.Get(second.ID); got.Status != task.StatusCompleted {
		t.Fatalf("second task = %s after fresh output, want completed", got.Status)
	}
}

func TestSynthesizeFollowUpsWhenBacklogDrains(t *testing.T) {
	cfg := config.Defaults()
	cfg.MinDuration = time.Hour
	fx := newEngineFixture(t, cfg)
	fx.engine.mu.Lock()
	fx.engine.startedAt = fx.clk.Now()
	fx.engine.mu.Unlock()

	fx.engine.tick()
	pending := fx.tasks.List(task.StatusPending)
	if len(pending) != len(followUps) {
		t.Fatalf("pending = %d, want %d synthesized tasks", len(pending), len(followUps))
	}
	for _, item := range pending {
		if item.Priority != followUpPriority {
			t.Fatalf("priority = %d, want %d", item.Priority, followUpPriority)
		}
	}

	// A non-empty backlog suppresses further synthesis.
	fx.engine.tick()
	if got := len(fx.tasks.List(task.StatusPending)); got != len(followUps) {
		t.Fatalf("pending = %d after second tick, want %d", got, len(followUps))
	}
}

func TestNoSynthesisAfterMinDurationElapsed(t *testing.T) {
	cfg := config.Defaults()
	cfg.MinDuration = time.Minute
	fx := newEngineFixture(t, cfg)
	fx.engine.mu.Lock()
	fx.engine.startedAt = fx.clk.Now()
	fx.engine.mu.Unlock()

	fx.clk.Advance(2 * time.Minute)
	fx.engine.tick()
	if got := len(fx.tasks.List(task.StatusPending)); got != 0 {
		t.Fatalf("pending = %d, want 0 past the deadline", got)
	}
}

func TestNoSynthesisWithoutMinDuration(t *testing.T) {
	fx := newEngineFixture(t, config.Defaults())
	fx.engine.mu.Lock()
	fx.engine.startedAt = fx.clk.Now()
	fx.engine.mu.Unlock()

	fx.engine.tick()
	if got := len(fx.tasks.List(task.StatusPending)); got != 0 {
		t.Fatalf("pending = %d, want 0", got)
	}
}

func respawnTestConfig() config.Respawn {
	cfg := config.Defaults().Respawn
	cfg.IdleTimeout = time.Second
	cfg.CompletionConfirm = 10 * time.Second
	cfg.NoOutputTimeout = 30 * time.Second
	return cfg
}

func TestAssignSkipsSessionWithCycleInFlight(t *testing.T) {
	fx := newEngineFixture(t, config.Defaults())
	worker, process := fx.createSession(t)

	process.EmitStdout("all tests pass, task complete\n")
	waitForTail(t, worker, "task complete")

	if err := fx.engine.EnableRespawn(worker.ID(), respawnTestConfig()); err != nil {
		t.Fatalf("EnableRespawn: %v", err)
	}
	fx.clk.Advance(time.Second)
	if state, _ := fx.engine.RespawnState(worker.ID()); state != respawn.StateConfirming {
		t.Fatalf("state = %s, want %s", state, respawn.StateConfirming)
	}

	added, _ := fx.engine.AddTask(task.Spec{Prompt: "must wait"})
	fx.engine.tick()
	if got, _ := fx.tasks.Get(added.ID); got.Status != task.StatusPending {
		t.Fatalf("task = %s, want pending while a cycle is in flight", got.Status)
	}
}

func TestEnableRespawnUnknownSession(t *testing.T) {
	fx := newEngineFixture(t, config.Defaults())
	if err := fx.engine.EnableRespawn("ghost", respawnTestConfig()); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestStopSessionDetachesController(t *testing.T) {
	fx := newEngineFixture(t, config.Defaults())
	worker, _ := fx.createSession(t)

	if err := fx.engine.EnableRespawn(worker.ID(), respawnTestConfig()); err != nil {
		t.Fatalf("EnableRespawn: %v", err)
	}
	fx.engine.StopSession(worker.ID())
	if _, ok := fx.engine.RespawnState(worker.ID()); ok {
		t.Fatal("controller still attached after stop")
	}

	// Idempotent, including for unknown ids.
	fx.engine.StopSession(worker.ID())
	fx.engine.StopSession("ghost")
}

func TestReEnableRespawnReplacesController(t *testing.T) {
	fx := newEngineFixture(t, config.Defaults())
	worker, _ := fx.createSession(t)

	if err := fx.engine.EnableRespawn(worker.ID(), respawnTestConfig()); err != nil {
		t.Fatalf("EnableRespawn: %v", err)
	}
	if err := fx.engine.EnableRespawn(worker.ID(), respawnTestConfig()); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	if state, ok := fx.engine.RespawnState(worker.ID()); !ok || state != respawn.StateWorking {
		t.Fatalf("state = %s/%v, want fresh WORKING controller", state, ok)
	}
}

func TestSendInputBypassesScheduler(t *testing.T) {
	fx := newEngineFixture(t, config.Defaults())
	worker, process := fx.createSession(t)

	if err := fx.engine.SendInput(worker.ID(), "status report please"); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	if !strings.Contains(process.StdinText(), "status report please") {
		t.Fatalf("stdin = %q", process.StdinText())
	}
	if err := fx.engine.SendInput("ghost", "hello"); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestErrorCodeMapping(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&session.CapacityError{Limit: 2}, "capacity_exceeded"},
		{&proc.SpawnError{Binary: "claude", Err: errors.New("not found")}, "spawn_failed"},
		{&respawn.StuckError{SessionID: "s1"}, "stuck_state"},
		{&task.UnsatisfiableError{TaskID: "t1", Reason: "dependency ghost does not exist"}, "dependency_unsatisfiable"},
		{fmt.Errorf("check: %w", idle.ErrVerifierUnavailable), "verifier_unavailable"},
		{errors.New("boom"), "internal"},
	}
	for _, tc := range cases {
		if got := ErrorCode(tc.err); got != tc.want {
			t.Fatalf("ErrorCode(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
