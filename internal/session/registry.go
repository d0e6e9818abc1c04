package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/Ark0N/Claudeman-sub001/internal/clock"
	"github.com/Ark0N/Claudeman-sub001/internal/events"
	"github.com/Ark0N/Claudeman-sub001/internal/proc"
	"github.com/Ark0N/Claudeman-sub001/internal/store"
)

const (
	// DefaultMaxSessions caps concurrently live workers.
	DefaultMaxSessions = 10
	// DefaultStopGracePeriod bounds the wait between a graceful signal and
	// the escalated kill.
	DefaultStopGracePeriod = 10 * time.Second
)

// CapacityError is returned when creating a session would exceed the
// configured concurrency cap. It is user-correctable and never retried
// automatically.
type CapacityError struct {
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("session capacity reached (%d live sessions)", e.Limit)
}

// Code returns the stable API error code for capacity failures.
func (e *CapacityError) Code() string {
	return "capacity_exceeded"
}

// Config configures the registry.
type Config struct {
	AgentBinary     string
	AgentArgs       []string
	AgentEnv        []string
	MaxSessions     int
	StopGracePeriod time.Duration
}

// Registry owns the set of live workers, enforces the concurrency cap, and
// snapshots worker state into the store on every observable change.
type Registry struct {
	host   proc.Host
	store  store.Store
	bus    events.Bus
	clk    clock.Clock
	logger *log.Logger
	cfg    Config

	mu      sync.Mutex
	workers map[string]*Worker
}

// NewRegistry constructs a session registry.
func NewRegistry(host proc.Host, st store.Store, bus events.Bus, clk clock.Clock, logger *log.Logger, cfg Config) (*Registry, error) {
	if host == nil {
		return nil, errors.New("process host is required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.StopGracePeriod <= 0 {
		cfg.StopGracePeriod = DefaultStopGracePeriod
	}
	if strings.TrimSpace(cfg.AgentBinary) == "" {
		return nil, errors.New("agent binary is required")
	}

	return &Registry{
		host:    host,
		store:   st,
		bus:     bus,
		clk:     clk,
		logger:  logger,
		cfg:     cfg,
		workers: map[string]*Worker{},
	}, nil
}

// ReconcileStartup forcibly marks any previously persisted session that was
// not stopped as stopped with a cleared pid. The registry never re-attaches
// to a process from a prior run.
func (r *Registry) ReconcileStartup(ctx context.Context) error {
	snapshots, err := r.store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list persisted sessions: %w", err)
	}

	for _, snapshot := range snapshots {
		if snapshot.Status == string(StatusStopped) {
			continue
		}
		snapshot.Status = string(StatusStopped)
		snapshot.PID = 0
		snapshot.TaskID = ""
		if err := r.store.SetSession(ctx, snapshot); err != nil {
			r.logf("startup reconcile write failed", "session_id", snapshot.ID, "error", err)
		}
	}
	return nil
}

// Create spawns a new agent session in workingDir. It fails with a
// CapacityError when the cap is reached; the cap is hard, never queued.
func (r *Registry) Create(workingDir string) (*Worker, error) {
	workingDir = strings.TrimSpace(workingDir)
	if workingDir == "" {
		return nil, errors.New("working directory is required")
	}

	r.mu.Lock()
	if r.liveCountLocked() >= r.cfg.MaxSessions {
		limit := r.cfg.MaxSessions
		r.mu.Unlock()
		return nil, &CapacityError{Limit: limit}
	}
	// Hold the lock across spawn so racing Create calls cannot both pass
	// the cap check. Spawn is local process setup, not a network wait.
	process, err := r.host.Spawn(proc.Spec{
		Binary: r.cfg.AgentBinary,
		Args:   r.cfg.AgentArgs,
		Dir:    workingDir,
		Env:    r.cfg.AgentEnv,
	})
	if err != nil {
		// The failed attempt stays visible as an error-status session. It
		// holds no pid, never counts against the cap, and is never retried.
		id := uuid.NewString()
		failed := newFailedWorker(id, workingDir, r.bus, r.persist, r.clk.Now, err)
		r.workers[id] = failed
		r.mu.Unlock()

		r.persist(failed)
		failed.publishStatus(StatusError, "")
		r.logf("session spawn failed", "session_id", id, "working_dir", workingDir, "error", err)
		return failed, err
	}

	id := uuid.NewString()
	worker := newWorker(id, workingDir, process, r.bus, r.persist, r.clk.Now)
	r.workers[id] = worker
	r.mu.Unlock()

	r.persist(worker)
	if r.logger != nil {
		r.logger.Info("session created", "session_id", id, "working_dir", workingDir, "pid", worker.PID())
	}
	return worker, nil
}

// Stop terminates a session. It is idempotent: stopping an unknown or
// already-stopped id succeeds silently. The graceful signal is sent
// synchronously; the escalated kill fires asynchronously after the grace
// period unless exit is observed first.
func (r *Registry) Stop(id string) {
	r.mu.Lock()
	worker, ok := r.workers[id]
	r.mu.Unlock()
	if !ok {
		return
	}

	status := worker.Status()
	if status == StatusStopped || status == StatusError {
		return
	}

	if err := worker.signal(proc.SignalGraceful); err != nil {
		r.logf("graceful signal failed", "session_id", id, "error", err)
	}

	escalation := r.clk.AfterFunc(r.cfg.StopGracePeriod, func() {
		if err := worker.signal(proc.SignalForced); err != nil {
			r.logf("forced signal failed", "session_id", id, "error", err)
		}
		worker.markStopped(false)
	})
	go func() {
		<-worker.Done()
		escalation.Stop()
	}()
}

// Remove drops a stopped session from the registry and the store.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	worker, ok := r.workers[id]
	if ok {
		delete(r.workers, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if err := r.store.RemoveSession(context.Background(), worker.ID()); err != nil {
		r.logf("remove session snapshot failed", "session_id", id, "error", err)
	}
}

// Get returns the worker for id.
func (r *Registry) Get(id string) (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, ok := r.workers[id]
	return worker, ok
}

// List returns all registered workers sorted by creation time.
func (r *Registry) List() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Worker, 0, len(r.workers))
	for _, worker := range r.workers {
		out = append(out, worker)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt().Before(out[j].CreatedAt())
	})
	return out
}

// ListIdle returns workers with status idle.
func (r *Registry) ListIdle() []*Worker {
	return r.listByStatus(StatusIdle)
}

// ListBusy returns workers with status busy.
func (r *Registry) ListBusy() []*Worker {
	return r.listByStatus(StatusBusy)
}

func (r *Registry) listByStatus(status Status) []*Worker {
	out := make([]*Worker, 0)
	for _, worker := range r.List() {
		if worker.Status() == status {
			out = append(out, worker)
		}
	}
	return out
}

func (r *Registry) liveCountLocked() int {
	count := 0
	for _, worker := range r.workers {
		status := worker.Status()
		if status == StatusIdle || status == StatusBusy {
			count++
		}
	}
	return count
}

// persist writes a best-effort snapshot for one worker. Failures are
// logged and swallowed; in-memory state stays authoritative.
func (r *Registry) persist(worker *Worker) {
	snapshot := store.SessionSnapshot{
		ID:             worker.ID(),
		WorkingDir:     worker.WorkingDir(),
		Status:         string(worker.Status()),
		PID:            worker.PID(),
		TaskID:         worker.TaskID(),
		CreatedAt:      worker.CreatedAt(),
		LastActivityAt: worker.LastActivity(),
		OutputTail:     worker.OutputTail(),
		ErrorTail:      worker.ErrorTail(),
	}
	if err := r.store.SetSession(context.Background(), snapshot); err != nil {
		r.logf("session snapshot write failed", "session_id", worker.ID(), "error", err)
	}
}

func (r *Registry) logf(msg string, keyvals ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Warn(msg, keyvals...)
}
