// Package task holds the prioritized, dependency-ordered backlog.
package task

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

	"github.com/Ark0N/Claudeman-sub001/internal/store"
)

// Status is the lifecycle state of one task.
type Status string

const (
	// StatusPending marks a task waiting to be scheduled.
	StatusPending Status = "pending"
	// StatusRunning marks a task assigned to a worker.
	StatusRunning Status = "running"
	// StatusCompleted marks a finished task.
	StatusCompleted Status = "completed"
	// StatusFailed marks a task that errored or lost its worker.
	StatusFailed Status = "failed"
)

// Task is one unit of work in the backlog.
type Task struct {
	ID               string
	Prompt           string
	Priority         int
	Status           Status
	DependsOn        []string
	WorkerID         string
	CompletionPhrase string
	Timeout          time.Duration
	Error            string
	CreatedAt        time.Time
}

// Spec describes a task to add.
type Spec struct {
	Prompt           string
	Priority         int
	DependsOn        []string
	CompletionPhrase string
	Timeout          time.Duration
}

// Store is the priority + dependency-aware backlog. The dependency graph
// is deliberately never validated on write: a producer may add a task
// before its dependencies exist. Unsatisfiable tasks stay pending forever
// and surface only through StalledBacklog.
type Store struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	snap   store.Store
	logger *log.Logger
	now    func() time.Time
	seq    int
}

// Option configures Store construction.
type Option func(*Store)

// WithSnapshots enables best-effort persistence of task state.
func WithSnapshots(snap store.Store) Option {
	return func(s *Store) {
		s.snap = snap
	}
}

// WithLogger configures the warning log sink for persistence failures.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow overrides the clock used for creation timestamps.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates an empty backlog.
func NewStore(options ...Option) *Store {
	s := &Store{
		tasks: map[string]*Task{},
		now:   time.Now,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(s)
	}
	return s
}

// Restore loads persisted tasks into the backlog. Running tasks from a
// prior run are reset to pending: their worker is gone.
func (s *Store) Restore(ctx context.Context) error {
	if s.snap == nil {
		return nil
	}
	snapshots, err := s.snap.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("list persisted tasks: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snapshot := range snapshots {
		restored := &Task{
			ID:               snapshot.ID,
			Prompt:           snapshot.Prompt,
			Priority:         snapshot.Priority,
			Status:           Status(snapshot.Status),
			DependsOn:        append([]string(nil), snapshot.DependsOn...),
			CompletionPhrase: snapshot.CompletionPhrase,
			Timeout:          snapshot.Timeout,
			Error:            snapshot.Error,
			CreatedAt:        snapshot.CreatedAt,
		}
		if restored.Status == StatusRunning {
			restored.Status = StatusPending
			restored.WorkerID = ""
		}
		s.tasks[restored.ID] = restored
	}
	return nil
}

// Add creates a pending task from spec.
func (s *Store) Add(spec Spec) (Task, error) {
	prompt := strings.TrimSpace(spec.Prompt)
	if prompt == "" {
		return Task{}, errors.New("task prompt is required")
	}

	s.mu.Lock()
	s.seq++
	created := s.now().UTC().Add(time.Duration(s.seq) * time.Nanosecond)
	newTask := &Task{
		ID:               uuid.NewString(),
		Prompt:           prompt,
		Priority:         spec.Priority,
		Status:           StatusPending,
		DependsOn:        normalizeIDs(spec.DependsOn),
		CompletionPhrase: strings.TrimSpace(spec.CompletionPhrase),
		Timeout:          spec.Timeout,
		CreatedAt:        created,
	}
	s.tasks[newTask.ID] = newTask
	copied := *newTask
	s.mu.Unlock()

	s.persist(copied)
	return copied, nil
}

// Remove deletes a task by id and reports whether it existed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	_, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	if ok && s.snap != nil {
		if err := s.snap.RemoveTask(context.Background(), id); err != nil {
			s.warn("task snapshot removal failed", "task_id", id, "error", err)
		}
	}
	return ok
}

// Get returns a copy of one task.
func (s *Store) Get(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	found, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *found, true
}

// List returns copies of all tasks, optionally filtered by status.
func (s *Store) List(statuses ...Status) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Task, 0, len(s.tasks))
	for _, candidate := range s.tasks {
		if len(statuses) > 0 && !containsStatus(statuses, candidate.Status) {
			continue
		}
		out = append(out, *candidate)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// NextSchedulable returns the next task eligible for assignment: pending,
// highest priority first, oldest first on ties, all dependencies
// completed. Returns false when nothing qualifies. The scan is O(tasks x
// dependencies) and re-runs on every call; backlog sizes are small.
func (s *Store) NextSchedulable() (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]*Task, 0, len(s.tasks))
	for _, candidate := range s.tasks {
		if candidate.Status == StatusPending {
			candidates = append(candidates, candidate)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	for _, candidate := range candidates {
		if s.dependenciesCompletedLocked(candidate) {
			return *candidate, true
		}
	}
	return Task{}, false
}

// MarkRunning transitions a pending task to running on a worker.
func (s *Store) MarkRunning(id, workerID string) error {
	return s.transition(id, StatusRunning, func(t *Task) error {
		if t.Status != StatusPending {
			return fmt.Errorf("mark %s task %s running", t.Status, id)
		}
		t.WorkerID = strings.TrimSpace(workerID)
		return nil
	})
}

// MarkCompleted transitions a running task to completed.
func (s *Store) MarkCompleted(id string) error {
	return s.transition(id, StatusCompleted, func(t *Task) error {
		t.WorkerID = ""
		return nil
	})
}

// MarkFailed transitions a task to failed with an error description.
func (s *Store) MarkFailed(id string, cause error) error {
	return s.transition(id, StatusFailed, func(t *Task) error {
		t.WorkerID = ""
		if cause != nil {
			t.Error = cause.Error()
		}
		return nil
	})
}

// ClearCompleted removes all completed tasks and returns the count.
func (s *Store) ClearCompleted() int {
	return s.clearByStatus(StatusCompleted)
}

// ClearFailed removes all failed tasks and returns the count.
func (s *Store) ClearFailed() int {
	return s.clearByStatus(StatusFailed)
}

// ClearAll removes every task and returns the count.
func (s *Store) ClearAll() int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.tasks = map[string]*Task{}
	s.mu.Unlock()

	s.removeSnapshots(ids)
	return len(ids)
}

// StalledBacklog returns pending tasks that can never be scheduled because
// a dependency is missing or the dependency graph cycles through them.
// This is a read-only diagnostic: nothing is auto-failed, because the
// producer may still create a missing dependency.
func (s *Store) StalledBacklog() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	stalled := make([]Task, 0)
	for _, candidate := range s.tasks {
		if candidate.Status != StatusPending {
			continue
		}
		if s.unsatisfiableLocked(candidate.ID, map[string]bool{}) {
			stalled = append(stalled, *candidate)
		}
	}
	sort.Slice(stalled, func(i, j int) bool {
		return stalled[i].CreatedAt.Before(stalled[j].CreatedAt)
	})
	return stalled
}

// UnsatisfiableError reports a pending task that can never be scheduled.
type UnsatisfiableError struct {
	TaskID string
	Reason string
}

func (e *UnsatisfiableError) Error() string {
	return fmt.Sprintf("task %s is unsatisfiable: %s", e.TaskID, e.Reason)
}

// Code returns the stable API error code for unsatisfiable dependencies.
func (e *UnsatisfiableError) Code() string {
	return "dependency_unsatisfiable"
}

// Explain reports why a pending task cannot be scheduled, or nil when its
// dependency chain can still complete. Like StalledBacklog it is read-only;
// the task stays pending either way.
func (s *Store) Explain(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidate, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	if candidate.Status != StatusPending {
		return nil
	}
	if reason := s.unsatisfiableReasonLocked(id, map[string]bool{}); reason != "" {
		return &UnsatisfiableError{TaskID: id, Reason: reason}
	}
	return nil
}

func (s *Store) unsatisfiableReasonLocked(id string, visiting map[string]bool) string {
	if visiting[id] {
		return fmt.Sprintf("dependency cycle through %s", id)
	}
	candidate, ok := s.tasks[id]
	if !ok {
		return fmt.Sprintf("dependency %s does not exist", id)
	}
	switch candidate.Status {
	case StatusCompleted:
		return ""
	case StatusFailed:
		return fmt.Sprintf("dependency %s failed", id)
	}

	visiting[id] = true
	defer delete(visiting, id)

	for _, depID := range candidate.DependsOn {
		if reason := s.unsatisfiableReasonLocked(depID, visiting); reason != "" {
			return reason
		}
	}
	return ""
}

func (s *Store) transition(id string, next Status, mutate func(*Task) error) error {
	s.mu.Lock()
	found, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task %s not found", id)
	}
	if err := mutate(found); err != nil {
		s.mu.Unlock()
		return err
	}
	found.Status = next
	copied := *found
	s.mu.Unlock()

	s.persist(copied)
	return nil
}

func (s *Store) clearByStatus(status Status) int {
	s.mu.Lock()
	ids := make([]string, 0)
	for id, candidate := range s.tasks {
		if candidate.Status == status {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	s.removeSnapshots(ids)
	return len(ids)
}

func (s *Store) dependenciesCompletedLocked(candidate *Task) bool {
	for _, depID := range candidate.DependsOn {
		dep, ok := s.tasks[depID]
		if !ok || dep.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// unsatisfiableLocked reports whether a pending task can never have all
// dependencies completed: a dependency is missing, failed, or pending and
// itself unsatisfiable (including cycles, which revisit an in-progress
// node).
func (s *Store) unsatisfiableLocked(id string, visiting map[string]bool) bool {
	if visiting[id] {
		return true
	}
	candidate, ok := s.tasks[id]
	if !ok {
		return true
	}
	switch candidate.Status {
	case StatusCompleted:
		return false
	case StatusFailed:
		return true
	}

	visiting[id] = true
	defer delete(visiting, id)

	for _, depID := range candidate.DependsOn {
		if s.unsatisfiableLocked(depID, visiting) {
			return true
		}
	}
	return false
}

func (s *Store) persist(copied Task) {
	if s.snap == nil {
		return
	}
	snapshot := store.TaskSnapshot{
		ID:               copied.ID,
		Prompt:           copied.Prompt,
		Priority:         copied.Priority,
		Status:           string(copied.Status),
		DependsOn:        append([]string(nil), copied.DependsOn...),
		WorkerID:         copied.WorkerID,
		CompletionPhrase: copied.CompletionPhrase,
		Timeout:          copied.Timeout,
		Error:            copied.Error,
		CreatedAt:        copied.CreatedAt,
	}
	if err := s.snap.SetTask(context.Background(), snapshot); err != nil {
		s.warn("task snapshot write failed", "task_id", copied.ID, "error", err)
	}
}

func (s *Store) removeSnapshots(ids []string) {
	if s.snap == nil {
		return
	}
	for _, id := range ids {
		if err := s.snap.RemoveTask(context.Background(), id); err != nil {
			s.warn("task snapshot removal failed", "task_id", id, "error", err)
		}
	}
}

func (s *Store) warn(msg string, keyvals ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Warn(msg, keyvals...)
}

func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out = append(out, id)
	}
	return out
}

func containsStatus(statuses []Status, status Status) bool {
	for _, candidate := range statuses {
		if candidate == status {
			return true
		}
	}
	return false
}
