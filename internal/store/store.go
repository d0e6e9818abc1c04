// Package store persists session and task snapshots. The store is a
// best-effort crash-recovery image: the in-memory registry and task
// backlog stay authoritative during a live run, and write failures are
// logged by callers, never propagated as fatal.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// SessionSnapshot is the persisted image of one worker session.
type SessionSnapshot struct {
	ID             string    `json:"id"`
	WorkingDir     string    `json:"working_dir"`
	Status         string    `json:"status"`
	PID            int       `json:"pid"`
	TaskID         string    `json:"task_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	OutputTail     string    `json:"output_tail,omitempty"`
	ErrorTail      string    `json:"error_tail,omitempty"`
}

// TaskSnapshot is the persisted image of one backlog task.
type TaskSnapshot struct {
	ID               string        `json:"id"`
	Prompt           string        `json:"prompt"`
	Priority         int           `json:"priority"`
	Status           string        `json:"status"`
	DependsOn        []string      `json:"depends_on,omitempty"`
	WorkerID         string        `json:"worker_id,omitempty"`
	CompletionPhrase string        `json:"completion_phrase,omitempty"`
	Timeout          time.Duration `json:"timeout,omitempty"`
	Error            string        `json:"error,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// Store persists session/task snapshots and engine configuration.
// Implementations must be safe for concurrent use.
type Store interface {
	GetSession(ctx context.Context, id string) (SessionSnapshot, error)
	SetSession(ctx context.Context, snapshot SessionSnapshot) error
	RemoveSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]SessionSnapshot, error)

	GetTask(ctx context.Context, id string) (TaskSnapshot, error)
	SetTask(ctx context.Context, snapshot TaskSnapshot) error
	RemoveTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context) ([]TaskSnapshot, error)

	GetConfig(ctx context.Context) (map[string]string, error)
	SetConfig(ctx context.Context, partial map[string]string) error

	Close() error
}
