package store

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store used by tests and by runs that opt out
// of persistence.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]SessionSnapshot
	tasks    map[string]TaskSnapshot
	config   map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]SessionSnapshot{},
		tasks:    map[string]TaskSnapshot{},
		config:   map[string]string{},
	}
}

// GetSession loads one session snapshot.
func (s *MemoryStore) GetSession(_ context.Context, id string) (SessionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, ok := s.sessions[id]
	if !ok {
		return SessionSnapshot{}, ErrNotFound
	}
	return snapshot, nil
}

// SetSession upserts one session snapshot.
func (s *MemoryStore) SetSession(_ context.Context, snapshot SessionSnapshot) error {
	if strings.TrimSpace(snapshot.ID) == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[snapshot.ID] = snapshot
	return nil
}

// RemoveSession deletes one session snapshot.
func (s *MemoryStore) RemoveSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

// ListSessions returns every stored session snapshot.
func (s *MemoryStore) ListSessions(_ context.Context) ([]SessionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SessionSnapshot, 0, len(s.sessions))
	for _, snapshot := range s.sessions {
		out = append(out, snapshot)
	}
	return out, nil
}

// GetTask loads one task snapshot.
func (s *MemoryStore) GetTask(_ context.Context, id string) (TaskSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, ok := s.tasks[id]
	if !ok {
		return TaskSnapshot{}, ErrNotFound
	}
	return snapshot, nil
}

// SetTask upserts one task snapshot.
func (s *MemoryStore) SetTask(_ context.Context, snapshot TaskSnapshot) error {
	if strings.TrimSpace(snapshot.ID) == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[snapshot.ID] = snapshot
	return nil
}

// RemoveTask deletes one task snapshot.
func (s *MemoryStore) RemoveTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tasks, id)
	return nil
}

// ListTasks returns every stored task snapshot.
func (s *MemoryStore) ListTasks(_ context.Context) ([]TaskSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TaskSnapshot, 0, len(s.tasks))
	for _, snapshot := range s.tasks {
		out = append(out, snapshot)
	}
	return out, nil
}

// GetConfig returns a copy of all config entries.
func (s *MemoryStore) GetConfig(_ context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.config))
	for key, value := range s.config {
		out[key] = value
	}
	return out, nil
}

// SetConfig merges partial into the stored config.
func (s *MemoryStore) SetConfig(_ context.Context, partial map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, value := range partial {
		s.config[key] = value
	}
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
