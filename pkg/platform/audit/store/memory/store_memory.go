// Package memory provides the in-memory audit store.
package memory

import (
	"context"
	"sync"

	audit "vestra/pkg/platform/audit"
)

// Store keeps events in append order. Suitable for tests and single-node
// deployments; swap in an outbox-backed store for durable delivery.
type Store struct {
	mu     sync.RWMutex
	events []audit.Event
}

func New() *Store {
	return &Store{}
}

func (s *Store) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *Store) List(_ context.Context) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]audit.Event, len(s.events))
	copy(out, s.events)
	return out, nil
}
