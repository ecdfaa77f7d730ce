package config

import (
	"sync"
	"sync/atomic"
)

// Store holds the live configuration shared by every bus in a process.
// Readers get an immutable snapshot; writers swap in an updated copy.
// Consensus tallies read weights and veto agents from the current snapshot,
// so an update mid-round changes that round's outcome.
type Store struct {
	current atomic.Pointer[Config]
	mu      sync.Mutex // serializes writers
}

// NewStore creates a store holding cfg. A nil cfg means Default().
func NewStore(cfg *Config) *Store {
	if cfg == nil {
		cfg = Default()
	}
	s := &Store{}
	s.current.Store(cfg.Clone())
	return s
}

// Load returns the current snapshot. Callers must not modify it.
func (s *Store) Load() *Config {
	return s.current.Load()
}

// Update applies fn to a copy of the current configuration and publishes it.
func (s *Store) Update(fn func(*Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Load().Clone()
	fn(next)
	s.current.Store(next)
}
