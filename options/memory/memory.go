// Package memory provides a thread-safe in-memory options.Store.
package memory

import (
	"maps"
	"sync"

	"github.com/jmcleod/davkeeper/options"
)

// Store is an in-memory options.Store. Values are lost on restart.
type Store struct {
	mu     sync.RWMutex
	values map[string]string
}

var _ options.Store = (*Store)(nil)

// NewStore returns a Store seeded with initial, which is copied.
func NewStore(initial map[string]string) *Store {
	s := &Store{values: make(map[string]string, len(initial))}
	maps.Copy(s.values, initial)
	return s
}

func (s *Store) Get(key, def string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.values[key]; ok {
		return v
	}
	return def
}

func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *Store) SetMany(values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	maps.Copy(s.values, values)
	return nil
}

func (s *Store) All() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}
