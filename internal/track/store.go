package track

import "sync"

// StateStore is the in-memory mapping of identity -> SessionState.
//
// All mutation is serialized behind one lock; Snapshot returns a consistent
// full copy so display reads (the lookup command) never observe a
// half-written mapping. Persistence lives outside: the tracker plugin saves
// a Snapshot through storage.Store after each mutating poll cycle.
type StateStore struct {
	mu sync.RWMutex
	m  map[string]SessionState
}

func NewStateStore() *StateStore {
	return &StateStore{m: map[string]SessionState{}}
}

// Get returns the state for identity, if present.
func (s *StateStore) Get(identity string) (SessionState, bool) {
	s.mu.RLock()
	st, ok := s.m[identity]
	s.mu.RUnlock()
	return st, ok
}

// Put stores the state for identity, replacing any previous record.
func (s *StateStore) Put(identity string, st SessionState) {
	s.mu.Lock()
	if s.m == nil {
		s.m = map[string]SessionState{}
	}
	s.m[identity] = st
	s.mu.Unlock()
}

// Remove deletes identity's state. Removing an unknown identity is a no-op.
func (s *StateStore) Remove(identity string) {
	s.mu.Lock()
	delete(s.m, identity)
	s.mu.Unlock()
}

// Snapshot returns a consistent copy of the whole mapping.
func (s *StateStore) Snapshot() map[string]SessionState {
	s.mu.RLock()
	out := make(map[string]SessionState, len(s.m))
	for k, v := range s.m {
		out[k] = v
	}
	s.mu.RUnlock()
	return out
}

// Replace swaps the whole mapping, e.g. when loading persisted state at
// startup. The input map is copied; nil clears the store.
func (s *StateStore) Replace(m map[string]SessionState) {
	cp := make(map[string]SessionState, len(m))
	for k, v := range m {
		cp[k] = v
	}
	s.mu.Lock()
	s.m = cp
	s.mu.Unlock()
}

// Len returns the number of tracked identities with state.
func (s *StateStore) Len() int {
	s.mu.RLock()
	n := len(s.m)
	s.mu.RUnlock()
	return n
}
