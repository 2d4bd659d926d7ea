package router

import "sync"

// SupervisorRegistry collects subsystem supervisors under stable names
// ("telegram.adapter", "notifier", "task.engine", "pprof", the router's
// own "telegram.router") so health commands can render per-subsystem
// goroutine counters. Boot and config reload write while handlers read
// concurrently, hence the lock.
type SupervisorRegistry struct {
	mu     sync.RWMutex
	byName map[string]*Supervisor
}

func NewSupervisorRegistry() *SupervisorRegistry {
	return &SupervisorRegistry{byName: map[string]*Supervisor{}}
}

// Set registers or replaces the supervisor under name. A nil sup
// deletes the entry.
func (r *SupervisorRegistry) Set(name string, sup *Supervisor) {
	if r == nil {
		return
	}
	if sup == nil {
		r.Delete(name)
		return
	}
	r.mu.Lock()
	r.byName[name] = sup
	r.mu.Unlock()
}

func (r *SupervisorRegistry) Delete(name string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.byName, name)
	r.mu.Unlock()
}

// Snapshot copies the registry for iteration without holding the lock.
func (r *SupervisorRegistry) Snapshot() map[string]*Supervisor {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Supervisor, len(r.byName))
	for name, sup := range r.byName {
		out[name] = sup
	}
	return out
}
