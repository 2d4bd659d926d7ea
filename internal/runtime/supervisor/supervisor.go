// Package supervisor runs named goroutines under a shared context with
// panic capture, per-name runtime stats and optional restart loops. Every
// long-lived goroutine in the process is started through one of these so
// /health can enumerate what is actually running.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "fragbot/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	failFast bool

	started atomic.Uint64
	active  atomic.Int64

	wg       sync.WaitGroup
	waitOnce sync.Once
	drained  chan struct{}

	mu       sync.Mutex
	firstErr error
	stats    map[string]*GoroutineStats
}

type SupervisorOption func(*Supervisor)

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context as soon as any goroutine
// fails, taking its siblings down with it.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.failFast = enabled }
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	sup := &Supervisor{
		ctx:     ctx,
		cancel:  cancel,
		drained: make(chan struct{}),
		stats:   map[string]*GoroutineStats{},
	}
	for _, opt := range opts {
		opt(sup)
	}
	return sup
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel stops the shared context without waiting for goroutines.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first failure observed, nil while everything is healthy.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *Supervisor) recordErr(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
}

// Go starts fn as a supervised goroutine. Panics become errors; the first
// error (or panic) is retained for Err and, with WithCancelOnError, cancels
// the rest.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)

		begin := s.markStart(name, false)
		if !s.log.IsZero() {
			s.log.Debug("goroutine started", logx.String("name", name))
		}

		err, pan, stack := guard(s.ctx, fn)
		switch {
		case pan != nil:
			s.markPanic(name, pan)
			if !s.log.IsZero() {
				s.log.Error("goroutine panicked",
					logx.String("name", name), logx.Any("panic", pan), logx.String("stack", string(stack)))
			}
			err = fmt.Errorf("panic in %s: %v", name, pan)
			s.markExit(name, begin, err)
			s.recordErr(err)
			if s.failFast {
				s.cancel()
			}
		case err != nil && !errors.Is(err, context.Canceled):
			wrapped := fmt.Errorf("%s: %w", name, err)
			s.markExit(name, begin, wrapped)
			s.recordErr(wrapped)
			if s.failFast {
				s.cancel()
			}
		default:
			s.markExit(name, begin, nil)
		}

		if !s.log.IsZero() {
			s.log.Debug("goroutine stopped", logx.String("name", name))
		}
	}()
}

// Go0 is Go for functions without an error return.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// guard runs fn and converts a panic into (pan, stack) instead of
// unwinding.
func guard(ctx context.Context, fn func(context.Context) error) (err error, pan any, stack []byte) {
	defer func() {
		if r := recover(); r != nil {
			pan = r
			stack = debug.Stack()
		}
	}()
	err = fn(ctx)
	return
}

// Stop cancels the context and waits for the tree to drain, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every supervised goroutine has exited or ctx expires.
// On a full drain it returns the first recorded error.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.drained)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.drained:
		return s.Err()
	}
}

// ---- observability ----

// SupervisorCounters are rough liveness numbers, not a sync primitive.
type SupervisorCounters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

func (s *Supervisor) Counters() SupervisorCounters {
	if s == nil {
		return SupervisorCounters{}
	}
	return SupervisorCounters{Active: s.active.Load(), Started: s.started.Load()}
}

// GoroutineStats aggregates runs by goroutine name. Two concurrent
// goroutines under one name share an entry.
type GoroutineStats struct {
	Name         string        `json:"name"`
	Active       int64         `json:"active"`
	Started      uint64        `json:"started"`
	Panics       uint64        `json:"panics"`
	Restarts     uint64        `json:"restarts"`
	LastStartAt  time.Time     `json:"last_start_at"`
	LastStopAt   time.Time     `json:"last_stop_at"`
	LastErrAt    time.Time     `json:"last_err_at"`
	LastErr      string        `json:"last_err,omitempty"`
	LastPanicAt  time.Time     `json:"last_panic_at"`
	LastPanic    string        `json:"last_panic,omitempty"`
	LastRuntime  time.Duration `json:"last_runtime"`
	TotalRuntime time.Duration `json:"total_runtime"`
}

type SupervisorSnapshot struct {
	Counters   SupervisorCounters `json:"counters"`
	FirstError string             `json:"first_error,omitempty"`
	Goroutines []GoroutineStats   `json:"goroutines"`
}

// Snapshot captures the current goroutine table for debug output. Running
// entries sort first, then most recently started.
func (s *Supervisor) Snapshot() SupervisorSnapshot {
	if s == nil {
		return SupervisorSnapshot{}
	}
	out := SupervisorSnapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		out.FirstError = err.Error()
	}

	s.mu.Lock()
	for _, ent := range s.stats {
		out.Goroutines = append(out.Goroutines, *ent)
	}
	s.mu.Unlock()

	sort.Slice(out.Goroutines, func(i, j int) bool {
		a, b := out.Goroutines[i], out.Goroutines[j]
		if a.Active != b.Active {
			return a.Active > b.Active
		}
		if !a.LastStartAt.Equal(b.LastStartAt) {
			return a.LastStartAt.After(b.LastStartAt)
		}
		return a.Name < b.Name
	})
	return out
}

// withStats runs f on the named entry under the lock, creating it on
// first use. The map holds the exported stat structs directly; Snapshot
// hands out copies.
func (s *Supervisor) withStats(name string, f func(st *GoroutineStats)) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.stats == nil {
		s.stats = map[string]*GoroutineStats{}
	}
	ent, ok := s.stats[name]
	if !ok {
		ent = &GoroutineStats{Name: name}
		s.stats[name] = ent
	}
	f(ent)
	s.mu.Unlock()
}

func (s *Supervisor) markStart(name string, isRestart bool) time.Time {
	now := time.Now()
	s.withStats(name, func(st *GoroutineStats) {
		st.Started++
		st.Active++
		st.LastStartAt = now
		if isRestart {
			st.Restarts++
		}
	})
	return now
}

func (s *Supervisor) markExit(name string, begin time.Time, err error) {
	now := time.Now()
	s.withStats(name, func(st *GoroutineStats) {
		if st.Active > 0 {
			st.Active--
		}
		st.LastStopAt = now
		st.LastRuntime = now.Sub(begin)
		st.TotalRuntime += st.LastRuntime
		if err != nil {
			st.LastErr = err.Error()
			st.LastErrAt = now
		}
	})
}

func (s *Supervisor) markPanic(name string, p any) {
	now := time.Now()
	s.withStats(name, func(st *GoroutineStats) {
		st.Panics++
		st.LastPanicAt = now
		st.LastPanic = fmt.Sprint(p)
	})
}
