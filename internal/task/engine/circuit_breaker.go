package engine

import (
	"strings"
	"sync"
	"time"
)

// breaker tracks consecutive failures for one task key. Reaching the
// trip threshold opens the circuit for an exponentially growing
// cooldown, so a poll task hammering a dead stats API backs off to
// occasional probes instead of burning its retry budget every interval.
// A success closes the circuit and clears the streak.
type breaker struct {
	streak   int
	until    time.Time // open (rejecting) until this instant
	lastFail time.Time
}

// decayLocked clears a streak whose last failure is older than the
// policy's reset window. Caller holds the store mutex.
func (b *breaker) decayLocked(now time.Time, pol breakerPolicy) {
	if b.lastFail.IsZero() || pol.resetAfter <= 0 {
		return
	}
	if now.Sub(b.lastFail) > pol.resetAfter {
		b.streak = 0
		b.until = time.Time{}
	}
}

type breakerStore struct {
	mu    sync.Mutex
	byKey map[string]*breaker
}

func (bs *breakerStore) get(key string) *breaker {
	if bs == nil {
		return nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.byKey == nil {
		bs.byKey = make(map[string]*breaker)
	}
	b := bs.byKey[key]
	if b == nil {
		b = &breaker{}
		bs.byKey[key] = b
	}
	return b
}

// breakerPolicy is the resolved policy for one task: engine config with
// defaults filled in and the per-task override applied.
type breakerPolicy struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
	enabled    bool
}

func effectiveCircuitCfg(cfg Config, opt TaskOptions) breakerPolicy {
	trip := cfg.CircuitTripFailures
	if trip == 0 {
		trip = 5
	}
	// Negative disables, at either level.
	if trip < 0 || opt.CircuitTripFailures < 0 {
		return breakerPolicy{}
	}
	if opt.CircuitTripFailures > 0 {
		trip = opt.CircuitTripFailures
	}

	pol := breakerPolicy{
		enabled:    true,
		trip:       trip,
		baseDelay:  cfg.CircuitBaseDelay,
		maxDelay:   cfg.CircuitMaxDelay,
		resetAfter: cfg.CircuitResetAfter,
	}
	if pol.baseDelay <= 0 {
		pol.baseDelay = 5 * time.Second
	}
	if pol.maxDelay <= 0 {
		pol.maxDelay = 2 * time.Minute
	}
	if pol.resetAfter <= 0 {
		pol.resetAfter = 5 * time.Minute
	}
	return pol
}

// cooldown is the open duration after the n-th consecutive failure,
// doubling from baseDelay once the streak passes the trip point.
func (pol breakerPolicy) cooldown(streak int) time.Duration {
	d := pol.baseDelay
	for n := streak - pol.trip; n > 0; n-- {
		d *= 2
		if d >= pol.maxDelay {
			return pol.maxDelay
		}
	}
	if d > pol.maxDelay {
		d = pol.maxDelay
	}
	return d
}

func (s *Service) circuitIsOpen(now time.Time, taskKey string, cfg Config, opt TaskOptions) (bool, time.Time) {
	pol := effectiveCircuitCfg(cfg, opt)
	if !pol.enabled {
		return false, time.Time{}
	}
	b := s.breakers.get(taskKey)
	if b == nil {
		return false, time.Time{}
	}

	s.breakers.mu.Lock()
	defer s.breakers.mu.Unlock()

	b.decayLocked(now, pol)
	if !b.until.IsZero() && now.Before(b.until) {
		return true, b.until
	}
	return false, time.Time{}
}

func (s *Service) circuitRecordResult(now time.Time, taskKey string, cfg Config, opt TaskOptions, err error) {
	pol := effectiveCircuitCfg(cfg, opt)
	if !pol.enabled {
		return
	}
	b := s.breakers.get(taskKey)
	if b == nil {
		return
	}

	s.breakers.mu.Lock()
	defer s.breakers.mu.Unlock()

	b.decayLocked(now, pol)
	if err == nil {
		*b = breaker{}
		return
	}

	b.streak++
	b.lastFail = now
	if b.streak >= pol.trip {
		b.until = now.Add(pol.cooldown(b.streak))
	}
}

func (s *Service) circuitSnapshot(now time.Time, cfg Config) (total, open int) {
	if !effectiveCircuitCfg(cfg, TaskOptions{}).enabled {
		return 0, 0
	}

	s.breakers.mu.Lock()
	defer s.breakers.mu.Unlock()
	for _, b := range s.breakers.byKey {
		if b != nil && !b.until.IsZero() && now.Before(b.until) {
			open++
		}
	}
	return len(s.breakers.byKey), open
}
