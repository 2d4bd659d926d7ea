package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"fragbot/internal/task/engine"
	logx "fragbot/pkg/logx"
)

// AddCron registers a cron schedule under name. Scheduled jobs default
// to skipping the trigger while a previous run is still in flight or
// queued, which keeps a slow job from stacking up behind itself.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	return s.AddCronOpt(name, spec, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

func (s *Service) AddCronOpt(name, spec string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registerLocked("cron", name, spec, timeout, opt, job)
}

func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	return s.AddIntervalOpt(name, every, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

func (s *Service) AddIntervalOpt(name string, every time.Duration, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registerLocked("interval", name, "@every "+every.String(), timeout, opt, job)
}

// AddDaily registers a cron schedule firing every day at HH:MM in the
// scheduler timezone.
func (s *Service) AddDaily(name string, atHHMM string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return "", err
	}
	return s.AddCronOpt(name, fmt.Sprintf("%d %d * * *", m, h), timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

// registerLocked replaces any schedule or one-shot with the same name
// and stores the new definition. The name doubles as the stable handle
// for Remove. Call with s.mu held.
func (s *Service) registerLocked(kind, name, expr string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("name required")
	}
	s.dropEntriesLocked(name)
	s.dropPending(name)

	s.entries = append(s.entries, entry{
		regID: fmt.Sprintf("%s:%d", kind, time.Now().UnixNano()),
		expr:  expr,
		task: engine.Task{
			Name:    name,
			Timeout: timeout,
			Run:     job,
			Opt:     opt,
			State:   &engine.RunState{},
		},
	})

	// Before Start the definition just waits; Start registers everything
	// it finds.
	if s.cr == nil {
		return name, nil
	}

	e := &s.entries[len(s.entries)-1]
	if err := s.registerEntryLocked(e); err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", expr), logx.Any("err", err))
		return name, err
	}

	fields := []logx.Field{logx.String("name", name), logx.String("id", e.regID), logx.String("spec", expr), logx.Duration("timeout", timeout)}
	if preview := s.upcomingRunsLocked(expr, 4); preview != "" {
		fields = append(fields, logx.String("next", preview))
	}
	s.log.Debug("schedule registered", fields...)
	return name, nil
}

// AddOnce arms a one-shot at the given wall-clock time, replacing any
// pending one-shot or recurring schedule with the same name. A time in
// the past fires immediately.
func (s *Service) AddOnce(name string, at time.Time, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	if name == "" {
		return "", errors.New("name required")
	}
	if at.IsZero() {
		return "", errors.New("at required")
	}

	s.mu.Lock()
	loc := s.loc
	s.dropEntriesLocked(name)
	s.mu.Unlock()
	if loc == nil {
		loc = time.Local
	}

	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	if t, ok := s.timers[name]; ok {
		t.Stop()
		delete(s.timers, name)
	}

	gen := uint64(1)
	if prev := s.pending[name]; prev != nil {
		gen = prev.gen + 1
	}
	shot := &oneShot{
		due:  at.In(loc),
		task: engine.Task{Name: name, Timeout: timeout, Run: job},
		gen:  gen,
	}
	s.pending[name] = shot
	s.armTimerLocked(name, shot)

	return name, nil
}

// armTimerLocked starts the runtime timer for shot. Call with s.timerMu
// held.
func (s *Service) armTimerLocked(name string, shot *oneShot) {
	gen := shot.gen
	delay := time.Until(shot.due)
	if delay < 0 {
		delay = 0
	}
	s.timers[name] = time.AfterFunc(delay, func() { s.firePending(name, gen) })
}

// firePending is the timer callback for one-shots. A generation mismatch
// means the definition was replaced after this timer was armed, so the
// callback is stale and drops itself.
func (s *Service) firePending(name string, gen uint64) {
	s.timerMu.Lock()
	shot := s.pending[name]
	if shot == nil || shot.gen != gen || shot.task.Run == nil {
		s.timerMu.Unlock()
		return
	}
	// Clear the definition before enqueueing so a restart cannot run it
	// a second time.
	delete(s.timers, name)
	delete(s.pending, name)
	s.timerMu.Unlock()

	if s.exec == nil {
		return
	}
	task := shot.task
	task.State = &engine.RunState{}
	if err := s.exec.Enqueue(task); err != nil {
		s.reportEnqueueError(name, err)
	}
}

// Remove drops every schedule and one-shot registered under name,
// reporting whether anything was removed. Works whether or not the
// scheduler is running.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}

	s.mu.Lock()
	removed := s.dropEntriesLocked(name)
	s.mu.Unlock()

	s.timerMu.Lock()
	if s.dropPendingLocked(name) {
		removed = true
	}
	s.timerMu.Unlock()

	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// dropEntriesLocked unregisters and forgets all entries matching name.
// Call with s.mu held.
func (s *Service) dropEntriesLocked(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	removed := false
	if s.cr != nil {
		for i := range s.entries {
			e := &s.entries[i]
			if e.task.Name != name || e.cronID == 0 {
				continue
			}
			s.cr.Remove(e.cronID)
			e.cronID = 0
			removed = true
		}
	}
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.task.Name == name {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed
}

func (s *Service) dropPending(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	return s.dropPendingLocked(name)
}

// dropPendingLocked clears the runtime timer and persisted one-shot for
// name. Call with s.timerMu held.
func (s *Service) dropPendingLocked(name string) bool {
	removed := false
	if t, ok := s.timers[name]; ok {
		t.Stop()
		delete(s.timers, name)
		removed = true
	}
	if _, ok := s.pending[name]; ok {
		delete(s.pending, name)
		removed = true
	}
	return removed
}

// registerEntryLocked hands e to the running cron instance. Interval
// specs get a startup spread so everything registered at boot does not
// fire on the same tick; cron expressions encode absolute times and run
// as written. Call with s.mu held.
func (s *Service) registerEntryLocked(e *entry) error {
	task := e.task
	trigger := cron.FuncJob(func() {
		if s.exec == nil {
			return
		}
		if err := s.exec.Enqueue(task); err != nil {
			s.reportEnqueueError(task.Name, err)
		}
	})

	expr := strings.TrimSpace(e.expr)
	if rest, ok := strings.CutPrefix(expr, "@every"); ok {
		every, err := time.ParseDuration(strings.TrimSpace(rest))
		if err == nil && every > 0 {
			loc := s.loc
			if loc == nil {
				loc = time.Local
			}
			sched, jitter := makeIntervalScheduleWithSpread(every, time.Now().In(loc), task.Name)
			if jitter > 0 {
				s.log.Debug("startup spread applied",
					logx.String("schedule", task.Name),
					logx.Duration("jitter", jitter))
			}
			e.cronID = s.cr.Schedule(sched, trigger)
			return nil
		}
	}

	id, err := s.cr.AddJob(expr, trigger)
	if err != nil {
		return err
	}
	e.cronID = id
	return nil
}

// rearmPendingLocked re-arms timers for every persisted one-shot,
// dropping definitions whose job vanished. Call with s.mu held.
func (s *Service) rearmPendingLocked() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = map[string]*time.Timer{}

	for name, shot := range s.pending {
		if shot == nil || shot.task.Run == nil {
			delete(s.pending, name)
			continue
		}
		if shot.gen == 0 {
			shot.gen = 1
		}
		s.armTimerLocked(name, shot)
	}
}

// upcomingRunsLocked formats the next n trigger times of expr for the
// registration debug log. Returns "" when debug logging is off or the
// expression does not parse. Call with s.mu held.
func (s *Service) upcomingRunsLocked(expr string, n int) string {
	if s.log.IsZero() || !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = s.resolveLocationLocked()
	}
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return ""
	}

	runs := make([]string, 0, n)
	next := time.Now().In(loc)
	for len(runs) < n {
		next = sched.Next(next)
		if next.IsZero() {
			break
		}
		runs = append(runs, next.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(runs, ", ")
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
