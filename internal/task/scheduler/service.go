package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"fragbot/internal/eventbus"
	"fragbot/internal/task/engine"
	logx "fragbot/pkg/logx"
)

func New(cfg Config, exec *engine.Service, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	svc := &Service{cfg: cfg, log: log, bus: bus, exec: exec}
	// SecondOptional accepts both 5-field and 6-field (seconds) specs.
	svc.parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	svc.timers = map[string]*time.Timer{}
	svc.pending = map[string]*oneShot{}
	svc.warnedAt = map[string]time.Time{}
	return svc
}

// Enabled reports the current config flag. Safe to call while Apply runs.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply installs a new config. A timezone change rebuilds the running
// cron instance so existing schedules fire in the new location; every
// other field takes effect on its own.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.cfg
	s.cfg = cfg
	if s.cr == nil {
		return
	}
	if strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(old.Timezone) {
		s.rebuildLocked()
	}
}

// Start begins cron triggering and re-arms persisted one-shots. The
// scheduler only decides WHEN; execution happens on the engine's
// workers.
func (s *Service) Start(ctx context.Context) {
	_ = ctx // trigger setup never blocks today

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cr != nil {
		return
	}
	s.log.Debug("start requested",
		logx.Bool("enabled", s.cfg.Enabled),
		logx.String("tz", strings.TrimSpace(s.cfg.Timezone)))

	s.startCronLocked()
	s.rearmPendingLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.entries)))
}

// Stop halts triggering and disarms runtime timers. One-shot
// definitions stay persisted and resume on the next Start.
func (s *Service) Stop(ctx context.Context) {
	began := time.Now()
	s.log.Info("scheduler stop requested")

	s.mu.Lock()
	cr := s.cr
	s.cr = nil
	s.mu.Unlock()

	if cr != nil {
		select {
		case <-cr.Stop().Done():
		case <-ctx.Done():
			// running jobs belong to the engine; nothing left to wait for
		}
	}

	s.timerMu.Lock()
	for _, tm := range s.timers {
		tm.Stop()
	}
	clear(s.timers)
	s.timerMu.Unlock()

	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(began)))
}

// startCronLocked resolves the timezone, builds a fresh cron runner and
// registers every stored entry with it. Call with s.mu held.
func (s *Service) startCronLocked() {
	s.loc = s.resolveLocationLocked()
	s.cr = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.entries {
		_ = s.registerEntryLocked(&s.entries[i])
	}
	s.cr.Start()
}

// rebuildLocked tears down the runner and starts a fresh one, re-adding
// every definition. Used when the timezone changes. Call with s.mu held.
func (s *Service) rebuildLocked() {
	if s.cr != nil {
		<-s.cr.Stop().Done()
	}
	s.startCronLocked()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.entries)))
}

// resolveLocationLocked maps the configured timezone name to a location,
// falling back to the host's local zone. Call with s.mu held.
func (s *Service) resolveLocationLocked() *time.Location {
	name := strings.TrimSpace(s.cfg.Timezone)
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", name), logx.Any("err", err))
		return time.Local
	}
	return loc
}
