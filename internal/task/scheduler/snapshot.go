package scheduler

import (
	"time"

	"fragbot/internal/task/engine"
)

// Snapshot reports trigger state plus the engine's executor counters.
// One-shots are not listed; they disappear once fired and the status
// surfaces only recurring work.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Timezone: s.cfg.Timezone}
	entries := make([]entry, len(s.entries))
	copy(entries, s.entries)
	cr := s.cr
	loc := s.loc
	exec := s.exec
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	if snap.Timezone == "" {
		snap.Timezone = loc.String()
	}

	snap.Schedules = make([]ScheduleInfo, 0, len(entries))
	for _, e := range entries {
		info := ScheduleInfo{ID: e.regID, Name: e.task.Name, Spec: e.expr, Timeout: e.task.Timeout}
		if cr != nil && e.cronID != 0 {
			ce := cr.Entry(e.cronID)
			info.Next = ce.Next
			info.Prev = ce.Prev
		}
		snap.Schedules = append(snap.Schedules, info)
	}

	snap.History = []HistoryItem{}
	if exec != nil {
		es := exec.Snapshot()
		snap.Workers = es.Workers
		snap.InFlight = es.InFlight
		snap.QueueLen = es.QueueLen
		snap.QueueCap = es.QueueCap
		snap.Dropped = es.Dropped
		snap.DroppedQueueFull = es.DroppedQueueFull
		snap.DroppedStale = es.DroppedStale
		snap.DefaultTimeout = es.DefaultTimeout
		snap.MaxQueueDelay = es.MaxQueueDelay
		snap.CircuitTotal = es.CircuitTotal
		snap.CircuitOpen = es.CircuitOpen
		snap.History = es.History
		snap.RetryMax = es.RetryMax
	}

	// Report the retry knobs a task actually runs with, not the raw
	// config values.
	opt := engine.DefaultTaskOptions(engine.Config{RetryMax: snap.RetryMax})
	snap.RetryMax = opt.RetryMax
	snap.RetryBase = opt.RetryBase
	snap.RetryMaxDelay = opt.RetryMaxDelay
	snap.RetryJitter = opt.RetryJitter

	return snap
}
