package scheduler

import (
	"errors"
	"time"

	"fragbot/internal/task/engine"
	logx "fragbot/pkg/logx"
)

// Repeated enqueue failures for one schedule collapse into a single
// warn per window so a wedged queue does not flood the log.
const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs a failed trigger handoff. Overlap skips and
// open circuits are expected flow control and stay at debug; the engine
// already reports those on its own. Everything else warns, throttled
// per schedule name.
func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil || s.log.IsZero() {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) || errors.Is(err, engine.ErrCircuitOpen) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Any("err", err))
		return
	}
	if s.shouldWarnEnqueue(name, time.Now()) {
		s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Any("err", err))
	}
}

func (s *Service) shouldWarnEnqueue(name string, now time.Time) bool {
	s.warnMu.Lock()
	defer s.warnMu.Unlock()
	if s.warnedAt == nil {
		s.warnedAt = make(map[string]time.Time)
	}
	if last, ok := s.warnedAt[name]; ok && now.Sub(last) < enqueueWarnThrottle {
		return false
	}
	s.warnedAt[name] = now
	return true
}
