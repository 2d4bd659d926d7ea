package engine

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"fragbot/internal/eventbus"
	logx "fragbot/pkg/logx"
)

// Enqueue hands the task to the pool without blocking; a full queue
// drops it with ErrQueueFull. Use Submit for backpressure instead.
func (s *Service) Enqueue(task Task) error {
	return s.enqueue(context.Background(), task, false)
}

// Submit blocks until the task is accepted, ctx ends, or the engine
// begins stopping.
func (s *Service) Submit(ctx context.Context, task Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, task, true)
}

func (s *Service) enqueue(ctx context.Context, task Task, block bool) error {
	if task.Run == nil {
		return fmt.Errorf("task has no Run function")
	}
	task.Name = strings.TrimSpace(task.Name)
	if task.Name == "" {
		return fmt.Errorf("task name is required")
	}

	now := time.Now()
	if strings.TrimSpace(task.ID) == "" {
		task.ID = s.nextTaskID(now)
	}

	s.mu.Lock()
	cfg, queue, closing := s.cfg, s.queue, s.closing
	stopping := s.stopped != nil
	log, bus := s.log, s.bus
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case queue == nil || closing == nil:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	budget := task.Timeout
	if budget <= 0 {
		budget = cfg.DefaultTimeout
	}
	opts := task.Opt.withDefaults(cfg)

	// A tripped circuit rejects at the door, before the overlap state is
	// touched, so the failing downstream gets an actual quiet period.
	if open, until := s.circuitIsOpen(now, task.circuitKey(), cfg, opts); open {
		publishTask(bus, "task.skipped", now, TaskEvent{ID: task.ID, Name: task.Name, Started: now, Error: "circuit_open"})
		if !log.IsZero() {
			log.Debug("enqueue rejected: circuit open", logx.String("task", task.Name), logx.String("id", task.ID), logx.Time("until", until))
		}
		s.pushHistory(HistoryItem{ID: task.ID, Name: task.Name, Started: now, Error: "circuit_open"}, cfg.HistorySize)
		return ErrCircuitOpen
	}

	rs := task.State
	if rs == nil {
		rs = s.overlapState(task.ConcurrencyKey, task.Name)
	}

	held := false
	if opts.Overlap == OverlapSkipIfRunning {
		if !rs.claim() {
			publishTask(bus, "task.skipped", now, TaskEvent{ID: task.ID, Name: task.Name, Started: now, Error: "overlap_skip"})
			if !log.IsZero() {
				log.Debug("enqueue skipped: previous run still active", logx.String("task", task.Name), logx.String("id", task.ID))
			}
			return ErrOverlapSkip
		}
		held = true
	}
	bail := func() {
		if held {
			rs.release()
		}
	}

	item := workItem{task: task, queuedAt: now, budget: budget, opts: opts, overlap: rs, held: held}

	if !block {
		select {
		case queue <- item:
			return nil
		default:
			bail()
			s.noteQueueFullDrop(now, task, queue, log, bus)
			return ErrQueueFull
		}
	}

	select {
	case queue <- item:
		return nil
	case <-ctx.Done():
		bail()
		return ctx.Err()
	case <-closing:
		bail()
		return ErrStopping
	}
}

// circuitKey picks the circuit breaker bucket. Tasks sharing a
// ConcurrencyKey share a circuit, so one failing player lookup does not
// trip the breaker for every other task reusing the same downstream.
func (t Task) circuitKey() string {
	if k := strings.TrimSpace(t.ConcurrencyKey); k != "" {
		return k
	}
	return t.Name
}

func (s *Service) overlapState(concurrencyKey, name string) *RunState {
	bucket := strings.TrimSpace(concurrencyKey)
	if bucket == "" {
		bucket = strings.TrimSpace(name)
	}
	if bucket == "" {
		bucket = "default"
	}

	s.overlapMu.Lock()
	defer s.overlapMu.Unlock()
	rs := s.overlaps[bucket]
	if rs == nil {
		rs = &RunState{}
		s.overlaps[bucket] = rs
	}
	return rs
}

func (s *Service) nextTaskID(now time.Time) string {
	n := atomic.AddUint64(&s.seq, 1)
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), n)
}

// publishTask emits a lifecycle event when a bus is wired.
func publishTask(bus eventbus.Bus, typ string, at time.Time, ev TaskEvent) {
	if bus != nil {
		bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
	}
}

// warnAllowed rate-limits drop warnings; losing the CAS race just means
// another goroutine warned for this window.
func (s *Service) warnAllowed(last *int64, now time.Time) bool {
	seen := atomic.LoadInt64(last)
	ts := now.UnixNano()
	if seen != 0 && ts-seen < int64(dropWarnEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, seen, ts)
}

func (s *Service) noteQueueFullDrop(now time.Time, task Task, queue chan workItem, log logx.Logger, bus eventbus.Bus) {
	atomic.AddUint64(&s.dropTotal, 1)
	atomic.AddUint64(&s.dropFull, 1)

	publishTask(bus, "task.dropped", now, TaskEvent{ID: task.ID, Name: task.Name, Started: now, Error: "queue_full"})
	if log.IsZero() || !s.warnAllowed(&s.fullWarnAt, now) {
		return
	}
	var ql, qc int
	if queue != nil {
		ql, qc = len(queue), cap(queue)
	}
	log.Warn("queue full; task dropped",
		logx.String("task", task.Name),
		logx.String("id", task.ID),
		logx.Int("queue_len", ql),
		logx.Int("queue_cap", qc),
		logx.Uint64("dropped_queue_full", atomic.LoadUint64(&s.dropFull)),
	)
}

func (s *Service) noteStaleDrop(now time.Time, task Task, wait time.Duration) {
	atomic.AddUint64(&s.dropTotal, 1)
	atomic.AddUint64(&s.dropStale, 1)

	publishTask(s.bus, "task.dropped", now, TaskEvent{ID: task.ID, Name: task.Name, Started: now, QueueDelay: wait, Error: "stale_queue_delay"})
	if s.log.IsZero() || !s.warnAllowed(&s.staleWarnAt, now) {
		return
	}
	s.log.Warn("queue delay exceeded; task dropped",
		logx.String("task", task.Name),
		logx.String("id", task.ID),
		logx.Duration("queue_delay", wait),
		logx.Uint64("dropped_stale", atomic.LoadUint64(&s.dropStale)),
	)
}
