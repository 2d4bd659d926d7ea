package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	logx "fragbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, closing <-chan struct{}, queue chan workItem, idx int) {
	// Per-worker RNG keeps retry jitter off the global rand lock.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		if stopRequested(ctx, closing) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-closing:
			return
		case item, ok := <-queue:
			if !ok {
				return
			}
			atomic.AddInt32(&s.active, 1)
			s.runTask(ctx, closing, item, rng)
			atomic.AddInt32(&s.active, -1)
		}
	}
}

// stopRequested gives a closed stop channel priority over queued work.
func stopRequested(ctx context.Context, closing <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-closing:
		return true
	default:
		return false
	}
}

// queueAge is how long the item sat in the queue; clock weirdness
// between enqueue and dequeue never yields a negative age.
func queueAge(queuedAt, now time.Time) time.Duration {
	if queuedAt.IsZero() {
		return 0
	}
	if d := now.Sub(queuedAt); d > 0 {
		return d
	}
	return 0
}

func (s *Service) runTask(ctx context.Context, closing <-chan struct{}, item workItem, rng *rand.Rand) {
	start := time.Now()
	wait := queueAge(item.queuedAt, start)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	// Tasks that rotted in the queue are not worth running; stale poll
	// results would only produce wrong session decisions.
	if cfg.MaxQueueDelay > 0 && wait > cfg.MaxQueueDelay {
		if item.held {
			item.overlap.release()
		}
		s.noteStaleDrop(start, item.task, wait)
		s.pushHistory(HistoryItem{ID: item.task.ID, Name: item.task.Name, Started: start, QueueDelay: wait, Error: "stale_queue_delay"}, cfg.HistorySize)
		return
	}

	s.log.Debug("task.started", logx.String("task", item.task.Name), logx.Duration("queue_delay", wait))
	publishTask(s.bus, "task.started", start, TaskEvent{ID: item.task.ID, Name: item.task.Name, Started: start, QueueDelay: wait})
	if item.held {
		defer item.overlap.release()
	}

	err, attempts := s.runAttempts(ctx, closing, item, rng)

	dur := time.Since(start)
	rec := HistoryItem{ID: item.task.ID, Name: item.task.Name, Started: start, Duration: dur, QueueDelay: wait}
	if err != nil {
		rec.Error = err.Error()
		s.log.Warn("task.failed", logx.String("task", item.task.Name), logx.Any("err", err), logx.Duration("queue_delay", wait), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		publishTask(s.bus, "task.failed", time.Now(), TaskEvent{ID: item.task.ID, Name: item.task.Name, Started: start, QueueDelay: wait, Duration: dur, Attempts: attempts, Error: rec.Error})
	} else {
		// Slow-but-successful runs surface at info so latency creep in
		// the stats API shows up without debug logging.
		done := s.log.Debug
		if dur >= 750*time.Millisecond {
			done = s.log.Info
		}
		done("task.completed", logx.String("task", item.task.Name), logx.Duration("queue_delay", wait), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		publishTask(s.bus, "task.finished", time.Now(), TaskEvent{ID: item.task.ID, Name: item.task.Name, Started: start, QueueDelay: wait, Duration: dur, Attempts: attempts})
	}

	// The breaker sees only the final outcome, after retries.
	s.circuitRecordResult(time.Now(), item.task.circuitKey(), cfg, item.opts, err)

	s.pushHistory(rec, cfg.HistorySize)
}

// runAttempts executes the task until it succeeds, exhausts its
// attempts, hits a no-retry error, or the engine shuts down.
func (s *Service) runAttempts(ctx context.Context, closing <-chan struct{}, item workItem, rng *rand.Rand) (error, int) {
	tries := 1 + item.opts.RetryMax
	if tries < 1 {
		tries = 1
	}

	for attempt := 1; ; attempt++ {
		err := s.runOnce(ctx, item)
		if err == nil {
			return nil, attempt
		}

		var fatal noRetryError
		if errors.As(err, &fatal) {
			return fatal.cause, attempt
		}
		if attempt == tries {
			return err, attempt
		}

		delay := backoffDelayWithHint(item.opts, attempt, err, rng)
		if delay <= 0 {
			continue
		}
		s.log.Debug("task retry scheduled", logx.String("task", item.task.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Any("err", err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err(), attempt
		case <-closing:
			t.Stop()
			return ErrStopped, attempt
		case <-t.C:
		}
	}
}

// runOnce runs the task once with its timeout, converting panics to
// errors so one bad task cannot take a worker down.
func (s *Service) runOnce(ctx context.Context, item workItem) (err error) {
	if item.budget > 0 {
		tctx, cancel := context.WithTimeout(ctx, item.budget)
		defer cancel()
		ctx = tctx
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", item.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return item.task.Run(ctx)
}

// retryPolicy is TaskOptions' retry knobs with defaults resolved.
type retryPolicy struct {
	base time.Duration
	ceil time.Duration
	jit  float64
}

func resolveRetryPolicy(opt TaskOptions) retryPolicy {
	pol := retryPolicy{base: opt.RetryBase, ceil: opt.RetryMaxDelay, jit: opt.RetryJitter}
	if pol.base <= 0 {
		pol.base = 500 * time.Millisecond
	}
	if pol.ceil <= 0 {
		pol.ceil = 15 * time.Second
	}
	if pol.jit <= 0 {
		pol.jit = 0.2
	}
	return pol
}

// backoffDelayWithHint lets an explicit retry-after hint (the stats
// API's 429 header) override the exponential schedule, still bounded by
// RetryMaxDelay and jittered against thundering herds.
func backoffDelayWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if err == nil || !errors.As(err, &ra) {
		return backoffDelay(opt, retry, rng)
	}

	pol := resolveRetryPolicy(opt)
	d := ra.RetryAfter()
	switch {
	case d < 0:
		d = 0
	case d > pol.ceil:
		d = pol.ceil
	}
	if d > 0 && rng != nil {
		d = jitter(d, pol.jit, rng)
	}
	if d > pol.ceil {
		d = pol.ceil
	}
	return d
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	pol := resolveRetryPolicy(opt)

	d := pol.base
	for n := retry - 1; n > 0 && d < pol.ceil; n-- {
		d *= 2
	}
	if d > pol.ceil {
		d = pol.ceil
	}
	if rng != nil {
		d = jitter(d, pol.jit, rng)
	}
	if d > pol.ceil {
		d = pol.ceil
	}
	return d
}

// jitter scales d by a random factor in [1-frac, 1+frac].
func jitter(d time.Duration, frac float64, rng *rand.Rand) time.Duration {
	r := (rng.Float64()*2 - 1) * frac
	out := time.Duration(float64(d) * (1 + r))
	if out < 0 {
		return 0
	}
	return out
}
