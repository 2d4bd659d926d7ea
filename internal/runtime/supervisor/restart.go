package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	logx "fragbot/pkg/logx"
)

// A run that survives this long counts as healthy, so the next failure
// starts the backoff ladder from the bottom again.
const steadyRunThreshold = 30 * time.Second

type RestartOption func(*restartCfg)

type restartCfg struct {
	floor        time.Duration
	ceil         time.Duration
	limit        int // <=0 never gives up
	stopOnNil    bool
	fatalFinal   bool
	surfaceFirst bool
}

// WithRestartBackoff bounds the exponential delay between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.floor = min
		}
		if max > 0 {
			c.ceil = max
		}
	}
}

// WithMaxRestarts caps how many failures are retried. The initial run is
// not a restart.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.limit = n } }

// WithFatalOnFinalError records the last error on the supervisor when the
// loop gives up, cancelling siblings if the supervisor cancels on error.
func WithFatalOnFinalError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.fatalFinal = enabled }
}

// WithPublishFirstError records the first failure on the supervisor while
// continuing to restart, so /health shows the problem without losing the
// self-healing.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.surfaceFirst = enabled }
}

// WithStopOnCleanExit controls whether a nil return ends the loop (the
// default) or is itself treated as a failure to restart.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(c *restartCfg) { c.stopOnNil = enabled }
}

// GoRestart keeps fn running: every error or panic is logged, backed off
// and retried until ctx ends. Long-running loops (pollers, watchers, queue
// consumers) go through here so one bad stretch cannot take them out.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{
		floor:     250 * time.Millisecond,
		ceil:      30 * time.Second,
		stopOnNil: true,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.ceil < cfg.floor {
		cfg.ceil = cfg.floor
	}

	// The loop itself runs as one supervised goroutine under a derived
	// name, keeping the logical name's stats per attempt.
	s.Go0(name+".loop", func(ctx context.Context) {
		delay := backoff{min: cfg.floor, max: cfg.ceil, cur: cfg.floor}
		failures := 0

		for ctx.Err() == nil {
			begin := s.markStart(name, failures > 0)

			err, pan, stack := guard(ctx, fn)
			if pan != nil {
				s.markPanic(name, pan)
				if !s.log.IsZero() {
					s.log.Error("goroutine panicked, will restart",
						logx.String("name", name), logx.Any("panic", pan), logx.String("stack", string(stack)))
				}
				err = fmt.Errorf("panic: %v", pan)
			}

			// A return during shutdown is a clean stop regardless of err:
			// dependencies are being torn down underneath fn.
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.markExit(name, begin, nil)
				return
			}

			if err == nil {
				if cfg.stopOnNil {
					s.markExit(name, begin, nil)
					return
				}
				err = errors.New("exited")
			}

			wrapped := fmt.Errorf("%s: %w", name, err)
			s.markExit(name, begin, wrapped)
			if cfg.surfaceFirst {
				s.recordErr(wrapped)
			}

			failures++
			if time.Since(begin) >= steadyRunThreshold {
				delay.reset()
			}
			if cfg.limit > 0 && failures > cfg.limit {
				if !s.log.IsZero() {
					s.log.Error("goroutine gave up after restarts",
						logx.String("name", name), logx.Int("restarts", failures), logx.Any("err", err))
				}
				if cfg.fatalFinal {
					s.recordErr(wrapped)
					if s.failFast {
						s.cancel()
					}
				}
				return
			}

			wait := delay.next()
			if !s.log.IsZero() {
				s.log.Warn("goroutine restarting",
					logx.String("name", name), logx.Duration("backoff", wait), logx.Any("err", err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	})
}

// GoRestart0 is GoRestart for functions without an error return: only a
// panic (or a non-clean-exit policy) triggers a restart.
func (s *Supervisor) GoRestart0(name string, fn func(ctx context.Context), opts ...RestartOption) {
	if fn == nil {
		return
	}
	s.GoRestart(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	}, opts...)
}

// backoff doubles cur up to max on every next call; reset drops it back to
// min. next adds up to 20% jitter so restarting loops don't align.
type backoff struct {
	cur, min, max time.Duration
}

func (b *backoff) reset() { b.cur = b.min }

func (b *backoff) next() time.Duration {
	wait := b.cur
	if wait < b.min {
		wait = b.min
	}
	if wait > b.max {
		wait = b.max
	}

	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}

	if fifth := int64(wait) / 5; fifth > 0 {
		wait += time.Duration(time.Now().UnixNano() % (fifth + 1))
	}
	return wait
}
