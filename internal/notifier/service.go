package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fragbot/internal/eventbus"
	rtsup "fragbot/internal/runtime/supervisor"
	"fragbot/internal/storage"
	kit "fragbot/internal/transport"
	logx "fragbot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const (
	historyLimit = 300
	sendTimeout  = 10 * time.Second
)

type outbound struct {
	note kit.Notification
	// key is computed at enqueue time so workers never touch the hash.
	key string
}

// Service delivers notifications asynchronously: Notify enqueues, a
// worker pool sends under a shared rate limit with retries, and a dedup
// cache suppresses repeats inside a configured window.
//
// All methods may be called concurrently.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus
	store   storage.Store

	cfg      Config
	throttle *rate.Limiter

	intakeOpen bool
	enqWG      sync.WaitGroup // in-flight Notify calls

	sendq    chan outbound
	sup      *rtsup.Supervisor
	stopping chan struct{} // non-nil while a Stop is in progress

	// In-memory dedup cache: key -> suppress until.
	dedupMu    sync.Mutex
	dedupUntil map[string]time.Time

	// Optional persistent dedup writes (best-effort).
	flushq chan dedupEntry

	// In-memory history (for /status).
	histMu sync.Mutex
	recent []HistoryItem
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		adapter:    adapter,
		log:        log,
		bus:        bus,
		store:      store,
		dedupUntil: map[string]time.Time{},
	}
	s.setConfigLocked(cfg)
	return s
}

// Supervisor exposes the worker pool's supervisor for /health; nil
// while the service is stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	on := s.cfg.Enabled
	s.mu.Unlock()
	return on
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.setConfigLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) setConfigLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	// Token bucket with burst = rate per sec, so short spikes don't block too hard.
	s.throttle = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start brings the worker pool up. It is idempotent, and when a Stop is
// in flight it waits for that Stop to finish so the two never overlap.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	for s.stopping != nil {
		done := s.stopping
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.sendq != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	q := make(chan outbound, s.cfg.QueueSize)
	s.sendq = q
	s.intakeOpen = true
	poolSize := s.cfg.Workers

	var wq chan dedupEntry
	if s.cfg.PersistDedup && s.store != nil {
		wq = make(chan dedupEntry, 1024)
	}
	s.flushq = wq

	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		// Notifier failures must not take down the app; delivery is best-effort.
		rtsup.WithCancelOnError(false),
	)
	s.sup = sup
	db := s.store
	s.mu.Unlock()

	s.spawn(sup, q, wq, db, poolSize)
}

// spawn runs the flush loop and the worker pool under the notifier's
// own supervisor so a panicking worker comes back on its own.
func (s *Service) spawn(sup *rtsup.Supervisor, q chan outbound, wq chan dedupEntry, db storage.Store, poolSize int) {
	if wq != nil {
		sup.GoRestart("dedup.flush", func(c context.Context) error {
			s.flushLoop(c, wq, db)
			return s.loopExitErr(c, "notifier flush loop exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	for i := 0; i < poolSize; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.sendLoop(c, q, idx)
			return s.loopExitErr(c, "notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// loopExitErr classifies a loop return: clean during shutdown, error otherwise.
func (s *Service) loopExitErr(ctx context.Context, msg string) error {
	s.mu.Lock()
	stopping := s.stopping != nil
	s.mu.Unlock()
	if stopping {
		return context.Canceled
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New(msg)
}

// Stop closes intake and lets the workers finish what is already
// queued. When ctx expires first the internal loops are canceled and
// whatever remains in the queue is lost.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.sendq == nil {
		s.mu.Unlock()
		return
	}
	if s.stopping != nil {
		// Another Stop is already draining; just wait for it.
		done := s.stopping
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopping = done
	s.intakeOpen = false
	q, wq, sup := s.sendq, s.flushq, s.sup
	s.mu.Unlock()

	// Drain asynchronously so callers can time out without leaking state.
	go s.drain(done, q, wq, sup)

	select {
	case <-done:
	case <-ctx.Done():
		// Force-stop internal loops; drain still resets state when they exit.
		if sup != nil {
			sup.Cancel()
		}
	}
}

// drain closes the intake channels once in-flight enqueues are gone,
// lets the workers empty the queue, then resets the service so Start
// can run again.
func (s *Service) drain(done chan struct{}, q chan outbound, wq chan dedupEntry, sup *rtsup.Supervisor) {
	defer close(done)

	// Notify holds enqWG while it may still write to q.
	s.enqWG.Wait()
	closeQuiet(wq)
	closeQuiet(q)
	if sup != nil {
		_ = sup.Wait(context.Background())
	}

	s.mu.Lock()
	s.sendq = nil
	s.flushq = nil
	s.stopping = nil
	s.sup = nil
	s.mu.Unlock()
}

func closeQuiet[T any](ch chan T) {
	if ch == nil {
		return
	}
	defer func() { _ = recover() }()
	close(ch)
}

func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	switch {
	case !s.cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case !s.intakeOpen || s.sendq == nil:
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.sendq
	// Config snapshot for dedup computation.
	window, maxEntries := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	persist := s.cfg.PersistDedup
	db, wq := s.store, s.flushq
	s.enqWG.Add(1)
	s.mu.Unlock()
	defer s.enqWG.Done()

	key := dedupKey(n)
	if window > 0 && key != "" && !s.dedupAllow(ctx, key, window, maxEntries, persist, db, wq) {
		s.publish("notify.deduped", n, key, "")
		return nil
	}

	s.publish("notify.queued", n, key, "")
	select {
	case q <- outbound{note: n, key: key}:
		return nil
	default:
		s.publish("notify.dropped", n, key, ErrQueueFull.Error())
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() []HistoryItem {
	s.histMu.Lock()
	items := append([]HistoryItem(nil), s.recent...)
	s.histMu.Unlock()
	return items
}

func (s *Service) recordSent(text string) {
	s.histMu.Lock()
	s.recent = append(s.recent, HistoryItem{At: time.Now(), Text: text})
	if len(s.recent) > historyLimit {
		s.recent = s.recent[len(s.recent)-historyLimit:]
	}
	s.histMu.Unlock()
}

// publish emits a notifier lifecycle event. The bus is set once in New and
// never replaced, so no lock is needed here.
func (s *Service) publish(evType string, n kit.Notification, key, errMsg string) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	s.bus.Publish(eventbus.Event{Type: evType, Time: now, Data: NotificationEvent{
		Channel:  n.Channel,
		ChatID:   n.Target.ChatID,
		ThreadID: n.Target.ThreadID,
		Key:      key,
		At:       now,
		Error:    errMsg,
	}})
}

func (s *Service) sendLoop(ctx context.Context, q <-chan outbound, idx int) {
	if ctx == nil {
		ctx = context.Background()
	}
	if q == nil {
		return
	}
	// Per-worker RNG for retry jitter, same scheme as the task engine workers.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, ev, rng)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, ev outbound, rng *rand.Rand) {
	// Config snapshot for this send.
	s.mu.Lock()
	cfg, rl, via, log := s.cfg, s.throttle, s.adapter, s.log
	s.mu.Unlock()

	if via == nil {
		return
	}
	// Tag the message by priority.
	text := prefixForPriority(ev.note.Priority) + ev.note.Text
	if text == "" {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	// withDefaults keeps RetryMax >= 0.
	attempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		// The limiter wait is cancelable.
		if rl != nil {
			if err := rl.Wait(ctx); err != nil {
				return
			}
		}

		err := deliver(ctx, via, ev.note, text)
		if err == nil {
			s.recordSent(text)
			s.publish("notify.sent", ev.note, ev.key, "")
			return
		}
		lastErr = err
		log.Debug("notify send failed", logx.Any("err", err), logx.Int("attempt", attempt), logx.Int("max", attempts))

		if attempt == attempts {
			break
		}
		if !sleepFor(ctx, retryDelay(cfg, attempt, rng)) {
			return
		}
	}

	if lastErr != nil {
		s.publish("notify.failed", ev.note, ev.key, lastErr.Error())
	}
}

// deliver makes one bounded send call so a hung transport cannot pin a
// worker.
func deliver(ctx context.Context, via kit.Adapter, n kit.Notification, text string) error {
	callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	_, err := via.SendText(callCtx, n.Target, text, n.Options)
	return err
}

// sleepFor blocks for d, reporting false when ctx ends first.
func sleepFor(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func prefixForPriority(p int) string {
	if p >= 9 {
		return "🚨 "
	}
	if p >= 7 {
		return "⚠️ "
	}
	if p >= 5 {
		return "ℹ️ "
	}
	return ""
}

// retryDelay computes the wait before the next attempt: exponential from
// RetryBase, capped at RetryMaxDelay, with 0.7..1.3 jitter. A nil rng skips
// the jitter.
func retryDelay(cfg Config, attempt int, rng *rand.Rand) time.Duration {
	floor := cfg.RetryBase
	if floor <= 0 {
		floor = 500 * time.Millisecond
	}
	ceil := cfg.RetryMaxDelay
	if ceil <= 0 {
		ceil = 10 * time.Second
	}

	wait := floor
	for n := attempt - 1; n > 0 && wait < ceil; n-- {
		wait *= 2
	}
	if wait > ceil {
		wait = ceil
	}
	if rng != nil {
		wait = time.Duration(float64(wait) * (0.7 + 0.6*rng.Float64()))
		if wait > ceil {
			wait = ceil
		}
	}
	if wait < 0 {
		return 0
	}
	return wait
}
