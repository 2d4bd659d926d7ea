// Package engine executes queued tasks on a bounded worker pool with
// retries, overlap suppression and a consecutive-failure circuit
// breaker. Scheduling lives elsewhere; the engine only runs what it is
// handed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fragbot/internal/eventbus"
	rtsup "fragbot/internal/runtime/supervisor"
	logx "fragbot/pkg/logx"
)

const dropWarnEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	queue   chan workItem
	sup     *rtsup.Supervisor
	closing chan struct{} // closed when Stop begins
	stopped chan struct{} // non-nil while teardown runs; closed once it finishes

	active int32

	overlapMu sync.Mutex
	overlaps  map[string]*RunState

	breakers breakerStore

	histMu  sync.Mutex
	history []HistoryItem

	seq uint64

	dropTotal uint64
	dropFull  uint64
	dropStale uint64

	fullWarnAt  int64
	staleWarnAt int64
}

// workItem carries a task plus everything resolved at enqueue time, so
// workers never re-read mutable engine config mid-flight.
type workItem struct {
	task Task

	queuedAt time.Time
	budget   time.Duration
	opts     TaskOptions

	overlap *RunState
	held    bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		overlaps: make(map[string]*RunState),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Supervisor exposes the worker pool supervisor for /health. Nil while
// the engine is stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Apply installs cfg from a hot reload. Changing the pool shape
// (workers, queue size) restarts the pool; everything else takes effect
// on the next enqueue.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	up := s.closing != nil && s.stopped == nil
	s.mu.Unlock()

	if !up {
		return
	}
	if old.Workers != cfg.Workers || old.QueueSize != cfg.QueueSize {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start spins up the worker pool. Idempotent; a Start racing an
// in-flight Stop waits for the stop to complete first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	for s.closing != nil {
		stopped := s.stopped
		s.mu.Unlock()
		if stopped == nil {
			return // pool already running
		}
		select {
		case <-stopped:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}

	cfg := s.cfg.withDefaults()
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}

	queue := make(chan workItem, cfg.QueueSize)
	closing := make(chan struct{})
	s.queue = queue
	s.closing = closing
	s.stopped = nil
	atomic.StoreInt32(&s.active, 0)

	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "taskengine"))),
		// A broken worker is not a reason to take the whole bot down.
		rtsup.WithCancelOnError(false),
	)
	s.sup = sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), s.workerMain(closing, queue, i), rtsup.WithPublishFirstError(true))
	}

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

// workerMain wraps worker for the supervisor: a clean return is only
// legitimate during shutdown, anything else gets the worker restarted.
func (s *Service) workerMain(closing <-chan struct{}, queue chan workItem, idx int) func(context.Context) error {
	return func(ctx context.Context) error {
		s.worker(ctx, closing, queue, idx)
		select {
		case <-closing:
			return context.Canceled
		default:
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return errors.New("worker loop ended without shutdown")
	}
}

// Stop drains the pool, waiting at most until ctx expires. The real
// teardown always completes in the background even when the caller
// gives up early.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.closing == nil {
		s.mu.Unlock()
		return
	}
	if s.stopped != nil {
		// Another Stop is already in flight; wait it out.
		wait := s.stopped
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
		}
		return
	}

	fin := make(chan struct{})
	s.stopped = fin
	close(s.closing)
	sup := s.sup
	s.mu.Unlock()

	sup.Cancel()
	go s.teardown(sup, fin)

	select {
	case <-fin:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Any("err", ctx.Err()))
	}
}

// teardown waits out the workers and resets the pool fields. Runs
// unbounded; Stop's ctx only limits how long the caller blocks.
func (s *Service) teardown(sup *rtsup.Supervisor, fin chan struct{}) {
	_ = sup.Wait(context.Background())
	s.mu.Lock()
	s.queue = nil
	s.closing = nil
	s.stopped = nil
	s.sup = nil
	atomic.StoreInt32(&s.active, 0)
	s.mu.Unlock()
	close(fin)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	c, q := s.cfg, s.queue
	s.mu.Unlock()

	var ql, qc int
	if q != nil {
		ql, qc = len(q), cap(q)
	}
	ct, co := s.circuitSnapshot(time.Now(), c)

	return Snapshot{
		Enabled:          c.Enabled,
		Workers:          c.Workers,
		QueueLen:         ql,
		QueueCap:         qc,
		InFlight:         int(atomic.LoadInt32(&s.active)),
		Dropped:          atomic.LoadUint64(&s.dropTotal),
		DroppedQueueFull: atomic.LoadUint64(&s.dropFull),
		DroppedStale:     atomic.LoadUint64(&s.dropStale),
		DefaultTimeout:   c.DefaultTimeout,
		MaxQueueDelay:    c.MaxQueueDelay,
		RetryMax:         c.RetryMax,
		CircuitTotal:     ct,
		CircuitOpen:      co,
		History:          s.historyCopy(),
	}
}

func (s *Service) historyCopy() []HistoryItem {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	out := make([]HistoryItem, len(s.history))
	copy(out, s.history)
	return out
}

// pushHistory appends rec and trims to the configured cap.
func (s *Service) pushHistory(rec HistoryItem, keep int) {
	if keep <= 0 {
		keep = 200
	}
	s.histMu.Lock()
	s.history = append(s.history, rec)
	if n := len(s.history) - keep; n > 0 {
		s.history = s.history[n:]
	}
	s.histMu.Unlock()
}
