package engine

import (
	"context"
	"sync"
	"time"
)

// Task is one unit of work.
//
// ConcurrencyKey names the shared overlap/circuit state; tasks with the
// same key never run concurrently under OverlapSkipIfRunning even when
// their names differ. An empty key falls back to the task name.
type Task struct {
	ID             string
	Name           string
	Timeout        time.Duration
	Run            func(ctx context.Context) error
	Opt            TaskOptions
	ConcurrencyKey string
	State          *RunState
}

// Config is the engine-wide execution policy, mapped from the
// task_engine config section by the app layer.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout applies when Task.Timeout is zero.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that waited in the queue longer than
	// this; zero keeps everything.
	MaxQueueDelay time.Duration

	HistorySize int
	RetryMax    int

	// Breaker thresholds. CircuitTripFailures < 0 disables the breaker,
	// 0 picks the default.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

// withDefaults fills unset execution and breaker knobs on a copy. The
// stored config keeps whatever the app layer mapped.
func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.CircuitTripFailures == 0 {
		c.CircuitTripFailures = 5
	}
	if c.CircuitBaseDelay <= 0 {
		c.CircuitBaseDelay = 5 * time.Second
	}
	if c.CircuitMaxDelay <= 0 {
		c.CircuitMaxDelay = 2 * time.Minute
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = 5 * time.Minute
	}
	return c
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

type TaskOptions struct {
	Overlap       OverlapPolicy
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // fraction, 0.2 = ±20%

	// CircuitTripFailures overrides the engine threshold for this task:
	// negative disables the breaker, zero keeps the engine default.
	CircuitTripFailures int
}

func (opt TaskOptions) withDefaults(cfg Config) TaskOptions {
	if opt.RetryMax <= 0 {
		opt.RetryMax = cfg.RetryMax
	}
	if opt.RetryBase <= 0 {
		opt.RetryBase = 500 * time.Millisecond
	}
	if opt.RetryMaxDelay <= 0 {
		opt.RetryMaxDelay = 15 * time.Second
	}
	if opt.RetryJitter <= 0 {
		opt.RetryJitter = 0.2
	}
	switch opt.Overlap {
	case OverlapAllow, OverlapSkipIfRunning:
	default:
		opt.Overlap = OverlapSkipIfRunning
	}
	return opt
}

// DefaultTaskOptions resolves the options a task gets when it provides
// none, so diagnostics can show the active retry policy.
func DefaultTaskOptions(cfg Config) TaskOptions {
	var opt TaskOptions
	return opt.withDefaults(cfg)
}

// RunState is the shared in-flight marker behind OverlapSkipIfRunning.
// "Running" includes "already queued", which keeps a fast schedule from
// piling copies of the same task into the queue.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

// claim marks the state in-flight; false means another run holds it.
func (rs *RunState) claim() bool {
	if rs == nil {
		return true
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.inflight > 0 {
		return false
	}
	rs.inflight++
	return true
}

func (rs *RunState) release() {
	if rs == nil {
		return
	}
	rs.mu.Lock()
	if rs.inflight > 0 {
		rs.inflight--
	}
	rs.mu.Unlock()
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// TaskEvent is the bus payload for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a point-in-time view for diagnostics commands.
type Snapshot struct {
	Enabled  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64

	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration
	RetryMax       int

	CircuitTotal int
	CircuitOpen  int

	History []HistoryItem
}
