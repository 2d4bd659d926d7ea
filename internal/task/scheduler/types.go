package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"fragbot/internal/eventbus"
	"fragbot/internal/task/engine"
	logx "fragbot/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name, e.g. "Europe/Berlin"
}

// Execution policy types live in engine; re-export them so callers that
// only register schedules import one package.
type (
	OverlapPolicy = engine.OverlapPolicy
	TaskOptions   = engine.TaskOptions
	HistoryItem   = engine.HistoryItem
	TaskEvent     = engine.TaskEvent
)

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

// entry is one registered cron/interval schedule. The task half is built
// once at registration and handed to the engine verbatim on every
// trigger. Entries survive Stop/Start cycles; cronID is only valid while
// the runner is up.
type entry struct {
	regID  string
	expr   string // cron expression or "@every ..."
	task   engine.Task
	cronID cron.EntryID
}

// oneShot is one pending single-fire job. The definition persists across
// Stop/Start; the armed timer lives in Service.timers and is rebuilt on
// Start. gen invalidates callbacks from timers that were since replaced.
type oneShot struct {
	due  time.Time
	task engine.Task
	gen  uint64
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	loc *time.Location

	exec *engine.Service

	parser  cron.Parser
	cr      *cron.Cron
	entries []entry

	// Per-schedule throttle for enqueue failure warnings.
	warnMu   sync.Mutex
	warnedAt map[string]time.Time

	timerMu sync.Mutex
	timers  map[string]*time.Timer
	pending map[string]*oneShot
}

type ScheduleInfo struct {
	ID      string
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
}

// Snapshot merges trigger state with the executor's diagnostics so one
// status command can show the whole pipeline.
type Snapshot struct {
	Enabled  bool
	Timezone string

	Workers          int
	InFlight         int
	QueueLen         int
	QueueCap         int
	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64
	DefaultTimeout   time.Duration
	MaxQueueDelay    time.Duration
	RetryMax         int
	RetryBase        time.Duration
	RetryMaxDelay    time.Duration
	RetryJitter      float64

	CircuitTotal int
	CircuitOpen  int

	Schedules []ScheduleInfo
	History   []HistoryItem
}
