package pluginkit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"fragbot/internal/eventbus"
	core "fragbot/internal/plugin"
	logx "fragbot/pkg/logx"
)

const defaultTaskTimeout = 30 * time.Second

// ScheduleHelper is the plugin-scoped face of core.SchedulerPort. Task
// names are namespaced "<plugin>:<name>" so two plugins can both own a
// "poll", and every registration is tracked so plugin stop can tear its
// schedules down again.
type ScheduleHelper struct {
	plugin string
	svc    core.SchedulerPort
	bus    eventbus.Bus
	log    logx.Logger

	mu     sync.Mutex
	owned  map[string]struct{} // qualified task names
	runCtx context.Context
}

// TaskCancelledByPluginEvent reports a task run cut short because the
// plugin's lifecycle context ended (disable, reload, shutdown of the
// plugin). It tells an operator the early stop was deliberate.
type TaskCancelledByPluginEvent struct {
	Plugin   string        `json:"plugin"`
	Task     string        `json:"task"`
	FullName string        `json:"full_name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

func NewScheduleHelper(name string, deps core.PluginDeps) *ScheduleHelper {
	sh := &ScheduleHelper{
		plugin: name,
		bus:    deps.Bus,
		owned:  map[string]struct{}{},
	}
	if svcs := deps.Services; svcs != nil {
		sh.svc = svcs.Scheduler
	}
	sh.log = deps.Logger
	if sh.log.IsZero() {
		sh.log = logx.Nop()
	}
	sh.log = sh.log.With(logx.String("plugin", name), logx.String("component", "schedule"))
	return sh
}

func (sh *ScheduleHelper) bindContext(ctx context.Context) { sh.runCtx = ctx }

func (sh *ScheduleHelper) ready() bool { return sh != nil && sh.svc != nil }

func (sh *ScheduleHelper) builder(name string) *ScheduleBuilder {
	b := &ScheduleBuilder{sched: sh, task: name, budget: defaultTaskTimeout}
	b.opts = core.TaskOptions{Overlap: core.OverlapSkipIfRunning}
	return b
}

// Spec builds from a schedule string, accepting whatever ParseSchedule
// does: cron five-field specs and descriptors ("*/5 * * * *",
// "@hourly", "@every 55m"), plain durations ("55m", "2h30m") and HH:MM
// intervals ("00:50" meaning every 50 minutes). Interval schedules run
// first one period after the scheduler starts.
func (sh *ScheduleHelper) Spec(name, raw string) *ScheduleBuilder {
	parsed, err := core.ParseSchedule(raw)
	if err == nil {
		switch parsed.Kind {
		case core.ScheduleCron:
			return sh.Cron(name, parsed.Cron)
		case core.ScheduleInterval:
			return sh.Every(name, parsed.Every)
		}
		err = errors.New("unsupported schedule kind")
	}
	b := sh.builder(name)
	b.specErr = err
	return b
}

// Cron builds a cron-spec schedule.
func (sh *ScheduleHelper) Cron(name, expr string) *ScheduleBuilder {
	b := sh.builder(name)
	b.submit = func(qualified string, job func(ctx context.Context) error) (string, error) {
		return sh.svc.AddCronOpt(qualified, expr, b.budget, b.opts, job)
	}
	return b
}

// Every builds a fixed-interval schedule.
func (sh *ScheduleHelper) Every(name string, period time.Duration) *ScheduleBuilder {
	b := sh.builder(name)
	b.submit = func(qualified string, job func(ctx context.Context) error) (string, error) {
		return sh.svc.AddIntervalOpt(qualified, period, b.budget, b.opts, job)
	}
	return b
}

// At builds a one-shot schedule.
func (sh *ScheduleHelper) At(name string, when time.Time) *ScheduleBuilder {
	b := sh.builder(name)
	b.submit = func(qualified string, job func(ctx context.Context) error) (string, error) {
		return sh.svc.AddOnce(qualified, when, b.budget, job)
	}
	return b
}

// Daily builds a schedule firing at HH:MM every day.
func (sh *ScheduleHelper) Daily(name, hhmm string) *ScheduleBuilder {
	b := sh.builder(name)
	b.submit = func(qualified string, job func(ctx context.Context) error) (string, error) {
		return sh.svc.AddDaily(qualified, hhmm, b.budget, job)
	}
	return b
}

// Remove drops one schedule by its short name.
func (sh *ScheduleHelper) Remove(name string) {
	if !sh.ready() {
		return
	}
	qualified := sh.qualify(name)
	sh.svc.Remove(qualified)

	sh.mu.Lock()
	delete(sh.owned, qualified)
	sh.mu.Unlock()
}

// cleanup drops every schedule registered through this helper. Plugin
// stop calls it; running it twice is a no-op.
func (sh *ScheduleHelper) cleanup() {
	if !sh.ready() {
		return
	}
	sh.mu.Lock()
	owned := sh.owned
	sh.owned = map[string]struct{}{}
	sh.mu.Unlock()

	for qualified := range owned {
		sh.svc.Remove(qualified)
	}
}

func (sh *ScheduleHelper) remember(qualified string) {
	sh.mu.Lock()
	sh.owned[qualified] = struct{}{}
	sh.mu.Unlock()
}

// qualify prefixes the task name with the plugin name. Either half may
// be empty; the other then stands alone.
func (sh *ScheduleHelper) qualify(name string) string {
	if sh.plugin == "" || name == "" {
		return sh.plugin + name
	}
	return sh.plugin + ":" + name
}

// ScheduleBuilder accumulates options before registration. The
// constructor that made it decides which scheduler call submit performs;
// timeout and overlap are read at Do time so the setters still apply.
type ScheduleBuilder struct {
	sched   *ScheduleHelper
	task    string
	budget  time.Duration
	opts    core.TaskOptions
	submit  func(qualified string, job func(ctx context.Context) error) (string, error)
	specErr error
}

func (b *ScheduleBuilder) Timeout(limit time.Duration) *ScheduleBuilder {
	b.budget = limit
	return b
}

func (b *ScheduleBuilder) SkipIfRunning() *ScheduleBuilder {
	b.opts.Overlap = core.OverlapSkipIfRunning
	return b
}

func (b *ScheduleBuilder) AllowOverlap() *ScheduleBuilder {
	b.opts.Overlap = core.OverlapAllow
	return b
}

// Do registers the schedule and tracks it for cleanup. Tracking keys on
// the qualified task name rather than the returned id because the
// scheduler removes by name.
func (b *ScheduleBuilder) Do(run func(ctx context.Context) error) error {
	if b == nil || !b.sched.ready() {
		return errors.New("scheduler not available")
	}
	if b.specErr != nil {
		return b.specErr
	}
	if b.submit == nil {
		return errors.New("schedule form not set")
	}
	if run == nil {
		return errors.New("job is nil")
	}

	qualified := b.sched.qualify(b.task)
	if _, err := b.submit(qualified, b.sched.wrapJob(b.task, qualified, run)); err != nil {
		return err
	}
	b.sched.remember(qualified)
	return nil
}

// wrapJob adds the plugin lifecycle context as a second cancellation
// source for every run. The per-run context from the task engine stays
// the owner of deadlines and shutdown; the lifecycle context only lets
// a disabled plugin cut its in-flight job short. context.AfterFunc
// keeps this free of a watcher goroutine per run.
func (sh *ScheduleHelper) wrapJob(shortName, qualified string, job func(ctx context.Context) error) func(ctx context.Context) error {
	plugCtx := sh.runCtx
	if plugCtx == nil {
		return job
	}

	return func(taskCtx context.Context) error {
		started := time.Now()
		var byPlugin atomic.Bool
		cctx, cancel := context.WithCancel(taskCtx)
		stop := context.AfterFunc(plugCtx, func() {
			// Only flag runs that were still live.
			select {
			case <-taskCtx.Done():
				return
			default:
			}
			byPlugin.Store(true)
			cancel()
		})
		defer func() { stop(); cancel() }()

		err := job(cctx)
		// Report only when the plugin context was the cause, not a
		// scheduler stop or run timeout.
		if byPlugin.Load() && taskCtx.Err() == nil &&
			(errors.Is(err, context.Canceled) || errors.Is(cctx.Err(), context.Canceled)) {
			sh.reportPluginCancel(shortName, qualified, started, err)
		}
		return err
	}
}

func (sh *ScheduleHelper) reportPluginCancel(shortName, qualified string, started time.Time, err error) {
	ev := TaskCancelledByPluginEvent{
		Plugin:   sh.plugin,
		Task:     shortName,
		FullName: qualified,
		Started:  started,
		Duration: time.Since(started),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	if sh.bus != nil {
		sh.bus.Publish(eventbus.Event{Type: "task.cancelled_by_plugin", Data: ev})
	}
	sh.log.Info("scheduled task cancelled by plugin",
		logx.String("task", qualified),
		logx.String("plugin", sh.plugin),
		logx.Duration("duration", ev.Duration))
}
