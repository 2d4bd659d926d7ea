package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fragbot/internal/eventbus"
	"fragbot/internal/notifier"
	"fragbot/internal/observability/pprof"
	"fragbot/internal/storage"
	"fragbot/internal/task/engine"
	"fragbot/internal/task/scheduler"
	kit "fragbot/internal/transport"
	telegram "fragbot/internal/transport/telegram/adapter"
	logx "fragbot/pkg/logx"
)

// App owns every long-lived subsystem: the Telegram adapter, logging,
// storage, the task pipeline, the notifier, pprof, the command router
// and the plugin runtime. NewApp wires them from config, Start brings
// them up under one supervisor, Stop tears them down in dependency
// order.
type App struct {
	cfgPath string

	conf *ConfigManager
	sup  *Supervisor

	log    logx.Logger
	logSvc *logx.Service
	bus    eventbus.Bus
	store  storage.Store

	adapter kit.Adapter

	engine *engine.Service
	sched  *scheduler.Service
	notif  *notifier.Service
	pprof  *pprof.Service

	cmds    *CommandManager
	plugins *PluginManager

	svcs *Services

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	conf := NewConfigManager(cfgPath)
	cfg, err := conf.Load()
	if err != nil {
		return nil, err
	}

	adapter, err := buildAdapter(cfg)
	if err != nil {
		return nil, err
	}
	logSvc, log := buildLogging(cfg, adapter)

	bus := eventbus.New()

	store, err := openStorage(cfg, log)
	if err != nil {
		return nil, err
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)
	schd := scheduler.New(scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	}, eng, log.With(logx.String("comp", "scheduler")), bus)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	ntf := notifier.New(ncfg, adapter, log.With(logx.String("comp", "notifier")), bus, store)

	ppc, err := buildPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	prof := pprof.New(ppc, log.With(logx.String("comp", "pprof")))

	svcs := &Services{
		Scheduler:          schd,
		Notifier:           ntf,
		RuntimeSupervisors: NewSupervisorRegistry(),
	}
	cmds := NewCommandManager(log.With(logx.String("comp", "commands")),
		adapter, conf, svcs, cfg.Telegram.OwnerUserIDs)
	plugins := NewPluginManager(log.With(logx.String("comp", "plugins")),
		conf, PluginDeps{
			Logger:      log,
			Adapter:     adapter,
			Config:      conf,
			Services:    svcs,
			Bus:         bus,
			Store:       store,
			OwnerUserID: cfg.Telegram.OwnerUserIDs,
		}, cmds)
	// Operational commands read plugin state through the services bundle.
	svcs.Plugins = plugins

	return &App{
		cfgPath: cfgPath,
		conf:    conf,
		log:     log,
		logSvc:  logSvc,
		bus:     bus,
		store:   store,
		adapter: adapter,
		engine:  eng,
		sched:   schd,
		notif:   ntf,
		pprof:   prof,
		cmds:    cmds,
		plugins: plugins,
		svcs:    svcs,
		updates: make(chan kit.Update, 256),
	}, nil
}

// buildAdapter wires the Telegram transport. It runs before the logging
// service exists, so it gets a plain console logger.
func buildAdapter(cfg *Config) (kit.Adapter, error) {
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := parseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
}

// buildLogging boots the logging service in three steps. logx.New
// applies its config immediately, and applying "telegram enabled"
// before the target chat is known would warn — so boot with that sink
// off, set the target, then apply the real config.
func buildLogging(cfg *Config, ad kit.Adapter) (*logx.Service, logx.Logger) {
	boot := mapLoggingConfig(cfg)
	boot.Telegram.Enabled = false
	svc, log := logx.New(boot, ad)

	if raw := strings.TrimSpace(cfg.Telegram.GroupLog); raw != "" {
		if chatID, err := strconv.ParseInt(raw, 10, 64); err == nil {
			svc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
		}
	}
	svc.Apply(mapLoggingConfig(cfg))
	return svc, log.With(logx.String("comp", "app"))
}

func openStorage(cfg *Config, log logx.Logger) (storage.Store, error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil || !enabled {
		return nil, err
	}
	st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage enabled", logx.String("driver", sc.Driver))
	return st, nil
}

func (a *App) Plugins() *PluginManager { return a.plugins }

// Done is closed when the app supervisor context is canceled (fatal
// error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err reports the first fatal error the supervisor observed, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	if a.svcs != nil {
		a.svcs.AppSupervisor = a.sup
		if a.svcs.RuntimeSupervisors == nil {
			a.svcs.RuntimeSupervisors = NewSupervisorRegistry()
		}
	}

	// Reloads are transactional: the validator runs before a new config
	// is committed or fanned out.
	if a.conf != nil {
		a.conf.SetLogger(a.log.With(logx.String("comp", "config")))
		a.conf.SetValidator(a.validateConfig)
	}

	run := a.sup.Context()
	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	a.shareSupervisor("telegram.adapter", a.adapter)

	if a.notif != nil && a.notif.Enabled() {
		a.notif.Start(run)
		a.shareSupervisor("notifier", a.notif)
	}
	if a.engine != nil && a.engine.Enabled() {
		a.engine.Start(run)
		a.shareSupervisor("task.engine", a.engine)
	}
	if a.sched.Enabled() {
		a.sched.Start(run)
	}
	if a.pprof != nil && a.pprof.Enabled() {
		a.pprof.Start(run)
		a.shareSupervisor("pprof", a.pprof)
	}

	if err := a.plugins.StartAll(run); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmds.DispatchLoop(c, a.updates)
	})
	a.watchBusEvents()
	a.watchConfig()

	a.log.Info("app started")
	return nil
}

// shareSupervisor publishes a subsystem's supervisor in the registry so
// /health sup can report its goroutines. Subsystems without one are
// skipped.
func (a *App) shareSupervisor(name string, v any) {
	if a.svcs == nil {
		return
	}
	sp, ok := v.(interface{ Supervisor() *Supervisor })
	if !ok {
		return
	}
	if sup := sp.Supervisor(); sup != nil {
		a.svcs.RuntimeSupervisors.Set(name, sup)
	}
}

// validateConfig is the reload gate: a config that fails here is never
// committed or published. The mapping helpers double as validators;
// their results are discarded.
func (a *App) validateConfig(ctx context.Context, cfg *Config) error {
	if te := cfg.TaskEngine; te != nil {
		for _, b := range []struct {
			field string
			v     int
		}{
			{"workers", te.Workers},
			{"queue_size", te.QueueSize},
			{"history_size", te.HistorySize},
			{"retry_max", te.RetryMax},
		} {
			if b.v < 0 {
				return fmt.Errorf("task_engine.%s must be >= 0", b.field)
			}
		}
		if _, err := parseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
			return err
		}
		if _, err := parseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
			return err
		}
		if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
			return fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
	}

	if _, err := parseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}

	if _, err := buildPprofConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}

	if a.plugins != nil {
		return a.plugins.ValidateConfig(ctx, cfg)
	}
	return nil
}

// watchBusEvents logs every bus event at debug level. Components
// subscribe themselves for real work; this loop is observability only.
func (a *App) watchBusEvents() {
	if a.bus == nil {
		return
	}
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Debug level: schedule-heavy deployments emit constantly.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

// watchConfig runs the file watcher and the reload fan-in. The
// subscription opens before either goroutine so an update published
// during startup is not lost.
func (a *App) watchConfig() {
	sub := a.conf.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.conf.Unsubscribe(sub)
		last := a.conf.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				last = a.applyReload(c, last, coalesce(next, sub))
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.conf.Watch(c)
	})
}

// coalesce drains queued configs so a burst of file writes applies
// once, with the newest version.
func coalesce(cfg *Config, sub <-chan *Config) *Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cfg = newer
			}
		default:
			return cfg
		}
	}
}

// applyReload pushes one validated config into every live subsystem and
// returns it as the new baseline for diffing.
func (a *App) applyReload(c context.Context, prev, next *Config) *Config {
	sections, attrs, pluginChanged := SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
	} else {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Debug("config change summary", fields...)
		if len(pluginChanged) > 0 {
			a.log.Debug("plugin config changes detected", logx.Any("plugins", pluginChanged))
		}
	}
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
			break
		}
	}

	a.applyLogging(next)

	// Owner list feeds AccessOwnerOnly checks and plugin deps.
	a.cmds.SetOwners(next.Telegram.OwnerUserIDs)
	a.plugins.SetOwnerUserIDs(next.Telegram.OwnerUserIDs)

	a.applyTaskPipeline(c, next)
	a.applyNotifier(c, next)

	if a.pprof != nil {
		if ppc, err := buildPprofConfig(next); err != nil {
			a.log.Warn("invalid pprof config; keeping previous", logx.Any("err", err))
		} else {
			a.pprof.Reconfigure(c, ppc)
		}
	}

	// Plugin enable/disable plus per-plugin config reconcile.
	a.plugins.OnConfigUpdate(c, next)

	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	} else {
		a.log.Info("config reloaded (no changes)")
	}
	return next
}

// applyLogging re-points the Telegram log sink before applying the new
// config, so enabling the sink and moving its target in one edit does
// not warn about a missing chat.
func (a *App) applyLogging(cfg *Config) {
	if raw := strings.TrimSpace(cfg.Telegram.GroupLog); raw != "" {
		if chatID, err := strconv.ParseInt(raw, 10, 64); err == nil {
			a.logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
		}
	} else {
		a.logSvc.SetTelegramTarget(0, 0) // target cleared via reload
	}
	a.logSvc.Apply(mapLoggingConfig(cfg))
}

// applyTaskPipeline hands the new config to the engine and scheduler,
// then reconciles their enabled state. The scheduler stops first on the
// way down and starts last on the way up, so triggers never fire into a
// stopped engine.
func (a *App) applyTaskPipeline(c context.Context, cfg *Config) {
	schedWasOn := a.sched.Enabled()
	engWasOn := a.engine != nil && a.engine.Enabled()

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Any("err", err))
	} else if a.engine != nil {
		a.engine.Apply(c, engCfg)
	}

	// Trigger-only: execution state lives in the engine.
	a.sched.Apply(scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	})

	schedOn := cfg.Scheduler.Enabled
	engOn := engWasOn
	if err == nil {
		engOn = engCfg.Enabled
	}

	if schedWasOn && !schedOn {
		a.log.Info("scheduler disabled via config")
		a.stopWithin(c, 3*time.Second, a.sched.Stop)
	}
	if engWasOn && !engOn {
		a.log.Info("task engine disabled via config")
		a.stopWithin(c, 3*time.Second, a.engine.Stop)
	}
	if !engWasOn && engOn && a.engine != nil {
		a.log.Info("task engine enabled via config")
		a.engine.Start(c)
	}
	if !schedWasOn && schedOn {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(c)
	}
}

func (a *App) applyNotifier(c context.Context, cfg *Config) {
	if a.notif == nil {
		return
	}
	wasOn := a.notif.Enabled()
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Any("err", err))
		return
	}
	a.notif.Apply(ncfg)
	switch {
	case wasOn && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		a.stopWithin(c, 3*time.Second, a.notif.Stop)
	case !wasOn && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(c)
	}
}

func (a *App) stopWithin(c context.Context, d time.Duration, stop func(context.Context)) {
	ctx, cancel := context.WithTimeout(c, d)
	stop(ctx)
	cancel()
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding
	// while the ordered teardown below runs.
	a.sup.Cancel()

	// Plugins go first: they depend on the services below. StopAll is
	// timeout-safe per plugin.
	a.stopStep(ctx, "plugins", 4*time.Second, func(c context.Context) error {
		a.plugins.StopAll(c, reason)
		return nil
	})

	a.stopStep(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.stopStep(ctx, "taskengine", 2*time.Second, func(c context.Context) error {
		if a.engine != nil {
			a.engine.Stop(c)
		}
		return nil
	})
	a.stopStep(ctx, "pprof", time.Second, func(c context.Context) error {
		if a.pprof != nil {
			a.pprof.Stop(c)
		}
		return nil
	})
	a.stopStep(ctx, "notifier", time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.stopStep(ctx, "adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	a.stopStep(ctx, "storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Supervised goroutines (config watch/reload, dispatcher) drain last.
	a.stopStep(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logSvc != nil {
		a.logSvc.Close()
	}
	return nil
}

// stopStep runs one teardown step with an upper bound so a stuck
// component cannot stall the whole shutdown.
func (a *App) stopStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx, cancel := boundStop(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
		}
		took := time.Since(start)
		logf := a.log.Debug
		if took >= 500*time.Millisecond {
			logf = a.log.Info
		}
		logf("stop step end", logx.String("name", name), logx.Duration("took", took))
	case <-stepCtx.Done():
		// fn is expected to honor stepCtx; reaching here means it has not
		// returned yet. Keep going, but watch for the leak.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.String("err", stepCtx.Err().Error()),
			logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}

// boundStop caps ctx at max without ever extending an earlier caller
// deadline. max <= 0, or a caller deadline already at or under max,
// leaves ctx unchanged.
func boundStop(ctx context.Context, max time.Duration) (context.Context, context.CancelFunc) {
	if max <= 0 {
		return ctx, func() {}
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) <= max {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, max)
}

func mapLoggingConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:    cfg.Logging.File.Enabled,
			Path:       cfg.Logging.File.Path,
			MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
			MaxBackups: cfg.Logging.File.MaxBackups,
			MaxAgeDays: cfg.Logging.File.MaxAgeDays,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// mapTaskEngineConfig resolves the task_engine section against its
// defaults. Scheduler.enabled is the fallback for engine.enabled so a
// bare "scheduler": {"enabled": true} runs work out of the box.
func mapTaskEngineConfig(cfg *Config) (engine.Config, error) {
	if cfg == nil {
		return engine.Config{}, nil
	}

	out := engine.Config{
		Enabled:     cfg.Scheduler.Enabled,
		Workers:     2,
		QueueSize:   256,
		HistorySize: 200,
		RetryMax:    3,
	}
	var defTimeout, maxQueueDelay string

	if te := cfg.TaskEngine; te != nil {
		// Reject a config where scheduler triggers run but the engine is
		// explicitly off.
		if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
			return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
		if te.Enabled != nil {
			out.Enabled = *te.Enabled
		}
		if te.Workers > 0 {
			out.Workers = te.Workers
		}
		if te.QueueSize > 0 {
			out.QueueSize = te.QueueSize
		}
		switch {
		case te.HistorySize > 0:
			out.HistorySize = te.HistorySize
		case te.HistorySize < 0:
			out.HistorySize = 0 // negative disables history
		}
		switch {
		case te.RetryMax > 0:
			out.RetryMax = te.RetryMax
		case te.RetryMax < 0:
			out.RetryMax = 0
		}
		defTimeout = te.DefaultTimeout
		maxQueueDelay = te.MaxQueueDelay
	}

	var err error
	if out.DefaultTimeout, err = parseDurationField("task_engine.default_timeout", defTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = parseDurationField("task_engine.max_queue_delay", maxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}
