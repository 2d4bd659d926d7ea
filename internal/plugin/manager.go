package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"fragbot/internal/eventbus"
	"fragbot/internal/storage"
	kit "fragbot/internal/transport"
	logx "fragbot/pkg/logx"
)

// Plugin is the lifecycle contract. Name must be stable: it keys config,
// storage, and command namespaces. Init runs once per process; Start and
// Stop run once per enable/disable cycle.
type Plugin interface {
	Name() string
	Init(ctx context.Context, deps PluginDeps) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Commands() []Command
}

// ConfigurablePlugin receives its raw config blob before the first Start and
// again on every effective change.
type ConfigurablePlugin interface {
	OnConfigChange(ctx context.Context, raw json.RawMessage) error
}

// CallbackProvider contributes inline-button callback routes.
type CallbackProvider interface {
	Callbacks() []CallbackRoute
}

// PluginDeps is everything a plugin may hold on to.
type PluginDeps struct {
	Logger      logx.Logger
	Adapter     kit.Adapter
	Config      *ConfigManager
	Services    *Services
	Bus         eventbus.Bus
	Store       storage.Store
	OwnerUserID []int64
}

// pluginEvent is the payload of every plugin.* event on the bus.
type pluginEvent struct {
	Plugin string `json:"plugin"`
	Stage  string `json:"stage,omitempty"`
	Reason string `json:"reason,omitempty"`
	Err    string `json:"err,omitempty"`
	TookMS int64  `json:"took_ms,omitempty"`
	Count  int    `json:"count,omitempty"`
}

// lifecycleCallTimeout bounds each Init/Start/Stop/OnConfigChange call the
// manager makes while reconciling.
const lifecycleCallTimeout = 10 * time.Second

// PluginManager drives registered plugins toward the state the config asks
// for: enabled plugins run, disabled ones do not, and config edits reach a
// running plugin exactly when something it can see changed.
type PluginManager struct {
	mu sync.Mutex

	log      logx.Logger
	cfgm     *ConfigManager
	deps     PluginDeps
	commands *CommandManager

	plugins map[string]Plugin
	running map[string]bool

	// initDone enforces the Init-once rule: enable/disable cycles rerun
	// Start and Stop but never Init, so resources allocated there cannot
	// leak per toggle.
	initDone map[string]bool

	// cfgHash remembers the blob each running plugin last applied;
	// sharedHash does the same for the globals visible through deps.
	cfgHash    map[string]uint64
	sharedHash uint64

	// root is the long-lived parent of every plugin context. Callers may
	// pass short-lived contexts into StartAll and OnConfigUpdate; bindRoot
	// ties root to the first real app context instead.
	root       context.Context
	rootCancel context.CancelFunc
	bridged    bool

	// Per-plugin runtime context, cancelled on disable and on stop.
	runCtx    map[string]context.Context
	runCancel map[string]context.CancelFunc

	// quarantined plugins stay down until their config blob changes.
	quarantined map[string]quarantineRecord

	loopActive map[string]bool
	lastHealth map[string]PluginHealthResult
}

// quarantineRecord pins a failure to the config hash that caused it.
type quarantineRecord struct {
	hash   uint64
	reason string
	since  time.Time
	hits   int
}

func NewPluginManager(log logx.Logger, cfgm *ConfigManager, deps PluginDeps, cmdm *CommandManager) *PluginManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	root, rootCancel := context.WithCancel(context.Background())
	return &PluginManager{
		log:         log,
		cfgm:        cfgm,
		deps:        deps,
		commands:    cmdm,
		plugins:     map[string]Plugin{},
		running:     map[string]bool{},
		initDone:    map[string]bool{},
		cfgHash:     map[string]uint64{},
		root:        root,
		rootCancel:  rootCancel,
		runCtx:      map[string]context.Context{},
		runCancel:   map[string]context.CancelFunc{},
		quarantined: map[string]quarantineRecord{},
		loopActive:  map[string]bool{},
		lastHealth:  map[string]PluginHealthResult{},
	}
}

func (pm *PluginManager) emit(typ string, data pluginEvent) {
	if bus := pm.deps.Bus; bus != nil {
		bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

// snapshotDeps copies deps under the lock; SetOwnerUserIDs can rewrite the
// owner list at any time.
func (pm *PluginManager) snapshotDeps() PluginDeps {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.deps
}

// bindRoot ties the lifetime of all plugin contexts to the first non-nil app
// context it sees. Later calls are no-ops.
func (pm *PluginManager) bindRoot(appCtx context.Context) {
	pm.mu.Lock()
	if pm.bridged || appCtx == nil {
		pm.mu.Unlock()
		return
	}
	pm.bridged = true
	cancel := pm.rootCancel
	pm.mu.Unlock()

	go func() {
		<-appCtx.Done()
		cancel()
	}()
}

// runtimeCtx returns the plugin's live context, or fallback while it is not
// running.
func (pm *PluginManager) runtimeCtx(name string, fallback context.Context) context.Context {
	pm.mu.Lock()
	ctx := pm.runCtx[name]
	pm.mu.Unlock()
	if ctx == nil {
		return fallback
	}
	return ctx
}

// Register adds plugins to the registry. Safe before or after StartAll;
// late registrations start on the next reconcile.
func (pm *PluginManager) Register(p ...Plugin) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, pl := range p {
		pm.plugins[pl.Name()] = pl
	}
	pm.syncRegistryLocked(pm.cfgm.Get())
}

// StartAll reconciles against the current config, bringing up everything
// enabled.
func (pm *PluginManager) StartAll(ctx context.Context) error {
	pm.bindRoot(ctx)
	return pm.reconcile(pm.cfgm.Get())
}

// OnConfigUpdate reconciles against a freshly committed config.
func (pm *PluginManager) OnConfigUpdate(ctx context.Context, cfg *Config) {
	pm.bindRoot(ctx)
	_ = pm.reconcile(cfg)
}

// StopAll stops every running plugin, each stop bounded by ctx.
func (pm *PluginManager) StopAll(ctx context.Context, reason StopReason) {
	pm.mu.Lock()
	names := make([]string, 0, len(pm.plugins))
	for name := range pm.plugins {
		names = append(names, name)
	}
	pm.mu.Unlock()

	for _, name := range names {
		pm.shutdownPlugin(ctx, name, reason)
	}

	pm.mu.Lock()
	pm.syncRegistryLocked(pm.cfgm.Get())
	pm.mu.Unlock()
}

// SetOwnerUserIDs swaps the owner list visible through deps, for plugins
// that check ownership themselves.
func (pm *PluginManager) SetOwnerUserIDs(ids []int64) {
	cp := append([]int64(nil), ids...)
	pm.mu.Lock()
	pm.deps.OwnerUserID = cp
	pm.mu.Unlock()
}

// pluginPlan is one plugin's desired-vs-actual state, captured under the
// lock so the lifecycle calls can run without it.
type pluginPlan struct {
	name string
	p    Plugin
	blob PluginConfigRaw
	hash uint64
	want bool
	live bool
}

func (pm *PluginManager) plan(cfg *Config) []pluginPlan {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]pluginPlan, 0, len(pm.plugins))
	for name, p := range pm.plugins {
		blob, ok := cfg.Plugins[name]
		out = append(out, pluginPlan{
			name: name,
			p:    p,
			blob: blob,
			hash: canonicalHashJSON(blob.Config),
			want: ok && blob.Enabled,
			live: pm.running[name],
		})
	}
	return out
}

// reconcile walks every registered plugin and edges it toward the config:
// start what should run, stop what should not, refresh the rest.
func (pm *PluginManager) reconcile(cfg *Config) error {
	newShared := sharedConfigHash(cfg)
	pm.mu.Lock()
	sharedChanged := newShared != pm.sharedHash
	pm.mu.Unlock()

	for _, pl := range pm.plan(cfg) {
		switch {
		case pl.want && !pl.live:
			pm.bringUp(pl)
		case !pl.want && pl.live:
			pm.bringDown(pl)
		case pl.want && pl.live:
			pm.refreshConfig(pl, sharedChanged)
		}
	}

	pm.mu.Lock()
	pm.sharedHash = newShared
	pm.syncRegistryLocked(cfg)
	pm.mu.Unlock()
	return nil
}

// bringUp runs the enable path: quarantine gate, timeouts schema, Init (first
// time only), validate, apply config, then Start. Any failure leaves the
// plugin stopped; config-shaped failures quarantine it.
func (pm *PluginManager) bringUp(pl pluginPlan) {
	// A different blob from the one that failed lifts the quarantine.
	pm.liftQuarantineIfChanged(pl.name, pl.hash)
	if pm.isQuarantined(pl.name, pl.hash) {
		pm.log.Warn("plugin enable skipped (quarantined)", logx.String("plugin", pl.name))
		return
	}
	if err := validateStandardTimeouts(pl.name, pl.blob.Config); err != nil {
		pm.quarantinePlugin(pl.name, pl.hash, "timeouts", err)
		return
	}

	pm.log.Debug("plugin enable requested", logx.String("plugin", pl.name))
	pm.emit("plugin.enable_requested", pluginEvent{Plugin: pl.name})

	pctx, cancel := context.WithCancel(pm.root)
	deps := pm.snapshotDeps()

	pm.mu.Lock()
	needInit := !pm.initDone[pl.name]
	pm.mu.Unlock()
	if needInit {
		ictx, icancel := context.WithTimeout(pctx, lifecycleCallTimeout)
		err := pm.protect("plugin.init."+pl.name, func() error { return pl.p.Init(ictx, deps) })
		icancel()
		if err != nil {
			pm.log.Error("plugin init failed", logx.String("plugin", pl.name), logx.Any("err", err))
			pm.emit("plugin.init_failed", pluginEvent{Plugin: pl.name, Err: err.Error()})
			cancel()
			return
		}
		pm.mu.Lock()
		pm.initDone[pl.name] = true
		pm.mu.Unlock()
	} else {
		pm.log.Debug("plugin already initialized; skipping Init", logx.String("plugin", pl.name))
	}

	if v, ok := pl.p.(ConfigValidator); ok {
		vctx, vcancel := context.WithTimeout(pctx, lifecycleCallTimeout)
		err := v.ValidateConfig(vctx, pl.blob.Config)
		vcancel()
		if err != nil {
			pm.quarantinePlugin(pl.name, pl.hash, "validate", fmt.Errorf("config validate: %w", err))
			pm.emit("plugin.config_invalid", pluginEvent{Plugin: pl.name, Err: err.Error()})
			cancel()
			return
		}
	}

	if cp, ok := pl.p.(ConfigurablePlugin); ok {
		cctx, ccancel := context.WithTimeout(pctx, lifecycleCallTimeout)
		err := pm.protect("plugin.config."+pl.name, func() error { return cp.OnConfigChange(cctx, pl.blob.Config) })
		ccancel()
		if err != nil {
			pm.quarantinePlugin(pl.name, pl.hash, "config", fmt.Errorf("config apply: %w", err))
			pm.emit("plugin.config_failed", pluginEvent{Plugin: pl.name, Err: err.Error()})
			cancel()
			return
		}
		pm.emit("plugin.config_applied", pluginEvent{Plugin: pl.name})
	}

	if err := pm.startUnderDeadline(pl.name, pl.p, pctx, cancel); err != nil {
		pm.log.Error("plugin start failed", logx.String("plugin", pl.name), logx.Any("err", err))
		pm.emit("plugin.start_failed", pluginEvent{Plugin: pl.name, Err: err.Error()})
		cancel()
		return
	}

	pm.mu.Lock()
	pm.running[pl.name] = true
	pm.runCtx[pl.name] = pctx
	pm.runCancel[pl.name] = cancel
	pm.cfgHash[pl.name] = pl.hash
	delete(pm.quarantined, pl.name)
	pm.mu.Unlock()

	pm.log.Info("plugin started", logx.String("plugin", pl.name))
	pm.emit("plugin.started", pluginEvent{Plugin: pl.name})
	pm.startHealthLoop(pl.name, pl.p, pctx)
}

func (pm *PluginManager) bringDown(pl pluginPlan) {
	pm.log.Debug("plugin disable requested", logx.String("plugin", pl.name))
	pm.emit("plugin.disable_requested", pluginEvent{Plugin: pl.name})
	ctx, cancel := context.WithTimeout(pm.root, lifecycleCallTimeout)
	pm.shutdownPlugin(ctx, pl.name, StopPluginDisable)
	cancel()
}

// refreshConfig reapplies config to a running plugin when its blob changed,
// or when the shared globals did. A failing apply quarantines AND stops the
// plugin, because it may now be half-configured.
func (pm *PluginManager) refreshConfig(pl pluginPlan, sharedChanged bool) {
	cp, ok := pl.p.(ConfigurablePlugin)
	if !ok {
		return
	}

	pm.mu.Lock()
	prevHash := pm.cfgHash[pl.name]
	pctx := pm.runCtx[pl.name]
	pm.mu.Unlock()

	blobChanged := pl.hash != prevHash
	if !blobChanged && !sharedChanged {
		pm.log.Debug("plugin config unchanged; skipping", logx.String("plugin", pl.name))
		return
	}
	if blobChanged {
		if err := validateStandardTimeouts(pl.name, pl.blob.Config); err != nil {
			pm.quarantinePlugin(pl.name, pl.hash, "timeouts", err)
			pm.stopForQuarantine(pl.name)
			return
		}
	} else {
		pm.log.Debug("plugin config unchanged, but global deps changed; reapplying", logx.String("plugin", pl.name))
	}

	if pctx == nil {
		pctx = pm.root
	}
	cctx, ccancel := context.WithTimeout(pctx, lifecycleCallTimeout)
	err := pm.protect("plugin.config."+pl.name, func() error { return cp.OnConfigChange(cctx, pl.blob.Config) })
	ccancel()
	if err != nil {
		pm.quarantinePlugin(pl.name, pl.hash, "config", fmt.Errorf("config apply: %w", err))
		pm.emit("plugin.config_failed", pluginEvent{Plugin: pl.name, Err: err.Error()})
		pm.stopForQuarantine(pl.name)
		return
	}

	pm.emit("plugin.config_applied", pluginEvent{Plugin: pl.name})
	pm.mu.Lock()
	pm.cfgHash[pl.name] = pl.hash
	delete(pm.quarantined, pl.name)
	pm.mu.Unlock()
}

func (pm *PluginManager) stopForQuarantine(name string) {
	ctx, cancel := context.WithTimeout(pm.root, lifecycleCallTimeout)
	pm.shutdownPlugin(ctx, name, StopPluginQuarantine)
	cancel()
}

// shutdownPlugin stops one running plugin. The plugin context is cancelled
// first so background loops wind down while Stop runs; a Stop that outlives
// ctx is abandoned rather than allowed to wedge the caller.
func (pm *PluginManager) shutdownPlugin(ctx context.Context, name string, reason StopReason) {
	pm.mu.Lock()
	p := pm.plugins[name]
	live := pm.running[name]
	cancel := pm.runCancel[name]
	hadCtx := pm.runCtx[name] != nil
	pm.mu.Unlock()

	if !live || p == nil {
		return
	}

	start := time.Now()
	pm.log.Debug("stopping plugin", logx.String("plugin", name), logx.String("reason", string(reason)))

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		_ = pm.protect("plugin.stop."+name, func() error { return p.Stop(ctx) })
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		pm.log.Warn("plugin stop timeout (continuing)", logx.String("plugin", name), logx.String("err", ctx.Err().Error()))
		pm.emit("plugin.stop_timeout", pluginEvent{Plugin: name, Reason: string(reason), Err: ctx.Err().Error()})
	}

	pm.mu.Lock()
	pm.running[name] = false
	pm.lastHealth[name] = PluginHealthResult{Plugin: name, At: time.Now(), Status: "stopped"}
	delete(pm.runCtx, name)
	delete(pm.runCancel, name)
	delete(pm.cfgHash, name)
	delete(pm.loopActive, name)
	pm.mu.Unlock()

	took := time.Since(start)
	pm.emit("plugin.stopped", pluginEvent{Plugin: name, Reason: string(reason), TookMS: took.Milliseconds()})
	logf := pm.log.Debug
	if took >= 500*time.Millisecond {
		logf = pm.log.Info
	}
	logf("plugin stopped",
		logx.String("plugin", name),
		logx.String("reason", string(reason)),
		logx.Duration("took", took),
		logx.Bool("ctx_was_set", hadCtx))
}

// startUnderDeadline invokes Start(pctx) but refuses to wait forever: after
// the deadline the plugin context is cancelled and Start gets a short grace
// period to come back before being abandoned.
func (pm *PluginManager) startUnderDeadline(name string, p Plugin, pctx context.Context, cancel context.CancelFunc) error {
	done := make(chan error, 1)
	go func() {
		done <- pm.protect("plugin.start."+name, func() error { return p.Start(pctx) })
	}()

	deadline := time.NewTimer(lifecycleCallTimeout)
	defer deadline.Stop()

	select {
	case err := <-done:
		return err
	case <-deadline.C:
	}

	cancel()
	grace := time.NewTimer(2 * time.Second)
	defer grace.Stop()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("start timeout (%s): %w", lifecycleCallTimeout, err)
		}
		return fmt.Errorf("start timeout (%s)", lifecycleCallTimeout)
	case <-grace.C:
		return fmt.Errorf("start timeout (%s): start did not return after cancel", lifecycleCallTimeout)
	}
}

// protect converts a panic inside a plugin call into an error, with the
// stack logged for the operator.
func (pm *PluginManager) protect(label string, fn func() error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		pm.log.Error("panic in plugin call",
			logx.String("call", label),
			logx.Any("panic", r),
			logx.String("stack", string(debug.Stack())))
		err = fmt.Errorf("panic in %s: %v", label, r)
	}()
	return fn()
}

func (pm *PluginManager) isQuarantined(name string, hash uint64) bool {
	pm.mu.Lock()
	rec, ok := pm.quarantined[name]
	pm.mu.Unlock()
	return ok && rec.hash == hash
}

// liftQuarantineIfChanged clears a quarantine once the operator ships a
// different config blob, so the next enable retries.
func (pm *PluginManager) liftQuarantineIfChanged(name string, hash uint64) {
	pm.mu.Lock()
	rec, ok := pm.quarantined[name]
	if !ok || rec.hash == hash {
		pm.mu.Unlock()
		return
	}
	delete(pm.quarantined, name)
	pm.mu.Unlock()

	pm.log.Info("plugin quarantine cleared (config changed)", logx.String("plugin", name))
	pm.emit("plugin.quarantine_cleared", pluginEvent{Plugin: name})
}

// quarantinePlugin records a config-shaped failure keyed to the offending
// hash. Repeats of the same failure only bump a counter; reconcile runs on
// every reload and must not spam the log.
func (pm *PluginManager) quarantinePlugin(name string, hash uint64, stage string, err error) {
	if err == nil {
		return
	}
	reason := err.Error()

	pm.mu.Lock()
	prev, ok := pm.quarantined[name]
	if ok && prev.hash == hash && prev.reason == reason {
		prev.hits++
		pm.quarantined[name] = prev
		pm.mu.Unlock()
		return
	}
	hits := 1
	if ok {
		hits = prev.hits + 1
	}
	pm.quarantined[name] = quarantineRecord{hash: hash, reason: reason, since: time.Now(), hits: hits}
	pm.mu.Unlock()

	pm.log.Error("plugin quarantined", logx.String("plugin", name), logx.String("stage", stage), logx.String("err", reason))
	pm.emit("plugin.quarantined", pluginEvent{Plugin: name, Stage: stage, Err: reason, Count: hits})
}

// syncRegistryLocked pushes the commands and callbacks of every enabled,
// running plugin into the command manager. Caller holds pm.mu.
func (pm *PluginManager) syncRegistryLocked(cfg *Config) {
	cmds := []Command{}
	cbs := []CallbackRoute{}
	for name, p := range pm.plugins {
		if !pm.running[name] {
			continue
		}
		blob, ok := cfg.Plugins[name]
		if !ok || !blob.Enabled {
			continue
		}
		defTimeout, hasDef := pluginCommandTimeout(cfg, name)

		for _, c := range safeCollect(pm, name, "Commands", p.Commands) {
			c.PluginName = name
			if hasDef && c.Timeout <= 0 {
				c.Timeout = defTimeout
			}
			cmds = append(cmds, c)
		}
		if cbp, ok := p.(CallbackProvider); ok {
			for _, r := range safeCollect(pm, name, "Callbacks", cbp.Callbacks) {
				r.Plugin = name // the namespace is not the plugin's to choose
				if hasDef && r.Timeout <= 0 {
					r.Timeout = defTimeout
				}
				cbs = append(cbs, r)
			}
		}
	}
	pm.commands.SetRegistry(cmds, cbs)
}

// safeCollect gathers routes from a plugin provider method with panic
// containment: a broken provider contributes nothing instead of taking the
// reconcile down.
func safeCollect[T any](pm *PluginManager, name, method string, fn func() []T) (out []T) {
	defer func() {
		if r := recover(); r != nil {
			pm.log.Error("panic collecting plugin routes",
				logx.String("plugin", name),
				logx.String("method", method),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			out = nil
		}
	}()
	return fn()
}

// ValidateConfig vets a candidate config before the app commits it: the
// shared timeouts schema plus each enabled plugin's own ConfigValidator.
// No lifecycle calls happen here; it must stay fast.
func (pm *PluginManager) ValidateConfig(ctx context.Context, cfg *Config) error {
	for _, pl := range pm.plan(cfg) {
		if !pl.want || pl.p == nil {
			continue
		}
		if err := validateStandardTimeouts(pl.name, pl.blob.Config); err != nil {
			return err
		}
		v, ok := pl.p.(ConfigValidator)
		if !ok {
			continue
		}
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := v.ValidateConfig(vctx, pl.blob.Config)
		cancel()
		if err != nil {
			return fmt.Errorf("plugin %s: config validate: %w", pl.name, err)
		}
	}
	return nil
}

// Snapshot implements PluginsPort: per-plugin state for the system plugin
// and health commands, sorted by name.
func (pm *PluginManager) Snapshot() PluginsSnapshot {
	cfg := pm.cfgm.Get()

	pm.mu.Lock()
	defer pm.mu.Unlock()

	names := make([]string, 0, len(pm.plugins))
	for name := range pm.plugins {
		names = append(names, name)
	}
	sort.Strings(names)

	snap := PluginsSnapshot{Time: time.Now(), Plugins: make([]PluginStatus, 0, len(names))}
	for _, name := range names {
		snap.Plugins = append(snap.Plugins, pm.statusLocked(name, cfg))
	}
	return snap
}

func (pm *PluginManager) statusLocked(name string, cfg *Config) PluginStatus {
	st := PluginStatus{
		Name:             name,
		Running:          pm.running[name],
		HealthLoopActive: pm.loopActive[name],
		LastHealth:       pm.lastHealth[name],
	}
	if p := pm.plugins[name]; p != nil {
		_, st.HasHealthChecker = p.(HealthChecker)
	}
	if cfg != nil {
		if blob, ok := cfg.Plugins[name]; ok {
			st.Enabled = blob.Enabled
			st.HasConfig = true
		}
	}
	if rec, ok := pm.quarantined[name]; ok {
		st.Quarantined = true
		st.QuarantineErr = rec.reason
		st.QuarantineSince = rec.since
	}
	return st
}
