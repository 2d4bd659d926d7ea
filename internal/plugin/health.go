package plugin

import (
	"context"
	"sort"
	"time"

	logx "fragbot/pkg/logx"
)

// HealthChecker is an optional plugin interface. Health must come back
// quickly; the manager calls it under a short deadline from both the
// periodic loop and on-demand checks.
type HealthChecker interface {
	Health(ctx context.Context) (status string, err error)
}

// HealthLoopOptIn gates the periodic health loop. Implementing HealthChecker
// alone is not enough: every PluginBase embedder gets a trivial Health() for
// free, and running a loop for each of them would be noise. Opt in to get
// the loop.
type HealthLoopOptIn interface {
	HealthLoopEnabled() bool
}

// SupervisorProvider lets the manager run its health-loop goroutine under
// the plugin's own supervisor, so the loop joins during plugin stop.
// PluginBase implements it.
type SupervisorProvider interface {
	Supervisor() *Supervisor
}

const (
	healthInterval  = 30 * time.Second
	healthTimeout   = 3 * time.Second
	healthFailAlert = 3
)

// startHealthLoop begins the periodic check for one freshly started plugin,
// provided it checks health, opted in, and has no loop running already.
func (pm *PluginManager) startHealthLoop(name string, p Plugin, pluginCtx context.Context) {
	hc, ok := p.(HealthChecker)
	if !ok {
		return
	}
	if oi, ok := p.(HealthLoopOptIn); !ok || !oi.HealthLoopEnabled() {
		return
	}

	pm.mu.Lock()
	active := pm.loopActive[name]
	if !active {
		pm.loopActive[name] = true
	}
	pm.mu.Unlock()
	if active {
		return
	}

	pm.log.Debug("plugin health loop started", logx.String("plugin", name))
	pm.emit("plugin.health.loop_started", pluginEvent{Plugin: name})

	loop := pm.healthLoop(name, hc)

	// Run under the plugin supervisor when there is one, so the goroutine is
	// owned and joinable. Opt-in plugins normally embed PluginBase and get
	// this for free.
	if sp, ok := p.(SupervisorProvider); ok {
		if sup := sp.Supervisor(); sup != nil {
			sup.Go0("health.loop", loop)
			return
		}
	}
	if pluginCtx == nil {
		pluginCtx = context.Background()
	}
	go loop(pluginCtx)
}

// healthLoop returns the loop body: an immediate probe, then one per tick
// until ctx ends.
func (pm *PluginManager) healthLoop(name string, hc HealthChecker) func(ctx context.Context) {
	return func(ctx context.Context) {
		defer func() {
			pm.log.Debug("plugin health loop stopped", logx.String("plugin", name))
			pm.emit("plugin.health.loop_stopped", pluginEvent{Plugin: name})
		}()

		tick := time.NewTicker(healthInterval)
		defer tick.Stop()

		streak := 0
		for {
			streak = pm.probeOnce(ctx, name, hc, streak)
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
			}
		}
	}
}

// probeOnce runs a single health check, records the result, and returns the
// updated failure streak. Crossing the alert threshold emits plugin.unhealthy
// once; the first success afterwards emits plugin.recovered.
func (pm *PluginManager) probeOnce(ctx context.Context, name string, hc HealthChecker, streak int) int {
	hctx, cancel := context.WithTimeout(ctx, healthTimeout)
	status, err := hc.Health(hctx)
	cancel()

	now := time.Now()
	if err == nil {
		if streak > 0 {
			pm.emit("plugin.recovered", pluginEvent{Plugin: name, Stage: status, Count: streak})
		}
		pm.recordHealth(PluginHealthResult{Plugin: name, At: now, Status: status})
		pm.emit("plugin.health", pluginEvent{Plugin: name, Stage: status})
		return 0
	}

	streak++
	pm.recordHealth(PluginHealthResult{Plugin: name, At: now, Status: status, Err: err.Error(), Fails: streak})
	pm.emit("plugin.health", pluginEvent{Plugin: name, Stage: status, Err: err.Error(), Count: streak})
	if streak == healthFailAlert {
		pm.log.Warn("plugin health failing repeatedly",
			logx.String("plugin", name), logx.Int("fails", streak), logx.String("err", err.Error()))
		pm.emit("plugin.unhealthy", pluginEvent{Plugin: name, Err: err.Error(), Count: streak})
	}
	return streak
}

func (pm *PluginManager) recordHealth(r PluginHealthResult) {
	pm.mu.Lock()
	pm.lastHealth[r.Plugin] = r
	pm.mu.Unlock()
}

// CheckHealth implements PluginsPort. Given names it probes exactly those
// plugins, with stopped ones reported as a synthetic "stopped" result; given
// none it probes every running plugin that implements HealthChecker. Results
// come back sorted by plugin name.
func (pm *PluginManager) CheckHealth(ctx context.Context, names []string) []PluginHealthResult {
	type probe struct {
		name string
		hc   HealthChecker
		live bool
	}

	pm.mu.Lock()
	var want []probe
	if len(names) == 0 {
		for name, p := range pm.plugins {
			if hc, ok := p.(HealthChecker); ok && pm.running[name] {
				want = append(want, probe{name: name, hc: hc, live: true})
			}
		}
	} else {
		for _, name := range names {
			p, ok := pm.plugins[name]
			if !ok {
				continue
			}
			hc, _ := p.(HealthChecker)
			want = append(want, probe{name: name, hc: hc, live: pm.running[name]})
		}
	}
	pm.mu.Unlock()

	sort.Slice(want, func(i, j int) bool { return want[i].name < want[j].name })

	out := make([]PluginHealthResult, 0, len(want))
	for _, w := range want {
		out = append(out, pm.checkOne(ctx, w.name, w.hc, w.live))
	}
	return out
}

// checkOne probes a single plugin on demand. Unlike the loop, the failure
// streak carries across calls via lastHealth, so repeated failing checks
// count up and a success resets.
func (pm *PluginManager) checkOne(ctx context.Context, name string, hc HealthChecker, live bool) PluginHealthResult {
	now := time.Now()
	if !live || hc == nil {
		r := PluginHealthResult{Plugin: name, At: now, Status: "stopped"}
		pm.recordHealth(r)
		return r
	}

	// The probe runs under the plugin's own context; the caller context
	// (typically a command) may abort it early without owning it.
	base := pm.runtimeCtx(name, context.Background())
	hctx, cancel := context.WithTimeout(base, healthTimeout)
	var detach func() bool
	if ctx != nil {
		detach = context.AfterFunc(ctx, cancel)
	}
	status, err := hc.Health(hctx)
	if detach != nil {
		detach()
	}
	cancel()

	r := PluginHealthResult{Plugin: name, At: now, Status: status}
	pm.mu.Lock()
	if err != nil {
		r.Err = err.Error()
		r.Fails = pm.lastHealth[name].Fails + 1
	}
	pm.lastHealth[name] = r
	pm.mu.Unlock()
	return r
}
