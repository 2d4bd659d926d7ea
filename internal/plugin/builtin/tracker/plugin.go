package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fragbot/internal/gametools"
	core "fragbot/internal/plugin"
	pluginkit "fragbot/internal/plugin/kit"
	"fragbot/internal/track"
	logx "fragbot/pkg/logx"
)

func New() *Plugin {
	return &Plugin{states: track.NewStateStore()}
}

func (p *Plugin) Name() string { return "tracker" }

func (p *Plugin) Init(ctx context.Context, deps core.PluginDeps) error {
	p.InitEnhanced(deps, p.Name())

	p.ui = pluginkit.NewUIHub(p.Name()).WithAccess(core.CallbackAccessEveryone)
	p.ui.On(viewPlayers, p.viewPlayers)
	p.ui.On(viewRemoveConfirm, p.viewRemoveConfirm)
	p.ui.On(viewRemoveExec, p.viewRemoveExec)
	p.ui.On(viewDismiss, p.closeView)
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartEnhanced(ctx)
	cfg := p.currentConfig()
	p.loadState(ctx, cfg)
	p.reconcilePoll(ctx, cfg)
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error {
	// Stop schedules first (auto cleanup), then flush session state.
	err := p.StopEnhanced(ctx)
	p.persistSessions(ctx)
	return err
}

func (p *Plugin) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var next Config
	if err := json.Unmarshal(raw, &next); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	// Backfill defaults before validating.
	if next.InactivityTimeout == "" {
		next.InactivityTimeout = "10m"
	}
	d, err := time.ParseDuration(next.InactivityTimeout)
	if err != nil || d <= 0 {
		return fmt.Errorf("invalid tracker.inactivity_timeout: %q", next.InactivityTimeout)
	}
	next.inactivity = d

	// The shared timeout block is optional but must parse when present.
	if err := next.Timeouts.Validate("tracker.timeouts"); err != nil {
		return err
	}
	// timeouts.operation bounds a single stats fetch.
	next.operationTimeout = next.Timeouts.OperationOr(15 * time.Second)
	// timeouts.task bounds a whole roster sweep.
	next.taskTimeout = next.Timeouts.TaskOr(time.Minute)

	// Scheduler defaults + early validation so a bad config never tears down
	// a working poll schedule.
	if next.Scheduler.TaskName == "" {
		next.Scheduler.TaskName = "poll"
	}
	if next.Scheduler.Enabled && next.Scheduler.Schedule == "" {
		return fmt.Errorf("tracker.scheduler.schedule is required when scheduler.enabled=true")
	}
	if next.Scheduler.Enabled {
		if _, err := core.ParseSchedule(next.Scheduler.Schedule); err != nil {
			return fmt.Errorf("invalid tracker.scheduler.schedule: %w", err)
		}
	}

	p.mu.Lock()
	p.cfg = next
	p.mu.Unlock()

	p.ensureClient(next)

	// Reschedule only while the plugin is live.
	if p.Context() != nil {
		p.reconcilePoll(ctx, next)
	}
	return nil
}

func (p *Plugin) currentConfig() Config {
	p.mu.RLock()
	snap := p.cfg
	snap.Players = append([]string(nil), p.cfg.Players...)
	p.mu.RUnlock()
	return snap
}

func (p *Plugin) clientSnapshot() statsSource {
	p.mu.RLock()
	c := p.client
	p.mu.RUnlock()
	return c
}

// ensureClient rebuilds the stats client when the API options changed.
func (p *Plugin) ensureClient(c Config) {
	want := gametools.Config{
		BaseURL:    c.API.BaseURL,
		Game:       c.API.Game,
		Platform:   c.Platform,
		RetryMax:   c.API.RetryMax,
		RatePerSec: c.API.RatePerSec,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil && p.ccfg == want {
		return
	}
	p.client = gametools.New(want)
	p.ccfg = want
}

// loadState restores the roster and session records from storage. The roster
// becomes persisted entries first, then any config seed names not already
// present, in seed order.
func (p *Plugin) loadState(ctx context.Context, cfg Config) {
	var persisted []string
	var sessions map[string]track.SessionState

	if st := p.Deps.Store; st != nil {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		var err error
		if persisted, err = st.LoadRoster(cctx); err != nil {
			p.Log.Warn("failed to load roster", logx.Err(err))
		}
		if sessions, err = st.LoadSessions(cctx); err != nil {
			p.Log.Warn("failed to load sessions", logx.Err(err))
		}
	}

	merged := make([]string, 0, len(persisted)+len(cfg.Players))
	seen := make(map[string]bool, len(persisted)+len(cfg.Players))
	for _, n := range persisted {
		n = normalizeName(n)
		if n == "" || seen[identityKey(n)] {
			continue
		}
		seen[identityKey(n)] = true
		merged = append(merged, n)
	}
	seeded := 0
	for _, n := range cfg.Players {
		n = normalizeName(n)
		if n == "" || seen[identityKey(n)] {
			continue
		}
		seen[identityKey(n)] = true
		merged = append(merged, n)
		seeded++
	}

	p.rosterMu.Lock()
	p.roster = merged
	p.rosterMu.Unlock()
	p.states.Replace(sessions)

	if seeded > 0 {
		p.persistRoster(ctx)
	}

	p.Log.Info("tracker state loaded",
		logx.Int("players", len(merged)),
		logx.Int("seeded", seeded),
		logx.Int("sessions", len(sessions)),
	)
}

// reconcilePoll (re)registers the roster poll task from config. Always clears
// the previous schedule first so renames never leave a stale task behind.
func (p *Plugin) reconcilePoll(ctx context.Context, cfg Config) {
	if p.Schedule() != nil {
		p.mu.Lock()
		prev := p.pollTask
		p.mu.Unlock()
		if prev != "" {
			p.Schedule().Remove(prev)
		}
	}

	sched := cfg.Scheduler
	name := sched.NameOr("poll")
	if !sched.Active() {
		p.mu.Lock()
		p.pollTask = ""
		p.mu.Unlock()
		p.Log.Debug("poll schedule disabled")
		return
	}
	if p.Schedule() == nil {
		p.Log.Warn("poll skipped (scheduler not available)")
		return
	}

	err := p.Schedule().Spec(name, sched.Schedule).
		Timeout(cfg.taskTimeout).
		SkipIfRunning().
		Do(p.runPoll)
	if err != nil {
		p.Log.Error("poll schedule failed", logx.Err(err))
		return
	}

	p.mu.Lock()
	p.pollTask = name
	p.mu.Unlock()

	p.Log.Info("poll scheduled",
		logx.String("task", name),
		logx.String("spec", sched.Schedule),
		logx.Int("players", len(p.rosterNames())),
		logx.Duration("inactivity_timeout", cfg.inactivity),
		logx.Duration("task_timeout", cfg.taskTimeout),
		logx.Duration("operation_timeout", cfg.operationTimeout),
	)
}
