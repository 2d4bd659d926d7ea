package system

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	core "fragbot/internal/plugin"
	pluginkit "fragbot/internal/plugin/kit"
	tasksched "fragbot/internal/task/scheduler"
	kit "fragbot/internal/transport"
	"fragbot/pkg/tgui"
)

// Plugin carries the operator commands every deployment wants no matter
// which trackers are enabled: liveness, health, runtime info and a view
// into the task scheduler.
type Plugin struct {
	pluginkit.EnhancedPluginBase
	bootTime time.Time
}

func New() *Plugin             { return &Plugin{} }
func (p *Plugin) Name() string { return "system" }

func (p *Plugin) Init(ctx context.Context, deps core.PluginDeps) error {
	p.InitEnhanced(deps, p.Name())
	p.markBoot()
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartEnhanced(ctx)
	p.markBoot()
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error { return p.StopEnhanced(ctx) }

// markBoot pins the uptime origin to the first lifecycle call, so a
// disable/enable cycle of this plugin does not reset /uptime.
func (p *Plugin) markBoot() {
	if p.bootTime.IsZero() {
		p.bootTime = time.Now()
	}
}

func (p *Plugin) Commands() []core.Command {
	return []core.Command{
		{
			Route:       "ping",
			Description: "bot liveness check",
			Usage:       "/ping",
			Access:      core.AccessEveryone,
			Handle:      cmdPing,
		},
		{
			Route:       "health",
			Aliases:     []string{"status"},
			Description: "plugin and service health",
			Usage:       "/health [check|sup]",
			Access:      core.AccessOwnerOnly,
			Handle:      p.cmdHealth,
		},
		{
			Route:       "uptime",
			Aliases:     []string{"up"},
			Description: "show how long the bot has been running",
			Usage:       "/uptime",
			Access:      core.AccessEveryone,
			Handle:      p.cmdUptime,
		},
		{
			Route:       "sysinfo",
			Description: "runtime and process info",
			Usage:       "/sysinfo",
			Access:      core.AccessOwnerOnly,
			Handle:      p.cmdSysinfo,
		},
		{
			// Bare /sched is the list. If subcommands grow beyond "list"
			// and "status" it stays a sensible default.
			Route:       "sched",
			Aliases:     []string{"tasks"},
			Description: "list scheduled tasks",
			Usage:       "/sched",
			Access:      core.AccessOwnerOnly,
			Handle:      p.cmdSchedList,
		},
		{
			// The sched_list spelling comes from the derived menu alias.
			Route:       "sched list",
			Description: "list scheduled tasks",
			Usage:       "/sched list",
			Access:      core.AccessOwnerOnly,
			Handle:      p.cmdSchedList,
		},
		{
			Route:       "sched status",
			Description: "scheduler and task engine summary",
			Usage:       "/sched status",
			Access:      core.AccessOwnerOnly,
			Handle:      p.cmdSchedStatus,
		},
		{
			Route:       "task status",
			Description: "alias for /sched status",
			Usage:       "/task status",
			Access:      core.AccessOwnerOnly,
			Handle:      p.cmdSchedStatus,
		},
	}
}

func cmdPing(ctx context.Context, req *core.Request) error {
	_, _ = req.Adapter.SendText(ctx, req.Chat, "pong", nil)
	return nil
}

func (p *Plugin) cmdUptime(ctx context.Context, req *core.Request) error {
	_, _ = req.Adapter.SendText(ctx, req.Chat, "uptime: "+durRel(time.Since(p.bootTime)), nil)
	return nil
}

func (p *Plugin) cmdSysinfo(ctx context.Context, req *core.Request) error {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	info := tgui.New().
		Title("🧠", "sysinfo").
		KV("go", runtime.Version()).
		KV("module", mainModule()).
		KV("cpus", fmt.Sprintf("%d", runtime.NumCPU())).
		KV("goroutines", fmt.Sprintf("%d", runtime.NumGoroutine())).
		KV("mem_alloc", humanize.IBytes(ms.Alloc)).
		KV("mem_sys", humanize.IBytes(ms.Sys)).
		KV("gc_runs", fmt.Sprintf("%d", ms.NumGC)).
		Build()

	_, _ = info.Send(ctx, req.Adapter, req.Chat)
	return nil
}

func mainModule() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return ""
	}
	return bi.Main.Path + " " + bi.Main.Version
}

func (p *Plugin) cmdSchedList(ctx context.Context, req *core.Request) error {
	sched := schedulerOf(req)
	if sched == nil || !sched.Enabled() {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "scheduler is disabled", nil)
		return nil
	}

	view := sched.Snapshot()
	if len(view.Schedules) == 0 {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "no scheduled tasks", nil)
		return nil
	}

	sort.Slice(view.Schedules, func(i, j int) bool { return view.Schedules[i].Name < view.Schedules[j].Name })

	var out strings.Builder
	fmt.Fprintf(&out, "⏱ scheduled tasks (%s):\n", view.Timezone)
	fmt.Fprintf(&out, "- workers: %d, inflight: %d, queue: %s\n", view.Workers, view.InFlight, fmtQueue(view.QueueLen, view.QueueCap))

	// Spell out the executor defaults, so timeout=0 on a task reads right.
	if view.DefaultTimeout > 0 {
		fmt.Fprintf(&out, "- default timeout: %s (applies when task timeout=0)\n", view.DefaultTimeout)
	} else {
		out.WriteString("- default timeout: disabled (task timeout=0 means no timeout)\n")
	}
	if view.RetryMax > 0 {
		fmt.Fprintf(&out, "- retry: max=%d, base=%s, max_delay=%s, jitter=%.0f%%\n",
			view.RetryMax, view.RetryBase, view.RetryMaxDelay, view.RetryJitter*100)
	} else {
		out.WriteString("- retry: disabled (max=0)\n")
	}

	now := time.Now()
	for _, entry := range view.Schedules {
		fmt.Fprintf(&out, "- %s: spec=%s, next=%s, timeout=%s\n",
			entry.Name, entry.Spec, fmtNext(entry.Next, now), fmtTaskTimeout(entry.Timeout, view.DefaultTimeout))
	}

	_, _ = req.Adapter.SendText(ctx, req.Chat, strings.TrimRight(out.String(), "\n"), &kit.SendOptions{DisablePreview: true})
	return nil
}

func (p *Plugin) cmdSchedStatus(ctx context.Context, req *core.Request) error {
	sched := schedulerOf(req)
	if sched == nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "scheduler service not available", nil)
		return nil
	}

	view := sched.Snapshot()

	var out strings.Builder
	out.WriteString("🧭 sched status\n")
	fmt.Fprintf(&out, "- enabled: %t\n", view.Enabled)
	fmt.Fprintf(&out, "- tz: %s\n", view.Timezone)
	if view.Dropped > 0 {
		fmt.Fprintf(&out, "- workers: %d, inflight: %d, queue: %s (dropped=%d)\n",
			view.Workers, view.InFlight, fmtQueue(view.QueueLen, view.QueueCap), view.Dropped)
	} else {
		fmt.Fprintf(&out, "- workers: %d, inflight: %d, queue: %s\n",
			view.Workers, view.InFlight, fmtQueue(view.QueueLen, view.QueueCap))
	}
	if view.CircuitOpen > 0 {
		fmt.Fprintf(&out, "- circuit: %d of %d open\n", view.CircuitOpen, view.CircuitTotal)
	}

	writeUpcoming(&out, view.Schedules)
	writeLastRun(&out, view.History)

	_, _ = req.Adapter.SendText(ctx, req.Chat, strings.TrimRight(out.String(), "\n"), &kit.SendOptions{DisablePreview: true})
	return nil
}

// writeUpcoming lists the five schedules closest to firing. Schedules
// with no next run sort last, ties break by name.
func writeUpcoming(out *strings.Builder, schedules []tasksched.ScheduleInfo) {
	if len(schedules) == 0 {
		out.WriteString("- schedules: none\n")
		return
	}

	ordered := append([]tasksched.ScheduleInfo(nil), schedules...)
	sort.Slice(ordered, func(i, j int) bool {
		ta, tb := ordered[i].Next, ordered[j].Next
		switch {
		case ta.IsZero() && tb.IsZero():
			return ordered[i].Name < ordered[j].Name
		case ta.IsZero():
			return false
		case tb.IsZero():
			return true
		case ta.Equal(tb):
			return ordered[i].Name < ordered[j].Name
		}
		return ta.Before(tb)
	})
	if len(ordered) > 5 {
		ordered = ordered[:5]
	}

	now := time.Now()
	fmt.Fprintf(out, "- next schedules (top %d):\n", len(ordered))
	for i, sc := range ordered {
		fmt.Fprintf(out, "  %d) %s: next=%s, spec=%s\n", i+1, sc.Name, fmtNext(sc.Next, now), sc.Spec)
	}
}

func writeLastRun(out *strings.Builder, history []tasksched.HistoryItem) {
	if len(history) == 0 {
		out.WriteString("- last run: -\n")
		return
	}

	last := history[len(history)-1]
	status := "ok"
	if last.Error != "" {
		status = "fail: " + shorten(last.Error, 120)
	}
	out.WriteString("- last run:\n")
	fmt.Fprintf(out, "  %s (%s) started=%s (%s ago) qdelay=%s dur=%s\n",
		last.Name, status, last.Started.Local().Format("2006-01-02 15:04:05"),
		durRel(time.Since(last.Started)), last.QueueDelay, last.Duration)
}

func schedulerOf(req *core.Request) core.SchedulerPort {
	if req.Services == nil {
		return nil
	}
	return req.Services.Scheduler
}

func fmtQueue(length, capacity int) string {
	if capacity > 0 {
		return fmt.Sprintf("%d/%d", length, capacity)
	}
	return fmt.Sprintf("%d", length)
}

// fmtNext renders an absolute next-run time plus a relative hint while
// the run is still ahead.
func fmtNext(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	out := t.Local().Format("2006-01-02 15:04:05")
	if t.After(now) {
		out += " (in " + durRel(t.Sub(now)) + ")"
	}
	return out
}

func fmtTaskTimeout(own, def time.Duration) string {
	switch {
	case own > 0:
		return own.String()
	case def > 0:
		return "default(" + def.String() + ")"
	default:
		return "none"
	}
}

// shorten is rune-safe so multi-byte player names and error strings do
// not get cut mid-rune.
func shorten(s string, n int) string {
	return tgui.TruncRunes(s, n)
}

// durRel renders a duration the way a human reads uptime: seconds under
// a minute, then minutes+seconds, then hours+minutes.
func durRel(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	secs := int(d.Seconds())
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", secs)
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", secs/60, secs%60)
	}
	return fmt.Sprintf("%dh%dm", secs/3600, (secs/60)%60)
}
