package system

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	core "fragbot/internal/plugin"
	rtsup "fragbot/internal/runtime/supervisor"
	"fragbot/pkg/tgui"
)

// healthRefreshTimeout bounds /health check so one stuck plugin cannot
// hold the command hostage.
const healthRefreshTimeout = 12 * time.Second

func (p *Plugin) cmdHealth(ctx context.Context, req *core.Request) error {
	ps := req.Services
	if ps == nil || ps.Plugins == nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "plugins service is unavailable", nil)
		return nil
	}

	refresh, supDetail := healthArgs(req)

	if refresh {
		cctx, cancel := context.WithTimeout(ctx, healthRefreshTimeout)
		_ = ps.Plugins.CheckHealth(cctx, nil)
		cancel()
	}

	snap := ps.Plugins.Snapshot()
	sched := gatherSchedStats(ps.Scheduler)

	// Plain text throughout: operator output full of = and | breaks
	// Telegram Markdown parsing.
	var b strings.Builder
	b.Grow(4096)

	b.WriteString("🏥 /health\n")
	b.WriteString("━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(&b, "uptime: %s\n", durRel(time.Since(p.bootTime)))
	fmt.Fprintf(&b, "goroutines: %d\n\n", runtime.NumGoroutine())

	writeMemSection(&b)
	writeSchedSection(&b, sched)
	writePluginSection(&b, snap.Plugins, sched)
	writeSupSection(&b, p, ps, supDetail)

	if refresh {
		b.WriteString("\nrefreshed: yes\n")
	}

	msg := tgui.New().
		ParseMode("").
		DisablePreview(true).
		Title("🩺", "health").
		Blank().
		RawLine(b.String()).
		Build()
	_, err := msg.Send(ctx, req.Adapter, req.Chat)
	return err
}

// healthArgs reads the /health invocation:
//
//	/health          last known (cached) state
//	/health check    probe every plugin first, bounded
//	/health sup      include per-goroutine supervisor detail
//
// Boolean flags (--check, --sup, ...) work the same as the positional
// words.
func healthArgs(req *core.Request) (refresh, supDetail bool) {
	if len(req.Args) > 0 {
		switch {
		case strings.EqualFold(req.Args[0], "check"):
			refresh = true
		case strings.EqualFold(req.Args[0], "sup"),
			strings.EqualFold(req.Args[0], "supervisor"),
			strings.EqualFold(req.Args[0], "detail"):
			supDetail = true
		}
	}
	if f := req.BoolFlags; f != nil {
		refresh = refresh || f["check"] || f["refresh"]
		supDetail = supDetail || f["sup"] || f["supervisor"] || f["detail"]
	}
	return refresh, supDetail
}

// schedStats is the scheduler slice of the health report, plus the
// schedule-name prefix counts used to attribute schedules to plugins.
type schedStats struct {
	state         string
	workers       int
	inFlight      int
	queue         string
	dropped       uint64
	droppedFull   uint64
	droppedStale  uint64
	maxQueueDelay time.Duration
	circuitOpen   int
	circuitTotal  int
	schedules     int
	unscoped      int
	perPlugin     map[string]int
}

func gatherSchedStats(s core.SchedulerPort) schedStats {
	st := schedStats{state: "disabled", queue: "-", perPlugin: map[string]int{}}
	if s == nil {
		return st
	}

	snap := s.Snapshot()
	if s.Enabled() {
		st.state = "enabled"
	}
	st.workers = snap.Workers
	st.inFlight = snap.InFlight
	st.queue = fmtQueue(snap.QueueLen, snap.QueueCap)
	st.dropped = snap.Dropped
	st.droppedFull = snap.DroppedQueueFull
	st.droppedStale = snap.DroppedStale
	st.maxQueueDelay = snap.MaxQueueDelay
	st.circuitOpen = snap.CircuitOpen
	st.circuitTotal = snap.CircuitTotal
	st.schedules = len(snap.Schedules)

	// Schedule names registered through the kit are "<plugin>:<task>";
	// anything without the prefix is counted as unscoped.
	for _, t := range snap.Schedules {
		if i := strings.IndexByte(t.Name, ':'); i > 0 {
			st.perPlugin[t.Name[:i]]++
		} else {
			st.unscoped++
		}
	}
	return st
}

func writeMemSection(b *strings.Builder) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	b.WriteString("💾 mem\n")
	fmt.Fprintf(b, "  Alloc:     %s\n", humanize.IBytes(m.Alloc))
	fmt.Fprintf(b, "  Sys:       %s\n", humanize.IBytes(m.Sys))
	fmt.Fprintf(b, "  HeapAlloc: %s\n", humanize.IBytes(m.HeapAlloc))
	fmt.Fprintf(b, "  HeapInuse: %s\n", humanize.IBytes(m.HeapInuse))
	fmt.Fprintf(b, "  NumGC:     %d\n\n", m.NumGC)
}

func writeSchedSection(b *strings.Builder, st schedStats) {
	b.WriteString("⏱ scheduler\n")
	fmt.Fprintf(b, "  state:     %s\n", st.state)
	fmt.Fprintf(b, "  workers:   %d (inflight=%d)\n", st.workers, st.inFlight)
	fmt.Fprintf(b, "  queue:     %s\n", st.queue)
	if st.maxQueueDelay > 0 {
		fmt.Fprintf(b, "  max_wait:  %s\n", st.maxQueueDelay)
	}
	if st.dropped > 0 {
		fmt.Fprintf(b, "  dropped:   %d (queue_full=%d stale=%d)\n", st.dropped, st.droppedFull, st.droppedStale)
	}
	if st.circuitOpen > 0 {
		fmt.Fprintf(b, "  circuit:   %d of %d open\n", st.circuitOpen, st.circuitTotal)
	}
	fmt.Fprintf(b, "  schedules: %d\n", st.schedules)
	if st.unscoped > 0 {
		fmt.Fprintf(b, "  unscoped:  %d\n", st.unscoped)
	}
	b.WriteString("\n")
}

func writePluginSection(b *strings.Builder, plugins []core.PluginStatus, sched schedStats) {
	b.WriteString("🔌 plugins\n")
	if len(plugins) == 0 {
		b.WriteString("  (none)\n\n")
		return
	}

	for _, st := range plugins {
		fmt.Fprintf(b, "  - %s en=%v run=%v sched=%d %s",
			st.Name, st.Enabled, st.Running, sched.perPlugin[st.Name], st.HealthSummary())
		if st.Quarantined {
			b.WriteString(quarantineNote(st))
		}
		b.WriteString("\n")
	}
	if sched.unscoped > 0 {
		fmt.Fprintf(b, "  - <unscoped> en=- run=- sched=%d\n", sched.unscoped)
	}
	b.WriteString("\n")
}

func quarantineNote(st core.PluginStatus) string {
	reason := strings.TrimSpace(st.QuarantineErr)
	if reason == "" {
		reason = "(no reason)"
	}
	if st.QuarantineSince.IsZero() {
		return " | quarantine: " + reason
	}
	return fmt.Sprintf(" | quarantine %s ago: %s", durRel(time.Since(st.QuarantineSince)), reason)
}

func writeSupSection(b *strings.Builder, p *Plugin, ps *core.Services, detail bool) {
	named := namedSupervisors(ps)

	b.WriteString("🧵 supervisor\n")
	if sup := ps.AppSupervisor; sup != nil {
		c := sup.Counters()
		fmt.Fprintf(b, "  app:   active=%d started=%d\n", c.Active, c.Started)
	} else {
		b.WriteString("  app:   n/a\n")
	}
	if sup := p.Supervisor(); sup != nil {
		c := sup.Counters()
		fmt.Fprintf(b, "  plugin(%s): active=%d started=%d\n", p.Name(), c.Active, c.Started)
	} else {
		b.WriteString("  plugin: n/a\n")
	}
	for _, ns := range named {
		c := ns.sup.Counters()
		fmt.Fprintf(b, "  %s: active=%d started=%d\n", ns.name, c.Active, c.Started)
	}

	if !detail {
		return
	}

	b.WriteString("\n🧵 supervisor detail\n")
	if sup := ps.AppSupervisor; sup != nil {
		b.WriteString("\n  app goroutines\n")
		writeGoroutineLines(b, sup.Snapshot(), 12)
	}
	if sup := p.Supervisor(); sup != nil {
		b.WriteString("\n  plugin goroutines\n")
		writeGoroutineLines(b, sup.Snapshot(), 12)
	}
	for _, ns := range named {
		b.WriteString("\n  " + ns.name + " goroutines\n")
		writeGoroutineLines(b, ns.sup.Snapshot(), 12)
	}
}

type namedSup struct {
	name string
	sup  *rtsup.Supervisor
}

// namedSupervisors flattens the per-subsystem supervisor registry into a
// sorted, nil-free list.
func namedSupervisors(ps *core.Services) []namedSup {
	if ps.RuntimeSupervisors == nil {
		return nil
	}
	all := ps.RuntimeSupervisors.Snapshot()
	out := make([]namedSup, 0, len(all))
	for name, sup := range all {
		if sup != nil {
			out = append(out, namedSup{name: name, sup: sup})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// writeGoroutineLines prints up to limit goroutine entries. GoRestart
// wrapper entries (".loop" suffix) are skipped as noise, as are rows
// that never ran.
func writeGoroutineLines(b *strings.Builder, snap rtsup.SupervisorSnapshot, limit int) {
	if limit <= 0 {
		limit = 10
	}
	shown := 0
	for _, g := range snap.Goroutines {
		if strings.HasSuffix(g.Name, ".loop") {
			continue
		}
		if g.Active == 0 && g.Started == 0 {
			continue
		}
		fmt.Fprintf(b, "    - %s active=%d started=%d restarts=%d panics=%d",
			g.Name, g.Active, g.Started, g.Restarts, g.Panics)
		if g.LastErr != "" {
			b.WriteString(", last_err=" + shorten(g.LastErr, 96))
			if !g.LastErrAt.IsZero() {
				fmt.Fprintf(b, " (%s ago)", durRel(time.Since(g.LastErrAt)))
			}
		}
		if !g.LastStopAt.IsZero() {
			fmt.Fprintf(b, ", last_stop=%s ago", durRel(time.Since(g.LastStopAt)))
		}
		b.WriteString("\n")
		shown++
		if shown >= limit {
			break
		}
	}
	if shown == 0 {
		b.WriteString("    (no data)\n")
	}
}
