package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	core "fragbot/internal/plugin"
	pluginkit "fragbot/internal/plugin/kit"
	"fragbot/internal/storage"
	"fragbot/internal/track"
	logx "fragbot/pkg/logx"
	"fragbot/pkg/tgui"
)

const playersPageSize = 8

// rawJSONMaxLen caps how much pretty-printed API JSON a lookup will show.
const rawJSONMaxLen = 6000

// boundCtx ties a command or callback context to the plugin's lifecycle, so
// in-flight lookups die when the plugin is disabled or stopped while the
// per-request deadline keeps applying. context.AfterFunc bridges the two
// contexts without a watcher goroutine.
func (p *Plugin) boundCtx(req context.Context) (context.Context, context.CancelFunc) {
	if req == nil {
		req = context.Background()
	}
	life := p.Context()
	if life == nil {
		return context.WithCancel(req)
	}
	merged, cancel := context.WithCancel(life)
	detach := context.AfterFunc(req, cancel)
	return merged, func() {
		detach()
		cancel()
	}
}

func (p *Plugin) Commands() []core.Command {
	return []core.Command{
		{
			Route:       "players",
			Aliases:     []string{"list"},
			Description: "list tracked players",
			Usage:       "/players",
			Access:      core.AccessEveryone,
			Handle:      p.cmdPlayers,
		},
		{
			Route:       "addplayer",
			Aliases:     []string{"track"},
			Description: "track a player",
			Usage:       "/addplayer <name>",
			Access:      core.AccessOwnerOnly,
			Handle:      p.cmdAddPlayer,
		},
		{
			Route:       "removeplayer",
			Aliases:     []string{"untrack"},
			Description: "stop tracking a player",
			Usage:       "/removeplayer <name>",
			Access:      core.AccessOwnerOnly,
			Handle:      p.cmdRemovePlayer,
		},
		{
			Route:       "checkplayer",
			Aliases:     []string{"check"},
			Description: "look up a player's stats",
			Usage:       "/checkplayer <name>",
			Access:      core.AccessEveryone,
			Handle:      p.cmdCheckPlayer,
		},
	}
}

func (p *Plugin) cmdPlayers(ctx context.Context, req *core.Request) error {
	ctx, cancel := p.boundCtx(ctx)
	defer cancel()

	if p.ui == nil {
		names := p.rosterNames()
		if len(names) == 0 {
			_, _ = req.Adapter.SendText(ctx, req.Chat, "📭 No players are being tracked.", nil)
			return nil
		}
		_, _ = req.Adapter.SendText(ctx, req.Chat, "Tracked players:\n- "+strings.Join(names, "\n- "), nil)
		return nil
	}

	st := pluginkit.UIState{View: viewPlayers, Page: 0, Size: playersPageSize}
	view, err := p.viewPlayers(ctx, req, st)
	if err != nil {
		return err
	}
	_, _ = view.Send(ctx, req.Adapter, req.Chat)
	return nil
}

func (p *Plugin) cmdAddPlayer(ctx context.Context, req *core.Request) error {
	start := time.Now()
	ctx, cancel := p.boundCtx(ctx)
	defer cancel()

	name := nameFromArgs(req.Args)
	if name == "" {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "usage: /addplayer <name>", nil)
		return nil
	}

	if !p.rosterAdd(name) {
		display, _ := p.rosterFind(name)
		_, _ = req.Adapter.SendText(ctx, req.Chat, fmt.Sprintf("⚠️ %s is already tracked.", display), nil)
		return nil
	}
	p.persistRoster(ctx)
	p.auditRoster(ctx, req, "add", name, true, "", time.Since(start))

	p.Log.Info("player added", logx.String("player", name))
	_, _ = req.Adapter.SendText(ctx, req.Chat, fmt.Sprintf("✅ Now tracking %s.", name), nil)
	return nil
}

func (p *Plugin) cmdRemovePlayer(ctx context.Context, req *core.Request) error {
	ctx, cancel := p.boundCtx(ctx)
	defer cancel()

	name := nameFromArgs(req.Args)
	if name == "" {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "usage: /removeplayer <name>", nil)
		return nil
	}
	display, ok := p.rosterFind(name)
	if !ok {
		_, _ = req.Adapter.SendText(ctx, req.Chat, fmt.Sprintf("⚠️ %s is not tracked.", name), nil)
		return nil
	}

	if p.ui == nil {
		// No interactive confirm available; remove directly.
		start := time.Now()
		removed, ok := p.removePlayer(ctx, display)
		if !ok {
			_, _ = req.Adapter.SendText(ctx, req.Chat, fmt.Sprintf("⚠️ %s is not tracked.", name), nil)
			return nil
		}
		p.auditRoster(ctx, req, "remove", removed, true, "", time.Since(start))
		_, _ = req.Adapter.SendText(ctx, req.Chat, fmt.Sprintf("🗑️ Stopped tracking %s.", removed), nil)
		return nil
	}

	st := pluginkit.UIState{View: viewRemoveConfirm, Key: display}
	view, err := p.viewRemoveConfirm(ctx, req, st)
	if err != nil {
		return err
	}
	_, _ = view.Send(ctx, req.Adapter, req.Chat)
	return nil
}

func (p *Plugin) cmdCheckPlayer(ctx context.Context, req *core.Request) error {
	cfg := p.currentConfig()
	ctx, cancel := p.boundCtx(ctx)
	defer cancel()

	name := nameFromArgs(req.Args)
	if name == "" {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "usage: /checkplayer <name>", nil)
		return nil
	}
	client := p.clientSnapshot()
	if client == nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "⚠️ stats client not configured", nil)
		return nil
	}

	fctx, fcancel := context.WithTimeout(ctx, cfg.operationTimeout)
	snap, err := client.FetchStats(fctx, name)
	fcancel()
	if err != nil {
		if kind, _ := track.KindOf(err); kind == track.FetchNotFound {
			_, _ = req.Adapter.SendText(ctx, req.Chat, "⚠️ player not found: "+name, nil)
			return nil
		}
		_, _ = req.Adapter.SendText(ctx, req.Chat, "⚠️ lookup failed: "+err.Error(), nil)
		return nil
	}

	out := tgui.New().Title("🎯", name)
	out.KV("Time played", fmtPlaytime(snap.TimePlayed))
	out.KV("Kills", strconv.FormatInt(snap.Kills, 10))

	// Session info when the player is on the roster.
	if display, tracked := p.rosterFind(name); tracked {
		if st, found := p.states.Get(identityKey(display)); found {
			label := "idle"
			if st.SessionActive {
				label = "playing"
			}
			out.KV("Tracked", label)
			if !st.LastActivityAt.IsZero() {
				out.KV("Last activity", st.LastActivityAt.Format("2006-01-02 15:04:05"))
			}
		} else {
			out.KV("Tracked", "no session data yet")
		}
	}

	// Raw payload for the curious (separate fetch so a failure here doesn't
	// hide the counters above).
	fctx2, fcancel2 := context.WithTimeout(ctx, cfg.operationTimeout)
	raw, rawErr := client.FetchRaw(fctx2, name)
	fcancel2()
	if rawErr == nil {
		out.PreMulti(prettyJSON(raw, rawJSONMaxLen))
	}

	reply := out.Build()
	_, _ = reply.Send(ctx, req.Adapter, req.Chat)
	return nil
}

// removePlayer drops name from the roster and cascades its session record,
// both in memory and in storage.
func (p *Plugin) removePlayer(ctx context.Context, name string) (string, bool) {
	display, ok := p.rosterRemove(name)
	if !ok {
		return "", false
	}
	id := identityKey(display)
	p.states.Remove(id)
	p.persistRoster(ctx)
	p.dropSession(ctx, id)
	return display, true
}

func nameFromArgs(args []string) string {
	for _, arg := range args {
		if name := normalizeName(arg); name != "" {
			return name
		}
	}
	return ""
}

// prettyJSON indents raw and truncates the result at maxLen runes.
func prettyJSON(raw json.RawMessage, maxLen int) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	s := buf.String()
	if maxLen > 0 && len(s) > maxLen {
		s = s[:maxLen] + "\n… (truncated)"
	}
	return s
}

func (p *Plugin) auditRoster(ctx context.Context, req *core.Request, action, target string, ok bool, errText string, took time.Duration) {
	// Audit is best effort; storage may be off entirely.
	entry := storage.AuditEntry{
		At:       time.Now(),
		ActorID:  req.FromID,
		ChatID:   req.Chat.ChatID,
		ThreadID: req.Chat.ThreadID,
		Plugin:   "tracker",
		Action:   "tracker." + action,
		Target:   target,
		TookMS:   took.Milliseconds(),
	}
	if req.Update.Message != nil {
		entry.ActorUsername = req.Update.Message.FromUsername
	}
	if ok {
		entry.OK = 1
	} else {
		entry.Fail = 1
		entry.Error = errText
	}
	meta := map[string]any{"player": target, "action": action, "cmd": req.Command, "args": req.Args}
	if metaRaw, err := json.Marshal(meta); err == nil {
		entry.MetaJSON = string(metaRaw)
	}

	base := ctx
	if base == nil {
		base = context.Background()
	}
	actx, cancel := context.WithTimeout(base, time.Second)
	defer cancel()
	_ = p.AppendAudit(actx, entry)
}
