package tracker

import (
	"context"
	"fmt"
	"time"

	tele "gopkg.in/telebot.v4"

	core "fragbot/internal/plugin"
	pluginkit "fragbot/internal/plugin/kit"
	logx "fragbot/pkg/logx"
	"fragbot/pkg/tgui"
)

const (
	viewPlayers       = "players"
	viewRemoveConfirm = "rm_confirm"
	viewRemoveExec    = "rm_exec"
	viewDismiss       = "closed"
)

// reqIsOwner gates destructive views. The hub itself is public so everyone
// can page through /players; roster edits stay owner-only.
func reqIsOwner(req *core.Request) bool {
	for _, id := range req.OwnerUserID {
		if id == req.FromID {
			return true
		}
	}
	return false
}

func ownersOnlyView() (tgui.Message, error) {
	return tgui.New().Title("🔒", "Tracker").Line("This action is for bot owners only.").Build(), nil
}

func (p *Plugin) viewPlayers(ctx context.Context, req *core.Request, st pluginkit.UIState) (tgui.Message, error) {
	names := p.rosterNames()
	if len(names) == 0 {
		keys := tgui.NewInline().Row(p.ui.Button("✖️ Close", pluginkit.UIState{View: viewDismiss}))
		return tgui.New().Title("🎯", "Tracked Players").
			Line("📭 No players are being tracked.").
			Line("Add one with /addplayer <name>.").
			Inline(keys).Build(), nil
	}

	sessions := p.states.Snapshot()
	now := time.Now()

	// Summary counters (for the whole roster, not just this page).
	var playing int
	for _, n := range names {
		if s, ok := sessions[identityKey(n)]; ok && s.SessionActive {
			playing++
		}
	}

	pg := tgui.Paginate(names, st.Page, st.Size)

	card := tgui.New().Title("🎯", "Tracked Players")
	for _, n := range pg.Items {
		s, ok := sessions[identityKey(n)]
		card.RawLine(playerLineH(n, s, ok, now).String())
	}
	card.Blank()
	card.RawLine("📊 <b>Summary</b>: " + tgui.Esc(fmt.Sprintf("%d playing • %d idle", playing, len(names)-playing)).String())
	card.RawLine("🕒 <b>Updated</b>: " + tgui.Esc(clockStamp()).String() + "  •  " + tgui.Esc(pageShort(pg.Index, pg.Size, pg.Total)).String())

	keys := tgui.NewInline()
	if pg.HasPrev || pg.HasNext {
		nav := make([]tele.Btn, 0, 2)
		if pg.HasPrev {
			nav = append(nav, p.ui.Button("⬅️ Prev", pluginkit.UIState{View: viewPlayers, Page: pg.Index - 1, Size: pg.Size}))
		}
		if pg.HasNext {
			nav = append(nav, p.ui.Button("Next ➡️", pluginkit.UIState{View: viewPlayers, Page: pg.Index + 1, Size: pg.Size}))
		}
		keys.Row(nav...)
	}
	keys.Row(
		p.ui.Button("🔄 Refresh", pluginkit.UIState{View: viewPlayers, Page: pg.Index, Size: pg.Size}),
		p.ui.Button("✖️ Close", pluginkit.UIState{View: viewDismiss}),
	)

	card.Inline(keys)
	return card.Build(), nil
}

func (p *Plugin) viewRemoveConfirm(ctx context.Context, req *core.Request, st pluginkit.UIState) (tgui.Message, error) {
	if !reqIsOwner(req) {
		return ownersOnlyView()
	}
	name := normalizeName(st.Key)
	if name == "" {
		return tgui.New().Title("⚠️", "Tracker").Line("missing player name").Build(), nil
	}
	display, ok := p.rosterFind(name)
	if !ok {
		keys := tgui.NewInline().Row(p.ui.Button("✖️ Close", pluginkit.UIState{View: viewDismiss}))
		return tgui.New().Title("⚠️", "Tracker").Line(fmt.Sprintf("%s is not tracked.", name)).Inline(keys).Build(), nil
	}

	card := tgui.New().Title("🗑️", "Stop tracking")
	card.Pre(fmt.Sprintf("action: untrack\nplayer: %s", display))
	card.Line("The session record is deleted as well.")
	card.RawLine(updatedNote().String())
	out := card.Build()

	yes := p.ui.Button("✅ Yes", pluginkit.UIState{View: viewRemoveExec, Key: display})
	back := p.ui.Button("↩️ Cancel", pluginkit.UIState{View: viewPlayers, Page: 0, Size: playersPageSize})
	dismiss := p.ui.Button("✖️ Close", pluginkit.UIState{View: viewDismiss})

	keys := tgui.NewInline().Row(yes, back).Row(dismiss)
	out.Opt.ReplyMarkupAdapter = keys.Markup()
	return out, nil
}

func (p *Plugin) viewRemoveExec(ctx context.Context, req *core.Request, st pluginkit.UIState) (tgui.Message, error) {
	if !reqIsOwner(req) {
		return ownersOnlyView()
	}
	name := normalizeName(st.Key)
	if name == "" {
		return tgui.New().Title("⚠️", "Tracker").Line("missing player name").Build(), nil
	}

	ctx2, cancel := p.boundCtx(ctx)
	defer cancel()
	start := time.Now()

	card := tgui.New()
	removed, ok := p.removePlayer(ctx2, name)
	if !ok {
		card.Title("⚠️", "Tracker").Line(fmt.Sprintf("%s is not tracked.", name))
	} else {
		p.auditRoster(ctx2, req, "remove", removed, true, "", time.Since(start))
		p.Log.Info("player removed", logx.String("player", removed))
		card.Title("🗑️", "Tracker").Line(fmt.Sprintf("Stopped tracking %s.", removed))
	}
	card.RawLine(updatedNote().String())

	keys := tgui.NewInline().Row(
		p.ui.Button("📋 Players", pluginkit.UIState{View: viewPlayers, Page: 0, Size: playersPageSize}),
		p.ui.Button("✖️ Close", pluginkit.UIState{View: viewDismiss}),
	)
	card.Inline(keys)
	return card.Build(), nil
}

func (p *Plugin) closeView(ctx context.Context, req *core.Request, st pluginkit.UIState) (tgui.Message, error) {
	card := tgui.New().Title("✖️", "Closed")
	card.RawLine(tgui.I("View closed.").String())
	return card.Build(), nil
}
