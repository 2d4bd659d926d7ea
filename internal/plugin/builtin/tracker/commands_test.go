package tracker

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	pluginkit "fragbot/internal/plugin/kit"
	"fragbot/internal/track"
	"fragbot/pkg/tgui"
)

func TestAddPlayer(t *testing.T) {
	h := newTracker(t, `{}`)
	h.start(t)

	if err := h.plugin.cmdAddPlayer(context.Background(), cmdReq(h, 1, "Shroud")); err != nil {
		t.Fatalf("cmdAddPlayer() error = %v", err)
	}
	if got := h.adapter.lastSend(t); got != "✅ Now tracking Shroud." {
		t.Fatalf("reply = %q", got)
	}
	if got := h.plugin.rosterNames(); len(got) != 1 || got[0] != "Shroud" {
		t.Fatalf("roster = %v, want [Shroud]", got)
	}
	if got := h.store.rosterSnapshot(); len(got) != 1 || got[0] != "Shroud" {
		t.Fatalf("persisted roster = %v, want [Shroud]", got)
	}
	if actions := h.store.auditActions(); !containsStr(actions, "tracker.add") {
		t.Fatalf("audit actions = %v, want tracker.add", actions)
	}

	// Duplicate adds answer with the stored display name, not the input.
	if err := h.plugin.cmdAddPlayer(context.Background(), cmdReq(h, 1, "SHROUD")); err != nil {
		t.Fatalf("cmdAddPlayer() duplicate error = %v", err)
	}
	if got := h.adapter.lastSend(t); got != "⚠️ Shroud is already tracked." {
		t.Fatalf("duplicate reply = %q", got)
	}
	if got := h.plugin.rosterNames(); len(got) != 1 {
		t.Fatalf("roster after duplicate = %v, want 1 entry", got)
	}
}

func TestAddPlayerUsage(t *testing.T) {
	h := newTracker(t, `{}`)
	h.start(t)

	if err := h.plugin.cmdAddPlayer(context.Background(), cmdReq(h, 1)); err != nil {
		t.Fatalf("cmdAddPlayer() error = %v", err)
	}
	if got := h.adapter.lastSend(t); got != "usage: /addplayer <name>" {
		t.Fatalf("reply = %q", got)
	}
}

func TestRemovePlayerNotTracked(t *testing.T) {
	h := newTracker(t, `{}`)
	h.start(t)

	if err := h.plugin.cmdRemovePlayer(context.Background(), cmdReq(h, 1, "ghost")); err != nil {
		t.Fatalf("cmdRemovePlayer() error = %v", err)
	}
	if got := h.adapter.lastSend(t); got != "⚠️ ghost is not tracked." {
		t.Fatalf("reply = %q", got)
	}
}

func TestRemovePlayerConfirmFlow(t *testing.T) {
	h := newTracker(t, `{}`)
	h.start(t)
	h.plugin.rosterAdd("Shroud")
	h.plugin.states.Put("shroud", track.SessionState{SessionActive: true, LastActivityAt: time.Now()})

	// /removeplayer answers with a confirmation prompt.
	if err := h.plugin.cmdRemovePlayer(context.Background(), cmdReq(h, 1, "shroud")); err != nil {
		t.Fatalf("cmdRemovePlayer() error = %v", err)
	}
	if got := h.adapter.lastSend(t); !strings.Contains(got, "player: Shroud") {
		t.Fatalf("confirm prompt = %q, want the player named", got)
	}

	// Pressing Yes routes through the UI hub and executes the removal.
	route := h.plugin.Callbacks()[0]
	payload := tgui.MustPackJSON(pluginkit.UIState{View: viewRemoveExec, Key: "Shroud"})
	if err := route.Handle(context.Background(), cbReq(h, 1, payload), payload); err != nil {
		t.Fatalf("callback Handle() error = %v", err)
	}
	if got := h.adapter.lastEdit(t); !strings.Contains(got, "Stopped tracking Shroud.") {
		t.Fatalf("exec edit = %q", got)
	}
	if got := h.plugin.rosterNames(); len(got) != 0 {
		t.Fatalf("roster after removal = %v, want empty", got)
	}
	if _, ok := h.plugin.states.Get("shroud"); ok {
		t.Fatalf("session state survived removal")
	}
	if keys := h.store.deletedKeys(); !containsStr(keys, "shroud") {
		t.Fatalf("deleted session rows = %v, want shroud", keys)
	}
	if actions := h.store.auditActions(); !containsStr(actions, "tracker.remove") {
		t.Fatalf("audit actions = %v, want tracker.remove", actions)
	}
}

func TestRemoveExecRejectsNonOwner(t *testing.T) {
	h := newTracker(t, `{}`)
	h.start(t)
	h.plugin.rosterAdd("Shroud")

	route := h.plugin.Callbacks()[0]
	payload := tgui.MustPackJSON(pluginkit.UIState{View: viewRemoveExec, Key: "Shroud"})
	if err := route.Handle(context.Background(), cbReq(h, 99, payload), payload); err != nil {
		t.Fatalf("callback Handle() error = %v", err)
	}
	if got := h.adapter.lastEdit(t); !strings.Contains(got, "owners only") {
		t.Fatalf("non-owner edit = %q, want owners-only notice", got)
	}
	if got := h.plugin.rosterNames(); len(got) != 1 {
		t.Fatalf("roster after rejected removal = %v, want [Shroud]", got)
	}
}

func TestCheckPlayerNotFound(t *testing.T) {
	h := newTracker(t, `{}`)
	h.start(t)

	if err := h.plugin.cmdCheckPlayer(context.Background(), cmdReq(h, 2, "ghost")); err != nil {
		t.Fatalf("cmdCheckPlayer() error = %v", err)
	}
	if got := h.adapter.lastSend(t); got != "⚠️ player not found: ghost" {
		t.Fatalf("reply = %q", got)
	}
}

func TestCheckPlayerStats(t *testing.T) {
	h := newTracker(t, `{}`)
	h.start(t)
	h.stats.set("shroud", 9000, 1234)
	h.stats.setRaw("shroud", `{"userName": "Shroud", "kills": 1234}`)
	h.plugin.rosterAdd("Shroud")
	h.plugin.states.Put("shroud", track.SessionState{SessionActive: true, LastActivityAt: time.Now()})

	if err := h.plugin.cmdCheckPlayer(context.Background(), cmdReq(h, 2, "shroud")); err != nil {
		t.Fatalf("cmdCheckPlayer() error = %v", err)
	}
	got := h.adapter.lastSend(t)
	for _, want := range []string{"2h 30m", "1234", "playing", "userName"} {
		if !strings.Contains(got, want) {
			t.Fatalf("reply missing %q:\n%s", want, got)
		}
	}
}

func TestPlayersEmpty(t *testing.T) {
	h := newTracker(t, `{}`)
	h.start(t)

	if err := h.plugin.cmdPlayers(context.Background(), cmdReq(h, 2)); err != nil {
		t.Fatalf("cmdPlayers() error = %v", err)
	}
	if got := h.adapter.lastSend(t); !strings.Contains(got, "No players are being tracked.") {
		t.Fatalf("reply = %q", got)
	}
}

func TestPlayersPagination(t *testing.T) {
	h := newTracker(t, `{}`)
	h.start(t)
	for i := 1; i <= 10; i++ {
		h.plugin.rosterAdd(fmt.Sprintf("Player%02d", i))
	}

	if err := h.plugin.cmdPlayers(context.Background(), cmdReq(h, 2)); err != nil {
		t.Fatalf("cmdPlayers() error = %v", err)
	}
	got := h.adapter.lastSend(t)
	if !strings.Contains(got, "Player01") || !strings.Contains(got, "p1/2 1-8/10") {
		t.Fatalf("page 1 = %q", got)
	}
	if strings.Contains(got, "Player09") {
		t.Fatalf("page 1 leaked page 2 entries:\n%s", got)
	}
	if !strings.Contains(got, "10 idle") {
		t.Fatalf("page 1 missing summary:\n%s", got)
	}

	// Next page via the hub.
	route := h.plugin.Callbacks()[0]
	payload := tgui.MustPackJSON(pluginkit.UIState{View: viewPlayers, Page: 1, Size: playersPageSize})
	if err := route.Handle(context.Background(), cbReq(h, 2, payload), payload); err != nil {
		t.Fatalf("callback Handle() error = %v", err)
	}
	got = h.adapter.lastEdit(t)
	if !strings.Contains(got, "Player09") || !strings.Contains(got, "p2/2 9-10/10") {
		t.Fatalf("page 2 = %q", got)
	}
}

func TestCommandsDeclared(t *testing.T) {
	t.Parallel()
	p := New()

	routes := map[string]bool{}
	for _, c := range p.Commands() {
		routes[c.Route] = true
		if c.Handle == nil {
			t.Fatalf("command %s has no handler", c.Route)
		}
	}
	for _, want := range []string{"players", "addplayer", "removeplayer", "checkplayer"} {
		if !routes[want] {
			t.Fatalf("command %s not declared (have %v)", want, routes)
		}
	}
}
