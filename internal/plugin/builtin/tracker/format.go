package tracker

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"fragbot/internal/track"
	"fragbot/pkg/tgui"
)

// renderDecision turns an engine verdict into its chat line. Empty means say
// nothing this tick.
func renderDecision(name string, d track.Decision) string {
	switch d.Kind {
	case track.DecideNotify:
		if d.SessionStart {
			return fmt.Sprintf("🎮 %s has played again!", name)
		}
		if d.KillDelta == 0 {
			// Still playing but nothing new to brag about.
			return ""
		}
		return fmt.Sprintf("🔥 %s is on a rampage, racking up %d kills!", name, d.KillDelta)
	case track.DecideMarkInactive:
		return fmt.Sprintf("💤 %s stopped playing after claiming %d souls in %d minutes!",
			name, d.KillDelta, sessionMinutes(d.TimePlayedDelta))
	default:
		return ""
	}
}

// sessionMinutes rounds played seconds to whole minutes (half up).
func sessionMinutes(seconds int64) int64 {
	if seconds <= 0 {
		return 0
	}
	return (seconds + 30) / 60
}

// playerLineH renders one roster row for the players list.
// Example: 🎮 alice  playing • last activity 3 minutes ago
func playerLineH(name string, st track.SessionState, tracked bool, now time.Time) tgui.H {
	if !tracked || st.LastActivityAt.IsZero() {
		return tgui.JoinH(" ", tgui.Esc("💤"), tgui.B(name), tgui.Esc("• not seen yet"))
	}
	badge, label := "💤", "idle"
	if st.SessionActive {
		badge, label = "🎮", "playing"
	}
	rel := humanize.RelTime(st.LastActivityAt, now, "ago", "from now")
	return tgui.JoinH(" ", tgui.Esc(badge), tgui.B(name), tgui.Esc("• "+label+" • last activity "+rel))
}

// fmtPlaytime renders cumulative played seconds as "123h 45m".
func fmtPlaytime(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	return fmt.Sprintf("%dh %dm", h, m)
}

func clockStamp() string { return time.Now().Format("15:04:05") }

func updatedNote() tgui.H {
	return tgui.Esc("upd " + clockStamp())
}

func pageShort(page, size, total int) string {
	if size <= 0 {
		size = 10
	}
	if total < 0 {
		total = 0
	}
	last := (total+size-1)/size - 1
	if last < 0 {
		last = 0
	}
	if page < 0 {
		page = 0
	}
	if page > last {
		page = last
	}
	lo, hi := page*size+1, page*size+size
	if hi > total {
		hi = total
	}
	if total == 0 {
		lo, hi = 0, 0
	}
	return fmt.Sprintf("p%d/%d %d-%d/%d", page+1, last+1, lo, hi, total)
}
