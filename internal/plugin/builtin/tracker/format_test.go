package tracker

import (
	"strings"
	"testing"
	"time"

	"fragbot/internal/track"
)

func TestRenderDecision(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		d    track.Decision
		want string
	}{
		{
			name: "session start",
			d:    track.Decision{Kind: track.DecideNotify, SessionStart: true, KillDelta: 3},
			want: "🎮 Nova has played again!",
		},
		{
			name: "rampage",
			d:    track.Decision{Kind: track.DecideNotify, KillDelta: 5},
			want: "🔥 Nova is on a rampage, racking up 5 kills!",
		},
		{
			name: "mid session without kills stays silent",
			d:    track.Decision{Kind: track.DecideNotify, KillDelta: 0},
			want: "",
		},
		{
			name: "session end",
			d:    track.Decision{Kind: track.DecideMarkInactive, KillDelta: 7, TimePlayedDelta: 300},
			want: "💤 Nova stopped playing after claiming 7 souls in 5 minutes!",
		},
		{
			name: "session end zero kills",
			d:    track.Decision{Kind: track.DecideMarkInactive, KillDelta: 0, TimePlayedDelta: 90},
			want: "💤 Nova stopped playing after claiming 0 souls in 2 minutes!",
		},
		{
			name: "stay silent",
			d:    track.Decision{Kind: track.DecideStaySilent},
			want: "",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := renderDecision("Nova", tt.d); got != tt.want {
				t.Fatalf("renderDecision() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSessionMinutes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		seconds int64
		want    int64
	}{
		{0, 0},
		{-5, 0},
		{29, 0},
		{30, 1},
		{89, 1},
		{90, 2},
		{150, 3},
		{300, 5},
		{3600, 60},
	}
	for _, tt := range tests {
		if got := sessionMinutes(tt.seconds); got != tt.want {
			t.Errorf("sessionMinutes(%d) = %d, want %d", tt.seconds, got, tt.want)
		}
	}
}

func TestFmtPlaytime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		seconds int64
		want    string
	}{
		{0, "0h 0m"},
		{59, "0h 0m"},
		{60, "0h 1m"},
		{9000, "2h 30m"},
		{86400, "24h 0m"},
		{-10, "0h 0m"},
	}
	for _, tt := range tests {
		if got := fmtPlaytime(tt.seconds); got != tt.want {
			t.Errorf("fmtPlaytime(%d) = %q, want %q", tt.seconds, got, tt.want)
		}
	}
}

func TestPlayerLineH(t *testing.T) {
	t.Parallel()
	now := time.Now()

	t.Run("untracked", func(t *testing.T) {
		t.Parallel()
		got := playerLineH("Nova", track.SessionState{}, false, now).String()
		if !strings.Contains(got, "not seen yet") || !strings.Contains(got, "<b>Nova</b>") {
			t.Fatalf("playerLineH untracked = %q", got)
		}
	})
	t.Run("playing", func(t *testing.T) {
		t.Parallel()
		st := track.SessionState{SessionActive: true, LastActivityAt: now.Add(-3 * time.Minute)}
		got := playerLineH("Nova", st, true, now).String()
		if !strings.Contains(got, "🎮") || !strings.Contains(got, "playing") {
			t.Fatalf("playerLineH playing = %q", got)
		}
		if !strings.Contains(got, "ago") {
			t.Fatalf("playerLineH playing missing relative time: %q", got)
		}
	})
	t.Run("idle", func(t *testing.T) {
		t.Parallel()
		st := track.SessionState{SessionActive: false, LastActivityAt: now.Add(-2 * time.Hour)}
		got := playerLineH("Nova", st, true, now).String()
		if !strings.Contains(got, "💤") || !strings.Contains(got, "idle") {
			t.Fatalf("playerLineH idle = %q", got)
		}
	})
}

func TestPageShort(t *testing.T) {
	t.Parallel()

	tests := []struct {
		page, size, total int
		want              string
	}{
		{0, 8, 10, "p1/2 1-8/10"},
		{1, 8, 10, "p2/2 9-10/10"},
		{0, 8, 0, "p1/1 0-0/0"},
		{5, 8, 10, "p2/2 9-10/10"}, // page clamped to last
		{0, 0, 25, "p1/3 1-10/25"}, // size defaults to 10
	}
	for _, tt := range tests {
		if got := pageShort(tt.page, tt.size, tt.total); got != tt.want {
			t.Errorf("pageShort(%d, %d, %d) = %q, want %q", tt.page, tt.size, tt.total, got, tt.want)
		}
	}
}
