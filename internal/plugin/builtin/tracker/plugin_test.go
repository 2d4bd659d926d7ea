package tracker

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"

	core "fragbot/internal/plugin"
	"fragbot/internal/track"
)

func TestOnConfigChangeRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     string
		wantErr string
	}{
		{
			name:    "malformed players",
			cfg:     `{"players": 5}`,
			wantErr: "unmarshal config",
		},
		{
			name:    "bad inactivity timeout",
			cfg:     `{"inactivity_timeout": "soon"}`,
			wantErr: "invalid tracker.inactivity_timeout",
		},
		{
			name:    "negative inactivity timeout",
			cfg:     `{"inactivity_timeout": "-1m"}`,
			wantErr: "invalid tracker.inactivity_timeout",
		},
		{
			name:    "legacy timeouts key",
			cfg:     `{"timeouts": {"job": "30s"}}`,
			wantErr: "timeouts.job",
		},
		{
			name:    "bad operation timeout",
			cfg:     `{"timeouts": {"operation": "fast"}}`,
			wantErr: "invalid tracker.timeouts.operation",
		},
		{
			name:    "enabled without schedule",
			cfg:     `{"scheduler": {"enabled": true}}`,
			wantErr: "schedule is required",
		},
		{
			name:    "bad schedule",
			cfg:     `{"scheduler": {"enabled": true, "schedule": "sometimes"}}`,
			wantErr: "invalid tracker.scheduler.schedule",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			h := newTracker(t, "")
			err := h.plugin.OnConfigChange(context.Background(), json.RawMessage(tt.cfg))
			if err == nil {
				t.Fatalf("OnConfigChange(%s) = nil, want error containing %q", tt.cfg, tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("OnConfigChange() error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestOnConfigChangeDefaults(t *testing.T) {
	h := newTracker(t, `{}`)

	c := h.plugin.currentConfig()
	if c.InactivityTimeout != "10m" || c.inactivity != 10*time.Minute {
		t.Fatalf("inactivity = %q/%v, want 10m", c.InactivityTimeout, c.inactivity)
	}
	if c.operationTimeout != 15*time.Second {
		t.Fatalf("operationTimeout = %v, want 15s", c.operationTimeout)
	}
	if c.taskTimeout != 60*time.Second {
		t.Fatalf("taskTimeout = %v, want 60s", c.taskTimeout)
	}
	if c.Scheduler.TaskName != "poll" {
		t.Fatalf("Scheduler.TaskName = %q, want poll", c.Scheduler.TaskName)
	}
}

func TestOnConfigChangeCustomTimeouts(t *testing.T) {
	h := newTracker(t, `{"timeouts": {"task": "90s", "operation": "3s"}, "inactivity_timeout": "30m"}`)

	c := h.plugin.currentConfig()
	if c.taskTimeout != 90*time.Second {
		t.Fatalf("taskTimeout = %v, want 90s", c.taskTimeout)
	}
	if c.operationTimeout != 3*time.Second {
		t.Fatalf("operationTimeout = %v, want 3s", c.operationTimeout)
	}
	if c.inactivity != 30*time.Minute {
		t.Fatalf("inactivity = %v, want 30m", c.inactivity)
	}
}

func TestOnConfigChangeEmptyRawIsNoop(t *testing.T) {
	h := newTracker(t, `{"inactivity_timeout": "5m"}`)
	if err := h.plugin.OnConfigChange(context.Background(), nil); err != nil {
		t.Fatalf("OnConfigChange(nil) error = %v", err)
	}
	if c := h.plugin.currentConfig(); c.inactivity != 5*time.Minute {
		t.Fatalf("inactivity after empty change = %v, want 5m", c.inactivity)
	}
}

func TestStartMergesPersistedRosterWithSeed(t *testing.T) {
	h := newTracker(t, `{"players": ["Alice", "bob"]}`)
	h.store.seed(
		[]string{"bob"},
		map[string]track.SessionState{
			"bob": {LastSeenTimePlayed: 10, LastActivityAt: time.Now().Add(-time.Hour)},
		},
	)

	h.start(t)

	// Persisted names come first; unseen seed names follow in config order.
	want := []string{"bob", "Alice"}
	if got := h.plugin.rosterNames(); !reflect.DeepEqual(got, want) {
		t.Fatalf("rosterNames() = %v, want %v", got, want)
	}
	// Seeding added Alice, so the merged roster was written back.
	if got := h.store.rosterSnapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("persisted roster = %v, want %v", got, want)
	}
	st, ok := h.plugin.states.Get("bob")
	if !ok || st.LastSeenTimePlayed != 10 {
		t.Fatalf("restored session = %+v ok=%v, want LastSeenTimePlayed 10", st, ok)
	}
}

func TestStartWithoutSeedDoesNotRewriteRoster(t *testing.T) {
	h := newTracker(t, `{"players": ["bob"]}`)
	h.store.seed([]string{"bob"}, nil)

	h.start(t)

	if saves, _ := h.store.counts(); saves != 0 {
		t.Fatalf("roster saves after start = %d, want 0 (nothing new)", saves)
	}
}

func TestReconcilePollSchedules(t *testing.T) {
	h := newTracker(t, `{"players": ["Alice"], "scheduler": {"enabled": true, "schedule": "5m"}}`)
	h.start(t)

	call := h.sched.last(t)
	if call.kind != "interval" || call.name != "tracker:poll" || call.every != 5*time.Minute {
		t.Fatalf("scheduled call = %+v, want interval tracker:poll every 5m", call)
	}
	if call.timeout != 60*time.Second {
		t.Fatalf("task timeout = %v, want default 60s", call.timeout)
	}
	if call.opt.Overlap != core.OverlapSkipIfRunning {
		t.Fatalf("overlap = %v, want skip-if-running", call.opt.Overlap)
	}

	// Renaming the task re-registers it and clears the old name.
	h.applyConfig(t, `{"scheduler": {"enabled": true, "task_name": "sweep", "schedule": "*/5 * * * *"}}`)
	if removed := h.sched.removedNames(); !containsStr(removed, "tracker:poll") {
		t.Fatalf("removed tasks = %v, want tracker:poll gone", removed)
	}
	call = h.sched.last(t)
	if call.kind != "cron" || call.name != "tracker:sweep" || call.spec != "*/5 * * * *" {
		t.Fatalf("rescheduled call = %+v, want cron tracker:sweep */5", call)
	}

	// Disabling removes the schedule without adding a new one.
	n := h.sched.callCount()
	h.applyConfig(t, `{"scheduler": {"enabled": false}}`)
	if removed := h.sched.removedNames(); !containsStr(removed, "tracker:sweep") {
		t.Fatalf("removed tasks = %v, want tracker:sweep gone", removed)
	}
	if got := h.sched.callCount(); got != n {
		t.Fatalf("scheduler calls after disable = %d, want %d", got, n)
	}
}

func TestConfigChangeBeforeStartDoesNotSchedule(t *testing.T) {
	h := newTracker(t, `{"scheduler": {"enabled": true, "schedule": "5m"}}`)

	if got := h.sched.callCount(); got != 0 {
		t.Fatalf("scheduler calls before start = %d, want 0", got)
	}
	h.start(t)
	if got := h.sched.callCount(); got != 1 {
		t.Fatalf("scheduler calls after start = %d, want 1", got)
	}
}

func TestStopPersistsSessions(t *testing.T) {
	h := newTracker(t, `{"players": ["Eve"]}`)
	h.start(t)

	h.stats.set("eve", 100, 1)
	h.poll(t)
	_, before := h.store.counts()

	if err := h.plugin.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, after := h.store.counts(); after != before+1 {
		t.Fatalf("session saves after stop = %d, want %d", after, before+1)
	}
	if keys := h.store.sessionKeys(); !containsStr(keys, "eve") {
		t.Fatalf("persisted sessions = %v, want eve present", keys)
	}
}

func containsStr(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}
