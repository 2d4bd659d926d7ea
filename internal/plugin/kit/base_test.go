package pluginkit

import (
	"context"
	"testing"
	"time"

	core "fragbot/internal/plugin"
)

func TestEnhancedPluginBaseLifecycle(t *testing.T) {
	t.Parallel()

	fs := &fakeSched{}
	deps := core.PluginDeps{Services: &core.Services{Scheduler: fs}}

	var b EnhancedPluginBase
	b.InitEnhanced(deps, "tracker")
	if b.Schedule() == nil {
		t.Fatalf("Schedule() = nil after InitEnhanced")
	}
	if b.Notify() == nil {
		t.Fatalf("Notify() = nil after InitEnhanced")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.StartEnhanced(ctx)
	if b.Context() == nil {
		t.Fatalf("Context() = nil after StartEnhanced")
	}

	if err := b.Schedule().Every("poll", time.Minute).Do(nopJob); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if got := fs.callCount(); got != 1 {
		t.Fatalf("scheduler calls = %d, want 1", got)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := b.StopEnhanced(stopCtx); err != nil {
		t.Fatalf("StopEnhanced() error = %v", err)
	}

	// Stop removes every schedule the plugin registered.
	removed := fs.removedNames()
	if len(removed) != 1 || removed[0] != "tracker:poll" {
		t.Fatalf("removed = %v, want [tracker:poll]", removed)
	}
}
