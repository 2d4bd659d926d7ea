package pluginkit

import (
	"context"

	core "fragbot/internal/plugin"
)

// EnhancedPluginBase layers the kit helpers on top of core.PluginBase.
// Embedding it instead of the plain base gets a plugin namespaced
// scheduling (no cross-plugin task-name collisions) and notifications,
// with schedule teardown handled on stop. Plugins that want neither can
// keep embedding core.PluginBase directly.
type EnhancedPluginBase struct {
	core.PluginBase

	// Built in InitEnhanced; both tolerate nil services.
	sched    *ScheduleHelper
	notifier *NotifyHelper
}

// InitEnhanced wires the embedded base and constructs the helpers.
func (b *EnhancedPluginBase) InitEnhanced(deps core.PluginDeps, name string) {
	b.InitBase(deps, name)
	b.sched = NewScheduleHelper(name, deps)
	b.notifier = NewNotifyHelper(name, deps)
}

// StartEnhanced runs StartBase and hands the lifecycle context to the
// helpers so scheduled jobs and notifications die with the plugin.
func (b *EnhancedPluginBase) StartEnhanced(ctx context.Context) {
	b.StartBase(ctx)
	if b.sched != nil {
		b.sched.bindContext(ctx)
	}
	if b.notifier != nil {
		b.notifier.bindContext(ctx)
	}
}

// StopEnhanced removes the plugin's schedules, then runs StopBase.
func (b *EnhancedPluginBase) StopEnhanced(ctx context.Context) error {
	if b.sched != nil {
		b.sched.cleanup()
	}
	return b.StopBase(ctx)
}

// Schedule is the plugin-scoped scheduler helper.
func (b *EnhancedPluginBase) Schedule() *ScheduleHelper { return b.sched }

// Notify is the plugin-scoped notification helper.
func (b *EnhancedPluginBase) Notify() *NotifyHelper { return b.notifier }
