package plugin

import (
	"context"
	"encoding/json"
	"errors"

	"fragbot/internal/storage"
	logx "fragbot/pkg/logx"
)

// ConfigValidator is an optional plugin interface. When implemented, the
// manager vets config blobs with it: once before a new config is committed,
// and again before the plugin is (re)started under that config.
type ConfigValidator interface {
	ValidateConfig(ctx context.Context, blob json.RawMessage) error
}

// PluginBase covers the boilerplate every plugin repeats: a logger scoped to
// the plugin name, the injected deps, and a supervisor owning the plugin's
// background goroutines. Embed it and forward the lifecycle hooks:
//
//	type Plugin struct { plugin.PluginBase }
//	Init  -> p.InitBase(deps, p.Name())
//	Start -> p.StartBase(ctx), then p.Runner.Go(...) as needed
//	Stop  -> return p.StopBase(ctx)
//
// Most plugins embed kit.EnhancedPluginBase instead, which wraps these hooks
// and layers scheduling and notification helpers on top.
type PluginBase struct {
	Log    logx.Logger
	Deps   PluginDeps
	Runner *Supervisor

	lifeCtx context.Context
}

// InitBase stores deps and builds the scoped logger.
func (b *PluginBase) InitBase(deps PluginDeps, name string) {
	base := deps.Logger
	if base.IsZero() {
		base = logx.Nop()
	}
	b.Deps = deps
	b.Log = base.With(logx.String("plugin", name))
}

// StartBase remembers the runtime context and creates the plugin supervisor.
// The context is the one the manager cancels on disable and on shutdown.
func (b *PluginBase) StartBase(ctx context.Context) {
	b.lifeCtx = ctx
	b.Runner = NewSupervisor(ctx, WithLogger(b.Log), WithCancelOnError(false))
}

// StopBase cancels the supervisor and waits for its goroutines, bounded by ctx.
func (b *PluginBase) StopBase(ctx context.Context) error {
	run := b.Runner
	if run == nil {
		return nil
	}
	b.Runner = nil
	run.Cancel()
	return run.Wait(ctx)
}

// Context returns the plugin runtime context: nil before StartBase, cancelled
// once the plugin is stopped or disabled.
func (b *PluginBase) Context() context.Context { return b.lifeCtx }

// Supervisor exposes the plugin supervisor so the manager can attach
// plugin-scoped goroutines (health loops) that must join on stop.
func (b *PluginBase) Supervisor() *Supervisor { return b.Runner }

// Health is a minimal HealthChecker: it reports whether the plugin was
// started and whether its context is still live. It never blocks. Plugins
// with real dependencies should override it.
func (b *PluginBase) Health(ctx context.Context) (string, error) {
	if b == nil {
		return "nil", errors.New("nil plugin base")
	}
	if b.lifeCtx == nil {
		return "not_started", nil
	}
	if err := b.lifeCtx.Err(); err != nil {
		return "stopped", err
	}
	return "ok", nil
}

// AppendAudit records an operator-visible action in durable storage. Best
// effort: callers get an error when storage is disabled and may ignore it.
func (b *PluginBase) AppendAudit(ctx context.Context, e storage.AuditEntry) error {
	if b == nil {
		return errors.New("nil plugin base")
	}
	store := b.Deps.Store
	if store == nil {
		return errors.New("storage not available")
	}
	return store.AppendAudit(ctx, e)
}
