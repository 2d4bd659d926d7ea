package pluginkit

import (
	"context"
	"errors"
	"strconv"
	"strings"

	core "fragbot/internal/plugin"
	kit "fragbot/internal/transport"
)

// Notifier priorities behind the helper levels.
const (
	prioInfo  = 5
	prioWarn  = 7
	prioError = 9
)

var (
	errNoTarget   = errors.New("no notification target configured")
	errNoNotifier = errors.New("notifier not available")
)

// NotifyHelper lets a plugin push operator-facing notifications without
// caring where they land: the default target is the configured log
// group, falling back to the first owner's DM.
type NotifyHelper struct {
	plugin string
	deps   core.PluginDeps
	runCtx context.Context
}

func NewNotifyHelper(name string, deps core.PluginDeps) *NotifyHelper {
	return &NotifyHelper{plugin: name, deps: deps}
}

// bindContext ties outbound sends to the plugin runtime context.
func (h *NotifyHelper) bindContext(ctx context.Context) { h.runCtx = ctx }

func (h *NotifyHelper) Info(text string) error  { return h.toDefault(prioInfo, text) }
func (h *NotifyHelper) Warn(text string) error  { return h.toDefault(prioWarn, text) }
func (h *NotifyHelper) Error(text string) error { return h.toDefault(prioError, text) }

// To targets a specific chat instead of the default.
func (h *NotifyHelper) To(chat kit.ChatTarget) *NotifyBuilder {
	return &NotifyBuilder{base: h, to: chat}
}

func (h *NotifyHelper) toDefault(priority int, text string) error {
	dst := h.fallbackTarget()
	if dst.ChatID == 0 {
		return errNoTarget
	}
	return h.push(priority, dst, text)
}

func (h *NotifyHelper) push(priority int, dst kit.ChatTarget, text string) error {
	if h == nil {
		return errNoNotifier
	}
	svcs := h.deps.Services
	if svcs == nil || svcs.Notifier == nil {
		return errNoNotifier
	}
	ctx := h.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	msg := kit.Notification{Priority: priority, Target: dst, Text: text}
	msg.Options = &kit.SendOptions{DisablePreview: true}
	return svcs.Notifier.Notify(ctx, msg)
}

// fallbackTarget resolves telegram.group_log (with the logging thread)
// before falling back to DMing the first owner.
func (h *NotifyHelper) fallbackTarget() kit.ChatTarget {
	var dst kit.ChatTarget
	cm := h.deps.Config
	if cm == nil {
		return dst
	}
	cfg := cm.Get()
	if cfg == nil {
		return dst
	}

	// group_log wins when it parses as a numeric chat id.
	if raw := strings.TrimSpace(cfg.Telegram.GroupLog); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			dst.ChatID = id
			dst.ThreadID = cfg.Logging.Telegram.ThreadID
			return dst
		}
	}
	if owners := h.deps.OwnerUserID; len(owners) > 0 {
		dst.ChatID = owners[0]
	}
	return dst
}

type NotifyBuilder struct {
	base *NotifyHelper
	to   kit.ChatTarget
}

func (b *NotifyBuilder) Info(text string) error  { return b.base.push(prioInfo, b.to, text) }
func (b *NotifyBuilder) Warn(text string) error  { return b.base.push(prioWarn, b.to, text) }
func (b *NotifyBuilder) Error(text string) error { return b.base.push(prioError, b.to, text) }
