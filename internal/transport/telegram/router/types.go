package router

import (
	"context"
	"time"

	kit "fragbot/internal/transport"
	logx "fragbot/pkg/logx"
)

// Access gates who may run a command.
type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

// Command declares one routable command. Route is a space-separated
// path; "tracker add" registers a subcommand under /tracker.
type Command struct {
	Route       string
	Aliases     []string // extra root-level names, e.g. ["addplayer", "ap"]
	Description string
	Usage       string
	Access      Access

	PluginName string
	Timeout    time.Duration // per-command override; zero uses the default
	Handle     HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// CallbackAccess gates inline-button callbacks. The zero value is
// owner-only: in group chats anyone can see and press a button, and
// most buttons drive operational actions.
type CallbackAccess int

const (
	CallbackAccessOwnerOnly CallbackAccess = iota
	CallbackAccessEveryone
)

// CallbackRoute declares one callback action. Button data uses the
// "plugin:action:payload" form and routes on the first two segments.
type CallbackRoute struct {
	Plugin      string
	Action      string
	Description string
	Access      CallbackAccess
	Timeout     time.Duration
	Handle      CallbackHandlerFunc
}

// Request carries everything a handler needs for one update.
type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Path    []string // matched route tokens, message updates only
	Command string   // route or callback key
	Args    []string
	Payload string // raw callback payload

	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Adapter     kit.Adapter
	Config      *Config
	Logger      logx.Logger
	Services    *Services
	OwnerUserID []int64
}

// Services bundles the subsystem handles commands may touch. Individual
// fields can be nil in minimal or test setups; handlers must check.
type Services struct {
	Scheduler SchedulerPort
	Notifier  NotifierPort
	Plugins   PluginsPort

	// AppSupervisor is installed by the app once it is running.
	AppSupervisor *Supervisor

	// RuntimeSupervisors carries per-subsystem supervisors (adapter,
	// engine, notifier) so /health can report their goroutines.
	RuntimeSupervisors *SupervisorRegistry
}

// PluginsPort is the read-only plugin runtime view used by operational
// commands. Plugins run in-process; this is visibility, not isolation.
type PluginsPort interface {
	Snapshot() PluginsSnapshot

	// CheckHealth probes the named plugins on demand. An empty list
	// means every running plugin that supports health checks.
	CheckHealth(ctx context.Context, plugins []string) []PluginHealthResult
}

// SchedulerPort is the slice of the scheduler that commands and
// plugins register work through.
type SchedulerPort interface {
	Enabled() bool
	Snapshot() Snapshot

	AddCron(name, expr string, budget time.Duration, job func(ctx context.Context) error) (string, error)
	AddCronOpt(name, expr string, budget time.Duration, opts TaskOptions, job func(ctx context.Context) error) (string, error)

	AddInterval(name string, period time.Duration, budget time.Duration, job func(ctx context.Context) error) (string, error)
	AddIntervalOpt(name string, period time.Duration, budget time.Duration, opts TaskOptions, job func(ctx context.Context) error) (string, error)

	AddOnce(name string, when time.Time, budget time.Duration, job func(ctx context.Context) error) (string, error)
	AddDaily(name, hhmm string, budget time.Duration, job func(ctx context.Context) error) (string, error)

	Remove(name string) bool
}

type NotifierPort interface {
	Notify(ctx context.Context, msg kit.Notification) error
}
