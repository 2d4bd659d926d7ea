package plugin

import (
	"fragbot/internal/config"
	"fragbot/internal/plugin/ops"
	"fragbot/internal/runtime/lifecycle"
	"fragbot/internal/runtime/supervisor"
	"fragbot/internal/transport/telegram/router"
)

// Plugins are written against this package plus kit, never against the
// router or runtime packages directly. The aliases below define the surface
// they get. Keep the list tight: every name here is API we carry forward,
// so anything no plugin references should go.

// Configuration. PluginConfigRaw is the per-plugin blob inside the config
// file; the schema itself stays centralized in internal/config.
type (
	Config          = config.Config
	ConfigManager   = config.ConfigManager
	PluginConfigRaw = config.PluginConfigRaw
)

// Supervision for plugin-owned goroutines.
type Supervisor = supervisor.Supervisor

var (
	NewSupervisor     = supervisor.NewSupervisor
	WithLogger        = supervisor.WithLogger
	WithCancelOnError = supervisor.WithCancelOnError
)

// Stop reasons the manager passes to plugin lifecycle events.
type StopReason = lifecycle.StopReason

const (
	StopPluginDisable    = lifecycle.StopPluginDisable
	StopPluginQuarantine = lifecycle.StopPluginQuarantine
)

// Command routing: what a plugin returns from Commands() and Callbacks(),
// and what its handlers receive.
type (
	Command       = router.Command
	Request       = router.Request
	CallbackRoute = router.CallbackRoute
)

type Access = router.Access

const (
	AccessEveryone  = router.AccessEveryone
	AccessOwnerOnly = router.AccessOwnerOnly
)

type CallbackAccess = router.CallbackAccess

const (
	CallbackAccessOwnerOnly = router.CallbackAccessOwnerOnly
	CallbackAccessEveryone  = router.CallbackAccessEveryone
)

// Shared services injected through PluginDeps. SchedulerPort is what the
// kit schedule helper talks to.
type (
	Services       = router.Services
	CommandManager = router.CommandManager
	SchedulerPort  = router.SchedulerPort
)

// Scheduler task options and status snapshots.
type (
	TaskOptions = router.TaskOptions
	Snapshot    = router.Snapshot
)

const (
	OverlapAllow         = router.OverlapAllow
	OverlapSkipIfRunning = router.OverlapSkipIfRunning
)

// Schedule specs: kit and plugins validate "@every ..."/cron strings with
// this before handing jobs to the scheduler.
type ParsedSchedule = router.ParsedSchedule

const (
	ScheduleCron     = router.ScheduleCron
	ScheduleInterval = router.ScheduleInterval
)

var ParseSchedule = router.ParseSchedule

// Operational status types live in plugin/ops so the router can import them
// without a cycle; plugins keep referring to them as plugin.*.
type (
	PluginsSnapshot    = ops.PluginsSnapshot
	PluginStatus       = ops.PluginStatus
	PluginHealthResult = ops.PluginHealthResult
)
