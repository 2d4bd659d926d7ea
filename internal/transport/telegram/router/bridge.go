package router

import (
	"fragbot/internal/config"
	"fragbot/internal/plugin/ops"
	"fragbot/internal/runtime/supervisor"
	"fragbot/internal/task/scheduler"
)

// Aliases re-exported here let plugins compile against the router
// package alone instead of importing half of internal/.

type (
	Config        = config.Config
	ConfigManager = config.ConfigManager
)

type Supervisor = supervisor.Supervisor

var (
	NewSupervisor     = supervisor.NewSupervisor
	WithLogger        = supervisor.WithLogger
	WithCancelOnError = supervisor.WithCancelOnError

	// Restart policy knobs for worker loops.
	WithRestartBackoff    = supervisor.WithRestartBackoff
	WithPublishFirstError = supervisor.WithPublishFirstError
	WithStopOnCleanExit   = supervisor.WithStopOnCleanExit
)

// Scheduler surface reachable from command handlers.
type (
	TaskOptions   = scheduler.TaskOptions
	Snapshot      = scheduler.Snapshot
	OverlapPolicy = scheduler.OverlapPolicy
)

const (
	OverlapAllow         = scheduler.OverlapAllow
	OverlapSkipIfRunning = scheduler.OverlapSkipIfRunning
)

// Plugin status types live in ops so the plugin manager and the router
// can share them without an import cycle.
type (
	PluginsSnapshot    = ops.PluginsSnapshot
	PluginHealthResult = ops.PluginHealthResult
)

// Schedule-spec parsing, shared by schedule commands and plugin config.
type (
	ScheduleKind   = scheduler.SpecKind
	ParsedSchedule = scheduler.ParsedSpec
)

const (
	ScheduleCron     = scheduler.SpecCron
	ScheduleInterval = scheduler.SpecInterval
)

func ParseSchedule(raw string) (ParsedSchedule, error) {
	return scheduler.ParseSchedule(raw)
}
