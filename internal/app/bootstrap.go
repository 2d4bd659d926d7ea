package app

import (
	"fragbot/internal/config"
	"fragbot/internal/plugin"
	"fragbot/internal/runtime/supervisor"
	"fragbot/internal/transport/telegram/router"
)

// Aliases so the wiring in this package reads in one vocabulary instead
// of a different import path per line.
type (
	Config        = config.Config
	ConfigManager = config.ConfigManager

	Supervisor         = supervisor.Supervisor
	SupervisorRegistry = router.SupervisorRegistry

	Services       = router.Services
	CommandManager = router.CommandManager

	PluginManager = plugin.PluginManager
	PluginDeps    = plugin.PluginDeps
)

var (
	NewConfigManager = config.NewConfigManager

	// SummarizeConfigChange diffs two configs into a loggable summary
	// that never carries secret values.
	SummarizeConfigChange = config.SummarizeConfigChange

	NewSupervisor         = supervisor.NewSupervisor
	NewSupervisorRegistry = router.NewSupervisorRegistry
	WithLogger            = supervisor.WithLogger
	WithCancelOnError     = supervisor.WithCancelOnError

	NewCommandManager = router.NewCommandManager
	NewPluginManager  = plugin.NewPluginManager

	parseDurationField     = config.ParseDurationField
	parseDurationOrDefault = config.ParseDurationOrDefault
)
