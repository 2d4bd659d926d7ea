// Package lifecycle holds small shared types for shutdown tracing.
//
// It exists so that internal/app and internal/plugin can agree on stop
// reasons without importing each other.
package lifecycle

// StopReason is used for structured shutdown tracing.
type StopReason string

const (
	StopUnknown          StopReason = "unknown"
	StopSIGINT           StopReason = "sigint"
	StopSIGTERM          StopReason = "sigterm"
	StopFatalError       StopReason = "fatal_error"
	StopAppStop          StopReason = "app_stop"
	StopPluginDisable    StopReason = "plugin_disable"
	StopPluginQuarantine StopReason = "plugin_quarantine"
	StopConfigReload     StopReason = "config_reload"
)
