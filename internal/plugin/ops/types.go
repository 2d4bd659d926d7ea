// Package ops holds the data-only plugin runtime types shared between the
// plugin manager (which produces them) and the operational commands in the
// router and the system plugin (which render them). Keeping them here avoids
// an import cycle between the manager and the router.
package ops

import "time"

// PluginsSnapshot is a point-in-time view of every registered plugin.
type PluginsSnapshot struct {
	Time    time.Time      `json:"time"`
	Plugins []PluginStatus `json:"plugins"`
}

// PluginStatus captures enable/run/quarantine state and the last health probe.
type PluginStatus struct {
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	Running   bool   `json:"running"`
	HasConfig bool   `json:"has_config"`

	Quarantined     bool      `json:"quarantined"`
	QuarantineErr   string    `json:"quarantine_err,omitempty"`
	QuarantineSince time.Time `json:"quarantine_since,omitempty"`

	HasHealthChecker bool `json:"has_health_checker"`
	HealthLoopActive bool `json:"health_loop_active"`

	LastHealth PluginHealthResult `json:"last_health"`
}

// HealthSummary renders the last probe as a short "health=..." token for
// status lines. Plugins without a health checker report "health=na".
func (s PluginStatus) HealthSummary() string {
	if !s.HasHealthChecker {
		return "health=na"
	}
	switch {
	case s.LastHealth.At.IsZero():
		return "health=nodata"
	case s.LastHealth.Err != "":
		return "health=fail"
	default:
		status := s.LastHealth.Status
		if status == "" {
			status = "ok"
		}
		return "health=" + status
	}
}

// PluginHealthResult is a single health probe outcome. Fails counts
// consecutive failures so repeated breakage can be alerted on once instead
// of every probe.
type PluginHealthResult struct {
	Plugin string    `json:"plugin"`
	At     time.Time `json:"at"`
	Status string    `json:"status,omitempty"`
	Err    string    `json:"err,omitempty"`
	Fails  int       `json:"fails,omitempty"`
}
