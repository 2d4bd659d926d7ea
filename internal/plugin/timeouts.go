package plugin

import (
	"encoding/json"
	"fmt"
	"time"
)

// Every plugin shares one timeout vocabulary under config.timeouts:
//
//	"timeouts": { "command": "30s", "task": "2m", "operation": "10s" }
//
// command bounds command/callback handlers, task bounds scheduled jobs, and
// operation bounds individual outbound calls a plugin makes. The manager
// enforces the schema here so a typo quarantines one plugin instead of
// surfacing as a silent no-op timeout.

// legacyTimeoutFields are keys from the old schema. They get a pointed error
// instead of the generic unknown-field one.
var legacyTimeoutFields = map[string]string{
	"job":     "timeouts.job is no longer supported; use timeouts.task",
	"request": "timeouts.request is no longer supported; use timeouts.operation",
}

// validateStandardTimeouts vets the shared timeouts block when present.
// Configs without one pass untouched, as does anything that is not a JSON
// object; the rest of the blob is the plugin's own business.
func validateStandardTimeouts(plugin string, raw json.RawMessage) error {
	var cfgFields map[string]json.RawMessage
	if json.Unmarshal(raw, &cfgFields) != nil {
		return nil
	}
	block, ok := cfgFields["timeouts"]
	if !ok || len(block) == 0 || string(block) == "null" {
		return nil
	}

	var fields map[string]json.RawMessage
	if json.Unmarshal(block, &fields) != nil {
		return fmt.Errorf("plugin %s: timeouts must be an object", plugin)
	}
	for key, value := range fields {
		switch key {
		case "command", "task", "operation":
			if err := checkTimeoutValue(plugin, key, value); err != nil {
				return err
			}
		default:
			if msg, ok := legacyTimeoutFields[key]; ok {
				return fmt.Errorf("plugin %s: %s", plugin, msg)
			}
			return fmt.Errorf("plugin %s: unknown timeouts field %q (supported: command, task, operation)", plugin, key)
		}
	}
	return nil
}

// checkTimeoutValue requires a string holding a Go duration. Empty means
// "use the default" and is fine.
func checkTimeoutValue(plugin, field string, value json.RawMessage) error {
	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		return fmt.Errorf("plugin %s: invalid timeouts.%s: %w", plugin, field, err)
	}
	if s == "" {
		return nil
	}
	if _, err := time.ParseDuration(s); err != nil {
		return fmt.Errorf("plugin %s: invalid timeouts.%s: %w", plugin, field, err)
	}
	return nil
}

// pluginCommandTimeout reads timeouts.command for one plugin. The second
// return is false when the field is absent, unparsable, or not positive.
func pluginCommandTimeout(cfg *Config, plugin string) (time.Duration, bool) {
	entry, ok := cfg.Plugins[plugin]
	if !ok || len(entry.Config) == 0 {
		return 0, false
	}
	var blob struct {
		Timeouts struct {
			Command string `json:"command"`
		} `json:"timeouts"`
	}
	if json.Unmarshal(entry.Config, &blob) != nil {
		return 0, false
	}
	if d := mustDuration(blob.Timeouts.Command, 0); d > 0 {
		return d, true
	}
	return 0, false
}

// mustDuration parses s, falling back to def when s is empty or malformed.
func mustDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
