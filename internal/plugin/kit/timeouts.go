package pluginkit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TimeoutsConfig is the shared "timeouts" block of plugin configs.
// Every field takes a Go duration string ("10s", "2m", "1h30m"):
//
//	"timeouts": {"command": "15s", "task": "2m", "operation": "2s"}
//
// Command bounds chat commands and callbacks, Task bounds scheduled
// background jobs, Operation bounds one network or disk call inside
// either. Retired spellings ("job", "request") are rejected rather
// than ignored.
type TimeoutsConfig struct {
	Command   string `json:"command,omitempty"`
	Task      string `json:"task,omitempty"`
	Operation string `json:"operation,omitempty"`
}

// UnmarshalJSON is strict: an unknown or retired key fails the whole
// config load instead of silently losing a timeout.
func (tc *TimeoutsConfig) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*tc = TimeoutsConfig{}
		return nil
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	var dst TimeoutsConfig
	for key, val := range keys {
		dst, err := dst.timeoutField(key)
		if err != nil {
			return err
		}
		_ = json.Unmarshal(val, dst)
	}
	*tc = dst
	return nil
}

func (tc *TimeoutsConfig) timeoutField(key string) (*string, error) {
	switch key {
	case "command":
		return &tc.Command, nil
	case "task":
		return &tc.Task, nil
	case "operation":
		return &tc.Operation, nil
	case "job":
		return nil, errors.New("timeouts.job is no longer supported; use timeouts.task")
	case "request":
		return nil, errors.New("timeouts.request is no longer supported; use timeouts.operation")
	default:
		return nil, fmt.Errorf("unknown timeouts field %q (supported: command, task, operation)", key)
	}
}

// Validate checks that every set field parses as a duration.
// fieldPrefix names the config path in errors, e.g. "tracker.timeouts".
func (tc TimeoutsConfig) Validate(fieldPrefix string) error {
	fields := []struct {
		name  string
		value string
	}{
		{"command", tc.Command},
		{"task", tc.Task},
		{"operation", tc.Operation},
	}
	for _, fld := range fields {
		if fld.value == "" {
			continue
		}
		if _, err := time.ParseDuration(fld.value); err != nil {
			return fmt.Errorf("invalid %s.%s: %w", fieldPrefix, fld.name, err)
		}
	}
	return nil
}

// CommandOr is the parsed command timeout, or def when unset or
// unparseable (Validate reports the latter at load time).
func (tc TimeoutsConfig) CommandOr(def time.Duration) time.Duration {
	return durationOr(tc.Command, def)
}

// TaskOr is the parsed task timeout, or def.
func (tc TimeoutsConfig) TaskOr(def time.Duration) time.Duration {
	return durationOr(tc.Task, def)
}

// OperationOr is the parsed per-operation timeout, or def.
func (tc TimeoutsConfig) OperationOr(def time.Duration) time.Duration {
	return durationOr(tc.Operation, def)
}

func durationOr(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return dur
}
