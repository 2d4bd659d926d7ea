package pluginkit

// SchedulerTaskConfig is the reusable "scheduler" block for a plugin
// that runs one background task:
//
//	"scheduler": {"enabled": true, "task_name": "poll_stats", "schedule": "2m"}
//
// Schedule accepts anything core.ParseSchedule does: cron five- or
// six-field specs, "@every 55m", plain durations, or HH:MM intervals.
type SchedulerTaskConfig struct {
	Enabled  bool   `json:"enabled"`
	TaskName string `json:"task_name,omitempty"`
	Schedule string `json:"schedule,omitempty"`
}

// NameOr is TaskName with a fallback for unset configs.
func (sc SchedulerTaskConfig) NameOr(def string) string {
	if sc.TaskName == "" {
		return def
	}
	return sc.TaskName
}

// Active reports whether the task should be registered at all.
func (sc SchedulerTaskConfig) Active() bool {
	return sc.Enabled && sc.Schedule != ""
}
