package config

import (
	"bytes"
	"encoding/json"
)

// Config is the root of the config file. Sections held by pointer are
// optional; their absence picks sensible defaults at map time.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Pprof    PprofConfig    `json:"pprof,omitempty"`

	// Scheduler decides WHEN tasks fire; TaskEngine decides HOW they run.
	Scheduler  SchedulerConfig   `json:"scheduler"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Notifier *NotifierConfig            `json:"notifier,omitempty"`
	Storage  *StorageConfig             `json:"storage,omitempty"`
	Plugins  map[string]PluginConfigRaw `json:"plugins"`
}

// TaskEngineConfig tunes the task execution pool. Duration fields take
// Go duration strings ("500ms", "10s", "1m"); "0s" disables the limit.
//
// Enabled is a pointer: omitted follows scheduler.enabled, explicit
// false turns the engine off even when the scheduler runs. Omitted
// numeric fields default to 2 workers, queue 256, history 200, 3
// retries.
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaxQueueDelay drops tasks that sat queued longer than this.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`
}

// NotifierConfig tunes the async notification pipeline. Omitting the
// whole section leaves the notifier enabled with defaults. Duration
// fields take Go duration strings.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig selects the persistence backend for sessions, roster
// and audit data. A missing section or driver "none" disables it:
//
//	"storage": {"driver": "file", "path": "data/store"}
type StorageConfig struct {
	Driver      string              `json:"driver"`
	Path        string              `json:"path,omitempty"`
	BusyTimeout string              `json:"busy_timeout,omitempty"` // sqlite only
	Redis       *StorageRedisConfig `json:"redis,omitempty"`
}

type StorageRedisConfig struct {
	Addr      string `json:"addr"`
	Password  string `json:"password,omitempty"` // never logged
	DB        int    `json:"db,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
}

// PprofConfig controls the optional profiling HTTP server. Keep it on
// loopback; a non-loopback bind needs a token or an explicit
// allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout stays 0 by default so long CPU profiles can finish.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Zero keeps the Go runtime defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	PollTimeout  string  `json:"poll_timeout"` // Go duration string
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

// LoggingFile configures the rotating file sink. Zero rotation fields
// keep the sink defaults (10 MB, 3 backups, no age cap).
type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// IANA name like "Europe/Berlin"; empty runs triggers in local time.
	Timezone string `json:"timezone,omitempty"`
}

type PluginConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON rejects unknown keys so a typo inside a plugin block
// ("schedle") fails the reload instead of being dropped on the floor.
func (p *PluginConfigRaw) UnmarshalJSON(raw []byte) error {
	type shape struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	d := json.NewDecoder(bytes.NewReader(raw))
	d.DisallowUnknownFields()
	var s shape
	if err := d.Decode(&s); err != nil {
		return err
	}
	*p = PluginConfigRaw{Enabled: s.Enabled, Config: s.Config}
	return nil
}
