package tracker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"fragbot/internal/gametools"
	pluginkit "fragbot/internal/plugin/kit"
	"fragbot/internal/track"
)

// APIOptions tunes the gametools client. Zero values take client defaults.
type APIOptions struct {
	BaseURL    string  `json:"base_url"`
	Game       string  `json:"game"`
	RetryMax   int     `json:"retry_max"`
	RatePerSec float64 `json:"rate_per_sec"`
}

// Config defines plugin configuration.
type Config struct {
	// Players seeds the roster. Runtime roster edits live in storage and are
	// merged with this list on start (seed names appended in order).
	Players  []string `json:"players"`
	Platform string   `json:"platform"`

	// InactivityTimeout is how long playtime may stay flat before an open
	// session counts as over (Go duration, default 10m).
	InactivityTimeout string `json:"inactivity_timeout"`

	// NotifyChat receives session announcements. 0 falls back to the global
	// notify target (telegram.group_log, else first owner).
	NotifyChat int64 `json:"notify_chat"`

	Scheduler pluginkit.SchedulerTaskConfig `json:"scheduler"`
	Timeouts  pluginkit.TimeoutsConfig      `json:"timeouts,omitempty"`
	API       APIOptions                    `json:"api"`

	inactivity       time.Duration `json:"-"`
	taskTimeout      time.Duration `json:"-"`
	operationTimeout time.Duration `json:"-"`
}

// statsSource is the slice of the gametools client the plugin calls.
type statsSource interface {
	FetchStats(ctx context.Context, name string) (track.Snapshot, error)
	FetchRaw(ctx context.Context, name string) (json.RawMessage, error)
}

// Plugin watches a roster of Battlefield players and announces session
// starts, kill streaks, and session ends.
type Plugin struct {
	pluginkit.EnhancedPluginBase

	mu       sync.RWMutex
	cfg      Config
	client   statsSource
	ccfg     gametools.Config // config the current client was built with
	pollTask string           // last scheduled short name

	rosterMu sync.Mutex
	roster   []string // display names, insertion order

	states *track.StateStore

	ui *pluginkit.UIHub
}
