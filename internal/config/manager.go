package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	logx "fragbot/pkg/logx"
)

// ConfigManager owns the config file. It parses and commits revisions,
// fans each commit out to subscribers, and remembers the fingerprint of
// the last commit so duplicate file events do not republish.
type ConfigManager struct {
	path string

	mu      sync.RWMutex
	cfg     *Config
	lastRev uint64

	// listMu serializes publish against Unsubscribe so a send never
	// races a channel close.
	listMu    sync.Mutex
	listeners []chan *Config

	log       logx.Logger
	validator func(context.Context, *Config) error
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path}
}

func (m *ConfigManager) SetLogger(log logx.Logger) {
	m.log = log
}

// SetValidator installs a hook that can reject a reloaded config before
// it is committed and published.
func (m *ConfigManager) SetValidator(v func(context.Context, *Config) error) {
	m.validator = v
}

// Parse reads and decodes the file without committing the result.
// Unknown fields and trailing content are rejected; env overrides are
// applied last.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, err := coerceToJSONBytes(m.path, raw)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeStrict(jb)
	if err != nil {
		return nil, err
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeStrict decodes exactly one JSON document into a Config,
// rejecting unknown fields and anything after the closing brace.
func decodeStrict(data []byte) (*Config, error) {
	d := json.NewDecoder(bytes.NewReader(data))
	d.DisallowUnknownFields()
	cfg := new(Config)
	if err := d.Decode(cfg); err != nil {
		return nil, err
	}
	switch err := d.Decode(&struct{}{}); err {
	case io.EOF:
		return cfg, nil
	case nil:
		return nil, fmt.Errorf("invalid config: trailing data")
	default:
		return nil, err
	}
}

// Load parses the file and commits the result as the current config.
func (m *ConfigManager) Load() (*Config, error) {
	loaded, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(loaded)
	return loaded, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.lastRev = revisionOf(cfg)
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// revisionOf fingerprints cfg by its JSON encoding. Zero means
// unhashable and never matches a committed revision.
func revisionOf(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(raw)
}

// Subscribe registers a listener with the given buffer size. The
// returned channel is closed by Unsubscribe.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	sub := make(chan *Config, buffer)
	m.listMu.Lock()
	m.listeners = append(m.listeners, sub)
	m.listMu.Unlock()
	return sub
}

// Unsubscribe removes sub from the listener list and closes it. Unknown
// channels are ignored.
func (m *ConfigManager) Unsubscribe(sub chan *Config) {
	if sub == nil {
		return
	}
	m.listMu.Lock()
	defer m.listMu.Unlock()
	for i, s := range m.listeners {
		if s != sub {
			continue
		}
		n := len(m.listeners) - 1
		m.listeners[i], m.listeners[n] = m.listeners[n], nil
		m.listeners = m.listeners[:n]
		close(sub)
		return
	}
}

// publish fans the committed revision out to every listener. A full
// buffer sheds its oldest entry so the newest config wins; a listener
// that still cannot take it just misses this revision.
func (m *ConfigManager) publish(next *Config) {
	m.listMu.Lock()
	defer m.listMu.Unlock()
	for _, sub := range m.listeners {
		if sub == nil || offer(sub, next) {
			continue
		}
		// Shed the oldest queued revision.
		select {
		case <-sub:
		default:
		}
		if !offer(sub, next) && !m.log.IsZero() {
			m.log.Debug("config update dropped (subscriber slow)",
				logx.Int("queue_len", len(sub)),
				logx.Int("queue_cap", cap(sub)),
			)
		}
	}
}

func offer(sub chan *Config, next *Config) bool {
	select {
	case sub <- next:
		return true
	default:
		return false
	}
}
