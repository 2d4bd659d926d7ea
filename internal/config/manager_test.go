package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sampleYAML = `telegram:
  token: "12345:test-token"
  owner_user_ids: [1111, 2222]
  group_log: "-100200300"
  poll_timeout: "30s"
logging:
  level: debug
  console: true
  file:
    enabled: true
    path: /tmp/fragbot.log
    max_size_mb: 25
    max_backups: 4
    max_age_days: 14
  telegram:
    enabled: false
    thread_id: 0
    min_level: warn
    rate_per_sec: 1
scheduler:
  enabled: true
  timezone: "Europe/Berlin"
task_engine:
  workers: 4
  queue_size: 128
notifier:
  enabled: true
  workers: 2
  queue_size: 512
  rate_per_sec: 3
  retry_max: 3
  retry_base: "500ms"
  retry_max_delay: "10s"
  dedup_window: "1m"
  dedup_max_entries: 2000
storage:
  driver: redis
  redis:
    addr: "127.0.0.1:6379"
    password: "hunter2"
    db: 2
    key_prefix: fragbot
plugins:
  tracker:
    enabled: true
    config:
      interval: "2m"
      players: ["Mozzy", "NoobSlayer"]
  system:
    enabled: false
`

func TestParseYAMLConfig(t *testing.T) {
	path := writeConfigFile(t, "config.yaml", sampleYAML)
	cfg, err := NewConfigManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}

	if cfg.Telegram.Token != "12345:test-token" {
		t.Fatalf("Token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.OwnerUserIDs) != 2 || cfg.Telegram.OwnerUserIDs[0] != 1111 {
		t.Fatalf("OwnerUserIDs = %v", cfg.Telegram.OwnerUserIDs)
	}
	if !cfg.Logging.File.Enabled || cfg.Logging.File.MaxSizeMB != 25 || cfg.Logging.File.MaxAgeDays != 14 {
		t.Fatalf("Logging.File = %+v", cfg.Logging.File)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.Timezone != "Europe/Berlin" {
		t.Fatalf("Scheduler = %+v", cfg.Scheduler)
	}
	if cfg.TaskEngine == nil || cfg.TaskEngine.Workers != 4 || cfg.TaskEngine.QueueSize != 128 {
		t.Fatalf("TaskEngine = %+v", cfg.TaskEngine)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "redis" {
		t.Fatalf("Storage = %+v", cfg.Storage)
	}
	if cfg.Storage.Redis == nil || cfg.Storage.Redis.Addr != "127.0.0.1:6379" || cfg.Storage.Redis.DB != 2 {
		t.Fatalf("Storage.Redis = %+v", cfg.Storage.Redis)
	}

	tr, ok := cfg.Plugins["tracker"]
	if !ok || !tr.Enabled {
		t.Fatalf("plugins.tracker = %+v (ok=%v)", tr, ok)
	}
	if !strings.Contains(string(tr.Config), "interval") {
		t.Fatalf("tracker raw config = %s", tr.Config)
	}
	if sys := cfg.Plugins["system"]; sys.Enabled {
		t.Fatal("plugins.system should be disabled")
	}
}

func TestParseJSONConfig(t *testing.T) {
	path := writeConfigFile(t, "config.json", `{
  "telegram": {"token": "t", "owner_user_ids": [7], "group_log": "", "poll_timeout": "10s"},
  "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}, "telegram": {"enabled": false, "thread_id": 0, "min_level": "", "rate_per_sec": 0}},
  "scheduler": {"enabled": false},
  "plugins": {}
}`)
	cfg, err := NewConfigManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.Telegram.PollTimeout != "10s" || cfg.Logging.Level != "info" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	path := writeConfigFile(t, "config.yaml", `telegram:
  token: "t"
  owner_user_ids: []
  group_log: ""
  poll_timeout: ""
logging:
  level: info
  console: true
  file: {enabled: false, path: ""}
  telegram: {enabled: false, thread_id: 0, min_level: "", rate_per_sec: 0}
schedler:
  enabled: true
plugins: {}
`)
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("expected error for unknown top-level key")
	} else if !strings.Contains(err.Error(), "unknown field") {
		t.Fatalf("error = %v, want unknown field", err)
	}
}

func TestParseRejectsUnknownPluginField(t *testing.T) {
	path := writeConfigFile(t, "config.yaml", `telegram:
  token: "t"
  owner_user_ids: []
  group_log: ""
  poll_timeout: ""
logging:
  level: info
  console: true
  file: {enabled: false, path: ""}
  telegram: {enabled: false, thread_id: 0, min_level: "", rate_per_sec: 0}
scheduler:
  enabled: true
plugins:
  tracker:
    enabled: true
    schedle: "10m"
`)
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("expected error for unknown plugin key")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	path := writeConfigFile(t, "config.json", `{"telegram":{"token":"t","owner_user_ids":[],"group_log":"","poll_timeout":""},"logging":{"level":"","console":false,"file":{"enabled":false,"path":""},"telegram":{"enabled":false,"thread_id":0,"min_level":"","rate_per_sec":0}},"scheduler":{"enabled":false},"plugins":{}}{"extra":true}`)
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestParseMissingFile(t *testing.T) {
	if _, err := NewConfigManager(filepath.Join(t.TempDir(), "nope.yaml")).Parse(); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfigFile(t, "config.yaml", `telegram:
  token: "from-file"
  owner_user_ids: []
  group_log: ""
  poll_timeout: ""
logging:
  level: info
  console: true
  file: {enabled: false, path: ""}
  telegram: {enabled: false, thread_id: 0, min_level: "", rate_per_sec: 0}
scheduler:
  enabled: false
plugins: {}
`)
	t.Setenv("FRAGBOT_TELEGRAM_TOKEN", "from-env")
	t.Setenv("FRAGBOT_LOG_LEVEL", "debug")
	t.Setenv("FRAGBOT_STORAGE_DRIVER", "redis")
	t.Setenv("FRAGBOT_REDIS_ADDR", "10.0.0.5:6379")
	t.Setenv("FRAGBOT_REDIS_PASSWORD", "s3cret")

	cfg, err := NewConfigManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Fatalf("Token = %q, want env override", cfg.Telegram.Token)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("Level = %q, want debug", cfg.Logging.Level)
	}
	// Storage section absent in the file: overrides must allocate it.
	if cfg.Storage == nil || cfg.Storage.Driver != "redis" {
		t.Fatalf("Storage = %+v", cfg.Storage)
	}
	if cfg.Storage.Redis == nil || cfg.Storage.Redis.Addr != "10.0.0.5:6379" || cfg.Storage.Redis.Password != "s3cret" {
		t.Fatalf("Storage.Redis = %+v", cfg.Storage.Redis)
	}
}

func TestLoadCommitsConfig(t *testing.T) {
	path := writeConfigFile(t, "config.yaml", sampleYAML)
	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got := m.Get(); got != cfg {
		t.Fatalf("Get() = %p, want %p", got, cfg)
	}
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{}
	second := &Config{Scheduler: SchedulerConfig{Enabled: true}}
	m.publish(first)
	m.publish(second)

	got := <-ch
	if got != second {
		t.Fatalf("got %p, want newest %p", got, second)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra config %p", extra)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	m.publish(&Config{})
}
