package config

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	logx "fragbot/pkg/logx"
)

// renderFields applies fields to a real zerolog event so tests can assert on
// exactly what would be written to the log stream.
func renderFields(t *testing.T, fields []logx.Field) string {
	t.Helper()
	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	ev := zl.Info()
	for _, f := range fields {
		f(ev)
	}
	ev.Send()
	return buf.String()
}

func TestSummarizeConfigChangeSections(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Logging: LoggingConfig{Level: "info"},
		Plugins: map[string]PluginConfigRaw{
			"tracker": {Enabled: false},
		},
	}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Storage: &StorageConfig{Driver: "file", Path: "/tmp/bot.db"},
		Plugins: map[string]PluginConfigRaw{
			"tracker": {Enabled: true},
		},
	}

	sections, _, pluginChanged := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"logging", "plugins", "storage"}
	if !reflect.DeepEqual(sections, want) {
		t.Fatalf("sections = %v, want %v", sections, want)
	}
	if !reflect.DeepEqual(pluginChanged, []string{"tracker"}) {
		t.Fatalf("pluginChanged = %v", pluginChanged)
	}
}

func TestSummarizeConfigChangeNoChanges(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Telegram: TelegramConfig{Token: "t", OwnerUserIDs: []int64{1}},
		Logging:  LoggingConfig{Level: "info", Console: true},
		Plugins:  map[string]PluginConfigRaw{"system": {Enabled: true}},
	}
	sections, attrs, pluginChanged := SummarizeConfigChange(cfg, cfg)
	if len(sections) != 0 || len(attrs) != 0 || len(pluginChanged) != 0 {
		t.Fatalf("expected no changes, got sections=%v plugins=%v", sections, pluginChanged)
	}

	if s, _, _ := SummarizeConfigChange(nil, nil); len(s) != 0 {
		t.Fatalf("nil configs: sections = %v", s)
	}
}

func TestSummarizeConfigChangeNeverLogsSecrets(t *testing.T) {
	t.Parallel()
	newCfg := &Config{
		Telegram: TelegramConfig{Token: "telegram-super-secret"},
		Pprof:    PprofConfig{Enabled: true, Token: "pprof-super-secret"},
		Storage: &StorageConfig{
			Driver: "redis",
			Redis:  &StorageRedisConfig{Addr: "127.0.0.1:6379", Password: "redis-super-secret"},
		},
	}

	sections, attrs, _ := SummarizeConfigChange(&Config{}, newCfg)
	for _, s := range []string{"pprof", "storage", "telegram"} {
		found := false
		for _, got := range sections {
			if got == s {
				found = true
			}
		}
		if !found {
			t.Fatalf("section %q not reported in %v", s, sections)
		}
	}

	out := renderFields(t, attrs)
	for _, secret := range []string{"telegram-super-secret", "pprof-super-secret", "redis-super-secret"} {
		if strings.Contains(out, secret) {
			t.Fatalf("log output leaks secret %q: %s", secret, out)
		}
	}
	for _, marker := range []string{`"telegram.token_set":true`, `"pprof.token_set":true`, `"storage.redis_password_set":true`} {
		if !strings.Contains(out, marker) {
			t.Fatalf("log output missing %s: %s", marker, out)
		}
	}
}

func TestDiffPluginsConfigHash(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		oldP PluginConfigRaw
		newP PluginConfigRaw
		want bool
	}{
		{
			name: "key order ignored",
			oldP: PluginConfigRaw{Enabled: true, Config: json.RawMessage(`{"a":1,"b":"x"}`)},
			newP: PluginConfigRaw{Enabled: true, Config: json.RawMessage(`{"b":"x","a":1}`)},
			want: false,
		},
		{
			name: "value change detected",
			oldP: PluginConfigRaw{Enabled: true, Config: json.RawMessage(`{"a":1}`)},
			newP: PluginConfigRaw{Enabled: true, Config: json.RawMessage(`{"a":2}`)},
			want: true,
		},
		{
			name: "enable toggle detected",
			oldP: PluginConfigRaw{Enabled: false},
			newP: PluginConfigRaw{Enabled: true},
			want: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := diffPlugins(
				map[string]PluginConfigRaw{"p": tt.oldP},
				map[string]PluginConfigRaw{"p": tt.newP},
			)
			if changed := len(got) > 0; changed != tt.want {
				t.Fatalf("changed = %v, want %v (%v)", changed, tt.want, got)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 1m30s "); err != nil || d.Seconds() != 90 {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "banana"); err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("expected error for negative duration")
	}
	if d, err := ParseDurationOrDefault("x", "", 42); err != nil || d != 42 {
		t.Fatalf("default: got %v, %v", d, err)
	}
}
