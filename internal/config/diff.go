package config

import (
	"reflect"
	"sort"
	"strings"

	logx "fragbot/pkg/logx"
)

// changeSet accumulates the per-section results of a config comparison.
type changeSet struct {
	sections []string
	attrs    []logx.Field
}

func (c *changeSet) add(section string, attrs ...logx.Field) {
	c.sections = append(c.sections, section)
	c.attrs = append(c.attrs, attrs...)
}

// SummarizeConfigChange compares two configs and returns the changed
// section names, log fields that are safe to emit (secrets reduced to
// *_set booleans), and the names of plugins whose enable flag or raw
// config changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var cs changeSet
	cs.diffTelegram(oldCfg, newCfg)
	cs.diffLogging(oldCfg, newCfg)
	cs.diffPprof(oldCfg, newCfg)
	cs.diffScheduler(oldCfg, newCfg)
	cs.diffTaskEngine(oldCfg, newCfg)
	cs.diffNotifier(oldCfg, newCfg)
	cs.diffStorage(oldCfg, newCfg)

	pluginChanged := diffPlugins(oldCfg.Plugins, newCfg.Plugins)
	if len(pluginChanged) > 0 {
		cs.add("plugins",
			logx.Int("plugins.changed_count", len(pluginChanged)),
			logx.Int("plugins.enabled_count", countEnabled(newCfg.Plugins)),
		)
	}

	sort.Strings(cs.sections)
	if cs.sections == nil {
		cs.sections = []string{}
	}
	if cs.attrs == nil {
		cs.attrs = []logx.Field{}
	}
	return cs.sections, cs.attrs, pluginChanged
}

func (c *changeSet) diffTelegram(o, n *Config) {
	ot, nt := o.Telegram, n.Telegram
	if strings.TrimSpace(ot.Token) == strings.TrimSpace(nt.Token) &&
		strings.TrimSpace(ot.PollTimeout) == strings.TrimSpace(nt.PollTimeout) &&
		reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) &&
		strings.TrimSpace(ot.GroupLog) == strings.TrimSpace(nt.GroupLog) {
		return
	}
	c.add("telegram",
		logx.Bool("telegram.token_set", strings.TrimSpace(nt.Token) != ""),
		logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
		logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
		logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
	)
}

func (c *changeSet) diffLogging(o, n *Config) {
	if reflect.DeepEqual(o.Logging, n.Logging) {
		return
	}
	c.add("logging",
		logx.String("logx.level", n.Logging.Level),
		logx.Bool("logx.console", n.Logging.Console),
		logx.Bool("logx.file_enabled", n.Logging.File.Enabled),
		logx.Int("logx.file_max_size_mb", n.Logging.File.MaxSizeMB),
		logx.Bool("logx.telegram_enabled", n.Logging.Telegram.Enabled),
	)
}

func (c *changeSet) diffPprof(o, n *Config) {
	op, np := o.Pprof, n.Pprof
	// Token compares presence only so a rotated secret still counts as a
	// change without ever entering the log stream.
	same := op.Enabled == np.Enabled &&
		strings.TrimSpace(op.Addr) == strings.TrimSpace(np.Addr) &&
		strings.TrimSpace(op.Prefix) == strings.TrimSpace(np.Prefix) &&
		op.AllowInsecure == np.AllowInsecure &&
		strings.TrimSpace(op.ReadTimeout) == strings.TrimSpace(np.ReadTimeout) &&
		strings.TrimSpace(op.WriteTimeout) == strings.TrimSpace(np.WriteTimeout) &&
		strings.TrimSpace(op.IdleTimeout) == strings.TrimSpace(np.IdleTimeout) &&
		op.MutexProfileFraction == np.MutexProfileFraction &&
		op.BlockProfileRate == np.BlockProfileRate &&
		op.MemProfileRate == np.MemProfileRate &&
		(strings.TrimSpace(op.Token) != "") == (strings.TrimSpace(np.Token) != "")
	if same {
		return
	}
	c.add("pprof",
		logx.Bool("pprof.enabled", np.Enabled),
		logx.String("pprof.addr", strings.TrimSpace(np.Addr)),
		logx.String("pprof.prefix", strings.TrimSpace(np.Prefix)),
		logx.Bool("pprof.token_set", strings.TrimSpace(np.Token) != ""),
		logx.Bool("pprof.allow_insecure", np.AllowInsecure),
	)
}

func (c *changeSet) diffScheduler(o, n *Config) {
	if o.Scheduler.Enabled == n.Scheduler.Enabled &&
		strings.TrimSpace(o.Scheduler.Timezone) == strings.TrimSpace(n.Scheduler.Timezone) {
		return
	}
	c.add("scheduler",
		logx.Bool("scheduler.enabled", n.Scheduler.Enabled),
		logx.String("scheduler.timezone", strings.TrimSpace(n.Scheduler.Timezone)),
	)
}

func (c *changeSet) diffTaskEngine(o, n *Config) {
	ov, nv := derefTaskEngine(o.TaskEngine), derefTaskEngine(n.TaskEngine)
	if (o.TaskEngine != nil) == (n.TaskEngine != nil) && reflect.DeepEqual(ov, nv) {
		return
	}

	// "enabled" is tri-state: omitted inherits scheduler.enabled.
	effective := n.Scheduler.Enabled
	explicit := false
	if n.TaskEngine != nil && n.TaskEngine.Enabled != nil {
		explicit = true
		effective = *n.TaskEngine.Enabled
	}

	c.add("task_engine",
		logx.Bool("task_engine.present", n.TaskEngine != nil),
		logx.Bool("task_engine.enabled", effective),
		logx.Bool("task_engine.enabled_set", explicit),
		logx.Int("task_engine.workers", nv.Workers),
		logx.Int("task_engine.queue_size", nv.QueueSize),
		logx.String("task_engine.default_timeout", strings.TrimSpace(nv.DefaultTimeout)),
		logx.String("task_engine.max_queue_delay", strings.TrimSpace(nv.MaxQueueDelay)),
		logx.Int("task_engine.history_size", nv.HistorySize),
		logx.Int("task_engine.retry_max", nv.RetryMax),
	)
}

func (c *changeSet) diffNotifier(o, n *Config) {
	// Omitted sections compare as the runtime defaults so adding an
	// explicit section with default values is not reported as a change.
	ov := notifierOrDefault(o.Notifier)
	nv := notifierOrDefault(n.Notifier)
	if ov == nv {
		return
	}
	c.add("notifier",
		logx.Bool("notifier.enabled", nv.Enabled),
		logx.Int("notifier.workers", nv.Workers),
		logx.Int("notifier.queue_size", nv.QueueSize),
		logx.Int("notifier.rate_per_sec", nv.RatePerSec),
		logx.Int("notifier.retry_max", nv.RetryMax),
		logx.Bool("notifier.persist_dedup", nv.PersistDedup),
	)
}

func notifierOrDefault(n *NotifierConfig) NotifierConfig {
	if n != nil {
		return *n
	}
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
}

func (c *changeSet) diffStorage(o, n *Config) {
	if !storageChanged(o.Storage, n.Storage) {
		return
	}
	var driver, busy, addr string
	var pathSet, passSet bool
	if s := n.Storage; s != nil {
		driver = strings.TrimSpace(s.Driver)
		busy = strings.TrimSpace(s.BusyTimeout)
		pathSet = strings.TrimSpace(s.Path) != ""
		if s.Redis != nil {
			addr = strings.TrimSpace(s.Redis.Addr)
			passSet = s.Redis.Password != ""
		}
	}
	c.add("storage",
		logx.String("storage.driver", driver),
		logx.Bool("storage.path_set", pathSet),
		logx.String("storage.busy_timeout", busy),
		logx.String("storage.redis_addr", addr),
		logx.Bool("storage.redis_password_set", passSet),
	)
}

func storageChanged(o, n *StorageConfig) bool {
	if (o == nil) != (n == nil) {
		return true
	}
	if o == nil {
		return false
	}
	if strings.TrimSpace(o.Driver) != strings.TrimSpace(n.Driver) ||
		strings.TrimSpace(o.Path) != strings.TrimSpace(n.Path) ||
		strings.TrimSpace(o.BusyTimeout) != strings.TrimSpace(n.BusyTimeout) {
		return true
	}
	if (o.Redis == nil) != (n.Redis == nil) {
		return true
	}
	if o.Redis == nil {
		return false
	}
	return *o.Redis != *n.Redis
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func countEnabled(m map[string]PluginConfigRaw) int {
	n := 0
	for _, v := range m {
		if v.Enabled {
			n++
		}
	}
	return n
}

// diffPlugins returns the names whose enable flag or config payload
// differ. Payloads compare by canonical hash so JSON key order and
// whitespace do not register as changes.
func diffPlugins(oldM, newM map[string]PluginConfigRaw) []string {
	names := map[string]struct{}{}
	for k := range oldM {
		names[k] = struct{}{}
	}
	for k := range newM {
		names[k] = struct{}{}
	}

	out := make([]string, 0, len(names))
	for name := range names {
		o, n := oldM[name], newM[name]
		if o.Enabled != n.Enabled || canonicalHashJSON(o.Config) != canonicalHashJSON(n.Config) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
