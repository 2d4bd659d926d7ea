package app

import (
	"fmt"
	"time"

	"fragbot/internal/notifier"
)

// mapNotifierConfig turns the raw notifier section into a runtime
// notifier.Config with parsed durations. An omitted section means
// enabled with conservative throughput defaults.
func mapNotifierConfig(cfg *Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupWindow:     time.Minute,
		DedupMaxEntries: 2000,
	}
	if cfg == nil || cfg.Notifier == nil {
		return out, nil
	}

	n := cfg.Notifier
	out.Enabled = n.Enabled
	out.PersistDedup = n.PersistDedup
	for _, f := range []struct {
		dst *int
		raw int
	}{
		{&out.Workers, n.Workers},
		{&out.QueueSize, n.QueueSize},
		{&out.RatePerSec, n.RatePerSec},
		{&out.RetryMax, n.RetryMax},
		{&out.DedupMaxEntries, n.DedupMaxEntries},
	} {
		if f.raw != 0 {
			*f.dst = f.raw
		}
	}

	for _, d := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"notifier.retry_base", n.RetryBase, &out.RetryBase},
		{"notifier.retry_max_delay", n.RetryMaxDelay, &out.RetryMaxDelay},
		{"notifier.dedup_window", n.DedupWindow, &out.DedupWindow},
	} {
		v, err := parseDurationOrDefault(d.path, d.raw, *d.dst)
		if err != nil {
			return notifier.Config{}, err
		}
		*d.dst = v
	}

	for _, b := range []struct {
		field string
		v     int
	}{
		{"workers", out.Workers},
		{"queue_size", out.QueueSize},
		{"rate_per_sec", out.RatePerSec},
		{"retry_max", out.RetryMax},
		{"dedup_max_entries", out.DedupMaxEntries},
	} {
		if b.v < 0 {
			return notifier.Config{}, fmt.Errorf("notifier.%s must be >= 0", b.field)
		}
	}
	return out, nil
}
