package config

import (
	"context"
	"math/rand"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "fragbot/pkg/logx"
)

const reloadDebounce = 250 * time.Millisecond

// Watch tails the config file until ctx is cancelled. Editors replace
// rather than rewrite files, and some fsnotify backends silently die, so
// the watcher is recreated with backoff whenever it stops delivering.
func (m *ConfigManager) Watch(ctx context.Context) error {
	cfgDir := filepath.Dir(m.path)
	base := filepath.Base(m.path)

	retry := watchRetry{
		cur: 250 * time.Millisecond,
		max: 5 * time.Second,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	// Burst of events for one save collapses into a single reload.
	var pending struct {
		sync.Mutex
		timer *time.Timer
	}
	kick := func() {
		pending.Lock()
		defer pending.Unlock()
		if pending.timer != nil {
			pending.timer.Stop()
		}
		if !m.log.IsZero() {
			m.log.Debug("config changed; reload scheduled", logx.String("path", m.path))
		}
		pending.timer = time.AfterFunc(reloadDebounce, func() { m.reloadOnce(ctx) })
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		fw, err := fsnotify.NewWatcher()
		if err != nil {
			if !m.log.IsZero() {
				m.log.Warn("config watcher init failed", logx.Any("err", err), logx.String("dir", cfgDir))
			}
			if !retry.sleep(ctx) {
				return nil
			}
			continue
		}
		if err := fw.Add(cfgDir); err != nil {
			_ = fw.Close()
			if !m.log.IsZero() {
				m.log.Warn("config watcher add failed", logx.Any("err", err), logx.String("dir", cfgDir))
			}
			if !retry.sleep(ctx) {
				return nil
			}
			continue
		}

		retry.reset()
		if !m.log.IsZero() {
			m.log.Debug("config watcher started", logx.String("dir", cfgDir), logx.String("file", base))
		}

		if done := m.pump(ctx, fw, cfgDir, base, kick); done {
			_ = fw.Close()
			return nil
		}
		_ = fw.Close()
		if ctx.Err() != nil {
			return nil
		}

		if !m.log.IsZero() {
			m.log.Warn("config watcher stopped; restarting",
				logx.String("dir", cfgDir),
				logx.String("file", base),
				logx.Duration("backoff", retry.peek()),
			)
		}
		if !retry.sleep(ctx) {
			return nil
		}
	}
}

// pump drains one watcher until it breaks. Returns true when ctx ended
// and the outer loop should stop for good.
func (m *ConfigManager) pump(ctx context.Context, fw *fsnotify.Watcher, cfgDir, base string, kick func()) bool {
	const anyChange = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

	for {
		select {
		case <-ctx.Done():
			return true

		case ev, ok := <-fw.Events:
			if !ok {
				return false
			}
			// Basename comparison survives absolute/relative path mixes.
			if strings.EqualFold(filepath.Base(ev.Name), base) && ev.Op&anyChange != 0 {
				kick()
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return false
			}
			if err == nil {
				continue
			}
			msg := strings.ToLower(err.Error())
			// Overflow means dropped events; a reload catches us up.
			// Matching on text avoids pinning a specific fsnotify constant.
			if strings.Contains(msg, "overflow") {
				if !m.log.IsZero() {
					m.log.Warn("config watch overflow; forcing reload", logx.Any("err", err), logx.String("dir", cfgDir))
				}
				kick()
				continue
			}
			if !m.log.IsZero() {
				m.log.Warn("config watch error", logx.Any("err", err), logx.String("dir", cfgDir))
			}
			if strings.Contains(msg, "closed") {
				return false
			}
		}
	}
}

// reloadOnce runs the full parse → dedupe → validate → commit+publish
// pipeline for one detected change.
func (m *ConfigManager) reloadOnce(ctx context.Context) {
	next, err := m.Parse()
	if err != nil || next == nil {
		if !m.log.IsZero() {
			reason := "config is nil"
			if err != nil {
				reason = err.Error()
			}
			m.log.Warn("config parse failed", logx.String("path", m.path), logx.String("err", reason))
		}
		return
	}

	h := revisionOf(next)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastRev
	m.mu.RUnlock()
	if unchanged {
		if !m.log.IsZero() {
			m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		}
		return
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, next)
		cancel()
		if err != nil {
			if !m.log.IsZero() {
				m.log.Warn("config rejected", logx.String("path", m.path), logx.Any("err", err))
			}
			return
		}
	}

	m.Commit(next)
	m.publish(next)
	if !m.log.IsZero() {
		m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", strconv.FormatUint(h, 16)))
	}
}

// watchRetry is the recreate backoff: jittered, doubling, capped, reset
// after a successful watcher start.
type watchRetry struct {
	cur, max time.Duration
	rng      *rand.Rand
}

func (r *watchRetry) reset() { r.cur = 250 * time.Millisecond }

func (r *watchRetry) peek() time.Duration { return r.cur }

// sleep waits the current delay plus jitter, then grows it. Returns
// false when ctx ended during the wait.
func (r *watchRetry) sleep(ctx context.Context) bool {
	wait := r.cur + time.Duration(r.rng.Int63n(int64(r.cur/2)+1))
	if r.cur < r.max {
		r.cur *= 2
		if r.cur > r.max {
			r.cur = r.max
		}
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(wait):
		return true
	}
}
