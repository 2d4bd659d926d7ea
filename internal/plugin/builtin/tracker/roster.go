package tracker

import (
	"context"
	"strings"
	"time"

	logx "fragbot/pkg/logx"
)

func normalizeName(s string) string { return strings.TrimSpace(s) }

// identityKey is the stable key for a player: names compare and persist
// case-insensitively, display keeps whatever casing was first added.
func identityKey(s string) string { return strings.ToLower(normalizeName(s)) }

// rosterNames returns a copy of the roster in insertion order.
func (p *Plugin) rosterNames() []string {
	p.rosterMu.Lock()
	out := append([]string(nil), p.roster...)
	p.rosterMu.Unlock()
	return out
}

// rosterFind returns the stored display name for name, if tracked.
func (p *Plugin) rosterFind(name string) (string, bool) {
	key := identityKey(name)
	if key == "" {
		return "", false
	}
	p.rosterMu.Lock()
	defer p.rosterMu.Unlock()
	for _, n := range p.roster {
		if identityKey(n) == key {
			return n, true
		}
	}
	return "", false
}

// rosterAdd appends name when absent. Reports whether the roster changed.
func (p *Plugin) rosterAdd(name string) bool {
	name = normalizeName(name)
	key := identityKey(name)
	if key == "" {
		return false
	}
	p.rosterMu.Lock()
	defer p.rosterMu.Unlock()
	for _, n := range p.roster {
		if identityKey(n) == key {
			return false
		}
	}
	p.roster = append(p.roster, name)
	return true
}

// rosterRemove deletes name (case-insensitive) and returns the display name
// that was removed.
func (p *Plugin) rosterRemove(name string) (string, bool) {
	key := identityKey(name)
	if key == "" {
		return "", false
	}
	p.rosterMu.Lock()
	defer p.rosterMu.Unlock()
	for i, n := range p.roster {
		if identityKey(n) == key {
			p.roster = append(p.roster[:i], p.roster[i+1:]...)
			return n, true
		}
	}
	return "", false
}

// persistRoster writes the current roster to storage (best-effort).
func (p *Plugin) persistRoster(ctx context.Context) {
	st := p.Deps.Store
	if st == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := st.SaveRoster(cctx, p.rosterNames()); err != nil {
		p.Log.Warn("failed to persist roster", logx.Err(err))
	}
}

// persistSessions writes the full session mapping to storage (best-effort).
// Losing one tick's update on failure is acceptable; the next mutating sweep
// rewrites the whole mapping anyway.
func (p *Plugin) persistSessions(ctx context.Context) {
	st := p.Deps.Store
	if st == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := st.SaveSessions(cctx, p.states.Snapshot()); err != nil {
		p.Log.Warn("failed to persist sessions", logx.Err(err))
	}
}

// dropSession deletes one identity's persisted session row (best-effort).
func (p *Plugin) dropSession(ctx context.Context, identity string) {
	st := p.Deps.Store
	if st == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := st.DeleteSession(cctx, identity); err != nil {
		p.Log.Warn("failed to delete session record", logx.String("identity", identity), logx.Err(err))
	}
}
