package tracker

import (
	"context"
	"errors"
	"time"

	kit "fragbot/internal/transport"
	"fragbot/internal/track"
	logx "fragbot/pkg/logx"
)

// runPoll sweeps the roster once: fetch each player's counters, advance the
// session engine, and announce its decisions. Storage is written once at the
// end of the sweep, and only when some state actually changed.
func (p *Plugin) runPoll(ctx context.Context) error {
	cfg := p.currentConfig()
	client := p.clientSnapshot()
	if client == nil {
		return errors.New("stats client not configured")
	}

	names := p.rosterNames()
	if len(names) == 0 {
		return nil
	}

	start := time.Now()
	var mutated bool
	var notified, failed int

	for _, name := range names {
		if ctx.Err() != nil {
			break
		}

		id := identityKey(name)
		var prior *track.SessionState
		if st, ok := p.states.Get(id); ok {
			cp := st
			prior = &cp
		}

		fctx, cancel := context.WithTimeout(ctx, cfg.operationTimeout)
		snap, err := client.FetchStats(fctx, name)
		cancel()
		if err != nil {
			failed++
			p.logFetchErr(name, err)
		}

		next, dec := track.Evaluate(id, prior, track.Result(snap, err), time.Now(), cfg.inactivity)
		if next != nil && next != prior {
			p.states.Put(id, *next)
			mutated = true
		}

		if text := renderDecision(name, dec); text != "" {
			notified++
			p.deliver(cfg, text)
		}
	}

	if mutated {
		p.persistSessions(ctx)
	}

	p.Log.Debug("poll sweep done",
		logx.Int("players", len(names)),
		logx.Int("notified", notified),
		logx.Int("failed", failed),
		logx.Bool("persisted", mutated),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}

// logFetchErr logs one failed fetch. A tracked name can legitimately 404
// (rename, API lag), so not-found stays at debug; everything else warns.
func (p *Plugin) logFetchErr(name string, err error) {
	kind, _ := track.KindOf(err)
	if kind == track.FetchNotFound {
		p.Log.Debug("player not found", logx.String("player", name))
		return
	}
	p.Log.Warn("stats fetch failed",
		logx.String("player", name),
		logx.String("kind", string(kind)),
		logx.Err(err),
	)
}

// deliver sends one session announcement to the configured chat, falling
// back to the global notify target.
func (p *Plugin) deliver(cfg Config, text string) {
	var err error
	if cfg.NotifyChat != 0 {
		err = p.Notify().To(kit.ChatTarget{ChatID: cfg.NotifyChat}).Info(text)
	} else {
		err = p.Notify().Info(text)
	}
	if err != nil {
		p.Log.Warn("session notification failed", logx.Err(err))
	}
}
