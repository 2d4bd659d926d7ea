// Package adapter drives a Telegram bot over long polling and exposes
// it through the transport-neutral Adapter interface.
package adapter

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "fragbot/internal/runtime/supervisor"
	kit "fragbot/internal/transport"
	logx "fragbot/pkg/logx"
)

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	// sink holds the current chan<- kit.Update consumer. Start and Stop
	// swap it, so the telebot handlers never need re-registration.
	sink atomic.Value

	lifeMu  sync.Mutex
	started bool
	// sup owns the poll loop, the drop reporter and the stop watcher.
	// Created by Start, cancelled by Stop.
	sup *rtsup.Supervisor

	// dropCount tallies updates shed because the consumer fell behind
	// the poll loop; the drop reporter flushes it periodically.
	dropCount uint64

	menuMu  sync.Mutex
	menuSum uint64
	httpc   *http.Client
	apiBase string // empty means the public Bot API endpoint
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = 10 * time.Second
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: poll},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:   cfg,
		log:   log,
		bot:   bot,
		httpc: &http.Client{Timeout: 8 * time.Second},
	}
	// The first Store fixes the dynamic type held by sink for every
	// later swap.
	a.sink.Store((chan<- kit.Update)(nil))
	a.registerHandlers()
	return a, nil
}

// Supervisor exposes the adapter's internal supervisor for health
// surfaces. Nil while stopped.
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	return a.sup
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.lifeMu.Lock()
	if a.started {
		a.lifeMu.Unlock()
		return nil
	}
	a.started = true
	a.sink.Store(out)
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		// A broken poll loop is the adapter's problem, not the app's.
		rtsup.WithCancelOnError(false),
	)
	a.sup = sup
	a.lifeMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		a.reportDrops(c, cap(out))
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		if a.bot != nil {
			a.bot.Stop()
		}
	})

	// bot.Start blocks until bot.Stop. It has been seen returning on its
	// own in some API failure modes, so it runs under a restart loop.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		if a.bot != nil {
			a.bot.Start()
		}
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		// A return while the context is live is a failure, not completion.
		rtsup.WithStopOnCleanExit(false),
	)

	return nil
}

// reportDrops turns per-update drops into one warn per interval, with a
// final flush when the supervisor winds down.
func (a *Adapter) reportDrops(ctx context.Context, chanCap int) {
	tick := time.NewTicker(5 * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			a.flushDrops(chanCap)
			return
		case <-tick.C:
			a.flushDrops(chanCap)
		}
	}
}

func (a *Adapter) flushDrops(chanCap int) {
	n := atomic.SwapUint64(&a.dropCount, 0)
	if n == 0 {
		return
	}
	a.log.Warn("incoming updates dropped (channel full)",
		logx.Uint64("count", n), logx.Int("chan_cap", chanCap))
}

// Stop detaches the consumer and winds the poll loop down.
// Shutdown never waits longer than a short grace window; a pending
// getUpdates long poll may outlive it and is abandoned.
func (a *Adapter) Stop(ctx context.Context) error {
	a.lifeMu.Lock()
	sup := a.sup
	a.sup = nil
	wasStarted := a.started
	a.started = false
	a.sink.Store((chan<- kit.Update)(nil))
	a.lifeMu.Unlock()

	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", atomic.LoadUint64(&a.dropCount)))
	if !wasStarted {
		a.log.Debug("telegram stop called but not running")
		return nil
	}

	if sup != nil {
		sup.Cancel()
	}

	// bot.Stop can block behind the pending long poll; run it async.
	if a.bot != nil {
		go a.bot.Stop()
	}

	if sup == nil {
		return nil
	}

	wctx, cancel := stopGrace(ctx, 2*time.Second)
	defer cancel()

	err := sup.Wait(wctx)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		a.log.Warn("telegram stop timed out", logx.Err(err))
	case sup.Context().Err() != nil:
		// Cancelled supervisors surface their workers' exit errors;
		// during a deliberate stop those are not actionable.
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	default:
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

// stopGrace bounds a stop wait to at most max, shrinking further if the
// caller's own deadline is closer.
func stopGrace(ctx context.Context, max time.Duration) (context.Context, context.CancelFunc) {
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < max {
			max = rem
		}
	}
	if max <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, max)
}
