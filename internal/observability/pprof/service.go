// Package pprof serves the runtime profiling endpoints over a small,
// optionally token-guarded HTTP server that can be started, stopped and
// reconfigured at runtime.
package pprof

import (
	"context"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	rtsup "fragbot/internal/runtime/supervisor"
	logx "fragbot/pkg/logx"
)

// Config controls the profiling server. Binding anywhere but loopback
// requires a Token unless AllowInsecure is set explicitly.
type Config struct {
	Enabled       bool
	Addr          string
	Prefix        string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
	MemProfileRate       int
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	handles  *serverHandles
	sup      *rtsup.Supervisor
	stopping chan struct{}
}

// serverHandles groups what Stop must tear down.
type serverHandles struct {
	listener net.Listener
	server   *http.Server
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Supervisor exposes the internal supervisor while the server runs, for
// /health rendering. Nil when stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Reconfigure applies cfg on hot-reload, restarting the server when a
// change cannot be absorbed in place.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	// Profiling rates apply process-wide even with the server off.
	setProfileRates(cfg)

	s.mu.Lock()
	old := s.cfg
	up := s.handles != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if up {
			s.Stop(ctx)
		}
	case !up:
		s.Start(ctx)
	case restartNeeded(old, cfg):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func restartNeeded(a, b Config) bool {
	// Timeouts are baked into the http.Server, so they restart too.
	return a.Addr != b.Addr ||
		canonicalPrefix(a.Prefix) != canonicalPrefix(b.Prefix) ||
		a.Token != b.Token ||
		a.AllowInsecure != b.AllowInsecure ||
		a.ReadTimeout != b.ReadTimeout ||
		a.WriteTimeout != b.WriteTimeout ||
		a.IdleTimeout != b.IdleTimeout
}

func setProfileRates(cfg Config) {
	// Zero keeps the Go default; explicit -1 is not supported.
	if cfg.MutexProfileFraction >= 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate >= 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
	if cfg.MemProfileRate > 0 {
		runtime.MemProfileRate = cfg.MemProfileRate
	}
}

// Start brings the server up if it is enabled and not already running.
// Concurrent calls collapse into one running instance; a Start racing a
// Stop waits for the stop to finish first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		s.mu.Lock()
		if s.stopping != nil {
			wait := s.stopping
			s.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return
			}
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}

		sup := rtsup.NewSupervisor(ctx,
			rtsup.WithLogger(s.log.With(logx.String("comp", "pprof"))),
			rtsup.WithCancelOnError(false),
		)
		s.sup = sup
		s.mu.Unlock()

		// The listen+serve cycle self-heals under a restart loop.
		sup.GoRestart("http.serve", s.serve,
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return
	}
}

// Stop tears the server down, waiting at most until ctx expires. The
// actual teardown finishes asynchronously so a timed-out caller does not
// leave half-cleared state behind.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopping != nil {
		wait := s.stopping
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
		}
		return
	}

	stopped := make(chan struct{})
	s.stopping = stopped
	hs, sup := s.handles, s.sup
	s.mu.Unlock()

	go func() {
		defer close(stopped)

		if hs != nil {
			hs.shutdown(ctx)
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.handles = nil
		s.sup = nil
		s.stopping = nil
		s.mu.Unlock()
		s.log.Info("pprof stopped")
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (h *serverHandles) shutdown(ctx context.Context) {
	if h.server != nil {
		_ = h.server.Shutdown(ctx)
		_ = h.server.Close()
	}
	if h.listener != nil {
		_ = h.listener.Close()
	}
}
