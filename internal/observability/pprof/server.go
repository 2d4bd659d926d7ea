package pprof

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	npprof "net/http/pprof"
	"strings"
	"time"

	logx "fragbot/pkg/logx"
)

// serve runs one listen+serve cycle. It returns context.Canceled for
// deliberate teardown so the hosting restart loop treats it as a clean
// exit, and a real error for anything that should be retried.
func (s *Service) serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	snap, log := s.cfg, s.log
	s.mu.Unlock()

	if !snap.Enabled {
		return context.Canceled
	}

	addr := bindAddr(snap)
	if err := checkBindPolicy(snap, addr, log); err != nil {
		return err
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("pprof listen error", logx.String("addr", addr), logx.Any("err", err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = lis.Close() }()

	prefix := canonicalPrefix(snap.Prefix)
	web := &http.Server{
		Handler:      s.buildMux(prefix, snap.Token),
		ReadTimeout:  snap.ReadTimeout,
		WriteTimeout: snap.WriteTimeout,
		IdleTimeout:  snap.IdleTimeout,
	}
	defer func() { _ = web.Close() }()

	hs := &serverHandles{listener: lis, server: web}
	s.mu.Lock()
	s.handles = hs
	s.mu.Unlock()

	// Context cancellation also stops the server; the bound here is
	// deliberately short since Stop(ctx) owns graceful shutdown.
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = web.Shutdown(sctx)
	}()

	bound := lis.Addr().String()
	log.Info("pprof started",
		logx.String("addr", bound),
		logx.String("prefix", prefix),
		logx.Bool("token_set", snap.Token != ""),
		logx.String("hint", fmt.Sprintf("http://%s%s", bound, prefix)),
	)

	err = web.Serve(lis)

	s.mu.Lock()
	if s.handles == hs {
		s.handles = nil
	}
	halting := s.stopping != nil
	s.mu.Unlock()

	if halting || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("pprof server closed unexpectedly")
	}
	return err
}

func bindAddr(cfg Config) string {
	if a := strings.TrimSpace(cfg.Addr); a != "" {
		return a
	}
	return "127.0.0.1:6060"
}

// checkBindPolicy rejects a tokenless non-loopback bind unless the
// config opts into it explicitly.
func checkBindPolicy(cfg Config, addr string, log logx.Logger) error {
	if loopbackHost(addr) || cfg.Token != "" {
		return nil
	}
	if !cfg.AllowInsecure {
		log.Error("pprof bind rejected: non-loopback addr needs token or allow_insecure",
			logx.String("addr", addr))
		return errors.New("pprof: insecure bind refused")
	}
	log.Warn("pprof running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	return nil
}

func (s *Service) buildMux(prefix, token string) *http.ServeMux {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return requireToken(token, h) }

	mux.HandleFunc("/healthz", wrap(healthz))

	root := strings.TrimSuffix(prefix, "/")
	mux.HandleFunc(prefix, wrap(indexHandler(prefix)))
	for path, h := range map[string]http.HandlerFunc{
		"/cmdline": npprof.Cmdline,
		"/profile": npprof.Profile,
		"/symbol":  npprof.Symbol,
		"/trace":   npprof.Trace,
	} {
		mux.HandleFunc(root+path, wrap(h))
	}
	mux.HandleFunc(root, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, prefix, http.StatusPermanentRedirect)
	})
	return mux
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

// requireToken guards h behind the configured token. An empty token
// disables the check.
func requireToken(token string, h http.HandlerFunc) http.HandlerFunc {
	want := strings.TrimSpace(token)
	if want == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !tokenOK(r, want) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

// tokenOK accepts either a ?token= query parameter or an
// "Authorization: Bearer <token>" header. A present query parameter
// wins; a bad one is not rescued by the header.
func tokenOK(r *http.Request, want string) bool {
	if got := r.URL.Query().Get("token"); got != "" {
		return got == want
	}
	const bearer = "Bearer "
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, bearer) {
		return false
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, bearer)) == want
}

func canonicalPrefix(prefix string) string {
	out := strings.TrimSpace(prefix)
	if out == "" {
		return "/debug/pprof/"
	}
	if out[0] != '/' {
		out = "/" + out
	}
	if !strings.HasSuffix(out, "/") {
		out += "/"
	}
	return out
}

// indexHandler adapts pprof.Index to a custom mount point. The stock
// handler only understands paths rooted at /debug/pprof/, so the request
// path is rewritten before delegating.
func indexHandler(prefix string) http.HandlerFunc {
	canon := canonicalPrefix(prefix)
	return func(w http.ResponseWriter, r *http.Request) {
		clone := r.Clone(r.Context())
		clone.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, canon)
		npprof.Index(w, clone)
	}
}

// loopbackHost reports whether addr ("host:port", host possibly empty)
// binds a loopback interface. An empty host binds everything and counts
// as non-loopback.
func loopbackHost(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
