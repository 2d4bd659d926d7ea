package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	svc "fragbot/internal/observability/pprof"
)

// buildPprofConfig validates and converts the pprof section into the
// service config. It never starts the server.
func buildPprofConfig(cfg *Config) (svc.Config, error) {
	var dst svc.Config
	if cfg == nil {
		return dst, nil
	}

	src := cfg.Pprof
	dst.Enabled = src.Enabled
	dst.AllowInsecure = src.AllowInsecure
	dst.Token = strings.TrimSpace(src.Token)
	dst.Addr = strings.TrimSpace(src.Addr)
	dst.Prefix = strings.TrimSpace(src.Prefix)
	if dst.Addr == "" {
		dst.Addr = "127.0.0.1:6060"
	}
	if dst.Prefix == "" {
		dst.Prefix = "/debug/pprof/"
	}

	var err error
	if dst.ReadTimeout, err = parseDurationOrDefault("pprof.read_timeout", src.ReadTimeout, 5*time.Second); err != nil {
		return dst, err
	}
	// Write timeout stays 0 (disabled) unless set, so long /profile
	// captures are not cut off mid-response.
	if dst.WriteTimeout, err = parseDurationField("pprof.write_timeout", src.WriteTimeout); err != nil {
		return dst, err
	}
	if dst.IdleTimeout, err = parseDurationOrDefault("pprof.idle_timeout", src.IdleTimeout, 120*time.Second); err != nil {
		return dst, err
	}

	for _, r := range []struct {
		field string
		v     int
	}{
		{"mutex_profile_fraction", src.MutexProfileFraction},
		{"block_profile_rate", src.BlockProfileRate},
		{"mem_profile_rate", src.MemProfileRate},
	} {
		if r.v < 0 {
			return dst, fmt.Errorf("pprof.%s must be >= 0", r.field)
		}
	}
	dst.MutexProfileFraction = src.MutexProfileFraction
	dst.BlockProfileRate = src.BlockProfileRate
	dst.MemProfileRate = src.MemProfileRate

	if !dst.Enabled {
		return dst, nil
	}
	if _, _, err := net.SplitHostPort(dst.Addr); err != nil {
		return dst, fmt.Errorf("pprof.addr: invalid %q (expected host:port): %w", dst.Addr, err)
	}
	// Refuse a public bind unless the operator opted in explicitly.
	if !dst.AllowInsecure && dst.Token == "" && !addrIsLoopback(dst.Addr) {
		return dst, fmt.Errorf("pprof: binding to non-loopback addr requires token or allow_insecure=true")
	}
	return dst, nil
}

func addrIsLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
