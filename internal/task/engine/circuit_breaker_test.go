package engine

import (
	"errors"
	"testing"
	"time"

	logx "fragbot/pkg/logx"
)

func testCircuitConfig() Config {
	return Config{
		Enabled:             true,
		CircuitTripFailures: 3,
		CircuitBaseDelay:    time.Second,
		CircuitMaxDelay:     8 * time.Second,
		CircuitResetAfter:   time.Minute,
	}
}

func TestEffectiveCircuitCfg(t *testing.T) {
	t.Parallel()
	cc := effectiveCircuitCfg(Config{}, TaskOptions{})
	if !cc.enabled || cc.trip != 5 || cc.baseDelay != 5*time.Second || cc.maxDelay != 2*time.Minute {
		t.Fatalf("defaults = %+v", cc)
	}

	if cc := effectiveCircuitCfg(Config{CircuitTripFailures: -1}, TaskOptions{}); cc.enabled {
		t.Fatal("engine-level disable ignored")
	}
	if cc := effectiveCircuitCfg(Config{}, TaskOptions{CircuitTripFailures: -1}); cc.enabled {
		t.Fatal("task-level disable ignored")
	}
	if cc := effectiveCircuitCfg(Config{}, TaskOptions{CircuitTripFailures: 2}); cc.trip != 2 {
		t.Fatalf("task override trip = %d, want 2", cc.trip)
	}
}

func TestCircuitTripsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	s := New(testCircuitConfig(), logx.Nop(), nil)
	cfg := testCircuitConfig()
	now := time.Now()
	boom := errors.New("boom")

	s.circuitRecordResult(now, "stats.mozzy", cfg, TaskOptions{}, boom)
	s.circuitRecordResult(now, "stats.mozzy", cfg, TaskOptions{}, boom)
	if open, _ := s.circuitIsOpen(now, "stats.mozzy", cfg, TaskOptions{}); open {
		t.Fatal("circuit open before reaching trip threshold")
	}

	s.circuitRecordResult(now, "stats.mozzy", cfg, TaskOptions{}, boom)
	open, until := s.circuitIsOpen(now, "stats.mozzy", cfg, TaskOptions{})
	if !open {
		t.Fatal("circuit not open after trip")
	}
	if want := now.Add(time.Second); !until.Equal(want) {
		t.Fatalf("openUntil = %v, want %v", until, want)
	}

	// Cooldown passes.
	if open, _ := s.circuitIsOpen(now.Add(1100*time.Millisecond), "stats.mozzy", cfg, TaskOptions{}); open {
		t.Fatal("circuit still open after cooldown")
	}

	// Another failure past the trip point doubles the cooldown.
	s.circuitRecordResult(now.Add(2*time.Second), "stats.mozzy", cfg, TaskOptions{}, boom)
	_, until = s.circuitIsOpen(now.Add(2*time.Second), "stats.mozzy", cfg, TaskOptions{})
	if want := now.Add(2 * time.Second).Add(2 * time.Second); !until.Equal(want) {
		t.Fatalf("doubled openUntil = %v, want %v", until, want)
	}
}

func TestCircuitSuccessCloses(t *testing.T) {
	t.Parallel()
	s := New(testCircuitConfig(), logx.Nop(), nil)
	cfg := testCircuitConfig()
	now := time.Now()
	boom := errors.New("boom")

	for i := 0; i < 4; i++ {
		s.circuitRecordResult(now, "k", cfg, TaskOptions{}, boom)
	}
	if open, _ := s.circuitIsOpen(now, "k", cfg, TaskOptions{}); !open {
		t.Fatal("circuit should be open")
	}

	s.circuitRecordResult(now.Add(10*time.Second), "k", cfg, TaskOptions{}, nil)
	if open, _ := s.circuitIsOpen(now.Add(10*time.Second), "k", cfg, TaskOptions{}); open {
		t.Fatal("success did not close the circuit")
	}
}

func TestCircuitResetAfterQuietPeriod(t *testing.T) {
	t.Parallel()
	s := New(testCircuitConfig(), logx.Nop(), nil)
	cfg := testCircuitConfig()
	now := time.Now()
	boom := errors.New("boom")

	s.circuitRecordResult(now, "k", cfg, TaskOptions{}, boom)
	s.circuitRecordResult(now, "k", cfg, TaskOptions{}, boom)

	// A failure long after the quiet period starts a fresh count instead of
	// continuing the old streak.
	late := now.Add(2 * time.Minute)
	s.circuitRecordResult(late, "k", cfg, TaskOptions{}, boom)
	if open, _ := s.circuitIsOpen(late, "k", cfg, TaskOptions{}); open {
		t.Fatal("stale failures should not count toward the trip threshold")
	}
}

func TestCircuitSnapshotCounts(t *testing.T) {
	t.Parallel()
	s := New(testCircuitConfig(), logx.Nop(), nil)
	cfg := testCircuitConfig()
	now := time.Now()
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		s.circuitRecordResult(now, "tripped", cfg, TaskOptions{}, boom)
	}
	s.circuitRecordResult(now, "healthy", cfg, TaskOptions{}, boom)

	total, open := s.circuitSnapshot(now, cfg)
	if total != 2 || open != 1 {
		t.Fatalf("snapshot = (%d, %d), want (2, 1)", total, open)
	}
}
