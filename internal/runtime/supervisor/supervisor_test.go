package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoCollectsFirstError(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background())

	want := errors.New("boom")
	sup.Go("worker", func(ctx context.Context) error { return want })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	if !errors.Is(err, want) {
		t.Fatalf("Wait err = %v, want wrapped %v", err, want)
	}
}

func TestCancelOnErrorCancelsSiblings(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background(), WithCancelOnError(true))

	blocked := make(chan struct{})
	sup.Go("blocker", func(ctx context.Context) error {
		<-ctx.Done()
		close(blocked)
		return nil
	})
	sup.Go("failer", func(ctx context.Context) error { return errors.New("fail fast") })

	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("sibling goroutine was not canceled after error")
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background())

	sup.Go("panicker", func(ctx context.Context) error { panic("oops") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	if err == nil {
		t.Fatal("expected panic to surface as error")
	}

	snap := sup.Snapshot()
	found := false
	for _, g := range snap.Goroutines {
		if g.Name == "panicker" && g.Panics == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("panic not recorded in snapshot: %+v", snap.Goroutines)
	}
}

func TestGoRestartRetriesUntilClean(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background())

	var runs atomic.Int32
	done := make(chan struct{})
	sup.GoRestart("flaky", func(ctx context.Context) error {
		n := runs.Add(1)
		if n < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("restart loop stalled after %d runs", runs.Load())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestGoRestartGivesUpAfterMaxRestarts(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background())

	var runs atomic.Int32
	sup.GoRestart("hopeless", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("always")
	},
		WithRestartBackoff(time.Millisecond, 2*time.Millisecond),
		WithMaxRestarts(2),
		WithFatalOnFinalError(true),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	if err == nil {
		t.Fatal("expected final error after giving up")
	}
	// Initial run + 2 restarts.
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestStopWaitsForGoroutines(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background())

	var stopped atomic.Bool
	sup.Go("slow", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		stopped.Store(true)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !stopped.Load() {
		t.Fatal("Stop returned before goroutine finished")
	}

	c := sup.Counters()
	if c.Active != 0 {
		t.Fatalf("Active = %d, want 0", c.Active)
	}
}
