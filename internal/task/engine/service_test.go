package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"fragbot/internal/eventbus"
	logx "fragbot/pkg/logx"
)

func newTestEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitDone(t *testing.T, done <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestEnqueueValidation(t *testing.T) {
	s := newTestEngine(t, Config{}, nil)

	if err := s.Enqueue(Task{Name: "no-run"}); err == nil {
		t.Fatal("expected error for nil Run")
	}
	if err := s.Enqueue(Task{Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatal("expected error for empty Name")
	}
}

func TestEnqueueDisabled(t *testing.T) {
	s := New(Config{Enabled: false}, logx.Nop(), nil)
	err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestEnqueueBeforeStart(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestTaskRunsToCompletion(t *testing.T) {
	s := newTestEngine(t, Config{}, nil)

	done := make(chan struct{})
	err := s.Enqueue(Task{Name: "hello", Run: func(context.Context) error {
		close(done)
		return nil
	}})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	waitDone(t, done, "task completion")
}

func TestRetryThenSuccess(t *testing.T) {
	s := newTestEngine(t, Config{}, nil)

	var attempts int32
	done := make(chan struct{})
	err := s.Enqueue(Task{
		Name: "flaky",
		Run: func(context.Context) error {
			if n := atomic.AddInt32(&attempts, 1); n < 3 {
				return errors.New("boom")
			}
			close(done)
			return nil
		},
		Opt: TaskOptions{RetryMax: 5, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	waitDone(t, done, "flaky task")
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestNoRetrySkipsRetries(t *testing.T) {
	bus := eventbus.New()
	s := newTestEngine(t, Config{}, bus)

	events, unsub := bus.Subscribe(16)
	defer unsub()

	var attempts int32
	err := s.Enqueue(Task{
		Name: "fatal",
		Run: func(context.Context) error {
			atomic.AddInt32(&attempts, 1)
			return NoRetry(errors.New("bad apikey"))
		},
		Opt: TaskOptions{RetryMax: 5, RetryBase: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != "task.failed" {
				continue
			}
			te, ok := ev.Data.(TaskEvent)
			if !ok {
				t.Fatalf("event data type %T", ev.Data)
			}
			if te.Error != "bad apikey" {
				t.Fatalf("event error = %q", te.Error)
			}
			if got := atomic.LoadInt32(&attempts); got != 1 {
				t.Fatalf("attempts = %d, want 1", got)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for task.failed event")
		}
	}
}

func TestOverlapSkipWhileRunning(t *testing.T) {
	s := newTestEngine(t, Config{}, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	err := s.Enqueue(Task{Name: "poll", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	waitDone(t, started, "first task start")

	err = s.Enqueue(Task{Name: "poll", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("err = %v, want ErrOverlapSkip", err)
	}
}

func TestQueueFullDropsTask(t *testing.T) {
	s := newTestEngine(t, Config{Workers: 1, QueueSize: 1}, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	if err := s.Enqueue(Task{Name: "blocker", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue blocker: %v", err)
	}
	waitDone(t, started, "blocker start")

	if err := s.Enqueue(Task{Name: "queued", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("Enqueue queued: %v", err)
	}
	err := s.Enqueue(Task{Name: "dropped", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}

	snap := s.Snapshot()
	if snap.DroppedQueueFull != 1 {
		t.Fatalf("DroppedQueueFull = %d, want 1", snap.DroppedQueueFull)
	}
}

func TestSubmitHonorsContext(t *testing.T) {
	s := newTestEngine(t, Config{Workers: 1, QueueSize: 1}, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	if err := s.Enqueue(Task{Name: "blocker", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue blocker: %v", err)
	}
	waitDone(t, started, "blocker start")

	if err := s.Enqueue(Task{Name: "queued", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("Enqueue queued: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Submit(ctx, Task{Name: "waiting", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestStaleTaskDropped(t *testing.T) {
	bus := eventbus.New()
	s := newTestEngine(t, Config{Workers: 1, QueueSize: 4, MaxQueueDelay: 10 * time.Millisecond}, bus)

	events, unsub := bus.Subscribe(16)
	defer unsub()

	started := make(chan struct{})
	release := make(chan struct{})

	if err := s.Enqueue(Task{Name: "blocker", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue blocker: %v", err)
	}
	waitDone(t, started, "blocker start")

	var ran int32
	if err := s.Enqueue(Task{Name: "victim", Run: func(context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue victim: %v", err)
	}

	// Let the queued task go stale before freeing the worker.
	time.Sleep(50 * time.Millisecond)
	close(release)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != "task.dropped" {
				continue
			}
			te := ev.Data.(TaskEvent)
			if te.Name != "victim" || te.Error != "stale_queue_delay" {
				t.Fatalf("unexpected drop event: %+v", te)
			}
			if atomic.LoadInt32(&ran) != 0 {
				t.Fatal("stale task still ran")
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for task.dropped event")
		}
	}
}

func TestStopThenRestart(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	s.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
	s.Stop(ctx) // idempotent

	err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err after stop = %v, want ErrStopped", err)
	}

	s.Start(context.Background())
	defer s.Stop(ctx)

	done := make(chan struct{})
	if err := s.Enqueue(Task{Name: "restarted", Run: func(context.Context) error {
		close(done)
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue after restart: %v", err)
	}
	waitDone(t, done, "task after restart")
}

func TestCircuitOpenRejectsEnqueue(t *testing.T) {
	s := newTestEngine(t, Config{CircuitTripFailures: 2, CircuitBaseDelay: time.Minute}, nil)

	var attempts int32
	failing := func(context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return NoRetry(errors.New("down"))
	}

	for i := 0; i < 2; i++ {
		want := int32(i + 1)
		if err := s.Enqueue(Task{Name: "api", Run: failing}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		waitAttempts(t, &attempts, want)
	}

	err := s.Enqueue(Task{Name: "api", Run: failing})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}

	snap := s.Snapshot()
	if snap.CircuitOpen != 1 {
		t.Fatalf("CircuitOpen = %d, want 1", snap.CircuitOpen)
	}
}

func waitAttempts(t *testing.T, counter *int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(counter) >= want {
			// Give the worker a moment to record the circuit result.
			time.Sleep(10 * time.Millisecond)
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("attempts never reached %d", want)
}
