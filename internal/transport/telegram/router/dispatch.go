package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	kit "fragbot/internal/transport"
	logx "fragbot/pkg/logx"
)

// DispatchLoop consumes updates until ctx ends or the channel closes.
// Routing happens inline; matched handlers run on a worker pool sized
// to the machine so one slow command cannot stall the rest.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	poolSize := runtime.NumCPU()
	if poolSize < 2 {
		poolSize = 2
	}

	sup := NewSupervisor(ctx,
		WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		WithCancelOnError(false),
	)
	m.setDispatchState(sup, true)
	if m.svcs != nil && m.svcs.RuntimeSupervisors != nil {
		m.svcs.RuntimeSupervisors.Set("telegram.router", sup)
	}

	m.log.Info("command dispatcher started", logx.Int("workers", poolSize), logx.Int("job_queue_cap", cap(m.queue)))

	var shutdown sync.Once
	drainQueue := func() {
		shutdown.Do(func() {
			// Flip the active flag first so offerJob degrades instead
			// of racing the close.
			m.setDispatchState(sup, false)
			close(m.queue)
		})
	}

	for i := 0; i < poolSize; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			return m.commandWorker(c, idx)
		},
			WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			WithPublishFirstError(true),
			WithStopOnCleanExit(true),
		)
	}

	defer func() {
		drainQueue()
		flushCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(flushCtx)
		cancel()
		if m.svcs != nil && m.svcs.RuntimeSupervisors != nil {
			m.svcs.RuntimeSupervisors.Delete("telegram.router")
		}
		m.setDispatchState(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("command dispatcher stopped", logx.Any("err", ctx.Err()))
			return nil
		case upd, ok := <-updates:
			if !ok {
				m.log.Info("command dispatcher stopped (updates channel closed)")
				return nil
			}
			m.handleUpdate(ctx, upd)
		}
	}
}

// commandWorker drains the job queue until cancellation or queue close.
func (m *CommandManager) commandWorker(ctx context.Context, idx int) error {
	m.log.Debug("command worker started", logx.Int("worker", idx))
	defer m.log.Debug("command worker stopped", logx.Int("worker", idx))

	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-m.queue:
			if !ok {
				return nil
			}
			if job == nil {
				continue
			}
			m.runJob(idx, job)
		}
	}
}

// runJob guards the worker against jobs that slip past the middleware
// panic recovery.
func (m *CommandManager) runJob(idx int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job",
				logx.Int("worker", idx),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}
