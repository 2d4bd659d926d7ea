package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-process broadcast record. The engine publishes task
// lifecycle ("task.started", "task.finished", "task.skipped"), the notifier
// publishes delivery outcomes ("notify.sent", "notify.deduped") and the
// plugin manager publishes runtime transitions ("plugin.quarantined").
//
// Publish never blocks and never fails; a subscriber that cannot keep up
// loses events rather than stalling the publisher. Data should stay small.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(ev Event)
	Subscribe(size int) (events <-chan Event, cancel func())
}

// New returns an in-memory fanout bus with no background goroutines.
func New() Bus {
	return &fanout{sinks: map[uint64]chan Event{}}
}

type fanout struct {
	mu    sync.RWMutex
	sinks map[uint64]chan Event
	next  atomic.Uint64
}

func (f *fanout) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	f.mu.RLock()
	targets := make([]chan Event, 0, len(f.sinks))
	for _, sub := range f.sinks {
		targets = append(targets, sub)
	}
	f.mu.RUnlock()

	for _, sub := range targets {
		offer(sub, ev)
	}
}

// offer attempts a non-blocking send. A concurrent unsubscribe can close
// the channel mid-send, so the panic from that race is swallowed here.
func offer(sub chan Event, ev Event) {
	defer func() { _ = recover() }()
	select {
	case sub <- ev:
	default:
	}
}

func (f *fanout) Subscribe(size int) (<-chan Event, func()) {
	if size <= 0 {
		size = 8
	}
	sub := make(chan Event, size)
	id := f.next.Add(1)

	f.mu.Lock()
	f.sinks[id] = sub
	f.mu.Unlock()

	// Map presence doubles as the close guard: the first cancel deletes
	// the entry and closes, any later cancel finds nothing to do.
	return sub, func() {
		f.mu.Lock()
		_, live := f.sinks[id]
		delete(f.sinks, id)
		f.mu.Unlock()
		if live {
			close(sub)
		}
	}
}
