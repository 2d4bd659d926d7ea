package scheduler

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// delayedSchedule pins the first trigger to a fixed point and delegates
// every run after that to the wrapped schedule. Interval tasks
// registered together at boot (player polls, notifier sweeps) land at
// distinct offsets instead of all firing on the same tick.
type delayedSchedule struct {
	after time.Time
	then  cron.Schedule
}

func (d *delayedSchedule) Next(t time.Time) time.Time {
	if !d.after.IsZero() && t.Before(d.after) {
		return d.after
	}
	return d.then.Next(t)
}

var spreadCounter atomic.Uint64

// makeIntervalScheduleWithSpread builds an @every schedule whose first
// run is pushed out by a random jitter in [0, min(every, 30s)). The tag
// keeps two tasks with the same interval from sharing a seed. Returns
// the jitter so callers can log it.
func makeIntervalScheduleWithSpread(every time.Duration, now time.Time, tag string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	window := every
	if window > maxStartupSpread {
		window = maxStartupSpread
	}
	if window <= 0 {
		return base, 0
	}

	rng := rand.New(rand.NewSource(spreadSeed(tag)))
	jitter := time.Duration(rng.Int63n(int64(window)))
	return &delayedSchedule{after: now.Add(every + jitter), then: base}, jitter
}

// spreadSeed mixes wall clock, a process-wide counter and the schedule
// tag so two schedules registered in the same nanosecond still draw
// different jitter.
func spreadSeed(tag string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	return time.Now().UnixNano() ^ int64(spreadCounter.Add(1)) ^ int64(h.Sum64())
}
