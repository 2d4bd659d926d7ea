// Package scheduler turns cron expressions, fixed intervals and
// one-shot timestamps into task enqueues. It owns trigger timing only;
// internal/task/engine owns queueing, retries and execution. Schedules
// are keyed by name, and registering a name again replaces whatever was
// there before.
package scheduler
