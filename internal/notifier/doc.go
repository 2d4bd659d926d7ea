// Package notifier delivers small, high-signal messages to operators and
// group chats: session alerts from the tracker, action confirmations,
// supervisor error reports.
//
// Deliveries go through a bounded queue and a worker pool, are rate limited
// with a shared token bucket, retried with jittered exponential backoff, and
// deduplicated over a configurable window (optionally persisted across
// restarts through the storage layer).
//
// The service delegates the actual send to a transport Adapter, so callers
// stay platform-neutral. A short in-memory history of sent texts is kept for
// status commands.
package notifier
