// Package storage persists the bot's durable state across restarts:
//
//   - session mapping and roster for the tracker
//   - audit log appends (operator actions)
//   - optional notifier dedup state
//
// Three drivers share one Store interface: file (default, dependency-free),
// sqlite (behind the "sqlite" build tag), and redis.
package storage
