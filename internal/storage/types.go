package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config selects and tunes a storage backend.
//
// Driver is one of "file" (dependency-free, jsonl + snapshots),
// "sqlite" (database file, behind a build tag) or "redis" (sessions in
// a hash, audit in a capped list). Empty or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite driver; zero keeps the driver default
	Redis       RedisConfig   // redis only
}

// RedisConfig configures the redis driver.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string // defaults to "fragbot"
}

// AuditEntry is one operator action as persisted by every backend. The
// field set is the storage schema; extend it, never repurpose a field.
type AuditEntry struct {
	At            time.Time
	ActorID       int64
	ActorUsername string
	ChatID        int64
	ThreadID      int
	Plugin        string
	Action        string
	Target        string
	OK            int
	Fail          int
	Error         string
	TookMS        int64
	MetaJSON      string
}
