package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"fragbot/internal/track"
	logx "fragbot/pkg/logx"
)

// Store is the persistence API used by the plugins and the notifier.
//
// SaveSessions replaces the whole session mapping in one step: readers
// never observe a partially written mapping.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	LoadSessions(ctx context.Context) (map[string]track.SessionState, error)
	SaveSessions(ctx context.Context, sessions map[string]track.SessionState) error
	DeleteSession(ctx context.Context, identity string) error

	LoadRoster(ctx context.Context) ([]string, error)
	SaveRoster(ctx context.Context, roster []string) error

	Close() error
}

// Open builds the store named by cfg.Driver. A blank or "none" driver
// means storage is off; the caller gets (nil, nil) and must treat a nil
// Store as "skip persistence".
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "none":
		return nil, nil
	case "file":
		return newFileStore(cfg, log)
	case "sqlite", "sqlite3":
		return newSQLiteStore(cfg, log)
	case "redis":
		return newRedisStore(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
