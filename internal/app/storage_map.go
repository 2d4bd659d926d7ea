package app

import (
	"fmt"
	"strings"
	"time"

	"fragbot/internal/config"
	"fragbot/internal/storage"
)

// mapStorageConfig resolves the storage section into an open-ready
// backend config. The bool reports whether storage is wanted at all; an
// absent section or driver "none" runs the bot memory-only.
func mapStorageConfig(cfg *Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage

	switch driver := strings.ToLower(strings.TrimSpace(sc.Driver)); driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		return storage.Config{Driver: "file", Path: strings.TrimSpace(sc.Path)}, true, nil
	case "sqlite", "sqlite3":
		return sqliteStorageConfig(sc, driver)
	case "redis":
		return redisStorageConfig(sc)
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", strings.TrimSpace(sc.Driver))
	}
}

func sqliteStorageConfig(sc *config.StorageConfig, driver string) (storage.Config, bool, error) {
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
	}
	busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
}

func redisStorageConfig(sc *config.StorageConfig) (storage.Config, bool, error) {
	if sc.Redis == nil || strings.TrimSpace(sc.Redis.Addr) == "" {
		return storage.Config{}, false, fmt.Errorf("storage.redis.addr is required when storage.driver=redis")
	}
	return storage.Config{
		Driver: "redis",
		Redis: storage.RedisConfig{
			Addr:      strings.TrimSpace(sc.Redis.Addr),
			Password:  sc.Redis.Password,
			DB:        sc.Redis.DB,
			KeyPrefix: strings.TrimSpace(sc.Redis.KeyPrefix),
		},
	}, true, nil
}
