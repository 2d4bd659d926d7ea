package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v10"
)

// envOverrides are the FRAGBOT_* environment variables layered over the
// config file. The environment wins so secrets (bot token, redis password)
// can stay out of the file entirely.
type envOverrides struct {
	TelegramToken string `env:"FRAGBOT_TELEGRAM_TOKEN"`
	LogLevel      string `env:"FRAGBOT_LOG_LEVEL"`
	StorageDriver string `env:"FRAGBOT_STORAGE_DRIVER"`
	StoragePath   string `env:"FRAGBOT_STORAGE_PATH"`
	RedisAddr     string `env:"FRAGBOT_REDIS_ADDR"`
	RedisPassword string `env:"FRAGBOT_REDIS_PASSWORD"`
}

// applyEnvOverrides mutates cfg in place. Called on every parse so watch
// reloads keep the same effective values as startup.
func applyEnvOverrides(cfg *Config) error {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return fmt.Errorf("parse env overrides: %w", err)
	}

	if v := strings.TrimSpace(ov.TelegramToken); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(ov.LogLevel); v != "" {
		cfg.Logging.Level = v
	}

	if v := strings.TrimSpace(ov.StorageDriver); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		cfg.Storage.Driver = v
	}
	if v := strings.TrimSpace(ov.StoragePath); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		cfg.Storage.Path = v
	}
	if v := strings.TrimSpace(ov.RedisAddr); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		if cfg.Storage.Redis == nil {
			cfg.Storage.Redis = &StorageRedisConfig{}
		}
		cfg.Storage.Redis.Addr = v
	}
	if v := ov.RedisPassword; v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		if cfg.Storage.Redis == nil {
			cfg.Storage.Redis = &StorageRedisConfig{}
		}
		cfg.Storage.Redis.Password = v
	}
	return nil
}
