package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"fragbot/internal/track"
	logx "fragbot/pkg/logx"
)

// redisAuditMax caps the audit list so it cannot grow without bound.
const redisAuditMax = 1000

// redisStore keeps sessions in one hash (rewritten atomically via
// MULTI/EXEC), the roster as a single JSON value, dedup as expiring keys,
// and the audit trail in a capped list.
type redisStore struct {
	log    logx.Logger
	client *redis.Client
	prefix string
}

func newRedisStore(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}

	prefix := strings.TrimSpace(cfg.Redis.KeyPrefix)
	if prefix == "" {
		prefix = "fragbot"
	}

	return &redisStore{log: log, client: client, prefix: prefix}, nil
}

func newRedisStoreWithClient(client *redis.Client, prefix string, log logx.Logger) *redisStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	if prefix == "" {
		prefix = "fragbot"
	}
	return &redisStore{log: log, client: client, prefix: prefix}
}

func (s *redisStore) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

func (s *redisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *redisStore) AppendAudit(ctx context.Context, rec AuditEntry) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, s.key("audit"), b)
	pipe.LTrim(ctx, s.key("audit"), 0, redisAuditMax-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return s.client.Set(ctx, s.key("dedup", key), until.UnixMilli(), ttl).Err()
}

func (s *redisStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	v, err := s.client.Get(ctx, s.key("dedup", key)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *redisStore) LoadSessions(ctx context.Context) (map[string]track.SessionState, error) {
	raw, err := s.client.HGetAll(ctx, s.key("sessions")).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]track.SessionState, len(raw))
	for identity, v := range raw {
		var st track.SessionState
		if err := json.Unmarshal([]byte(v), &st); err != nil {
			s.log.Warn("skipping undecodable session entry",
				logx.String("identity", identity), logx.Err(err))
			continue
		}
		out[identity] = st
	}
	return out, nil
}

func (s *redisStore) SaveSessions(ctx context.Context, sessions map[string]track.SessionState) error {
	fields := make(map[string]interface{}, len(sessions))
	for identity, st := range sessions {
		b, err := json.Marshal(st)
		if err != nil {
			return err
		}
		fields[identity] = b
	}
	// DEL+HSET inside MULTI/EXEC: readers see either the old hash or the
	// complete new one.
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key("sessions"))
		if len(fields) > 0 {
			pipe.HSet(ctx, s.key("sessions"), fields)
		}
		return nil
	})
	return err
}

func (s *redisStore) DeleteSession(ctx context.Context, identity string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil
	}
	return s.client.HDel(ctx, s.key("sessions"), identity).Err()
}

func (s *redisStore) LoadRoster(ctx context.Context) ([]string, error) {
	v, err := s.client.Get(ctx, s.key("roster")).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var roster []string
	if err := json.Unmarshal([]byte(v), &roster); err != nil {
		return nil, err
	}
	return roster, nil
}

func (s *redisStore) SaveRoster(ctx context.Context, roster []string) error {
	if roster == nil {
		roster = []string{}
	}
	b, err := json.Marshal(roster)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key("roster"), b, 0).Err()
}
