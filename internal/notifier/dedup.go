package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"fragbot/internal/storage"
	kit "fragbot/internal/transport"
)

// Suppression lookups against the store stay on a tight budget so a
// slow backend cannot stall Notify callers; writes get a little longer.
const (
	dedupReadTimeout  = 25 * time.Millisecond
	dedupWriteTimeout = 250 * time.Millisecond
)

type dedupEntry struct {
	key    string
	expiry time.Time
}

// dedupKey hashes channel, target, priority and text into a stable key.
// Notifications without a channel are never deduplicated.
func dedupKey(n kit.Notification) string {
	if n.Channel == "" {
		return ""
	}
	hash := fnv.New64a()
	fmt.Fprintf(hash, "%s|%d:%d:%d|", n.Channel, n.Target.ChatID, n.Target.ThreadID, n.Priority)
	_, _ = hash.Write([]byte(n.Text))
	return fmt.Sprintf("%x", hash.Sum64())
}

// dedupAllow reports whether a notification with this key may be sent now.
// On allow it records a new suppress-until window in memory and, when
// persistence is on, queues a best-effort write to the store.
func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration, max int, persist bool, db storage.Store, wq chan dedupEntry) bool {
	now := time.Now()

	if s.suppressedInMemory(key, now) {
		return false
	}
	if persist && db != nil && s.suppressedInStore(ctx, db, key, now) {
		return false
	}

	deadline := now.Add(window)
	s.remember(key, deadline, max, now)

	if persist && db != nil && wq != nil {
		select {
		case wq <- dedupEntry{key: key, expiry: deadline}:
		default:
		}
	}
	return true
}

func (s *Service) suppressedInMemory(key string, now time.Time) bool {
	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()
	if s.dedupUntil == nil {
		s.dedupUntil = map[string]time.Time{}
	}
	until, ok := s.dedupUntil[key]
	return ok && now.Before(until)
}

// suppressedInStore consults the persisted windows so dedup survives a
// restart. A hit is copied into memory to skip the store next time.
func (s *Service) suppressedInStore(ctx context.Context, db storage.Store, key string, now time.Time) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	qctx, cancel := context.WithTimeout(ctx, dedupReadTimeout)
	until, ok, err := db.GetDedup(qctx, key)
	cancel()
	if err != nil || !ok || !now.Before(until) {
		return false
	}
	s.dedupMu.Lock()
	s.dedupUntil[key] = until
	s.dedupMu.Unlock()
	return true
}

// remember records the new suppress-until window and keeps the cache
// within max entries.
func (s *Service) remember(key string, until time.Time, max int, now time.Time) {
	s.dedupMu.Lock()
	s.dedupUntil[key] = until
	s.pruneDedupLocked(now, max)
	s.dedupMu.Unlock()
}

// pruneDedupLocked drops expired entries, then evicts earliest-expiring
// entries until the cache fits max. Caller holds dedupMu.
func (s *Service) pruneDedupLocked(now time.Time, max int) {
	for k, until := range s.dedupUntil {
		if !now.Before(until) {
			delete(s.dedupUntil, k)
		}
	}
	if max <= 0 {
		return
	}
	for len(s.dedupUntil) > max {
		var (
			oldest    string
			oldestAt  time.Time
			haveFirst bool
		)
		for k, t := range s.dedupUntil {
			if !haveFirst || t.Before(oldestAt) {
				oldest, oldestAt, haveFirst = k, t, true
			}
		}
		if oldest == "" {
			return
		}
		delete(s.dedupUntil, oldest)
	}
}

func (s *Service) flushLoop(ctx context.Context, feed <-chan dedupEntry, db storage.Store) {
	if ctx == nil {
		ctx = context.Background()
	}
	if feed == nil || db == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ent, ok := <-feed:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, dedupWriteTimeout)
			_ = db.PutDedup(wctx, ent.key, ent.expiry)
			cancel()
		}
	}
}
