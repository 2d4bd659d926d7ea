package storage

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"fragbot/internal/track"
	logx "fragbot/pkg/logx"
)

// setupTestRedis starts a miniredis instance and a store bound to it.
func setupTestRedis(t *testing.T) (*redisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := newRedisStoreWithClient(client, "test", logx.Nop())
	t.Cleanup(func() { _ = st.Close() })
	return st, mr
}

func TestRedisStoreSessionsRoundTrip(t *testing.T) {
	st, _ := setupTestRedis(t)
	ctx := context.Background()

	notified := time.Date(2026, 3, 14, 20, 0, 30, 0, time.UTC)
	want := map[string]track.SessionState{
		"Shadow": {
			LastSeenTimePlayed:     4200,
			LastSeenKills:          37,
			SessionStartTimePlayed: 3600,
			LastActivityAt:         time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC),
			SessionActive:          true,
			LastNotifiedAt:         &notified,
		},
		"Viper": {LastSeenTimePlayed: 100, LastSeenKills: 3},
	}

	if err := st.SaveSessions(ctx, want); err != nil {
		t.Fatalf("SaveSessions: %v", err)
	}
	got, err := st.LoadSessions(ctx)
	if err != nil {
		t.Fatalf("LoadSessions: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("LoadSessions = %+v, want %+v", got, want)
	}
}

func TestRedisStoreSaveSessionsReplaces(t *testing.T) {
	st, _ := setupTestRedis(t)
	ctx := context.Background()

	first := map[string]track.SessionState{
		"Shadow": {LastSeenTimePlayed: 1},
		"Viper":  {LastSeenTimePlayed: 2},
	}
	if err := st.SaveSessions(ctx, first); err != nil {
		t.Fatalf("SaveSessions: %v", err)
	}

	// A smaller snapshot must fully replace the old one, not merge into it.
	second := map[string]track.SessionState{"Shadow": {LastSeenTimePlayed: 10}}
	if err := st.SaveSessions(ctx, second); err != nil {
		t.Fatalf("SaveSessions: %v", err)
	}

	got, err := st.LoadSessions(ctx)
	if err != nil {
		t.Fatalf("LoadSessions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("sessions = %+v, want only Shadow", got)
	}
	if got["Shadow"].LastSeenTimePlayed != 10 {
		t.Fatalf("Shadow.LastSeenTimePlayed = %d, want 10", got["Shadow"].LastSeenTimePlayed)
	}
}

func TestRedisStoreDeleteSession(t *testing.T) {
	st, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := st.SaveSessions(ctx, map[string]track.SessionState{
		"Shadow": {}, "Viper": {},
	}); err != nil {
		t.Fatalf("SaveSessions: %v", err)
	}
	if err := st.DeleteSession(ctx, "Shadow"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	got, err := st.LoadSessions(ctx)
	if err != nil {
		t.Fatalf("LoadSessions: %v", err)
	}
	if _, ok := got["Shadow"]; ok {
		t.Fatal("Shadow still present after delete")
	}
	if _, ok := got["Viper"]; !ok {
		t.Fatal("Viper missing after unrelated delete")
	}
}

func TestRedisStoreRosterRoundTrip(t *testing.T) {
	st, _ := setupTestRedis(t)
	ctx := context.Background()

	got, err := st.LoadRoster(ctx)
	if err != nil {
		t.Fatalf("LoadRoster: %v", err)
	}
	if got != nil {
		t.Fatalf("LoadRoster on fresh store = %v, want nil", got)
	}

	want := []string{"Shadow", "Viper", "ghost_07"}
	if err := st.SaveRoster(ctx, want); err != nil {
		t.Fatalf("SaveRoster: %v", err)
	}
	got, err = st.LoadRoster(ctx)
	if err != nil {
		t.Fatalf("LoadRoster: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("LoadRoster = %v, want %v (order matters)", got, want)
	}
}

func TestRedisStoreDedupExpiry(t *testing.T) {
	st, mr := setupTestRedis(t)
	ctx := context.Background()

	until := time.Now().Add(time.Minute)
	if err := st.PutDedup(ctx, "notify:abc", until); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	got, ok, err := st.GetDedup(ctx, "notify:abc")
	if err != nil || !ok {
		t.Fatalf("GetDedup = %v/%v/%v, want hit", got, ok, err)
	}
	if got.UnixMilli() != until.UnixMilli() {
		t.Fatalf("GetDedup until = %v, want %v", got, until)
	}

	// Redis expiry prunes the key on its own.
	mr.FastForward(2 * time.Minute)
	if _, ok, _ := st.GetDedup(ctx, "notify:abc"); ok {
		t.Fatal("dedup key survived its TTL")
	}

	// A key that is already expired is never written.
	if err := st.PutDedup(ctx, "stale", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("PutDedup stale: %v", err)
	}
	if _, ok, _ := st.GetDedup(ctx, "stale"); ok {
		t.Fatal("stale dedup key was stored")
	}
}

func TestRedisStoreAuditList(t *testing.T) {
	st, mr := setupTestRedis(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := AuditEntry{Plugin: "tracker", Action: "addplayer", Target: "Shadow"}
		if err := st.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	items, err := mr.List("test:audit")
	if err != nil {
		t.Fatalf("miniredis list: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("audit list length = %d, want 3", len(items))
	}
}
