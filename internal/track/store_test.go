package track

import (
	"encoding/json"
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestStateStoreBasics(t *testing.T) {
	t.Parallel()
	s := NewStateStore()

	if _, ok := s.Get("rivet"); ok {
		t.Fatal("empty store must not return state")
	}

	st := SessionState{LastSeenTimePlayed: 100, LastSeenKills: 10, SessionActive: true}
	s.Put("rivet", st)

	got, ok := s.Get("rivet")
	if !ok || got != st {
		t.Fatalf("Get = %+v/%v, want %+v/true", got, ok, st)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}

	s.Remove("rivet")
	s.Remove("rivet") // second removal is a no-op
	if _, ok := s.Get("rivet"); ok {
		t.Fatal("removed state still visible")
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d, want 0", s.Len())
	}
}

func TestStateStoreSnapshotIsCopy(t *testing.T) {
	t.Parallel()
	s := NewStateStore()
	s.Put("a", SessionState{LastSeenKills: 1})

	snap := s.Snapshot()
	snap["a"] = SessionState{LastSeenKills: 99}
	snap["b"] = SessionState{}

	got, _ := s.Get("a")
	if got.LastSeenKills != 1 {
		t.Fatal("mutating a snapshot must not affect the store")
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

func TestStateStoreReplace(t *testing.T) {
	t.Parallel()
	s := NewStateStore()
	s.Put("old", SessionState{})

	in := map[string]SessionState{
		"a": {LastSeenTimePlayed: 5},
		"b": {LastSeenTimePlayed: 6},
	}
	s.Replace(in)
	in["c"] = SessionState{} // input map is copied

	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
	if _, ok := s.Get("old"); ok {
		t.Fatal("Replace must drop previous entries")
	}

	s.Replace(nil)
	if s.Len() != 0 {
		t.Fatalf("Len after nil Replace = %d, want 0", s.Len())
	}
}

func TestStateStoreConcurrentAccess(t *testing.T) {
	t.Parallel()
	s := NewStateStore()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n%4))
			for j := 0; j < 200; j++ {
				s.Put(id, SessionState{LastSeenKills: int64(j)})
				s.Get(id)
				s.Snapshot()
			}
		}(i)
	}
	wg.Wait()

	if s.Len() != 4 {
		t.Fatalf("Len = %d, want 4", s.Len())
	}
}

func TestSessionStateRoundTrip(t *testing.T) {
	t.Parallel()
	notified := time.Date(2026, 3, 14, 21, 30, 0, 0, time.UTC)
	in := map[string]SessionState{
		"rivet": {
			LastSeenTimePlayed:     140,
			LastSeenKills:          10,
			SessionStartTimePlayed: 100,
			LastActivityAt:         time.Date(2026, 3, 14, 21, 0, 0, 0, time.UTC),
			SessionActive:          true,
			LastNotifiedAt:         &notified,
		},
		"ghost": {
			LastSeenTimePlayed: 9000,
			LastSeenKills:      512,
			LastActivityAt:     time.Date(2025, 12, 1, 8, 0, 0, 0, time.UTC),
		},
	}

	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out map[string]SessionState
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch:\n in  %+v\n out %+v", in, out)
	}
}
