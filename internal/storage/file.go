package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"fragbot/internal/track"
	logx "fragbot/pkg/logx"
)

// compactEvery is the number of journal appends between dedup compactions.
const compactEvery = 1000

// jsonStore persists everything under one path prefix, derived from
// Config.Path with its extension dropped:
//
//	<prefix>.audit.jsonl         append-only JSON Lines
//	<prefix>.dedup.snapshot.json dedup snapshot, rewritten on compaction
//	<prefix>.dedup.journal.jsonl dedup appends since the last snapshot
//	<prefix>.sessions.json       whole-file snapshot, tmp+rename
//	<prefix>.roster.json         whole-file snapshot, tmp+rename
//
// Session and roster writes replace the file atomically, so a crash
// mid-write leaves the previous snapshot intact.
type jsonStore struct {
	log logx.Logger

	mu sync.Mutex

	audit *os.File

	snapPath string
	journal  *os.File
	dedupMS  map[string]int64 // key -> suppress-until, unix milli

	sessionsPath string
	rosterPath   string

	appends int // journal records since the last compaction
}

type journalRec struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func newFileStore(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	prefix := storagePrefix(path)
	snapPath := prefix + ".dedup.snapshot.json"
	journalPath := prefix + ".dedup.journal.jsonl"

	audit, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	journal, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = audit.Close()
		return nil, err
	}

	return &jsonStore{
		log:          log,
		audit:        audit,
		snapPath:     snapPath,
		journal:      journal,
		dedupMS:      recoverDedup(snapPath, journalPath),
		sessionsPath: prefix + ".sessions.json",
		rosterPath:   prefix + ".roster.json",
	}, nil
}

// storagePrefix strips the extension so "data/bot.db" becomes the
// family prefix "data/bot" shared by every file of this backend.
func storagePrefix(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return filepath.Join(filepath.Dir(path), base)
}

func (s *jsonStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	if s.audit != nil {
		firstErr = s.audit.Close()
		s.audit = nil
	}
	if s.journal != nil {
		err := s.journal.Close()
		s.journal = nil
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *jsonStore) AppendAudit(ctx context.Context, rec AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.audit).Encode(rec)
}

func (s *jsonStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("dedup journal closed")
	}
	if s.dedupMS == nil {
		s.dedupMS = map[string]int64{}
	}
	s.dedupMS[key] = ms
	if err := json.NewEncoder(s.journal).Encode(journalRec{Key: key, Until: ms}); err != nil {
		return err
	}

	s.appends++
	if s.appends%compactEvery == 0 {
		// Compaction is best-effort; the journal still has every record.
		if err := s.compactDedupLocked(); err != nil {
			s.log.Debug("dedup compaction failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *jsonStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	ms, ok := s.dedupMS[key]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *jsonStore) LoadSessions(ctx context.Context) (map[string]track.SessionState, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readSessionsLocked()
}

func (s *jsonStore) SaveSessions(ctx context.Context, sessions map[string]track.SessionState) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if sessions == nil {
		sessions = map[string]track.SessionState{}
	}
	return writeJSONAtomic(s.sessionsPath, sessions)
}

func (s *jsonStore) DeleteSession(ctx context.Context, identity string) error {
	_ = ctx
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.readSessionsLocked()
	if err != nil {
		return err
	}
	if _, ok := m[identity]; !ok {
		return nil
	}
	delete(m, identity)
	return writeJSONAtomic(s.sessionsPath, m)
}

func (s *jsonStore) readSessionsLocked() (map[string]track.SessionState, error) {
	var m map[string]track.SessionState
	if _, err := readJSONFile(s.sessionsPath, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]track.SessionState{}
	}
	return m, nil
}

func (s *jsonStore) LoadRoster(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var roster []string
	if _, err := readJSONFile(s.rosterPath, &roster); err != nil {
		return nil, err
	}
	return roster, nil
}

func (s *jsonStore) SaveRoster(ctx context.Context, roster []string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if roster == nil {
		roster = []string{}
	}
	return writeJSONAtomic(s.rosterPath, roster)
}

// compactDedupLocked folds the journal into a fresh snapshot and
// truncates it. Caller holds mu.
func (s *jsonStore) compactDedupLocked() error {
	if s.dedupMS == nil {
		return nil
	}
	dropExpiredMS(s.dedupMS)
	if err := writeJSONAtomic(s.snapPath, s.dedupMS); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err := s.journal.Seek(0, io.SeekEnd)
	return err
}

// recoverDedup rebuilds the in-memory dedup map from the last snapshot
// plus whatever the journal accumulated since, minus expired windows.
func recoverDedup(snapPath, journalPath string) map[string]int64 {
	m := map[string]int64{}
	var snap map[string]int64
	if ok, err := readJSONFile(snapPath, &snap); err == nil && ok {
		for k, v := range snap {
			m[k] = v
		}
	}
	_ = replayJournal(journalPath, m)
	dropExpiredMS(m)
	return m
}

func replayJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec journalRec
		if json.Unmarshal(sc.Bytes(), &rec) != nil || rec.Key == "" {
			continue
		}
		out[rec.Key] = rec.Until
	}
	return sc.Err()
}

func dropExpiredMS(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, until := range m {
		if until < now {
			delete(m, k)
		}
	}
}

// readJSONFile decodes path into v. A missing file is not an error: v
// is left untouched and the first result is false.
func readJSONFile(path string, v any) (bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(v); err != nil {
		return false, err
	}
	return true, nil
}

// writeJSONAtomic writes v to path via tmp+rename so readers and crashes
// only ever see complete snapshots.
func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
