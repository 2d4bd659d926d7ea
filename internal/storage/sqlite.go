//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"fragbot/internal/track"
	logx "fragbot/pkg/logx"
)

//go:embed migrations.sql
var schemaFS embed.FS

// dedupPruneEvery is the number of PutDedup calls between sweeps of
// expired rows.
const dedupPruneEvery = 500

type sqlStore struct {
	db  *sql.DB
	log logx.Logger

	putCount atomic.Uint64
}

func newSQLiteStore(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection sidesteps SQLITE_BUSY between our own writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	applyPragmas(db, cfg)

	st := &sqlStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func applyPragmas(db *sql.DB, cfg Config) {
	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
}

func (s *sqlStore) migrate(ctx context.Context) error {
	script, err := schemaFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(script))
	return err
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) AppendAudit(ctx context.Context, rec AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_username, chat_id, thread_id,
		                   plugin, action, target, ok, fail, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.At.Format(time.RFC3339Nano), rec.ActorID, orNull(rec.ActorUsername),
		rec.ChatID, rec.ThreadID, rec.Plugin, rec.Action, rec.Target,
		rec.OK, rec.Fail, orNull(rec.Error), rec.TookMS, orNull(rec.MetaJSON),
	)
	return err
}

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until)
		 VALUES(?,?) ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil {
		s.maybePruneDedup()
	}
	return err
}

// maybePruneDedup sweeps expired rows once per dedupPruneEvery writes,
// on a short budget detached from the caller's context.
func (s *sqlStore) maybePruneDedup() {
	if s.putCount.Add(1)%dedupPruneEvery != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _ = s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key)
	var untilMS int64
	switch err := row.Scan(&untilMS); {
	case errors.Is(err, sql.ErrNoRows):
		return time.Time{}, false, nil
	case err != nil:
		return time.Time{}, false, err
	}
	return time.UnixMilli(untilMS), true, nil
}

func (s *sqlStore) LoadSessions(ctx context.Context) (map[string]track.SessionState, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT identity, state FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]track.SessionState{}
	for rows.Next() {
		var identity, raw string
		if err := rows.Scan(&identity, &raw); err != nil {
			return nil, err
		}
		var st track.SessionState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			s.log.Warn("skipping undecodable session row",
				logx.String("identity", identity), logx.Err(err))
			continue
		}
		out[identity] = st
	}
	return out, rows.Err()
}

// SaveSessions replaces the whole snapshot in one transaction, so a
// concurrent LoadSessions sees either the old mapping or the new one.
func (s *sqlStore) SaveSessions(ctx context.Context, sessions map[string]track.SessionState) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.replaceAll(ctx, `DELETE FROM sessions`, func(tx *sql.Tx) error {
		now := time.Now().Format(time.RFC3339Nano)
		for identity, st := range sessions {
			b, err := json.Marshal(st)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO sessions(identity, state, updated_at) VALUES(?,?,?)`,
				identity, string(b), now,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqlStore) DeleteSession(ctx context.Context, identity string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if identity == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE identity = ?`, identity)
	return err
}

func (s *sqlStore) LoadRoster(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT identity FROM roster ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roster []string
	for rows.Next() {
		var identity string
		if err := rows.Scan(&identity); err != nil {
			return nil, err
		}
		roster = append(roster, identity)
	}
	return roster, rows.Err()
}

func (s *sqlStore) SaveRoster(ctx context.Context, roster []string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.replaceAll(ctx, `DELETE FROM roster`, func(tx *sql.Tx) error {
		for i, identity := range roster {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO roster(position, identity) VALUES(?,?)`,
				i, identity,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// replaceAll runs clear + insert inside one transaction.
func (s *sqlStore) replaceAll(ctx context.Context, clear string, insert func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, clear); err != nil {
		return err
	}
	if err := insert(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// orNull maps blank strings to NULL so optional columns stay NULL.
func orNull(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
