package tgui

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"
)

const (
	tokenTTL   = 15 * time.Minute
	tokenCap   = 5000
	tokenSweep = time.Minute
)

// TokenStore parks callback payloads that do not fit Telegram's 64-byte
// callback_data. The button carries a short "~token"; the payload is
// resolved server-side on callback. Tokens start with '~' and never contain
// ':', so they cannot be mistaken for inline payloads.
//
// Expiry is handled by lazy sweeps from Put and Get; there is no background
// goroutine to manage.
type TokenStore struct {
	mu        sync.Mutex
	entries   map[string]tokenRec
	nextSweep time.Time
}

type tokenRec struct {
	data     []byte
	deadline time.Time
}

func NewTokenStore() *TokenStore {
	return &TokenStore{entries: map[string]tokenRec{}}
}

// PutBytes stores b and returns its token.
func (s *TokenStore) PutBytes(b []byte) string {
	if s == nil {
		return ""
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)

	tok := s.freshTokenLocked(now)
	s.entries[tok] = tokenRec{
		data:     append([]byte(nil), b...),
		deadline: now.Add(tokenTTL),
	}
	s.evictLocked()
	return tok
}

// PutJSON marshals v and stores the bytes.
func (s *TokenStore) PutJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return s.PutBytes(b), nil
}

// GetBytes resolves tok. A miss is routine: it usually means a button was
// pressed after its payload expired.
func (s *TokenStore) GetBytes(tok string) ([]byte, bool) {
	if s == nil || tok == "" {
		return nil, false
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)

	rec, ok := s.entries[tok]
	if !ok {
		return nil, false
	}
	if now.After(rec.deadline) {
		delete(s.entries, tok)
		return nil, false
	}
	return append([]byte(nil), rec.data...), true
}

// freshTokenLocked draws random tokens until one is unused. A collision on
// 48 random bits is effectively impossible at tokenCap entries; the loop is
// bounded anyway.
func (s *TokenStore) freshTokenLocked(now time.Time) string {
	var rnd [6]byte
	for attempt := 0; attempt < 8; attempt++ {
		_, _ = rand.Read(rnd[:])
		cand := "~" + base64.RawURLEncoding.EncodeToString(rnd[:])
		if _, taken := s.entries[cand]; !taken {
			return cand
		}
	}
	_, _ = rand.Read(rnd[:])
	return "~" + base64.RawURLEncoding.EncodeToString(append(rnd[:], byte(now.UnixNano())))
}

func (s *TokenStore) sweepLocked(now time.Time) {
	if now.Before(s.nextSweep) {
		return
	}
	s.nextSweep = now.Add(tokenSweep)
	for tok, rec := range s.entries {
		if now.After(rec.deadline) {
			delete(s.entries, tok)
		}
	}
}

// evictLocked sheds arbitrary entries once over capacity. Payloads are
// short-lived UI state; losing one degrades a button press into a "session
// expired" answer, nothing worse.
func (s *TokenStore) evictLocked() {
	over := len(s.entries) - tokenCap
	for tok := range s.entries {
		if over <= 0 {
			return
		}
		delete(s.entries, tok)
		over--
	}
}
