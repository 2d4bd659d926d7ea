package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"fragbot/internal/config"
	core "fragbot/internal/plugin"
	"fragbot/internal/storage"
	kit "fragbot/internal/transport"
	"fragbot/internal/track"
)

// fakeStats is an in-memory statsSource with per-player responses. Unknown
// players answer not-found, matching the live API.
type fakeStats struct {
	mu    sync.Mutex
	snaps map[string]track.Snapshot
	errs  map[string]error
	raws  map[string]json.RawMessage
	calls []string // fetch order across all sweeps
}

func newFakeStats() *fakeStats {
	return &fakeStats{
		snaps: map[string]track.Snapshot{},
		errs:  map[string]error{},
		raws:  map[string]json.RawMessage{},
	}
}

func (f *fakeStats) set(name string, timePlayed, kills int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.ToLower(name)
	f.snaps[key] = track.Snapshot{TimePlayed: timePlayed, Kills: kills}
	delete(f.errs, key)
}

func (f *fakeStats) fail(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[strings.ToLower(name)] = err
}

func (f *fakeStats) setRaw(name string, raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raws[strings.ToLower(name)] = json.RawMessage(raw)
}

func (f *fakeStats) FetchStats(ctx context.Context, name string) (track.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.ToLower(strings.TrimSpace(name))
	f.calls = append(f.calls, name)
	if err, ok := f.errs[key]; ok {
		return track.Snapshot{}, err
	}
	if s, ok := f.snaps[key]; ok {
		return s, nil
	}
	return track.Snapshot{}, track.NewFetchError(track.FetchNotFound, fmt.Errorf("player %q not found", name))
}

func (f *fakeStats) FetchRaw(ctx context.Context, name string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.ToLower(strings.TrimSpace(name))
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	if raw, ok := f.raws[key]; ok {
		return raw, nil
	}
	if s, ok := f.snaps[key]; ok {
		return json.RawMessage(fmt.Sprintf(`{"timePlayed":%d,"kills":%d}`, s.TimePlayed, s.Kills)), nil
	}
	return nil, track.NewFetchError(track.FetchNotFound, fmt.Errorf("player %q not found", name))
}

func (f *fakeStats) fetchOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []kit.Notification
}

func (f *fakeNotifier) Notify(ctx context.Context, n kit.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeNotifier) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, n := range f.sent {
		out = append(out, n.Text)
	}
	return out
}

func (f *fakeNotifier) last(t *testing.T) kit.Notification {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatalf("no notifications sent")
	}
	return f.sent[len(f.sent)-1]
}

// fakeStore is an in-memory storage.Store that counts writes.
type fakeStore struct {
	mu       sync.Mutex
	roster   []string
	sessions map[string]track.SessionState
	audits   []storage.AuditEntry
	deleted  []string

	saveRosterN   int
	saveSessionsN int
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: map[string]track.SessionState{}}
}

func (f *fakeStore) AppendAudit(ctx context.Context, e storage.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, e)
	return nil
}

func (f *fakeStore) PutDedup(ctx context.Context, key string, until time.Time) error { return nil }
func (f *fakeStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func (f *fakeStore) LoadSessions(ctx context.Context) (map[string]track.SessionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]track.SessionState, len(f.sessions))
	for k, v := range f.sessions {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) SaveSessions(ctx context.Context, sessions map[string]track.SessionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = make(map[string]track.SessionState, len(sessions))
	for k, v := range sessions {
		f.sessions[k] = v
	}
	f.saveSessionsN++
	return nil
}

func (f *fakeStore) DeleteSession(ctx context.Context, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, identity)
	f.deleted = append(f.deleted, identity)
	return nil
}

func (f *fakeStore) LoadRoster(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.roster...), nil
}

func (f *fakeStore) SaveRoster(ctx context.Context, roster []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roster = append([]string(nil), roster...)
	f.saveRosterN++
	return nil
}

func (f *fakeStore) Close() error { return nil }

// seed fills the store before the plugin starts.
func (f *fakeStore) seed(roster []string, sessions map[string]track.SessionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roster = append([]string(nil), roster...)
	f.sessions = make(map[string]track.SessionState, len(sessions))
	for k, v := range sessions {
		f.sessions[k] = v
	}
}

func (f *fakeStore) rosterSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.roster...)
}

func (f *fakeStore) sessionKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sessions))
	for k := range f.sessions {
		out = append(out, k)
	}
	return out
}

func (f *fakeStore) counts() (rosterSaves, sessionSaves int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saveRosterN, f.saveSessionsN
}

func (f *fakeStore) deletedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *fakeStore) auditActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.audits))
	for _, a := range f.audits {
		out = append(out, a.Action)
	}
	return out
}

// fakeSched records scheduler registrations.
type schedCall struct {
	kind    string
	name    string
	spec    string
	every   time.Duration
	timeout time.Duration
	opt     core.TaskOptions
	job     func(ctx context.Context) error
}

type fakeSched struct {
	mu      sync.Mutex
	calls   []schedCall
	removed []string
}

func (f *fakeSched) Enabled() bool           { return true }
func (f *fakeSched) Snapshot() core.Snapshot { return core.Snapshot{} }

func (f *fakeSched) AddCron(name, spec string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	return f.AddCronOpt(name, spec, timeout, core.TaskOptions{}, job)
}

func (f *fakeSched) AddCronOpt(name, spec string, timeout time.Duration, opt core.TaskOptions, job func(ctx context.Context) error) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, schedCall{kind: "cron", name: name, spec: spec, timeout: timeout, opt: opt, job: job})
	return name, nil
}

func (f *fakeSched) AddInterval(name string, every time.Duration, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	return f.AddIntervalOpt(name, every, timeout, core.TaskOptions{}, job)
}

func (f *fakeSched) AddIntervalOpt(name string, every time.Duration, timeout time.Duration, opt core.TaskOptions, job func(ctx context.Context) error) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, schedCall{kind: "interval", name: name, every: every, timeout: timeout, opt: opt, job: job})
	return name, nil
}

func (f *fakeSched) AddOnce(name string, at time.Time, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, schedCall{kind: "once", name: name, timeout: timeout, job: job})
	return name, nil
}

func (f *fakeSched) AddDaily(name, atHHMM string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, schedCall{kind: "daily", name: name, spec: atHHMM, timeout: timeout, job: job})
	return name, nil
}

func (f *fakeSched) Remove(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
	return true
}

func (f *fakeSched) last(t *testing.T) schedCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatalf("no scheduler calls recorded")
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeSched) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSched) removedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

// testAdapter records sends and edits.
type testAdapter struct {
	mu       sync.Mutex
	sends    []string
	edits    []string
	editRefs []kit.MessageRef
}

func (a *testAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *testAdapter) Stop(ctx context.Context) error                         { return nil }

func (a *testAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sends = append(a.sends, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(a.sends)}, nil
}

func (a *testAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.edits = append(a.edits, text)
	a.editRefs = append(a.editRefs, ref)
	return nil
}

func (a *testAdapter) AnswerCallback(ctx context.Context, callbackID, text string) error { return nil }

func (a *testAdapter) lastSend(t *testing.T) string {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sends) == 0 {
		t.Fatalf("no sends recorded")
	}
	return a.sends[len(a.sends)-1]
}

func (a *testAdapter) lastEdit(t *testing.T) string {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.edits) == 0 {
		t.Fatalf("no edits recorded")
	}
	return a.edits[len(a.edits)-1]
}

func (a *testAdapter) sendCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sends)
}

// harness bundles a plugin wired to fakes.
type harness struct {
	plugin   *Plugin
	stats    *fakeStats
	notifier *fakeNotifier
	store    *fakeStore
	sched    *fakeSched
	adapter  *testAdapter
}

// newTracker builds an initialized plugin with all fakes wired. cfgJSON is
// applied through OnConfigChange; the stats fake is injected afterwards so
// the config change's client rebuild never hits the network.
func newTracker(t *testing.T, cfgJSON string) *harness {
	t.Helper()
	h := &harness{
		stats:    newFakeStats(),
		notifier: &fakeNotifier{},
		store:    newFakeStore(),
		sched:    &fakeSched{},
		adapter:  &testAdapter{},
	}

	cfg := &core.Config{}
	cfg.Telegram.GroupLog = "424242"
	cfgm := config.NewConfigManager("unused.yaml")
	cfgm.Commit(cfg)

	p := New()
	deps := core.PluginDeps{
		Adapter:     h.adapter,
		Config:      cfgm,
		Services:    &core.Services{Scheduler: h.sched, Notifier: h.notifier},
		Store:       h.store,
		OwnerUserID: []int64{1},
	}
	if err := p.Init(context.Background(), deps); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	h.plugin = p
	if cfgJSON != "" {
		h.applyConfig(t, cfgJSON)
	}
	return h
}

// applyConfig pushes a config change and swaps the stats client back to the
// fake (the change may have rebuilt the real client).
func (h *harness) applyConfig(t *testing.T, cfgJSON string) {
	t.Helper()
	if err := h.plugin.OnConfigChange(context.Background(), json.RawMessage(cfgJSON)); err != nil {
		t.Fatalf("OnConfigChange() error = %v", err)
	}
	h.injectStats()
}

func (h *harness) injectStats() {
	h.plugin.mu.Lock()
	h.plugin.client = h.stats
	h.plugin.mu.Unlock()
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.plugin.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.plugin.Stop(ctx)
	})
}

func (h *harness) poll(t *testing.T) {
	t.Helper()
	if err := h.plugin.runPoll(context.Background()); err != nil {
		t.Fatalf("runPoll() error = %v", err)
	}
}

func cmdReq(h *harness, fromID int64, args ...string) *core.Request {
	return &core.Request{
		Update: kit.Update{
			Kind:    kit.UpdateMessage,
			Message: &kit.Message{ID: 7, ChatID: 10, FromID: fromID, FromUsername: "tester", Text: "/cmd"},
		},
		Chat:        kit.ChatTarget{ChatID: 10},
		FromID:      fromID,
		Args:        args,
		Adapter:     h.adapter,
		OwnerUserID: []int64{1},
	}
}

func cbReq(h *harness, fromID int64, data string) *core.Request {
	return &core.Request{
		Update: kit.Update{
			Kind:     kit.UpdateCallback,
			Callback: &kit.Callback{ID: "cb1", FromID: fromID, ChatID: 10, MessageID: 5, Data: data},
		},
		Chat:        kit.ChatTarget{ChatID: 10},
		FromID:      fromID,
		Adapter:     h.adapter,
		OwnerUserID: []int64{1},
	}
}
