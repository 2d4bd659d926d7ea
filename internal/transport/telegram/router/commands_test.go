package router

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"fragbot/internal/config"
	kit "fragbot/internal/transport"
	logx "fragbot/pkg/logx"
)

const testOwnerID int64 = 4242

// routerAdapter records outgoing traffic on buffered channels so tests can
// block on the next send without polling.
type routerAdapter struct {
	mu       sync.Mutex
	sent     []string
	sentCh   chan string
	answerCh chan string
}

func newRouterAdapter() *routerAdapter {
	return &routerAdapter{
		sentCh:   make(chan string, 16),
		answerCh: make(chan string, 16),
	}
}

func (a *routerAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *routerAdapter) Stop(ctx context.Context) error                         { return nil }

func (a *routerAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	a.sent = append(a.sent, text)
	a.mu.Unlock()
	select {
	case a.sentCh <- text:
	default:
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (a *routerAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return nil
}

func (a *routerAdapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	select {
	case a.answerCh <- text:
	default:
	}
	return nil
}

func (a *routerAdapter) nextSent(t *testing.T) string {
	t.Helper()
	select {
	case s := <-a.sentCh:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an outgoing message")
		return ""
	}
}

func (a *routerAdapter) nextAnswer(t *testing.T) string {
	t.Helper()
	select {
	case s := <-a.answerCh:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a callback answer")
		return ""
	}
}

func newTestManager(t *testing.T, ad kit.Adapter) (*CommandManager, chan kit.Update) {
	t.Helper()
	m := NewCommandManager(logx.Nop(), ad, config.NewConfigManager("unused.yaml"), &Services{}, []int64{testOwnerID})

	updates := make(chan kit.Update, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.DispatchLoop(ctx, updates)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("dispatch loop did not stop")
		}
	})
	return m, updates
}

func msgUpdate(from int64, text string) kit.Update {
	return kit.Update{
		Kind: kit.UpdateMessage,
		Message: &kit.Message{
			ID:     1,
			ChatID: 1001,
			FromID: from,
			Text:   text,
		},
	}
}

func cbUpdate(from int64, data string) kit.Update {
	return kit.Update{
		Kind: kit.UpdateCallback,
		Callback: &kit.Callback{
			ID:        "cb1",
			ChatID:    1001,
			FromID:    from,
			MessageID: 7,
			Data:      data,
		},
	}
}

func TestCommandTreeRouting(t *testing.T) {
	t.Parallel()
	ad := newRouterAdapter()
	m, updates := newTestManager(t, ad)

	hit := make(chan *Request, 1)
	m.SetRegistry([]Command{
		{
			Route:       "tracker add",
			Description: "track a player",
			Handle: func(ctx context.Context, req *Request) error {
				hit <- req
				return nil
			},
		},
	}, nil)

	updates <- msgUpdate(testOwnerID, "/tracker add Foo --interval=2m")

	select {
	case req := <-hit:
		if !reflect.DeepEqual(req.Path, []string{"tracker", "add"}) {
			t.Fatalf("Path = %#v, want [tracker add]", req.Path)
		}
		if !reflect.DeepEqual(req.Args, []string{"Foo"}) {
			t.Fatalf("Args = %#v, want [Foo]", req.Args)
		}
		if req.Flags["interval"] != "2m" {
			t.Fatalf("Flags = %#v, want interval=2m", req.Flags)
		}
		if req.ReqID == "" {
			t.Fatal("ReqID is empty")
		}
		if req.Chat.ChatID != 1001 {
			t.Fatalf("Chat.ChatID = %d, want 1001", req.Chat.ChatID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestAliasRouting(t *testing.T) {
	t.Parallel()
	ad := newRouterAdapter()
	m, updates := newTestManager(t, ad)

	hit := make(chan *Request, 1)
	m.SetRegistry([]Command{
		{
			Route:   "tracker add",
			Aliases: []string{"addplayer"},
			Handle: func(ctx context.Context, req *Request) error {
				hit <- req
				return nil
			},
		},
	}, nil)

	updates <- msgUpdate(testOwnerID, "/addplayer Foo")

	select {
	case req := <-hit:
		if req.Command != "tracker add" {
			t.Fatalf("Command = %q, want tracker add", req.Command)
		}
		if !reflect.DeepEqual(req.Args, []string{"Foo"}) {
			t.Fatalf("Args = %#v, want [Foo]", req.Args)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("alias handler was not invoked")
	}

	// The auto-generated Telegram-safe name routes too.
	updates <- msgUpdate(testOwnerID, "/tracker_add Bar")
	select {
	case req := <-hit:
		if !reflect.DeepEqual(req.Args, []string{"Bar"}) {
			t.Fatalf("Args = %#v, want [Bar]", req.Args)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("auto-alias handler was not invoked")
	}
}

func TestOwnerGating(t *testing.T) {
	t.Parallel()
	ad := newRouterAdapter()
	m, updates := newTestManager(t, ad)

	hit := make(chan struct{}, 1)
	m.SetRegistry([]Command{
		{
			Route:  "wipe",
			Access: AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				hit <- struct{}{}
				return nil
			},
		},
	}, nil)

	updates <- msgUpdate(999, "/wipe")
	if got := ad.nextSent(t); got != "unauthorized" {
		t.Fatalf("reply to non-owner = %q, want unauthorized", got)
	}
	select {
	case <-hit:
		t.Fatal("owner-only handler ran for non-owner")
	default:
	}

	updates <- msgUpdate(testOwnerID, "/wipe")
	select {
	case <-hit:
	case <-time.After(5 * time.Second):
		t.Fatal("owner-only handler did not run for owner")
	}
}

func TestUnknownCommandReply(t *testing.T) {
	t.Parallel()
	ad := newRouterAdapter()
	m, updates := newTestManager(t, ad)
	m.SetRegistry(nil, nil)

	updates <- msgUpdate(testOwnerID, "/nope")
	if got := ad.nextSent(t); !strings.Contains(got, "unknown command") {
		t.Fatalf("reply = %q, want unknown command hint", got)
	}
}

func TestHelpIsInjected(t *testing.T) {
	t.Parallel()
	ad := newRouterAdapter()
	m, updates := newTestManager(t, ad)
	m.SetRegistry([]Command{
		{Route: "players", Description: "list tracked players", Handle: nopHandler},
	}, nil)

	updates <- msgUpdate(testOwnerID, "/help")
	got := ad.nextSent(t)
	if !strings.Contains(got, "<b>Commands</b>") || !strings.Contains(got, "players") {
		t.Fatalf("help text = %q, want command list", got)
	}
}

func TestContainerNodeShowsHelp(t *testing.T) {
	t.Parallel()
	ad := newRouterAdapter()
	m, updates := newTestManager(t, ad)
	m.SetRegistry([]Command{
		{Route: "tracker add", Description: "track a player", Handle: nopHandler},
	}, nil)

	// "/tracker" matches a container without a handler.
	updates <- msgUpdate(testOwnerID, "/tracker")
	got := ad.nextSent(t)
	if !strings.Contains(got, "Subcommands") || !strings.Contains(got, "tracker add") {
		t.Fatalf("container help = %q, want subcommand listing", got)
	}
}

func TestCallbackRouting(t *testing.T) {
	t.Parallel()
	ad := newRouterAdapter()
	m, updates := newTestManager(t, ad)

	hit := make(chan string, 1)
	m.SetRegistry(nil, []CallbackRoute{
		{
			Plugin: "tracker",
			Action: "close",
			Handle: func(ctx context.Context, req *Request, payload string) error {
				hit <- payload
				return nil
			},
		},
	})

	updates <- cbUpdate(testOwnerID, "tracker:close:Foo")
	select {
	case payload := <-hit:
		if payload != "Foo" {
			t.Fatalf("payload = %q, want Foo", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("callback handler was not invoked")
	}
	// The router acknowledges the callback to clear the loading state.
	if got := ad.nextAnswer(t); got != "" {
		t.Fatalf("callback answer = %q, want empty ack", got)
	}
}

func TestCallbackDefaultsToOwnerOnly(t *testing.T) {
	t.Parallel()
	ad := newRouterAdapter()
	m, updates := newTestManager(t, ad)

	hit := make(chan struct{}, 1)
	m.SetRegistry(nil, []CallbackRoute{
		{
			Plugin: "tracker",
			Action: "close",
			Handle: func(ctx context.Context, req *Request, payload string) error {
				hit <- struct{}{}
				return nil
			},
		},
	})

	updates <- cbUpdate(999, "tracker:close:x")
	if got := ad.nextAnswer(t); got != "forbidden" {
		t.Fatalf("answer to non-owner = %q, want forbidden", got)
	}
	select {
	case <-hit:
		t.Fatal("owner-only callback ran for non-owner")
	default:
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	t.Parallel()
	ad := newRouterAdapter()
	m, updates := newTestManager(t, ad)

	hit := make(chan struct{}, 1)
	m.SetRegistry([]Command{
		{
			Route:  "boom",
			Handle: func(ctx context.Context, req *Request) error { panic("kaboom") },
		},
		{
			Route: "ok",
			Handle: func(ctx context.Context, req *Request) error {
				hit <- struct{}{}
				return nil
			},
		},
	}, nil)

	updates <- msgUpdate(testOwnerID, "/boom")
	// The dispatcher survives and keeps serving.
	updates <- msgUpdate(testOwnerID, "/ok")
	select {
	case <-hit:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not survive a handler panic")
	}
}
