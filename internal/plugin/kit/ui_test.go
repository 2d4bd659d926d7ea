package pluginkit

import (
	"context"
	"strings"
	"sync"
	"testing"

	core "fragbot/internal/plugin"
	kit "fragbot/internal/transport"
	"fragbot/pkg/tgui"
)

// uiAdapter records sends and edits so tests can check what the hub rendered.
type uiAdapter struct {
	mu       sync.Mutex
	sends    []string
	edits    []string
	editRefs []kit.MessageRef
}

func (a *uiAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *uiAdapter) Stop(ctx context.Context) error                         { return nil }

func (a *uiAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sends = append(a.sends, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(a.sends)}, nil
}

func (a *uiAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.edits = append(a.edits, text)
	a.editRefs = append(a.editRefs, ref)
	return nil
}

func (a *uiAdapter) AnswerCallback(ctx context.Context, callbackID, text string) error { return nil }

func (a *uiAdapter) lastEdit(t *testing.T) (string, kit.MessageRef) {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.edits) == 0 {
		t.Fatalf("no edits recorded")
	}
	return a.edits[len(a.edits)-1], a.editRefs[len(a.editRefs)-1]
}

func (a *uiAdapter) lastSend(t *testing.T) string {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sends) == 0 {
		t.Fatalf("no sends recorded")
	}
	return a.sends[len(a.sends)-1]
}

func callbackReq(ad kit.Adapter) *core.Request {
	return &core.Request{
		Update: kit.Update{
			Kind:     kit.UpdateCallback,
			Callback: &kit.Callback{ID: "cb1", FromID: 1, ChatID: 10, MessageID: 5},
		},
		Chat:    kit.ChatTarget{ChatID: 10},
		Adapter: ad,
	}
}

func messageReq(ad kit.Adapter) *core.Request {
	return &core.Request{
		Update: kit.Update{
			Kind:    kit.UpdateMessage,
			Message: &kit.Message{ID: 5, ChatID: 10, FromID: 1, Text: "/players"},
		},
		Chat:    kit.ChatTarget{ChatID: 10},
		Adapter: ad,
	}
}

func TestUIHubRouteDefaults(t *testing.T) {
	t.Parallel()

	u := NewUIHub("tracker")
	r := u.Route()
	if r.Plugin != "tracker" || r.Action != "ui" {
		t.Fatalf("route = %s:%s, want tracker:ui", r.Plugin, r.Action)
	}
	if r.Access != core.CallbackAccessOwnerOnly {
		t.Fatalf("default access = %v, want owner-only", r.Access)
	}

	u2 := NewUIHub("tracker").WithAction("nav").WithAccess(core.CallbackAccessEveryone)
	r2 := u2.Route()
	if r2.Action != "nav" || r2.Access != core.CallbackAccessEveryone {
		t.Fatalf("route = %+v, want action nav access everyone", r2)
	}
}

func TestUIHubButtonPacksState(t *testing.T) {
	t.Parallel()

	u := NewUIHub("tracker")
	st := UIState{View: "list", Page: 2, Size: 5}
	btn := u.Button("Next ▶", st)
	if btn.Text != "Next ▶" {
		t.Fatalf("button text = %q", btn.Text)
	}
	if len(btn.Data) > tgui.MaxCallbackDataLen {
		t.Fatalf("callback data %d bytes, over limit", len(btn.Data))
	}

	parts := strings.SplitN(btn.Data, ":", 3)
	if len(parts) != 3 || parts[0] != "tracker" || parts[1] != "ui" {
		t.Fatalf("callback data = %q, want tracker:ui:<payload>", btn.Data)
	}
	var got UIState
	if err := tgui.UnpackJSON(parts[2], &got); err != nil {
		t.Fatalf("UnpackJSON() error = %v", err)
	}
	if got != st {
		t.Fatalf("unpacked state = %+v, want %+v", got, st)
	}
}

func TestUIHubButtonFallsBackToTokenStore(t *testing.T) {
	t.Parallel()

	u := NewUIHub("tracker")
	st := UIState{View: "detail", Key: strings.Repeat("x", 80)}
	btn := u.Button("Open", st)
	if len(btn.Data) > tgui.MaxCallbackDataLen {
		t.Fatalf("callback data %d bytes, over limit", len(btn.Data))
	}

	parts := strings.SplitN(btn.Data, ":", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "~") {
		t.Fatalf("callback data = %q, want token payload with ~ prefix", btn.Data)
	}

	got, err := u.decodeState(parts[2])
	if err != nil {
		t.Fatalf("decodeState() error = %v", err)
	}
	if got != st {
		t.Fatalf("decoded state = %+v, want %+v", got, st)
	}
}

func TestUIHubHandleEditsCallbackMessage(t *testing.T) {
	t.Parallel()

	u := NewUIHub("tracker")
	var seen UIState
	u.On("list", func(ctx context.Context, req *core.Request, st UIState) (tgui.Message, error) {
		seen = st
		return tgui.New().Title("", "Players").Line("alice").Build(), nil
	})

	ad := &uiAdapter{}
	req := callbackReq(ad)
	payload := tgui.MustPackJSON(UIState{View: "list", Page: 3})

	if err := u.Route().Handle(context.Background(), req, payload); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if seen.View != "list" || seen.Page != 3 {
		t.Fatalf("view got state %+v, want list page 3", seen)
	}
	text, ref := ad.lastEdit(t)
	if !strings.Contains(text, "Players") || !strings.Contains(text, "alice") {
		t.Fatalf("edited text = %q, want rendered view", text)
	}
	if ref.ChatID != 10 || ref.MessageID != 5 {
		t.Fatalf("edit ref = %+v, want originating message", ref)
	}
}

func TestUIHubHandleSendsWithoutCallback(t *testing.T) {
	t.Parallel()

	u := NewUIHub("tracker")
	u.On("list", func(ctx context.Context, req *core.Request, st UIState) (tgui.Message, error) {
		return tgui.New().Line("fresh").Build(), nil
	})

	ad := &uiAdapter{}
	req := messageReq(ad)
	payload := tgui.MustPackJSON(UIState{View: "list"})

	if err := u.Route().Handle(context.Background(), req, payload); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if got := ad.lastSend(t); !strings.Contains(got, "fresh") {
		t.Fatalf("sent text = %q, want rendered view", got)
	}
}

func TestUIHubHandleErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{name: "unknown view", payload: tgui.MustPackJSON(UIState{View: "nope"}), want: "unknown view"},
		{name: "missing view", payload: tgui.MustPackJSON(UIState{}), want: "missing view"},
		{name: "expired token", payload: "~missing", want: "payload expired"},
		{name: "garbage payload", payload: "%%%", want: ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			u := NewUIHub("tracker")
			u.On("list", func(ctx context.Context, req *core.Request, st UIState) (tgui.Message, error) {
				return tgui.New().Line("ok").Build(), nil
			})
			ad := &uiAdapter{}
			req := callbackReq(ad)

			if err := u.Route().Handle(context.Background(), req, tt.payload); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			text, _ := ad.lastEdit(t)
			if !strings.Contains(text, "UI Error") {
				t.Fatalf("edited text = %q, want UI Error banner", text)
			}
			if tt.want != "" && !strings.Contains(text, tt.want) {
				t.Fatalf("edited text = %q, want mention of %q", text, tt.want)
			}
		})
	}
}
