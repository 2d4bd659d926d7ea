package pluginkit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	core "fragbot/internal/plugin"
	kit "fragbot/internal/transport"
	"fragbot/pkg/tgui"

	tele "gopkg.in/telebot.v4"
)

// UIState rides inside callback_data, so it has to stay tiny: Telegram
// caps the payload at 64 bytes. Single-letter JSON keys buy room for
// the values.
type UIState struct {
	View string `json:"v"`           // renderer id
	Key  string `json:"k,omitempty"` // subject token or id
	Page int    `json:"p,omitempty"`
	Size int    `json:"s,omitempty"`
}

type UIView func(ctx context.Context, req *core.Request, state UIState) (tgui.Message, error)

// UIHub gives a plugin message-editing navigation over a single
// callback route. Register renderers with On, hand out buttons built by
// Button, and every press re-renders the originating message with the
// next view. Oversized states transparently spill into a TokenStore.
type UIHub struct {
	plugin    string
	action    string
	renderers map[string]UIView
	tokens    *tgui.TokenStore
	access    core.CallbackAccess
	timeout   time.Duration
}

func NewUIHub(name string) *UIHub {
	hub := &UIHub{
		plugin:    name,
		action:    "ui",
		renderers: map[string]UIView{},
		tokens:    tgui.NewTokenStore(),
	}
	hub.access = core.CallbackAccessOwnerOnly
	return hub
}

func (ui *UIHub) WithAccess(a core.CallbackAccess) *UIHub {
	if ui == nil {
		return nil
	}
	ui.access = a
	return ui
}

func (ui *UIHub) WithTimeout(d time.Duration) *UIHub {
	if ui == nil {
		return nil
	}
	ui.timeout = d
	return ui
}

// WithAction overrides the callback action name (default "ui").
func (ui *UIHub) WithAction(action string) *UIHub {
	if ui == nil {
		return nil
	}
	if action = strings.TrimSpace(action); action != "" {
		ui.action = action
	}
	return ui
}

func (ui *UIHub) Store() *tgui.TokenStore {
	if ui == nil {
		return nil
	}
	return ui.tokens
}

// On registers the renderer for one view id.
func (ui *UIHub) On(view string, render UIView) *UIHub {
	if ui == nil {
		return nil
	}
	if view = strings.TrimSpace(view); view != "" && render != nil {
		ui.renderers[view] = render
	}
	return ui
}

// Route is the single callback route the hub dispatches through.
func (ui *UIHub) Route() core.CallbackRoute {
	rt := core.CallbackRoute{Plugin: ui.plugin, Action: ui.action, Description: "UI hub"}
	rt.Access = ui.access
	rt.Timeout = ui.timeout
	rt.Handle = ui.dispatch
	return rt
}

// Button builds a navigation button targeting st.
func (ui *UIHub) Button(label string, st UIState) tele.Btn {
	if ui == nil {
		return tele.Btn{Text: label}
	}
	data, err := tgui.ActionDataWithStore(ui.plugin, ui.action, st, ui.tokens)
	if err != nil {
		data = tgui.Data(ui.plugin, ui.action, "")
	}
	return tele.Btn{Text: label, Data: data}
}

func (ui *UIHub) dispatch(ctx context.Context, req *core.Request, payload string) error {
	msg, err := ui.renderView(ctx, req, payload)
	if err != nil {
		msg = tgui.New().
			Title("⚠️", "UI Error").
			Line(err.Error()).
			Build()
	}
	return present(ctx, req, msg)
}

func (ui *UIHub) renderView(ctx context.Context, req *core.Request, payload string) (tgui.Message, error) {
	st, err := ui.decodeState(payload)
	if err != nil {
		return tgui.Message{}, err
	}
	view := strings.TrimSpace(st.View)
	if view == "" {
		return tgui.Message{}, errors.New("tgui: missing view")
	}
	render, ok := ui.renderers[view]
	if !ok {
		return tgui.Message{}, errors.New("tgui: unknown view: " + view)
	}
	return render(ctx, req, st)
}

func (ui *UIHub) decodeState(data string) (UIState, error) {
	var out UIState
	data = strings.TrimSpace(data)
	if data == "" {
		return out, errors.New("tgui: empty payload")
	}

	// A "~" prefix marks a TokenStore handle instead of inline state.
	if ui != nil && ui.tokens != nil && strings.HasPrefix(data, "~") {
		blob, ok := ui.tokens.GetBytes(data)
		if !ok {
			return out, errors.New("tgui: payload expired")
		}
		err := json.Unmarshal(blob, &out)
		return out, err
	}

	err := tgui.UnpackJSON(data, &out)
	return out, err
}

// present edits the originating message when the request came from a
// button press, otherwise falls back to sending a fresh one.
func present(ctx context.Context, req *core.Request, msg tgui.Message) error {
	press := req.Update.Callback
	if press == nil {
		_, _ = msg.Send(ctx, req.Adapter, req.Chat)
		return nil
	}
	origin := kit.MessageRef{ChatID: press.ChatID, ThreadID: press.ThreadID, MessageID: press.MessageID}
	return msg.Edit(ctx, req.Adapter, origin, req.Chat)
}
