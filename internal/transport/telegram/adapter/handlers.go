package adapter

import (
	"sync/atomic"

	tele "gopkg.in/telebot.v4"

	kit "fragbot/internal/transport"
)

// registerHandlers installs the telebot callbacks once at construction.
// They publish into whatever output channel is current, so Start can
// swap consumers without re-registering.
func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		a.onText(c.Message())
		return nil
	})
	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		a.onCallback(c.Callback(), c.Message())
		return nil
	})
}

func (a *Adapter) onText(m *tele.Message) {
	if m == nil || m.Sender == nil || m.Chat == nil {
		return
	}
	a.forward(kit.Update{
		Kind: kit.UpdateMessage,
		Message: &kit.Message{
			ID:           m.ID,
			ChatID:       m.Chat.ID,
			ThreadID:     m.ThreadID,
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			Text:         m.Text,
			IsGroup:      m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup,
		},
	})
}

func (a *Adapter) onCallback(cb *tele.Callback, m *tele.Message) {
	if cb == nil || m == nil || m.Chat == nil {
		return
	}
	a.forward(kit.Update{
		Kind: kit.UpdateCallback,
		Callback: &kit.Callback{
			ID:        cb.ID,
			ChatID:    m.Chat.ID,
			ThreadID:  m.ThreadID,
			FromID:    cb.Sender.ID,
			MessageID: m.ID,
			Data:      cb.Data,
		},
	})
}

// forward hands an update to the consumer. The poll loop must never
// block, so a full channel sheds the update and bumps the drop counter
// instead.
func (a *Adapter) forward(up kit.Update) {
	sink, _ := a.sink.Load().(chan<- kit.Update)
	if sink == nil {
		return
	}
	select {
	case sink <- up:
	default:
		atomic.AddUint64(&a.dropCount, 1)
	}
}
