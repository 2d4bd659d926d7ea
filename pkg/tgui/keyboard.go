package tgui

import (
	tele "gopkg.in/telebot.v4"
)

// Inline accumulates inline-keyboard rows. Markup materializes them into a
// telebot ReplyMarkup; building is deferred so Row stays cheap in loops.
type Inline struct {
	grid []tele.Row
}

func NewInline() *Inline {
	return &Inline{}
}

// Row appends one row of buttons.
func (k *Inline) Row(btn ...tele.Btn) *Inline {
	if len(btn) > 0 {
		k.grid = append(k.grid, tele.Row(btn))
	}
	return k
}

// Markup builds the reply markup. An Inline with no rows yields an empty
// markup, which Telegram treats as "no keyboard".
func (k *Inline) Markup() *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}
	markup.Inline(k.grid...)
	return markup
}
