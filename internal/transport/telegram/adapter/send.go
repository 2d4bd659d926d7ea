package adapter

import (
	"context"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "fragbot/internal/transport"
)

// Telegram rejects messages over 4096 chars; stay under with headroom
// for entities.
const maxMessageRunes = 4000

// splitTelegramText chops a long message into sendable chunks, counted
// in runes. Chunks break on a newline near the window end when one
// exists, and for HTML parse mode a chunk never ends inside an open
// tag.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = maxMessageRunes
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return []string{s}
	}

	html := strings.EqualFold(parseMode, "HTML")
	parts := make([]string, 0, (len(runes)+limit-1)/limit)
	lo := 0
	for lo < len(runes) {
		hi := lo + limit
		if hi > len(runes) {
			hi = len(runes)
		}
		if hi < len(runes) {
			hi = cutAtNewline(runes, lo, hi, limit)
		}
		if html && hi < len(runes) {
			hi = cutBeforeOpenTag(runes, lo, hi)
		}

		parts = append(parts, strings.TrimRight(string(runes[lo:hi]), "\n"))

		lo = hi
		for lo < len(runes) && runes[lo] == '\n' {
			lo++ // a chunk must not begin with the separator
		}
	}
	return parts
}

// cutAtNewline moves the window end back to just after the last newline
// in it, unless that would leave a chunk under a third of the limit.
func cutAtNewline(runes []rune, lo, hi, limit int) int {
	for i := hi - 1; i > lo; i-- {
		if runes[i] != '\n' {
			continue
		}
		if i-lo >= limit/3 {
			return i + 1
		}
		break
	}
	return hi
}

// cutBeforeOpenTag moves the window end to the start of a trailing
// unclosed HTML tag so markup never straddles a chunk boundary.
func cutBeforeOpenTag(runes []rune, lo, hi int) int {
	lastOpen, lastClose := -1, -1
	for i := lo; i < hi; i++ {
		switch runes[i] {
		case '<':
			lastOpen = i
		case '>':
			lastClose = i
		}
	}
	if lastOpen > lastClose && lastOpen > lo+1 {
		return lastOpen
	}
	return hi
}

// sendOptionsFor maps transport options onto telebot's. Markup is only
// attached when the caller asks, since multi-chunk sends want it on the
// first message alone.
func sendOptionsFor(opt *kit.SendOptions, threadID int, withMarkup bool) *tele.SendOptions {
	out := &tele.SendOptions{ThreadID: threadID}
	out.ParseMode = opt.ParseMode
	out.DisableWebPagePreview = opt.DisablePreview
	if withMarkup && opt.ReplyMarkupAdapter != nil {
		if mk, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
			out.ReplyMarkup = mk
		}
	}
	return out
}

// ctxErr is a non-blocking cancellation probe between API calls.
func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// SendText delivers text to a chat, splitting into several messages
// when needed. The returned ref points at the first message; on a
// mid-split failure the ref of what did go out comes back with the
// error.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	parts := splitTelegramText(text, maxMessageRunes, opt.ParseMode)
	if len(parts) == 0 {
		parts = []string{""}
	}

	dest := &tele.Chat{ID: to.ChatID}
	var sent kit.MessageRef
	for idx, part := range parts {
		if err := ctxErr(ctx); err != nil {
			return sent, err
		}
		msg, err := a.bot.Send(dest, part, sendOptionsFor(opt, to.ThreadID, idx == 0))
		if err != nil {
			return sent, err
		}
		if idx == 0 {
			sent = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return sent, nil
}

// EditText replaces the text of an existing message. Text that no
// longer fits after the edit continues in fresh messages below it.
func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	parts := splitTelegramText(text, maxMessageRunes, opt.ParseMode)
	if len(parts) == 0 {
		parts = []string{""}
	}

	target := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	if _, err := a.bot.Edit(target, parts[0], sendOptionsFor(opt, 0, true)); err != nil {
		return err
	}

	dest := &tele.Chat{ID: ref.ChatID}
	for _, part := range parts[1:] {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		if _, err := a.bot.Send(dest, part, sendOptionsFor(opt, ref.ThreadID, false)); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}
