package tgui

import (
	"context"
	"strings"
	"unicode/utf8"

	kit "fragbot/internal/transport"

	tele "gopkg.in/telebot.v4"
)

// Message is a rendered UI unit: the first message text, its send options,
// and any follow-up texts that must go out as separate messages (PreMulti
// overflow). Markup only ever rides on the first message.
type Message struct {
	Text string
	Opt  *kit.SendOptions
	More []string
}

func (m Message) Send(ctx context.Context, ad kit.Adapter, to kit.ChatTarget) (kit.MessageRef, error) {
	opt := m.options()
	ref, err := ad.SendText(ctx, to, m.Text, opt)
	if err != nil {
		return ref, err
	}
	return ref, m.sendFollowUps(ctx, ad, to, opt)
}

// Edit rewrites the message behind ref. Follow-up parts cannot be edited in
// place and are sent as fresh messages to the same chat.
func (m Message) Edit(ctx context.Context, ad kit.Adapter, ref kit.MessageRef, to kit.ChatTarget) error {
	opt := m.options()
	if err := ad.EditText(ctx, ref, m.Text, opt); err != nil {
		return err
	}
	return m.sendFollowUps(ctx, ad, to, opt)
}

func (m Message) options() *kit.SendOptions {
	if m.Opt != nil {
		return m.Opt
	}
	return &kit.SendOptions{}
}

func (m Message) sendFollowUps(ctx context.Context, ad kit.Adapter, to kit.ChatTarget, opt *kit.SendOptions) error {
	if len(m.More) == 0 {
		return nil
	}
	rest := *opt
	rest.ReplyMarkupAdapter = nil
	for _, part := range m.More {
		if strings.TrimSpace(part) == "" {
			continue
		}
		if _, err := ad.SendText(ctx, to, part, &rest); err != nil {
			return err
		}
	}
	return nil
}

// Builder assembles a Message line by line. Defaults are ParseMode=HTML
// with link previews off; in HTML mode every text-accepting method escapes
// its input, RawLine being the single escape hatch.
type Builder struct {
	mode    string
	preview bool
	markup  *tele.ReplyMarkup
	rows    []string
	extra   []string
}

func New() *Builder {
	return &Builder{mode: "HTML"}
}

func (b *Builder) html() bool { return strings.EqualFold(b.mode, "HTML") }

// ParseMode overrides the parse mode ("HTML", "Markdown", or empty).
func (b *Builder) ParseMode(mode string) *Builder {
	b.mode = strings.TrimSpace(mode)
	return b
}

func (b *Builder) DisablePreview(v bool) *Builder {
	b.preview = !v
	return b
}

// Inline attaches an inline keyboard; nil detaches.
func (b *Builder) Inline(kb *Inline) *Builder {
	if kb == nil {
		b.markup = nil
	} else {
		b.markup = kb.Markup()
	}
	return b
}

// Title adds a bold heading, optionally prefixed with an emoji.
func (b *Builder) Title(emoji, title string) *Builder {
	title = strings.TrimSpace(title)
	if title == "" {
		return b
	}
	head := title
	if b.html() {
		head = string(B(title))
	}
	if e := strings.TrimSpace(emoji); e != "" {
		if b.html() {
			head = string(Esc(e)) + " " + head
		} else {
			head = e + " " + head
		}
	}
	b.rows = append(b.rows, head)
	return b
}

// Line adds one line of text.
func (b *Builder) Line(s string) *Builder {
	if strings.TrimSpace(s) == "" {
		b.rows = append(b.rows, "")
	} else if b.html() {
		b.rows = append(b.rows, string(Esc(s)))
	} else {
		b.rows = append(b.rows, s)
	}
	return b
}

// RawLine adds a line without escaping. The caller owns tag balance.
func (b *Builder) RawLine(s string) *Builder {
	b.rows = append(b.rows, s)
	return b
}

func (b *Builder) Blank() *Builder { return b.Line("") }

// KV adds a bulleted "key: value" row.
func (b *Builder) KV(key, value string) *Builder {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" {
		return b
	}
	if b.html() {
		b.rows = append(b.rows, "• "+string(B(key))+": "+string(Esc(value)))
	} else if value == "" {
		b.rows = append(b.rows, "• "+key)
	} else {
		b.rows = append(b.rows, "• "+key+": "+value)
	}
	return b
}

// Pre adds one preformatted block. Content that can exceed a single
// Telegram message belongs in PreMulti.
func (b *Builder) Pre(code string) *Builder {
	code = strings.TrimRight(code, "\n")
	if code == "" {
		return b
	}
	if b.html() {
		b.rows = append(b.rows, string(Pre(code)))
	} else {
		b.rows = append(b.rows, code)
	}
	return b
}

// PreMulti splits long preformatted content into several messages, each
// with its own balanced <pre><code> wrapper. The first chunk lands in the
// main message, the rest become follow-ups.
func (b *Builder) PreMulti(code string, chunkLimit ...int) *Builder {
	code = strings.TrimRight(code, "\n")
	if code == "" {
		return b
	}
	if !b.html() {
		b.rows = append(b.rows, code)
		return b
	}

	limit := 3500
	if len(chunkLimit) > 0 && chunkLimit[0] > 0 {
		limit = chunkLimit[0]
	}
	for n, chunk := range chunkPlain(code, limit-len("<pre><code></code></pre>")) {
		if n == 0 {
			b.rows = append(b.rows, string(Pre(chunk)))
		} else {
			b.extra = append(b.extra, string(Pre(chunk)))
		}
	}
	return b
}

// chunkPlain slices text into rune-bounded windows of at most limit runes,
// preferring to break after a newline when one falls in the last two thirds
// of the window.
func chunkPlain(text string, limit int) []string {
	if limit < 128 {
		limit = 128
	}
	var out []string
	at := 0
	for at < len(text) {
		cut := at
		count := 0
		nl := -1
		for cut < len(text) && count < limit {
			r, size := utf8.DecodeRuneInString(text[cut:])
			cut += size
			count++
			if r == '\n' && count >= limit/3 {
				nl = cut
			}
		}
		if cut < len(text) && nl != -1 {
			cut = nl
		}
		out = append(out, strings.TrimRight(text[at:cut], "\n"))
		at = cut
		for at < len(text) && text[at] == '\n' {
			at++
		}
	}
	return out
}

// Build produces the final Message.
func (b *Builder) Build() Message {
	opt := &kit.SendOptions{ParseMode: b.mode, DisablePreview: !b.preview}
	if b.markup != nil {
		opt.ReplyMarkupAdapter = b.markup
	}
	return Message{
		Text: strings.Trim(strings.Join(b.rows, "\n"), "\n"),
		Opt:  opt,
		More: append([]string(nil), b.extra...),
	}
}
