package tgui

import (
	"html"
	"strings"
	"unicode/utf8"
)

// H marks a string as already escaped for Telegram's HTML parse mode.
// Helpers below return H; anything else must go through Esc first.
type H string

func (h H) String() string { return string(h) }

// Esc escapes raw text for HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

func wrap(tag string, inner H) H {
	return H("<" + tag + ">" + string(inner) + "</" + tag + ">")
}

// B renders bold text, I italic. Both escape their input.
func B(s string) H { return wrap("b", Esc(s)) }
func I(s string) H { return wrap("i", Esc(s)) }

// Pre renders a preformatted block. Every Telegram message chunk must carry
// balanced tags, so long content belongs in Builder.PreMulti rather than a
// single Pre.
func Pre(s string) H {
	return H("<pre><code>" + html.EscapeString(s) + "</code></pre>")
}

// JoinH joins non-blank parts with sep.
func JoinH(sep string, parts ...H) H {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(string(part)) == "" {
			continue
		}
		kept = append(kept, string(part))
	}
	return H(strings.Join(kept, sep))
}

// TruncRunes cuts s to at most n runes, appending "…" when anything was
// removed. Rune-based so player names never split mid-character.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	seen := 0
	for i := range s {
		if seen == n {
			return s[:i] + "…"
		}
		seen++
	}
	return s
}
