package router

import (
	"sort"
	"strings"
	"unicode"

	kit "fragbot/internal/transport"
)

// Telegram caps setMyCommands at 100 entries and 256-char descriptions.
const (
	maxMenuEntries  = 100
	maxMenuDescLen  = 256
	maxCommandChars = 32
)

// sanitizeTelegramCommand maps an arbitrary route or alias onto the
// [a-z0-9_]{1,32} charset Telegram accepts for bot command names.
// Separators collapse to single underscores; anything else is dropped.
func sanitizeTelegramCommand(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	var b []byte
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b = append(b, byte(r))
		case r == '_', r == '-', r == '/', unicode.IsSpace(r):
			if len(b) > 0 && b[len(b)-1] != '_' {
				b = append(b, '_')
			}
		}
	}

	out := capCommandLen(strings.Trim(string(b), "_"))
	if out == "" {
		return ""
	}
	// Clients expect a leading letter.
	if out[0] >= '0' && out[0] <= '9' {
		out = capCommandLen("cmd_" + out)
	}
	return out
}

func capCommandLen(s string) string {
	if len(s) > maxCommandChars {
		s = strings.TrimRight(s[:maxCommandChars], "_")
	}
	return s
}

// telegramCommandNameFromRoute derives the menu spelling of a route,
// e.g. ["tracker","add"] becomes "tracker_add".
func telegramCommandNameFromRoute(route []string) (string, bool) {
	if len(route) == 0 {
		return "", false
	}
	out := sanitizeTelegramCommand(strings.Join(route, "_"))
	return out, out != ""
}

type menuEntry struct {
	name string
	desc string
	prio int
}

type menuBuilder struct {
	byName map[string]menuEntry
}

// add normalizes one candidate entry. On a name collision the lower
// priority wins; ties keep the shorter description.
func (mb *menuBuilder) add(name, desc string, prio int) {
	name = sanitizeTelegramCommand(name)
	if name == "" {
		return
	}
	desc = strings.ReplaceAll(strings.TrimSpace(desc), "\n", " ")
	if desc == "" {
		desc = name
	}
	if len(desc) > maxMenuDescLen {
		desc = desc[:maxMenuDescLen]
	}

	if prev, ok := mb.byName[name]; ok {
		if prio > prev.prio || (prio == prev.prio && len(desc) >= len(prev.desc)) {
			return
		}
	}
	mb.byName[name] = menuEntry{name: name, desc: desc, prio: prio}
}

func (mb *menuBuilder) sorted() []kit.BotCommand {
	entries := make([]menuEntry, 0, len(mb.byName))
	for _, e := range mb.byName {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].prio != entries[j].prio {
			return entries[i].prio < entries[j].prio
		}
		return entries[i].name < entries[j].name
	})
	if len(entries) > maxMenuEntries {
		entries = entries[:maxMenuEntries]
	}

	out := make([]kit.BotCommand, len(entries))
	for i, e := range entries {
		out[i] = kit.BotCommand{Command: e.name, Description: e.desc}
	}
	return out
}

// buildTelegramMenuCommands assembles the bot command menu: top-level
// commands and groups first (they drive autocomplete), then /a_b
// shortcuts for multi-token leaves.
func buildTelegramMenuCommands(root *cmdNode, leafCmds []Command) []kit.BotCommand {
	mb := menuBuilder{byName: map[string]menuEntry{}}

	if root != nil {
		for _, name := range root.childNames() {
			n, _ := root.child(name)
			if n == nil {
				continue
			}
			mb.add(name, lockDesc(summarizeNodeDesc(n), nodeIsOwnerOnly(n)), 0)
		}
	}

	for _, c := range leafCmds {
		route := splitRoute(c.Route)
		// Single-token routes are already in the top-level pass.
		if len(route) < 2 {
			continue
		}
		name, ok := telegramCommandNameFromRoute(route)
		if !ok {
			continue
		}
		desc := strings.TrimSpace(c.Description)
		if desc == "" {
			desc = strings.Join(route, " ")
		}
		mb.add(name, lockDesc(desc, c.Access == AccessOwnerOnly), 1)
	}

	return mb.sorted()
}

func lockDesc(desc string, locked bool) string {
	if locked {
		return "🔒 " + desc
	}
	return desc
}
