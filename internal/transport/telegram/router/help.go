package router

import (
	"html"
	"sort"
	"strings"
)

const (
	unknownCommandHelp = "❓ <b>Unknown command</b>\nType <code>/help</code> to see the command list."
	ownerOnlyBadge     = "🔒 <i>Owner only</i>"
)

// helpText renders the help page for path as Telegram HTML. An empty
// path produces the top-level command index.
func (m *CommandManager) helpText(path []string) string {
	m.mu.RLock()
	tree := m.tree
	shortcuts := m.shortcuts
	m.mu.RUnlock()

	if len(path) == 0 {
		return renderTopHelp(tree)
	}
	node, full := resolveHelpPath(tree, shortcuts, path)
	if node == nil {
		return unknownCommandHelp
	}
	return renderNodeHelp(node, full)
}

// resolveHelpPath walks the command tree along path. When a segment has
// no child it falls back to the shortcut table, so "/help addplayer"
// lands on the alias target's canonical route.
func resolveHelpPath(tree *cmdNode, shortcuts map[string]*cmdNode, path []string) (*cmdNode, []string) {
	cur := tree
	full := make([]string, 0, len(path))
	for _, seg := range path {
		next, ok := cur.child(seg)
		if !ok {
			if leaf := shortcuts[seg]; leaf != nil && leaf.cmd != nil {
				return leaf, splitRoute(leaf.cmd.Route)
			}
			return nil, nil
		}
		cur = next
		full = append(full, seg)
	}
	return cur, full
}

// renderTopHelp lists every root command, public ones first and the
// owner-only block after them. childNames is sorted, so each block
// stays alphabetical.
func renderTopHelp(root *cmdNode) string {
	var open, locked []string
	for _, name := range root.childNames() {
		n, _ := root.child(name)
		if n == nil {
			continue
		}
		lock := nodeIsOwnerOnly(n)
		line := bulletLine("/"+name, summarizeNodeDesc(n), lock)
		if lock {
			locked = append(locked, line)
		} else {
			open = append(open, line)
		}
	}

	lines := []string{
		"📚 <b>Commands</b>",
		"Type <code>/help &lt;cmd&gt;</code> for details.",
	}
	lines = append(lines, open...)
	lines = append(lines, locked...)
	lines = append(lines, "Tip: type <code>/</code> in Telegram and keep typing to see suggestions (autocomplete).")
	return strings.Join(lines, "\n")
}

func renderNodeHelp(n *cmdNode, full []string) string {
	title := "/" + strings.Join(full, " ")
	lines := []string{"📚 <b>Help</b> <code>" + html.EscapeString(title) + "</code>"}

	if n.cmd != nil {
		lines = append(lines, commandDetail(*n.cmd)...)
	} else {
		lines = append(lines, "Command group (has subcommands).")
		if nodeIsOwnerOnly(n) {
			lines = append(lines, ownerOnlyBadge)
		}
	}

	if len(n.children) > 0 {
		lines = append(lines, "<b>Subcommands</b>")
		for _, name := range n.childNames() {
			child, _ := n.child(name)
			if child == nil {
				continue
			}
			sub := title + " " + name
			lines = append(lines, bulletLine(sub, summarizeNodeDesc(child), nodeIsOwnerOnly(child)))
		}
	}
	return strings.Join(lines, "\n")
}

func commandDetail(c Command) []string {
	var lines []string
	if d := strings.TrimSpace(c.Description); d != "" {
		lines = append(lines, html.EscapeString(d))
	}
	if c.Access == AccessOwnerOnly {
		lines = append(lines, ownerOnlyBadge)
	}
	if u := strings.TrimSpace(c.Usage); u != "" {
		lines = append(lines, "<b>Usage</b>", "<code>"+html.EscapeString(u)+"</code>")
	}
	if short := commandShortcuts(c); len(short) > 0 {
		lines = append(lines, "<b>Shortcuts</b>")
		for _, s := range short {
			lines = append(lines, "• <code>/"+html.EscapeString(s)+"</code>")
		}
	}
	return lines
}

// bulletLine formats one listing entry: a lock marker for owner-only
// entries, the command in monospace, then the description.
func bulletLine(cmd, desc string, locked bool) string {
	line := "• "
	if locked {
		line = "• 🔒 "
	}
	line += "<code>" + html.EscapeString(cmd) + "</code>"
	if desc != "" {
		line += " — " + html.EscapeString(desc)
	}
	return line
}

// summarizeNodeDesc is the one-liner shown in listings: the command's
// own description, or a subcommand hint for bare groups.
func summarizeNodeDesc(n *cmdNode) string {
	if n == nil {
		return ""
	}
	if n.cmd != nil {
		if d := strings.TrimSpace(n.cmd.Description); d != "" {
			return d
		}
	}
	kids := n.childNames()
	if len(kids) == 0 {
		return ""
	}
	more := false
	if len(kids) > 3 {
		kids, more = kids[:3], true
	}
	s := "subcommands: " + strings.Join(kids, ", ")
	if more {
		s += ", …"
	}
	return s
}

// nodeIsOwnerOnly decides whether a listing entry gets the lock marker.
// Leaves use their own Access; a group is locked only when nothing
// below it is open to everyone.
func nodeIsOwnerOnly(n *cmdNode) bool {
	if n == nil {
		return false
	}
	if n.cmd != nil {
		return n.cmd.Access == AccessOwnerOnly
	}
	return !subtreeHasPublic(n)
}

func subtreeHasPublic(n *cmdNode) bool {
	if n.cmd != nil && n.cmd.Access == AccessEveryone {
		return true
	}
	for _, ch := range n.children {
		if subtreeHasPublic(ch) {
			return true
		}
	}
	return false
}

// commandShortcuts collects the root-level spellings that reach c: the
// Telegram-safe menu name plus aliases and their safe variants.
func commandShortcuts(c Command) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	if menu, ok := telegramCommandNameFromRoute(splitRoute(c.Route)); ok {
		add(menu)
	}
	for _, a := range c.Aliases {
		a = strings.TrimSpace(a)
		if a == "" || strings.ContainsRune(a, ' ') {
			continue
		}
		add(a)
		add(sanitizeTelegramCommand(a))
	}

	sort.Strings(out)
	return out
}
