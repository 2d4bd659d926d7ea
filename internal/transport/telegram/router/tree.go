package router

import (
	"sort"
	"strings"
)

// cmdNode is one level of the command route tree. A node may carry a
// handler, children, or both: "tracker" can be runnable while
// "tracker add" lives beneath it.
type cmdNode struct {
	name     string
	cmd      *Command
	children map[string]*cmdNode
}

func newRoot() *cmdNode {
	return &cmdNode{children: map[string]*cmdNode{}}
}

func splitRoute(route string) []string {
	trimmed := strings.TrimSpace(route)
	if trimmed == "" {
		return nil
	}
	return strings.Fields(trimmed)
}

func (n *cmdNode) ensure(tok string) *cmdNode {
	if n.children == nil {
		n.children = map[string]*cmdNode{}
	}
	c, ok := n.children[tok]
	if !ok {
		c = &cmdNode{name: tok, children: map[string]*cmdNode{}}
		n.children[tok] = c
	}
	return c
}

func (n *cmdNode) add(route []string, cmd Command) {
	cur := n
	for _, seg := range route {
		cur = cur.ensure(seg)
	}
	cur.cmd = &cmd
}

func (n *cmdNode) find(path []string) *cmdNode {
	cur := n
	for _, seg := range path {
		next, ok := cur.children[seg]
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

func (n *cmdNode) child(name string) (*cmdNode, bool) {
	c, ok := n.children[name]
	return c, ok
}

func (n *cmdNode) childNames() []string {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
