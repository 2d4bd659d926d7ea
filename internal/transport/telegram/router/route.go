package router

import (
	"context"
	"strings"

	kit "fragbot/internal/transport"
	logx "fragbot/pkg/logx"
)

func (m *CommandManager) handleUpdate(ctx context.Context, upd kit.Update) {
	switch upd.Kind {
	case kit.UpdateMessage:
		m.handleMessage(ctx, upd)
	case kit.UpdateCallback:
		m.handleCallback(ctx, upd)
	}
}

func (m *CommandManager) handleMessage(ctx context.Context, upd kit.Update) {
	msg := upd.Message
	if msg == nil {
		return
	}
	line := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(line, "/") {
		return
	}
	tokens := tokenizeCommandLine(line)
	if len(tokens) == 0 {
		return
	}

	word := commandWord(tokens[0])
	args := tokens[1:]
	target := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	m.mu.RLock()
	tree := m.tree
	shortcuts := m.shortcuts
	m.mu.RUnlock()

	// Shortcuts are root-level spellings bound straight to a leaf.
	if leaf := shortcuts[word]; leaf != nil && leaf.cmd != nil {
		c := *leaf.cmd
		m.dispatchCommand(ctx, upd, c, splitRoute(c.Route), args)
		return
	}

	node, ok := tree.child(word)
	if !ok {
		_, _ = m.adapter.SendText(ctx, target, "unknown command. try /help", nil)
		return
	}
	node, path, rest := descend(node, word, args)

	// A container without a handler answers with its own help page.
	if node.cmd == nil {
		page := m.helpText(path)
		_, _ = m.adapter.SendText(ctx, target, page, &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
		return
	}

	m.dispatchCommand(ctx, upd, *node.cmd, path, rest)
}

// commandWord extracts the command token: strips the leading slash and
// any @botname suffix Telegram appends in groups.
func commandWord(tok string) string {
	name := strings.TrimPrefix(tok, "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	return name
}

// descend walks the subcommand tree as far as the args allow. A flag
// token ends traversal; whatever did not match stays as arguments.
func descend(node *cmdNode, head string, args []string) (*cmdNode, []string, []string) {
	path := []string{head}
	for len(args) > 0 {
		next := args[0]
		if strings.HasPrefix(next, "-") {
			break
		}
		child, ok := node.child(next)
		if !ok {
			break
		}
		node = child
		path = append(path, next)
		args = args[1:]
	}
	return node, path, args
}

// dispatchCommand gates, wraps and enqueues one matched command.
func (m *CommandManager) dispatchCommand(ctx context.Context, upd kit.Update, cmd Command, path []string, args []string) {
	msg := upd.Message
	if msg == nil {
		return
	}
	target := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	owners := m.currentOwners()
	if cmd.Access == AccessOwnerOnly && !isOwner(msg.FromID, owners) {
		_, _ = m.adapter.SendText(ctx, target, "unauthorized", nil)
		return
	}

	positional, flags, bools := parseFlags(args)
	reqID := newReqID()
	req := &Request{
		Update:      upd,
		Chat:        target,
		FromID:      msg.FromID,
		Path:        path,
		Command:     cmd.Route,
		Args:        positional,
		RawArgs:     args,
		Flags:       flags,
		BoolFlags:   bools,
		ReqID:       reqID,
		Adapter:     m.adapter,
		Config:      m.cfgMgr.Get(),
		Logger:      m.requestLogger(reqID, target, msg.FromID, cmd.Route),
		Services:    m.svcs,
		OwnerUserID: owners,
	}

	handler := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(cmd.Timeout),
	)

	if !m.offerJob(func() { _ = handler(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, req.Chat, "busy, try again", nil)
	}
}

func (m *CommandManager) handleCallback(ctx context.Context, upd kit.Update) {
	cb := upd.Callback
	if cb == nil {
		return
	}
	parts := strings.SplitN(strings.TrimSpace(cb.Data), ":", 3)
	if len(parts) < 2 {
		return
	}
	plugin, action := parts[0], parts[1]
	var payload string
	if len(parts) == 3 {
		payload = parts[2]
	}

	m.mu.RLock()
	route, ok := m.cbIndex[plugin][action]
	m.mu.RUnlock()
	if !ok {
		return
	}

	owners := m.currentOwners()
	if route.Access == CallbackAccessOwnerOnly && !isOwner(cb.FromID, owners) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}

	key := "cb:" + plugin + ":" + action
	target := kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}
	reqID := newReqID()
	req := &Request{
		Update:      upd,
		Chat:        target,
		FromID:      cb.FromID,
		Command:     key,
		Payload:     payload,
		ReqID:       reqID,
		Adapter:     m.adapter,
		Config:      m.cfgMgr.Get(),
		Logger:      m.requestLogger(reqID, target, cb.FromID, key),
		Services:    m.svcs,
		OwnerUserID: owners,
	}

	handler := Chain(
		func(ctx context.Context, r *Request) error { return route.Handle(ctx, r, payload) },
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(route.Timeout),
	)

	if !m.offerJob(func() {
		_ = handler(ctx, req)
		// Clears the button's loading spinner.
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
	}) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "busy")
	}
}

func (m *CommandManager) requestLogger(reqID string, chat kit.ChatTarget, from int64, cmd string) logx.Logger {
	return m.log.With(
		logx.String("rid", reqID),
		logx.Int64("chat_id", chat.ChatID),
		logx.Int("thread_id", chat.ThreadID),
		logx.Int64("from_id", from),
		logx.String("cmd", cmd),
	)
}

func isOwner(id int64, owners []int64) bool {
	for _, owner := range owners {
		if owner == id {
			return true
		}
	}
	return false
}
