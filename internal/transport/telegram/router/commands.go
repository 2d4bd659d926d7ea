package router

import (
	"context"
	"strings"
	"sync"
	"time"

	kit "fragbot/internal/transport"
	logx "fragbot/pkg/logx"
)

// CommandManager owns the command registry and the dispatch pipeline:
// updates come in from the adapter, route through the command tree, and
// run on a bounded worker pool.
type CommandManager struct {
	// mu guards the registry views and the owner list. Writers swap
	// whole structures, so readers only hold it for the copy.
	mu        sync.RWMutex
	tree      *cmdNode
	shortcuts map[string]*cmdNode                 // root-level shortcut -> leaf
	cbIndex   map[string]map[string]CallbackRoute // plugin -> action
	owners    []int64

	log     logx.Logger
	adapter kit.Adapter
	cfgMgr  *ConfigManager
	svcs    *Services

	stateMu sync.Mutex
	active  bool
	sup     *Supervisor

	queue chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, cfgMgr *ConfigManager, svcs *Services, owners []int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandManager{
		tree:      newRoot(),
		shortcuts: map[string]*cmdNode{},
		cbIndex:   map[string]map[string]CallbackRoute{},
		log:       log,
		adapter:   adapter,
		cfgMgr:    cfgMgr,
		svcs:      svcs,
		owners:    append([]int64(nil), owners...),
		queue:     make(chan func(), 256),
	}
}

// Supervisor exposes the dispatcher's supervisor for health surfaces.
// Nil while the dispatch loop is not running.
func (m *CommandManager) Supervisor() *Supervisor {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if !m.active {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setDispatchState(sup *Supervisor, active bool) {
	m.stateMu.Lock()
	m.sup = sup
	m.active = active
	m.stateMu.Unlock()
}

// offerJob hands work to the pool without blocking. It also absorbs the
// send-on-closed-channel panic that a late enqueue during shutdown
// would otherwise raise.
func (m *CommandManager) offerJob(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.queue <- fn:
		return true
	default:
		return false
	}
}

// SetOwners swaps the owner list used by AccessOwnerOnly checks.
// Called from config hot-reload.
func (m *CommandManager) SetOwners(owners []int64) {
	fresh := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = fresh
	m.mu.Unlock()
}

func (m *CommandManager) currentOwners() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int64(nil), m.owners...)
}

// SetRegistry replaces the whole command and callback registry. Plugins
// re-register on every reload, so this swaps atomically under the lock
// rather than mutating in place.
func (m *CommandManager) SetRegistry(cmds []Command, cbs []CallbackRoute) {
	cmds = append(cmds, m.helpCommand())

	tree, shortcuts, leaves := buildCommandTree(cmds)
	index := indexCallbacks(cbs)

	m.mu.Lock()
	m.tree = tree
	m.shortcuts = shortcuts
	m.cbIndex = index
	m.mu.Unlock()

	m.pushMenu(tree, leaves)
}

// helpCommand is injected into every registry so /help always exists.
func (m *CommandManager) helpCommand() Command {
	return Command{
		Route:       "help",
		Aliases:     []string{"h"},
		Description: "show help",
		Usage:       "/help [cmd] [sub...]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			page := m.helpText(req.Args)
			opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
			_, _ = req.Adapter.SendText(ctx, req.Chat, page, opt)
			return nil
		},
	}
}

func buildCommandTree(cmds []Command) (tree *cmdNode, shortcuts map[string]*cmdNode, leaves []Command) {
	tree = newRoot()
	shortcuts = map[string]*cmdNode{}
	leaves = make([]Command, 0, len(cmds))

	for _, cmd := range cmds {
		route := splitRoute(cmd.Route)
		if len(route) == 0 || cmd.Handle == nil {
			continue
		}
		tree.add(route, cmd)
		leaves = append(leaves, cmd)

		leaf := tree.find(route)
		if leaf == nil {
			continue
		}
		registerAutoAlias(shortcuts, route, leaf)
		for _, alias := range cmd.Aliases {
			alias = strings.TrimSpace(alias)
			if alias == "" || strings.ContainsRune(alias, ' ') {
				continue
			}
			addAlias(shortcuts, alias, leaf, true)
			addAlias(shortcuts, sanitizeTelegramCommand(alias), leaf, false)
		}
	}
	return tree, shortcuts, leaves
}

// addAlias binds name to leaf. Explicit aliases overwrite; derived
// spellings keep their first binding.
func addAlias(shortcuts map[string]*cmdNode, name string, leaf *cmdNode, overwrite bool) {
	if name == "" {
		return
	}
	if _, taken := shortcuts[name]; taken && !overwrite {
		return
	}
	shortcuts[name] = leaf
}

// registerAutoAlias maps a route's Telegram menu name ([a-z0-9_] only)
// back to its leaf so the autocomplete spelling /tracker_add routes.
//
// The canonical first token of a single-token route must never become
// its own alias: an alias hit ends route traversal, and "/tracker add"
// still has to walk the tree to reach the "tracker add" leaf.
func registerAutoAlias(shortcuts map[string]*cmdNode, route []string, leaf *cmdNode) {
	menu, ok := telegramCommandNameFromRoute(route)
	if !ok {
		return
	}
	if len(route) == 1 && menu == route[0] {
		return
	}
	addAlias(shortcuts, menu, leaf, false)
}

func indexCallbacks(cbs []CallbackRoute) map[string]map[string]CallbackRoute {
	index := map[string]map[string]CallbackRoute{}
	for _, route := range cbs {
		plugin := strings.TrimSpace(route.Plugin)
		action := strings.TrimSpace(route.Action)
		if plugin == "" || action == "" || route.Handle == nil {
			continue
		}
		group, ok := index[plugin]
		if !ok {
			group = map[string]CallbackRoute{}
			index[plugin] = group
		}
		group[action] = route
	}
	return index
}

// pushMenu refreshes Telegram's command autocomplete in the background.
// Best-effort: a failed push never blocks registration.
func (m *CommandManager) pushMenu(tree *cmdNode, leaves []Command) {
	updater, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := buildTelegramMenuCommands(tree, leaves)
	push := func(parent context.Context) {
		ctx, cancel := context.WithTimeout(parent, 5*time.Second)
		defer cancel()
		_ = updater.UpdateMenuCommands(ctx, menu)
	}
	if m.svcs != nil && m.svcs.AppSupervisor != nil {
		// Under the app supervisor the push dies with the app.
		m.svcs.AppSupervisor.Go("telegram.menu.update", func(ctx context.Context) error {
			push(ctx)
			return nil
		})
		return
	}
	go push(context.Background())
}
