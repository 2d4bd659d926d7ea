package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"
	"time"

	kit "fragbot/internal/transport"
	logx "fragbot/pkg/logx"
)

// Bot API limits for setMyCommands.
const (
	maxMenuCommands   = 100
	maxMenuDescLength = 256
)

type menuCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

type menuPayload struct {
	Commands []menuCommand `json:"commands"`
}

// UpdateMenuCommands pushes the command list behind Telegram's "/" menu
// via setMyCommands. The call is skipped while the list matches what
// was last pushed successfully, so plugins can re-announce their
// commands on every reload without hammering the API.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	sum := menuHashOf(cmds)
	if sum == a.menuSum {
		return nil
	}

	payload := buildMenuPayload(cmds)
	if err := a.postSetMyCommands(ctx, payload); err != nil {
		// Leave menuSum alone so the next attempt retries.
		return err
	}

	a.menuSum = sum
	a.log.Info("menu commands updated", logx.Int("count", len(payload.Commands)))
	return nil
}

func menuHashOf(cmds []kit.BotCommand) uint64 {
	digest := fnv.New64a()
	for _, c := range cmds {
		digest.Write([]byte(c.Command))
		digest.Write([]byte{0})
		digest.Write([]byte(c.Description))
		digest.Write([]byte{0})
	}
	return digest.Sum64()
}

func buildMenuPayload(cmds []kit.BotCommand) menuPayload {
	p := menuPayload{Commands: make([]menuCommand, 0, len(cmds))}
	for _, cmd := range cmds {
		if cmd.Command == "" {
			continue
		}
		desc := cmd.Description
		if desc == "" {
			desc = cmd.Command
		}
		if len(desc) > maxMenuDescLength {
			desc = desc[:maxMenuDescLength]
		}
		p.Commands = append(p.Commands, menuCommand{Command: cmd.Command, Description: desc})
		if len(p.Commands) >= maxMenuCommands {
			break
		}
	}
	return p
}

func (a *Adapter) postSetMyCommands(ctx context.Context, payload menuPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	base := a.apiBase
	if base == "" {
		base = "https://api.telegram.org"
	}
	endpoint := base + "/bot" + strings.TrimSpace(a.cfg.Token) + "/setMyCommands"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	hc := a.httpc
	if hc == nil {
		hc = &http.Client{Timeout: 8 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var reply struct {
		OK          bool   `json:"ok"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&reply)

	if resp.StatusCode/100 != 2 || !reply.OK {
		if reply.Description != "" {
			return fmt.Errorf("telegram setMyCommands failed: %s (code=%d http=%d)", reply.Description, reply.ErrorCode, resp.StatusCode)
		}
		return fmt.Errorf("telegram setMyCommands failed: http=%d", resp.StatusCode)
	}
	return nil
}
