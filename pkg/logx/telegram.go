package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	kit "fragbot/internal/transport"
)

const (
	tgLineLimit  = 3500
	tgValueLimit = 600
	tgStackLimit = 900
)

// telegramRelay is a zerolog sink that reposts selected log lines into a
// chat. It never blocks the logging path: lines past the rate limit or a
// full queue are dropped.
type telegramRelay struct {
	svc    *Service
	sender kit.Adapter

	queue  chan tgLine
	once   sync.Once
	cancel context.CancelFunc
	done   sync.WaitGroup
}

type tgLine struct {
	to   kit.ChatTarget
	text string
}

func newTelegramRelay(svc *Service, sender kit.Adapter) *telegramRelay {
	return &telegramRelay{
		svc:    svc,
		sender: sender,
		queue:  make(chan tgLine, 256),
	}
}

func (r *telegramRelay) start() {
	r.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		r.done.Add(1)
		go func() {
			defer r.done.Done()
			r.run(ctx)
		}()
	})
}

func (r *telegramRelay) stop() {
	if r.cancel != nil {
		r.cancel()
		r.done.Wait()
		r.cancel = nil
	}
}

func (r *telegramRelay) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-r.queue:
			if r.sender == nil {
				continue
			}
			_, _ = r.sender.SendText(ctx, line.to, line.text, &kit.SendOptions{DisablePreview: true})
		}
	}
}

func (r *telegramRelay) Write(p []byte) (int, error) {
	return r.WriteLevel(zerolog.InfoLevel, p)
}

func (r *telegramRelay) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := r.svc
	if s == nil || r.sender == nil {
		return len(p), nil
	}

	s.mu.Lock()
	chatID := s.chatID
	threadID := s.threadID
	lim := s.throttle
	min := s.minLevel
	s.mu.Unlock()

	if chatID == 0 || lim == nil || level < min || !lim.Allow() {
		return len(p), nil
	}

	text := renderTelegramLine(p)
	if text == "" {
		return len(p), nil
	}

	select {
	case r.queue <- tgLine{to: kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text: text}:
	default:
	}
	return len(p), nil
}

// renderTelegramLine turns one zerolog JSON line into a readable message:
// "[LEVEL] msg" followed by sorted key=value lines. Non-JSON input passes
// through trimmed.
func renderTelegramLine(p []byte) string {
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &rec); err != nil {
		return clip(strings.TrimSpace(string(p)), tgLineLimit)
	}

	level, _ := rec["level"].(string)
	msg, _ := rec["message"].(string)
	if msg == "" {
		msg, _ = rec["msg"].(string)
	}

	keys := make([]string, 0, len(rec))
	for k := range rec {
		switch k {
		case "time", "level", "message", "msg":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if level != "" {
		b.WriteString("[" + strings.ToUpper(level) + "] ")
	}
	b.WriteString(msg)
	for _, k := range keys {
		v := fmt.Sprint(rec[k])
		if k == "stack" {
			b.WriteString("\n- stack=\n" + clip(v, tgStackLimit))
			continue
		}
		b.WriteString("\n- " + k + "=" + clip(v, tgValueLimit))
	}
	return clip(b.String(), tgLineLimit)
}

func clip(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	if limit < 10 {
		return s[:limit]
	}
	return s[:limit-3] + "..."
}
