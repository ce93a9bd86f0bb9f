package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sender delivers a formatted log line to a chat. Implemented by the
// Telegram adapter; kept as an interface so logx has no transport dependency.
type Sender interface {
	SendText(ctx context.Context, chatID int64, threadID int, text string) error
}

type telegramItem struct {
	chatID   int64
	threadID int
	msg      string
}

// telegramSink is a zerolog LevelWriter that forwards lines at or above
// MinLevel to a Sender. Writes never block: items are queued and dropped
// when the queue is full or the limiter says no.
type telegramSink struct {
	sender Sender
	queue  chan telegramItem

	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// guarded by mu
	mu       sync.Mutex
	chatID   int64
	threadID int
	limiter  *rate.Limiter
	minLevel zerolog.Level
}

func newTelegramSink(sender Sender) *telegramSink {
	return &telegramSink{
		sender:   sender,
		queue:    make(chan telegramItem, 256),
		minLevel: zerolog.WarnLevel,
	}
}

func (t *telegramSink) apply(cfg TelegramConfig) {
	rps := max(1, cfg.RatePerSec)
	t.mu.Lock()
	t.chatID = cfg.ChatID
	t.threadID = cfg.ThreadID
	t.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	t.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	t.mu.Unlock()
}

// start launches the delivery worker once.
func (t *telegramSink) start(parent context.Context) {
	t.once.Do(func() {
		ctx, cancel := context.WithCancel(parent)
		t.mu.Lock()
		t.cancel = cancel
		t.mu.Unlock()
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.worker(ctx)
		}()
	})
}

func (t *telegramSink) close() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		t.wg.Wait()
	}
}

func (t *telegramSink) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-t.queue:
			if t.sender == nil {
				continue
			}
			_ = t.sender.SendText(ctx, it.chatID, it.threadID, it.msg)
		}
	}
}

func (t *telegramSink) Write(p []byte) (int, error) {
	// Default to info when WriteLevel isn't used.
	return t.WriteLevel(zerolog.InfoLevel, p)
}

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	chatID := t.chatID
	threadID := t.threadID
	lim := t.limiter
	minLevel := t.minLevel
	t.mu.Unlock()

	if chatID == 0 || t.sender == nil || lim == nil {
		return len(p), nil
	}
	if level < minLevel || !lim.Allow() {
		return len(p), nil
	}

	msg := formatChatJSON(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case t.queue <- telegramItem{chatID: chatID, threadID: threadID, msg: msg}:
	default:
		// drop
	}
	return len(p), nil
}

// formatChatJSON renders a zerolog JSON line as a short chat message.
func formatChatJSON(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(p))), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(m[k])
		if k == "stack" {
			b.WriteString("\n- stack=\n")
			b.WriteString(truncate(v, 900))
			continue
		}
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(v, 600))
	}

	return truncate(b.String(), 3500)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
