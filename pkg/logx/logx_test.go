package logx

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type captureSender struct {
	mu     sync.Mutex
	chat   int64
	thread int
	lines  []string
	got    chan struct{}
}

func (c *captureSender) SendLog(_ context.Context, chatID int64, threadID int, text string) error {
	c.mu.Lock()
	c.chat, c.thread = chatID, threadID
	c.lines = append(c.lines, text)
	c.mu.Unlock()
	select {
	case c.got <- struct{}{}:
	default:
	}
	return nil
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("nothing", String("k", "v"))
	l.With(Int("n", 1)).Error("still nothing", Err(nil))
}

func TestNewWriterKeepsFixedFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(Component("moderation"), Worker(111))
	log.Debug("hidden")
	log.Warn("fanout delivery failed", Submission(7), Err(errors.New("bot was kicked")))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line written at info level: %s", out)
	}
	for _, want := range []string{`"comp":"moderation"`, `"worker_id":111`, `"submission_id":7`, `"err":"bot was kicked"`, `"caller":"logx_test.go:`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFormatOperatorLine(t *testing.T) {
	line := []byte(`{"level":"error","comp":"orchestrator","worker_id":111111,"owner_id":42,"chat_id":-1001234567890,"attempts":3,"time":"x","caller":"reconcile.go:12","message":"worker start failed"}` + "\n")
	got := formatOperatorLine(line)
	want := "[ERROR] orchestrator · worker 111111 · owner 42\nworker start failed\n- attempts=3\n- chat_id=-1001234567890"
	if got != want {
		t.Fatalf("formatOperatorLine =\n%s\nwant\n%s", got, want)
	}
	if got := formatOperatorLine([]byte("plain text\n")); got != "plain text" {
		t.Fatalf("non-json passthrough: %q", got)
	}
}

func TestClip(t *testing.T) {
	if got := clip("abcdefghijklmnop", 12); got != "abcdefghi..." {
		t.Fatalf("clip = %q", got)
	}
	if got := clip("short", 12); got != "short" {
		t.Fatalf("clip = %q", got)
	}
	if got := clip(strings.Repeat("ж", 20), 12); got != strings.Repeat("ж", 9)+"..." {
		t.Fatalf("clip cut inside a rune: %q", got)
	}
}

func TestOperatorSinkRespectsMinLevel(t *testing.T) {
	svc, log := New(Config{
		Level: "debug",
		Telegram: TelegramConfig{
			Enabled:    true,
			ChatID:     -100,
			ThreadID:   5,
			MinLevel:   "warn",
			RatePerSec: 10,
		},
	})
	defer svc.Close()

	cs := &captureSender{got: make(chan struct{}, 4)}
	svc.SetSender(cs)

	log.Info("below threshold")
	log.With(Component("app")).Warn("operator attention", Worker(9))

	select {
	case <-cs.got:
	case <-time.After(2 * time.Second):
		t.Fatalf("sink never delivered")
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.chat != -100 || cs.thread != 5 {
		t.Fatalf("sent to chat %d thread %d", cs.chat, cs.thread)
	}
	for _, l := range cs.lines {
		if strings.Contains(l, "below threshold") {
			t.Fatalf("info line leaked to sink: %q", l)
		}
	}
	if len(cs.lines) == 0 || !strings.HasPrefix(cs.lines[0], "[WARN] app · worker 9\noperator attention") {
		t.Fatalf("unexpected lines: %q", cs.lines)
	}
}

func TestOperatorSinkNeedsSenderAndTarget(t *testing.T) {
	svc, log := New(Config{Level: "error", Telegram: TelegramConfig{Enabled: true}})
	defer svc.Close()
	cs := &captureSender{got: make(chan struct{}, 4)}

	// No chat yet: nothing is queued even with a sender.
	svc.SetSender(cs)
	log.Error("dropped")
	svc.SetTelegramTarget(-200, 0)
	log.Error("delivered")

	select {
	case <-cs.got:
	case <-time.After(2 * time.Second):
		t.Fatalf("sink never delivered")
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.lines) != 1 || !strings.Contains(cs.lines[0], "delivered") || cs.chat != -200 {
		t.Fatalf("lines = %q chat = %d", cs.lines, cs.chat)
	}
}
