package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sender delivers a rendered log line to an operator chat. The platform bot
// implements it once it is online.
type Sender interface {
	SendLog(ctx context.Context, chatID int64, threadID int, text string) error
}

const (
	operatorQueue   = 256
	operatorTimeout = 10 * time.Second
	operatorMaxText = 3500
)

type senderRef struct{ Sender }

type operatorLine struct {
	chatID   int64
	threadID int
	text     string
}

// operatorSink is a zerolog writer that forwards lines at or above minLevel
// to the operator chat. Lines over the rate limit, or beyond a full queue,
// are dropped.
type operatorSink struct {
	sender atomic.Pointer[senderRef]
	queue  chan operatorLine

	mu       sync.Mutex
	chatID   int64
	threadID int
	minLevel zerolog.Level
	limiter  *rate.Limiter

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

var _ zerolog.LevelWriter = (*operatorSink)(nil)

func newOperatorSink() *operatorSink {
	return &operatorSink{
		queue:    make(chan operatorLine, operatorQueue),
		stop:     make(chan struct{}),
		minLevel: zerolog.WarnLevel,
	}
}

func (o *operatorSink) apply(cfg TelegramConfig) {
	rps := max(1, cfg.RatePerSec)
	o.mu.Lock()
	o.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	o.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.ChatID != 0 {
		o.chatID = cfg.ChatID
	}
	if cfg.ThreadID != 0 {
		o.threadID = cfg.ThreadID
	}
	o.mu.Unlock()

	if cfg.Enabled {
		o.startOnce.Do(func() {
			o.wg.Add(1)
			go o.run()
		})
	}
}

func (o *operatorSink) setSender(s Sender) {
	if s == nil {
		o.sender.Store(nil)
		return
	}
	o.sender.Store(&senderRef{s})
}

func (o *operatorSink) currentSender() Sender {
	if r := o.sender.Load(); r != nil {
		return r.Sender
	}
	return nil
}

func (o *operatorSink) setTarget(chatID int64, threadID int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.chatID = chatID
	if threadID != 0 {
		o.threadID = threadID
	}
}

func (o *operatorSink) close() {
	o.stopOnce.Do(func() { close(o.stop) })
	o.wg.Wait()
}

func (o *operatorSink) run() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stop:
			return
		case l := <-o.queue:
			o.deliver(l)
		}
	}
}

func (o *operatorSink) deliver(l operatorLine) {
	s := o.currentSender()
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), operatorTimeout)
	defer cancel()
	if err := s.SendLog(ctx, l.chatID, l.threadID, l.text); err != nil {
		// Not through the Service: the failure would come back here.
		fmt.Fprintf(os.Stderr, "logx: operator chat send failed: %v\n", err)
	}
}

func (o *operatorSink) Write(p []byte) (int, error) {
	return o.WriteLevel(zerolog.InfoLevel, p)
}

func (o *operatorSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	o.mu.Lock()
	chatID, threadID, lim := o.chatID, o.threadID, o.limiter
	below := level < o.minLevel
	o.mu.Unlock()

	if below || chatID == 0 || lim == nil || o.currentSender() == nil || !lim.Allow() {
		return len(p), nil
	}
	text := formatOperatorLine(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case o.queue <- operatorLine{chatID: chatID, threadID: threadID, text: text}:
	default:
	}
	return len(p), nil
}

// formatOperatorLine renders a zerolog JSON line for a chat: a header naming
// the component and tenant, the message, then the other fields sorted by key.
func formatOperatorLine(p []byte) string {
	p = bytes.TrimSpace(p)
	dec := json.NewDecoder(bytes.NewReader(p))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return clip(string(p), operatorMaxText)
	}
	str := func(k string) string {
		v, ok := m[k]
		delete(m, k)
		if !ok {
			return ""
		}
		return fmt.Sprint(v)
	}

	head := []string{"[" + strings.ToUpper(str(zerolog.LevelFieldName)) + "]"}
	if c := str(compKey); c != "" {
		head = append(head, c)
	}
	for _, t := range []struct{ key, label string }{
		{workerKey, "worker"},
		{ownerKey, "owner"},
		{submissionKey, "submission"},
	} {
		if v := str(t.key); v != "" {
			head = append(head, t.label+" "+v)
		}
	}
	msg := str(zerolog.MessageFieldName)
	stack := str(stackKey)
	delete(m, zerolog.TimestampFieldName)
	delete(m, zerolog.CallerFieldName)

	var b strings.Builder
	b.WriteString(strings.Join(head, " · "))
	b.WriteString("\n")
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(m[k]), 600))
	}
	if stack != "" {
		b.WriteString("\n- stack=\n")
		b.WriteString(clip(stack, 900))
	}
	return clip(b.String(), operatorMaxText)
}

// clip cuts s to at most n runes, marking the cut with "...".
func clip(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	if n < 10 {
		return string(rs[:n])
	}
	return string(rs[:n-3]) + "..."
}
