package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"groupfeed/internal/transport"
	logx "groupfeed/pkg/logx"
)

func newTestConn(t *testing.T, h http.HandlerFunc) *Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &Conn{
		cfg:   Config{APIURL: srv.URL, PollTimeout: time.Second, PollLimit: 100},
		log:   logx.Nop(),
		token: "123:abc",
		http:  srv.Client(),
	}
}

func TestPollDecodesAndAdvancesOffset(t *testing.T) {
	var (
		mu      sync.Mutex
		offsets []float64
	)
	c := newTestConn(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bot123:abc/getUpdates") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		var p map[string]any
		_ = json.Unmarshal(body, &p)
		mu.Lock()
		offsets = append(offsets, p["offset"].(float64))
		mu.Unlock()
		_, _ = io.WriteString(w, `{"ok":true,"result":[
			{"update_id":10,"message":{"message_id":5,"chat":{"id":42,"type":"private"},"from":{"id":42,"first_name":"Ann","username":"ann"},"text":"hello"}},
			{"update_id":11,"message":{"message_id":6,"chat":{"id":-100,"type":"supergroup","title":"Feed"},"from":{"id":1,"first_name":"Own"},"is_topic_message":true,"message_thread_id":9,"text":"/connect"}},
			{"update_id":12,"callback_query":{"id":"cb1","from":{"id":1,"first_name":"Own"},"data":"approve:3","message":{"message_id":77,"chat":{"id":1,"type":"private"}}}},
			{"update_id":13,"message":{"message_id":8,"chat":{"id":42,"type":"private"},"from":{"id":42,"first_name":"Ann"},"photo":[{"file_id":"small","width":90,"height":90},{"file_id":"big","width":900,"height":900}],"caption":"look","reply_to_message":{"message_id":4,"chat":{"id":42,"type":"private"}}}}
		]}`)
	})

	evs, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(evs) != 4 {
		t.Fatalf("expected 4 events, got %d", len(evs))
	}
	if evs[0].Kind != transport.EventMessage || evs[0].Content.Text != "hello" || evs[0].Sender.Handle != "ann" {
		t.Fatalf("unexpected text event: %+v", evs[0])
	}
	if evs[1].ThreadID != 9 || evs[1].ChatType != transport.ChatSupergroup || evs[1].ChatTitle != "Feed" {
		t.Fatalf("unexpected topic event: %+v", evs[1])
	}
	if evs[2].Kind != transport.EventAction || evs[2].Action.Data != "approve:3" || evs[2].MessageID != 77 {
		t.Fatalf("unexpected action event: %+v", evs[2])
	}
	if evs[3].Content.Kind != transport.ContentPhoto || evs[3].Content.Text != "look" || evs[3].ReplyToID != 4 {
		t.Fatalf("unexpected photo event: %+v", evs[3])
	}
	if evs[3].Content.FileID == "" {
		t.Fatalf("photo file id missing")
	}

	if _, err := c.Poll(context.Background()); err != nil {
		t.Fatalf("second Poll: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(offsets) != 2 || offsets[0] != 0 || offsets[1] != 14 {
		t.Fatalf("unexpected offsets: %v", offsets)
	}
}

func TestPollClassifiesErrors(t *testing.T) {
	c := newTestConn(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
	})
	if _, err := c.Poll(context.Background()); !errors.Is(err, transport.ErrUnauthorized) || !transport.IsFatal(err) {
		t.Fatalf("expected fatal unauthorized, got %v", err)
	}

	c = newTestConn(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":7}}`)
	})
	_, err := c.Poll(context.Background())
	if d, ok := transport.RetryAfter(err); !ok || d != 7*time.Second {
		t.Fatalf("expected retry-after 7s, got %v (%v)", d, err)
	}

	c = newTestConn(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"ok":false,"error_code":409,"description":"Conflict: terminated by other getUpdates request"}`)
	})
	if _, err := c.Poll(context.Background()); err == nil || transport.IsFatal(err) {
		t.Fatalf("conflict must be transient, got %v", err)
	}
}

func TestPollAfterCloseAndCancel(t *testing.T) {
	release := make(chan struct{})
	c := newTestConn(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		_, _ = io.WriteString(w, `{"ok":true,"result":[]}`)
	})
	defer close(release)

	done := make(chan error, 1)
	go func() {
		_, err := c.Poll(context.Background())
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	_ = c.Close(context.Background())

	select {
	case err := <-done:
		if !errors.Is(err, transport.ErrClosed) {
			t.Fatalf("expected ErrClosed from interrupted poll, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Close did not interrupt Poll")
	}
	if _, err := c.Poll(context.Background()); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("poll after close: %v", err)
	}
	if _, err := c.Send(context.Background(), transport.Target{ChatID: 1}, transport.Text("x"), nil); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("send after close: %v", err)
	}
}

func TestSplitTelegramText(t *testing.T) {
	if got := splitTelegramText("short", 10, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("unexpected split: %q", got)
	}
	long := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitTelegramText(long, 10, "")
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("unexpected newline split: %q", got)
	}
	html := "abcdef<b>bold</b>"
	for _, chunk := range splitTelegramText(html, 8, "HTML") {
		if strings.Count(chunk, "<") != strings.Count(chunk, ">") {
			t.Fatalf("split inside tag: %q", chunk)
		}
	}
}

func TestInlineMarkup(t *testing.T) {
	if inlineMarkup(nil) != nil {
		t.Fatalf("no buttons must yield nil markup")
	}
	m := inlineMarkup([][]transport.Button{{{Text: "Approve", Data: "approve:1"}, {Text: "Reject", Data: "reject:1"}}, {}})
	if m == nil || len(m.InlineKeyboard) != 1 || len(m.InlineKeyboard[0]) != 2 {
		t.Fatalf("unexpected markup: %+v", m)
	}
	if m.InlineKeyboard[0][1].Data != "reject:1" {
		t.Fatalf("callback data not preserved: %+v", m.InlineKeyboard[0][1])
	}
}
