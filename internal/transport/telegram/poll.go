package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"groupfeed/internal/transport"
)

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Poll performs one getUpdates long-poll and advances the offset past the
// returned updates. Updates of kinds the platform does not route are skipped.
func (c *Conn) Poll(ctx context.Context) ([]transport.Event, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, transport.ErrClosed
	}
	rctx, cancel := context.WithCancel(ctx)
	c.cancelRq = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancelRq = nil
		c.mu.Unlock()
		cancel()
	}()

	payload := map[string]any{
		"offset":          c.offset,
		"timeout":         int(c.cfg.PollTimeout / time.Second),
		"limit":           c.cfg.PollLimit,
		"allowed_updates": []string{"message", "callback_query", "channel_post"},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(c.cfg.APIURL, "/") + "/bot" + c.token + "/getUpdates"
	req, err := http.NewRequestWithContext(rctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if c.isClosed() {
			return nil, transport.ErrClosed
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Never surface the URL: it carries the token.
		var ue interface{ Unwrap() error }
		if errors.As(err, &ue) && ue.Unwrap() != nil {
			return nil, fmt.Errorf("telegram: getUpdates: %w", ue.Unwrap())
		}
		return nil, errors.New("telegram: getUpdates failed")
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("telegram: decode getUpdates (http=%d): %w", resp.StatusCode, err)
	}
	if !out.OK {
		return nil, apiError(out)
	}

	var updates []tele.Update
	if err := json.Unmarshal(out.Result, &updates); err != nil {
		return nil, fmt.Errorf("telegram: decode updates: %w", err)
	}
	events := make([]transport.Event, 0, len(updates))
	for i := range updates {
		u := &updates[i]
		if u.ID >= c.offset {
			c.offset = u.ID + 1
		}
		if ev, ok := toEvent(u); ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

func apiError(r apiResponse) error {
	base := fmt.Errorf("telegram: %s (%d)", r.Description, r.ErrorCode)
	switch r.ErrorCode {
	case http.StatusUnauthorized, http.StatusNotFound:
		return fmt.Errorf("%w: %v", transport.ErrUnauthorized, base)
	case http.StatusTooManyRequests:
		return &transport.RetryAfterError{After: time.Duration(r.Parameters.RetryAfter) * time.Second, Err: base}
	default:
		return base
	}
}

func toEvent(u *tele.Update) (transport.Event, bool) {
	switch {
	case u.Callback != nil:
		cb := u.Callback
		if cb.Sender == nil {
			return transport.Event{}, false
		}
		ev := transport.Event{
			Kind:     transport.EventAction,
			UpdateID: int64(u.ID),
			Sender:   userOf(cb.Sender),
			Action:   &transport.Action{ID: cb.ID, Data: cb.Data},
		}
		if m := cb.Message; m != nil && m.Chat != nil {
			ev.ChatID = m.Chat.ID
			ev.ChatType = transport.ChatType(m.Chat.Type)
			ev.ChatTitle = m.Chat.Title
			ev.MessageID = int64(m.ID)
			ev.ThreadID = threadOf(m)
		}
		return ev, true
	case u.Message != nil:
		return messageEvent(u.ID, u.Message)
	case u.ChannelPost != nil:
		return messageEvent(u.ID, u.ChannelPost)
	}
	return transport.Event{}, false
}

func messageEvent(updateID int, m *tele.Message) (transport.Event, bool) {
	if m.Chat == nil {
		return transport.Event{}, false
	}
	ev := transport.Event{
		Kind:      transport.EventMessage,
		UpdateID:  int64(updateID),
		ChatID:    m.Chat.ID,
		ChatType:  transport.ChatType(m.Chat.Type),
		ChatTitle: m.Chat.Title,
		ThreadID:  threadOf(m),
		MessageID: int64(m.ID),
	}
	if m.Sender != nil {
		ev.Sender = userOf(m.Sender)
	}
	if m.ReplyTo != nil {
		ev.ReplyToID = int64(m.ReplyTo.ID)
	}
	switch {
	case m.Photo != nil && m.Photo.FileID != "":
		ev.Content = transport.Content{Kind: transport.ContentPhoto, FileID: m.Photo.FileID, Text: m.Caption}
	case m.Video != nil && m.Video.FileID != "":
		ev.Content = transport.Content{Kind: transport.ContentVideo, FileID: m.Video.FileID, Text: m.Caption}
	case m.Text != "":
		ev.Content = transport.Text(m.Text)
	}
	return ev, true
}

// threadOf returns the forum topic id. Plain replies in non-forum groups also
// carry message_thread_id, so only topic messages count.
func threadOf(m *tele.Message) int64 {
	if m.TopicMessage {
		return int64(m.ThreadID)
	}
	return 0
}

func userOf(u *tele.User) transport.User {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	return transport.User{ID: u.ID, Handle: u.Username, Name: name}
}

// classify maps telebot errors onto transport errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &transport.RetryAfterError{After: time.Duration(fe.RetryAfter) * time.Second, Err: err}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "(401)") || strings.Contains(msg, "unauthorized") ||
		(strings.Contains(msg, "(404)") && strings.Contains(msg, "not found") && !strings.Contains(msg, "message")) {
		return fmt.Errorf("%w: %v", transport.ErrUnauthorized, err)
	}
	return err
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and (best-effort) avoids splitting inside HTML tags when ParseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		// Prefer splitting on a newline near the end of the window.
		if end < len(rs) {
			cut := -1
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					cut = i + 1
					break
				}
			}
			if cut != -1 {
				end = cut
			}
		}

		// Don't split inside a tag for HTML parse mode.
		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		out = append(out, chunk)

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
