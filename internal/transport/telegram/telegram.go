// Package telegram implements transport.Gateway on the Telegram Bot API.
//
// Sends, edits and membership checks go through telebot. Long polling is a
// direct getUpdates call so it can be bound to a context and cancelled.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"groupfeed/internal/transport"
	logx "groupfeed/pkg/logx"
)

const defaultAPIURL = "https://api.telegram.org"

type Config struct {
	APIURL      string
	PollTimeout time.Duration
	// PollLimit caps updates per getUpdates call.
	PollLimit int
}

// Gateway opens one Conn per bot token.
type Gateway struct {
	cfg Config
	log logx.Logger
}

var _ transport.Gateway = (*Gateway)(nil)

func New(cfg Config, log logx.Logger) *Gateway {
	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 25 * time.Second
	}
	if cfg.PollLimit <= 0 || cfg.PollLimit > 100 {
		cfg.PollLimit = 100
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gateway{cfg: cfg, log: log}
}

// Identify calls getMe.
func (g *Gateway) Identify(ctx context.Context, credential string) (transport.Identity, error) {
	bot, err := g.newBot(ctx, credential)
	if err != nil {
		return transport.Identity{}, err
	}
	return identityOf(bot), nil
}

func (g *Gateway) Open(ctx context.Context, credential string) (transport.Conn, error) {
	bot, err := g.newBot(ctx, credential)
	if err != nil {
		return nil, err
	}
	id := identityOf(bot)
	return &Conn{
		cfg:   g.cfg,
		log:   g.log.With(logx.Int64("bot_id", id.ID)),
		token: strings.TrimSpace(credential),
		bot:   bot,
		id:    id,
		http:  &http.Client{Timeout: g.cfg.PollTimeout + 15*time.Second},
	}, nil
}

func (g *Gateway) newBot(ctx context.Context, credential string) (*tele.Bot, error) {
	token := strings.TrimSpace(credential)
	if token == "" {
		return nil, transport.ErrUnauthorized
	}
	type result struct {
		bot *tele.Bot
		err error
	}
	// NewBot performs getMe without a context; keep the caller's deadline.
	ch := make(chan result, 1)
	go func() {
		b, err := tele.NewBot(tele.Settings{
			URL:    g.cfg.APIURL,
			Token:  token,
			Client: &http.Client{Timeout: 30 * time.Second},
			// Polling is driven by Conn.Poll; telebot's poller never starts.
			Poller: &tele.LongPoller{Timeout: g.cfg.PollTimeout},
		})
		ch <- result{bot: b, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, classify(r.err)
		}
		if r.bot.Me == nil {
			return nil, errors.New("telegram: getMe returned no identity")
		}
		return r.bot, nil
	}
}

func identityOf(b *tele.Bot) transport.Identity {
	return transport.Identity{ID: b.Me.ID, Handle: b.Me.Username}
}

// Conn is a single bot connection.
type Conn struct {
	cfg   Config
	log   logx.Logger
	token string
	bot   *tele.Bot
	id    transport.Identity
	http  *http.Client

	// offset is only touched by the Poll goroutine.
	offset int

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
	cancelRq  context.CancelFunc
}

var _ transport.Conn = (*Conn)(nil)

func (c *Conn) Identity() transport.Identity { return c.id }

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close aborts an in-flight poll and rejects further calls. It does not log
// the bot out: the token stays valid for the next session.
func (c *Conn) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		cancel := c.cancelRq
		c.cancelRq = nil
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		c.http.CloseIdleConnections()
		c.log.Debug("telegram connection closed")
	})
	return nil
}

func (c *Conn) Send(ctx context.Context, to transport.Target, content transport.Content, opt *transport.SendOptions) (transport.MessageRef, error) {
	if c.isClosed() {
		return transport.MessageRef{}, transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	sendOpt := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              int(to.ThreadID),
	}
	if markup := inlineMarkup(opt.Buttons); markup != nil {
		sendOpt.ReplyMarkup = markup
	}

	var (
		msg *tele.Message
		err error
	)
	switch content.Kind {
	case transport.ContentPhoto:
		msg, err = c.bot.Send(chat, &tele.Photo{File: tele.File{FileID: content.FileID}, Caption: content.Text}, sendOpt)
	case transport.ContentVideo:
		msg, err = c.bot.Send(chat, &tele.Video{File: tele.File{FileID: content.FileID}, Caption: content.Text}, sendOpt)
	default:
		msg, err = c.sendText(ctx, chat, content.Text, sendOpt)
	}
	if err != nil {
		return transport.MessageRef{}, classify(err)
	}
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: int64(msg.ID)}, nil
}

// sendText splits long texts; buttons go on the first chunk only.
func (c *Conn) sendText(ctx context.Context, chat *tele.Chat, text string, opt *tele.SendOptions) (*tele.Message, error) {
	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	var first *tele.Message
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			if first != nil {
				return first, nil
			}
			return nil, err
		}
		o := *opt
		if i > 0 {
			o.ReplyMarkup = nil
		}
		msg, err := c.bot.Send(chat, chunk, &o)
		if err != nil {
			if first != nil {
				c.log.Warn("telegram text continuation failed", logx.Int("chunk", i), logx.Err(err))
				return first, nil
			}
			return nil, err
		}
		if i == 0 {
			first = msg
		}
	}
	return first, nil
}

func (c *Conn) ClearButtons(ctx context.Context, ref transport.MessageRef) error {
	if c.isClosed() {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m := &tele.Message{ID: int(ref.MessageID), Chat: &tele.Chat{ID: ref.ChatID}}
	_, err := c.bot.EditReplyMarkup(m, nil)
	return classify(err)
}

func (c *Conn) Answer(ctx context.Context, actionID, text string, alert bool) error {
	if c.isClosed() {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return classify(c.bot.Respond(&tele.Callback{ID: actionID}, &tele.CallbackResponse{Text: text, ShowAlert: alert}))
}

func (c *Conn) Delete(ctx context.Context, ref transport.MessageRef) error {
	if c.isClosed() {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return classify(c.bot.Delete(&tele.Message{ID: int(ref.MessageID), Chat: &tele.Chat{ID: ref.ChatID}}))
}

func (c *Conn) Membership(ctx context.Context, chatID, userID int64) (transport.Role, error) {
	if c.isClosed() {
		return "", transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m, err := c.bot.ChatMemberOf(&tele.Chat{ID: chatID}, &tele.User{ID: userID})
	if err != nil {
		return "", classify(err)
	}
	return transport.Role(m.Role), nil
}

func inlineMarkup(rows [][]transport.Button) *tele.ReplyMarkup {
	if len(rows) == 0 {
		return nil
	}
	kb := make([][]tele.InlineButton, 0, len(rows))
	for _, row := range rows {
		r := make([]tele.InlineButton, 0, len(row))
		for _, b := range row {
			r = append(r, tele.InlineButton{Text: b.Text, Data: b.Data})
		}
		if len(r) > 0 {
			kb = append(kb, r)
		}
	}
	if len(kb) == 0 {
		return nil
	}
	return &tele.ReplyMarkup{InlineKeyboard: kb}
}
