// Package platform is the handler of the platform bot: the public entry
// point where owners paste a worker credential and manage their hosted
// workers.
package platform

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"groupfeed/internal/orchestrator"
	"groupfeed/internal/storage"
	"groupfeed/internal/transport"
	logx "groupfeed/pkg/logx"
	"groupfeed/pkg/tgui"
)

const (
	menuTitle     = "GroupFeed Platform"
	askTokenText  = "Send your BotFather token now.\n\nFormat example:\n123456789:AAAbbbCCCdddEEEfff\n\n⚠️ Only send tokens to bots/services you trust."
	badTokenText  = "❌ Invalid token format. Click Add Bot again and paste the correct token."
	ownTokenText  = "❌ That is this platform's own token. Create a separate bot with BotFather."
	noBotsText    = "You have no hosted bots yet. Click Add Bot and paste your token."
	notFoundText  = "Bot not found."
	stoppedText   = "✅ Disconnected. (It may take a short moment to fully stop.)"
	enabledText   = "▶ Enabled. (It may take a short moment to start.)"
	deletedText   = "🗑 Deleted."
	cancelledText = "Cancelled."
	failedText    = "Something went wrong. Try again."

	// DefaultPendingTTL bounds how long "Add Bot" waits for the token.
	DefaultPendingTTL = 10 * time.Minute
	pageSize          = 10
)

// Workers is what the platform bot needs from the orchestrator.
type Workers interface {
	Register(ctx context.Context, ownerID int64, credential string) (*storage.Worker, error)
	SetActive(ctx context.Context, ownerID, workerID int64, active bool) error
	Disconnect(ctx context.Context, ownerID, workerID int64) error
	Delete(ctx context.Context, ownerID, workerID int64) error
	ListOwner(ctx context.Context, ownerID int64) ([]orchestrator.WorkerStatus, error)
}

type Params struct {
	Workers    Workers
	PendingTTL time.Duration
	Log        logx.Logger
	// Now is used by tests; nil means time.Now.
	Now func() time.Time
}

// Bot handles the platform bot's events. It implements session.Handler.
type Bot struct {
	workers Workers
	ttl     time.Duration
	log     logx.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending map[int64]time.Time // owner -> deadline for the pasted token
}

func New(p Params) *Bot {
	if p.PendingTTL <= 0 {
		p.PendingTTL = DefaultPendingTTL
	}
	if p.Log.IsZero() {
		p.Log = logx.Nop()
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Bot{
		workers: p.Workers,
		ttl:     p.PendingTTL,
		log:     p.Log.With(logx.Component("platform")),
		now:     p.Now,
		pending: map[int64]time.Time{},
	}
}

func (b *Bot) Handle(ctx context.Context, conn transport.Conn, ev transport.Event) error {
	if ev.Sender.ID == 0 {
		return nil
	}
	switch ev.Kind {
	case transport.EventAction:
		if ev.Action == nil {
			return nil
		}
		return b.handleAction(ctx, conn, ev)
	case transport.EventMessage:
		if ev.ChatType != transport.ChatPrivate {
			return nil
		}
		return b.handleMessage(ctx, conn, ev)
	}
	return nil
}

func (b *Bot) handleMessage(ctx context.Context, conn transport.Conn, ev transport.Event) error {
	to := transport.Target{ChatID: ev.ChatID}
	if cmd, args, ok := ev.Command(); ok {
		switch cmd {
		case "start":
			b.clearPending(ev.Sender.ID)
			return b.sendMenu(ctx, conn, to)
		case "mybots":
			return b.sendBots(ctx, conn, to, ev.Sender.ID, 0)
		case "register":
			b.clearPending(ev.Sender.ID)
			if args == "" {
				b.setPending(ev.Sender.ID)
				return b.send(ctx, conn, to, askTokenText)
			}
			b.forgetMessage(ctx, conn, ev)
			return b.register(ctx, conn, to, ev.Sender.ID, args)
		case "cancel":
			if b.takePending(ev.Sender.ID) {
				return b.send(ctx, conn, to, cancelledText)
			}
			return nil
		}
		return nil
	}

	if ev.Content.Kind != transport.ContentText || !b.takePending(ev.Sender.ID) {
		return nil
	}
	b.forgetMessage(ctx, conn, ev)
	return b.register(ctx, conn, to, ev.Sender.ID, ev.Content.Text)
}

// forgetMessage deletes a message that carried a credential.
func (b *Bot) forgetMessage(ctx context.Context, conn transport.Conn, ev transport.Event) {
	err := conn.Delete(ctx, transport.MessageRef{ChatID: ev.ChatID, MessageID: ev.MessageID})
	if err != nil {
		b.log.Debug("delete token message failed", logx.Int64("user_id", ev.Sender.ID), logx.Err(err))
	}
}

func (b *Bot) register(ctx context.Context, conn transport.Conn, to transport.Target, ownerID int64, token string) error {
	token = strings.TrimSpace(token)
	if !orchestrator.ValidCredential(token) {
		return b.send(ctx, conn, to, badTokenText)
	}
	if id, _, _ := strings.Cut(token, ":"); id == strconv.FormatInt(conn.Identity().ID, 10) {
		return b.send(ctx, conn, to, ownTokenText)
	}

	w, err := b.workers.Register(ctx, ownerID, token)
	switch {
	case errors.Is(err, orchestrator.ErrInvalidCredential):
		return b.send(ctx, conn, to, badTokenText)
	case errors.Is(err, orchestrator.ErrCredentialRejected):
		return b.send(ctx, conn, to, "❌ Token failed: "+rejectReason(err))
	case err != nil:
		b.log.Error("register worker failed", logx.Owner(ownerID), logx.Err(err))
		return b.send(ctx, conn, to, failedText)
	}

	b.log.Info("worker hosted", logx.Owner(ownerID), logx.Worker(w.WorkerID))
	u := w.Handle
	return b.send(ctx, conn, to, fmt.Sprintf("✅ Bot hosted!\n\n"+
		"Your bot: @%s\n\n"+
		"Now open @%s and press /start.\n"+
		"As owner, you will see: Connect to group / My groups / Disconnect bot.", u, u))
}

func rejectReason(err error) string {
	s := strings.TrimPrefix(err.Error(), orchestrator.ErrCredentialRejected.Error()+": ")
	return tgui.TruncRunes(s, 200)
}

func (b *Bot) handleAction(ctx context.Context, conn transport.Conn, ev transport.Event) error {
	cb, ok := tgui.ParseData(ev.Action.Data)
	if !ok || cb.NS != "main" {
		return conn.Answer(ctx, ev.Action.ID, "", false)
	}
	if err := conn.Answer(ctx, ev.Action.ID, "", false); err != nil {
		b.log.Debug("answer action failed", logx.Err(err))
	}

	owner := ev.Sender.ID
	to := transport.Target{ChatID: ev.ChatID}
	if to.ChatID == 0 {
		to.ChatID = owner
	}
	switch cb.Action {
	case "back":
		return b.sendMenu(ctx, conn, to)
	case "add":
		b.setPending(owner)
		return b.send(ctx, conn, to, askTokenText)
	case "my":
		page, _ := cb.Int64(0)
		return b.sendBots(ctx, conn, to, owner, int(page))
	}

	id, ok := cb.Int64(0)
	if !ok {
		return nil
	}
	switch cb.Action {
	case "bot":
		return b.sendBot(ctx, conn, to, owner, id)
	case "stop":
		return b.apply(ctx, conn, to, owner, id, stoppedText, func() error {
			return b.workers.Disconnect(ctx, owner, id)
		})
	case "start":
		return b.apply(ctx, conn, to, owner, id, enabledText, func() error {
			return b.workers.SetActive(ctx, owner, id, true)
		})
	case "del":
		return b.confirmDelete(ctx, conn, to, owner, id)
	case "delok":
		return b.apply(ctx, conn, to, owner, id, deletedText, func() error {
			return b.workers.Delete(ctx, owner, id)
		})
	}
	return nil
}

// apply runs one owner-scoped change and reports the outcome.
func (b *Bot) apply(ctx context.Context, conn transport.Conn, to transport.Target, owner, id int64, ok string, fn func() error) error {
	err := fn()
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return b.send(ctx, conn, to, notFoundText)
	case err != nil:
		b.log.Error("worker change failed", logx.Owner(owner), logx.Worker(id), logx.Err(err))
		return b.send(ctx, conn, to, failedText)
	}
	return b.send(ctx, conn, to, ok)
}

func mainMenu() *tgui.Inline {
	return tgui.NewInline().
		Row(tgui.Btn("➕ Add Bot (Paste Token)", "main:add")).
		Row(tgui.Btn("🤖 My Bots", "main:my"))
}

func (b *Bot) sendMenu(ctx context.Context, conn transport.Conn, to transport.Target) error {
	_, err := tgui.New().ParseMode("").Line(menuTitle).Inline(mainMenu()).Build().Send(ctx, conn, to)
	return err
}

func (b *Bot) sendBots(ctx context.Context, conn transport.Conn, to transport.Target, owner int64, page int) error {
	ws, err := b.workers.ListOwner(ctx, owner)
	if err != nil {
		b.log.Error("list owner workers failed", logx.Owner(owner), logx.Err(err))
		return b.send(ctx, conn, to, failedText)
	}
	if len(ws) == 0 {
		return b.send(ctx, conn, to, noBotsText)
	}

	pg := tgui.NewPage(page, pageSize, len(ws))
	kb := tgui.NewInline()
	for _, w := range tgui.Slice(ws, pg) {
		mark := "⛔"
		if w.Active {
			mark = "✅"
		}
		kb.Row(tgui.Btn("@"+w.Handle+" "+mark, tgui.Data("main", "bot", strconv.FormatInt(w.WorkerID, 10))))
	}
	var nav []transport.Button
	if pg.HasPrev() {
		nav = append(nav, tgui.Btn("◀", tgui.Data("main", "my", strconv.Itoa(pg.Index-1))))
	}
	if pg.HasNext() {
		nav = append(nav, tgui.Btn("▶", tgui.Data("main", "my", strconv.Itoa(pg.Index+1))))
	}
	kb.Row(nav...)
	kb.Row(tgui.Btn("⬅ Back", "main:back"))

	msg := tgui.New().ParseMode("").Line("Your bots:")
	if pg.Count() > 1 {
		msg.Line(pg.Label())
	}
	_, err = msg.Inline(kb).Build().Send(ctx, conn, to)
	return err
}

func (b *Bot) find(ctx context.Context, owner, id int64) (*orchestrator.WorkerStatus, error) {
	ws, err := b.workers.ListOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	for i := range ws {
		if ws[i].WorkerID == id {
			return &ws[i], nil
		}
	}
	return nil, storage.ErrNotFound
}

func (b *Bot) sendBot(ctx context.Context, conn transport.Conn, to transport.Target, owner, id int64) error {
	w, err := b.find(ctx, owner, id)
	if errors.Is(err, storage.ErrNotFound) {
		return b.send(ctx, conn, to, notFoundText)
	}
	if err != nil {
		b.log.Error("load worker failed", logx.Owner(owner), logx.Err(err))
		return b.send(ctx, conn, to, failedText)
	}

	status := "Stopped"
	if w.Active {
		status = "Active"
	}
	sid := strconv.FormatInt(id, 10)
	kb := tgui.NewInline()
	if w.Active {
		kb.Row(tgui.Btn("⛔ Disconnect (Stop)", tgui.Data("main", "stop", sid)))
	} else {
		kb.Row(tgui.Btn("▶ Start (Enable)", tgui.Data("main", "start", sid)))
	}
	kb.Row(tgui.Btn("🗑 Delete", tgui.Data("main", "del", sid)))
	kb.Row(tgui.Btn("⬅ Back", "main:my"))

	msg := tgui.New().ParseMode("").
		Line("Bot: @" + w.Handle).
		Line("Status: " + status)
	if w.Active && !w.Running {
		msg.Line("Session: not running yet")
	}
	if w.LastError != "" {
		msg.Line("Last error: " + tgui.TruncRunes(w.LastError, 300))
	}
	_, err = msg.Inline(kb).Build().Send(ctx, conn, to)
	return err
}

func (b *Bot) confirmDelete(ctx context.Context, conn transport.Conn, to transport.Target, owner, id int64) error {
	w, err := b.find(ctx, owner, id)
	if errors.Is(err, storage.ErrNotFound) {
		return b.send(ctx, conn, to, notFoundText)
	}
	if err != nil {
		return err
	}
	sid := strconv.FormatInt(id, 10)
	kb := tgui.Confirm(
		tgui.Btn("🗑 Yes, delete", tgui.Data("main", "delok", sid)),
		tgui.Btn("Cancel", tgui.Data("main", "bot", sid)),
	)
	_, err = tgui.New().ParseMode("").
		Line("Delete @" + w.Handle + "?").
		Line("Its groups and submissions are removed too.").
		Inline(kb).Build().Send(ctx, conn, to)
	return err
}

func (b *Bot) send(ctx context.Context, conn transport.Conn, to transport.Target, text string) error {
	_, err := tgui.Text(text).Send(ctx, conn, to)
	return err
}

func (b *Bot) setPending(owner int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	for id, deadline := range b.pending {
		if now.After(deadline) {
			delete(b.pending, id)
		}
	}
	b.pending[owner] = now.Add(b.ttl)
}

// takePending consumes owner's pending "Add Bot" state.
func (b *Bot) takePending(owner int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	deadline, ok := b.pending[owner]
	delete(b.pending, owner)
	return ok && !b.now().After(deadline)
}

func (b *Bot) clearPending(owner int64) {
	b.mu.Lock()
	delete(b.pending, owner)
	b.mu.Unlock()
}
