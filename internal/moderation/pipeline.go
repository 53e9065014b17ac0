// Package moderation implements the per-worker submission pipeline: end-user
// intake, owner notification, approve/reject, fan-out to destinations, reply
// relay and destination management.
//
// A Pipeline serves exactly one worker and is driven by that worker's
// session. It keeps no in-memory state between events; everything that must
// survive lives in the store.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	"golang.org/x/time/rate"

	"groupfeed/internal/eventbus"
	"groupfeed/internal/storage"
	"groupfeed/internal/transport"
	logx "groupfeed/pkg/logx"
	"groupfeed/pkg/tgui"
)

const (
	DefaultIntroText    = "You can contact us using this bot.\n\nBot created by @GroupFeedBot"
	DefaultCaptionLimit = 950
	DefaultSendTimeout  = 15 * time.Second

	// MaxCaption is the Telegram caption limit in UTF-16 code units.
	MaxCaption = 1024
	// maxNotifyText keeps a text notification below the transport's split
	// threshold, so the whole notification is one mapped message.
	maxNotifyText = 4000
)

// ErrNoDestinations is returned when an approved submission has nowhere to go.
var ErrNoDestinations = errors.New("moderation: no destination connected")

// ErrNotApproved is returned by Resend for submissions that were not approved.
var ErrNotApproved = errors.New("moderation: submission is not approved")

// Store is the persistence the pipeline needs. *storage.Store implements it.
type Store interface {
	MarkIntroShown(ctx context.Context, workerID, userID int64) (bool, error)
	CreateSubmission(ctx context.Context, sub *storage.Submission) error
	GetSubmission(ctx context.Context, id uint) (*storage.Submission, error)
	DecideSubmission(ctx context.Context, id uint, workerID int64, to storage.Status) (*storage.Submission, error)
	MapAdminMessage(ctx context.Context, m storage.AdminMessage) error
	SubmissionForAdminMessage(ctx context.Context, workerID, ownerID, messageID int64) (*storage.Submission, error)
	UpsertDestination(ctx context.Context, d storage.Destination) error
	DisableDestination(ctx context.Context, workerID, chatID, threadID int64) error
	ListDestinations(ctx context.Context, workerID int64) ([]storage.Destination, error)
}

// Controller lets a running worker switch itself off.
type Controller interface {
	SetActive(ctx context.Context, ownerID, workerID int64, active bool) error
	// RequestStop asks for the worker's session to be torn down without
	// waiting for the next reconcile pass. It must not block on the session.
	RequestStop(workerID int64)
}

// Settings are the hot-reloadable knobs of a pipeline.
type Settings struct {
	IntroText    string
	CaptionLimit int
	// SendRate limits fan-out sends per second; 0 disables pacing.
	SendRate  float64
	SendBurst int
	// SendTimeout bounds each fan-out delivery and owner report.
	SendTimeout time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.IntroText == "" {
		s.IntroText = DefaultIntroText
	}
	if s.CaptionLimit <= 0 {
		s.CaptionLimit = DefaultCaptionLimit
	}
	if s.SendBurst <= 0 {
		s.SendBurst = 1
	}
	if s.SendTimeout <= 0 {
		s.SendTimeout = DefaultSendTimeout
	}
	return s
}

// fitCaption truncates body to limit runes and further until prefix plus the
// result fits in MaxCaption.
func fitCaption(prefix, body string, limit int) string {
	pl := utf16Len(prefix)
	return fitText(body, min(limit, MaxCaption), MaxCaption, func(c string) int { return pl + utf16Len(c) })
}

// fitText cuts body to limit runes, then keeps cutting until size of the
// result is at most room.
func fitText(body string, limit, room int, size func(string) int) string {
	n := limit
	for n > 0 {
		c := tgui.Caption(body, n)
		over := size(c) - room
		if over <= 0 {
			return c
		}
		n -= max(1, over/2)
	}
	return ""
}

func utf16Len(s string) int { return len(utf16.Encode([]rune(s))) }

type Params struct {
	Store    Store
	OwnerID  int64
	WorkerID int64

	// Settings is read on every event; nil means defaults.
	Settings func() Settings

	Controller Controller
	Bus        eventbus.Bus
	Log        logx.Logger
}

type Pipeline struct {
	store    Store
	ownerID  int64
	workerID int64
	settings func() Settings
	ctl      Controller
	bus      eventbus.Bus
	log      logx.Logger

	limMu   sync.Mutex
	lim     *rate.Limiter
	limRate float64
}

func New(p Params) *Pipeline {
	if p.Settings == nil {
		p.Settings = func() Settings { return Settings{} }
	}
	if p.Bus == nil {
		p.Bus = eventbus.Nop()
	}
	if p.Log.IsZero() {
		p.Log = logx.Nop()
	}
	return &Pipeline{
		store:    p.Store,
		ownerID:  p.OwnerID,
		workerID: p.WorkerID,
		settings: p.Settings,
		ctl:      p.Controller,
		bus:      p.Bus,
		log: p.Log.With(
			logx.Component("moderation"),
			logx.Worker(p.WorkerID),
		),
	}
}

func (p *Pipeline) cfg() Settings { return p.settings().withDefaults() }

func (p *Pipeline) isOwner(u transport.User) bool { return u.ID != 0 && u.ID == p.ownerID }

func (p *Pipeline) ownerTarget() transport.Target { return transport.Target{ChatID: p.ownerID} }

// Handle routes one inbound event.
func (p *Pipeline) Handle(ctx context.Context, conn transport.Conn, ev transport.Event) error {
	switch ev.Kind {
	case transport.EventAction:
		if ev.Action == nil {
			return nil
		}
		return p.handleAction(ctx, conn, ev)
	case transport.EventMessage:
		switch {
		case ev.ChatType == transport.ChatPrivate:
			return p.handlePrivate(ctx, conn, ev)
		case ev.ChatType.IsGroupLike():
			return p.handleGroup(ctx, conn, ev)
		}
	}
	return nil
}

func (p *Pipeline) handlePrivate(ctx context.Context, conn transport.Conn, ev transport.Event) error {
	if ev.Sender.ID == 0 {
		return nil
	}
	cmd, _, isCmd := ev.Command()
	owner := p.isOwner(ev.Sender)

	if !owner || (isCmd && cmd == "start") {
		if err := p.introOnce(ctx, conn, ev.Sender.ID); err != nil {
			p.log.Warn("intro failed", logx.Int64("user_id", ev.Sender.ID), logx.Err(err))
		}
	}

	if !owner {
		if isCmd {
			return nil
		}
		return p.intake(ctx, conn, ev)
	}

	if isCmd {
		switch cmd {
		case "start":
			return p.sendOwnerMenu(ctx, conn)
		case "groups":
			return p.sendGroups(ctx, conn)
		case "disconnect":
			return p.disconnect(ctx, conn)
		case "connect":
			return p.sendConnectHelp(ctx, conn)
		}
		return nil
	}
	if ev.ReplyToID != 0 {
		return p.relay(ctx, conn, ev)
	}
	return nil
}

// introOnce sends the introduction the first time userID talks to the worker.
func (p *Pipeline) introOnce(ctx context.Context, conn transport.Conn, userID int64) error {
	first, err := p.store.MarkIntroShown(ctx, p.workerID, userID)
	if err != nil || !first {
		return err
	}
	_, err = conn.Send(ctx, transport.Target{ChatID: userID}, transport.Text(p.cfg().IntroText), nil)
	return err
}

func (p *Pipeline) handleAction(ctx context.Context, conn transport.Conn, ev transport.Event) error {
	data := ev.Action.Data
	switch {
	case strings.HasPrefix(data, "approve:"), strings.HasPrefix(data, "reject:"):
		return p.decide(ctx, conn, ev)
	case strings.HasPrefix(data, "owner:"):
		return p.ownerAction(ctx, conn, ev)
	case strings.HasPrefix(data, "dest:"):
		return p.destAction(ctx, conn, ev)
	case strings.HasPrefix(data, "retry:"):
		return p.retryAction(ctx, conn, ev)
	}
	return p.answer(ctx, conn, ev, "", false)
}

func (p *Pipeline) answer(ctx context.Context, conn transport.Conn, ev transport.Event, text string, alert bool) error {
	if err := conn.Answer(ctx, ev.Action.ID, text, alert); err != nil {
		return fmt.Errorf("answer action: %w", err)
	}
	return nil
}

func (p *Pipeline) publish(typ string, data any) {
	p.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
