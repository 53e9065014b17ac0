package moderation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"groupfeed/internal/eventbus"
	"groupfeed/internal/storage"
	"groupfeed/internal/transport"
	logx "groupfeed/pkg/logx"
	"groupfeed/pkg/tgui"
)

const noDestinationsText = "❌ No destination connected. Add bot to group/topic and run /connect there."

// Failure is one destination that did not receive a submission.
type Failure struct {
	Destination storage.Destination
	Err         error
}

// Result summarizes one fan-out.
type Result struct {
	Delivered int
	Failed    []Failure
}

// fanout delivers sub once to every active destination. Each destination is
// attempted independently; every failure is reported to the owner with a
// retry button and does not stop the remaining deliveries.
func (p *Pipeline) fanout(ctx context.Context, conn transport.Conn, sub *storage.Submission) (Result, error) {
	var res Result
	dests, err := p.store.ListDestinations(ctx, p.workerID)
	if err != nil {
		p.report(ctx, conn, transport.Text("❌ Could not load destinations. Try again later."), nil)
		return res, fmt.Errorf("fanout %d: %w", sub.ID, err)
	}
	if len(dests) == 0 {
		p.report(ctx, conn, transport.Text(noDestinationsText), nil)
		return res, ErrNoDestinations
	}

	for _, d := range dests {
		if err := p.deliver(ctx, conn, d, sub); err != nil {
			res.Failed = append(res.Failed, Failure{Destination: d, Err: err})
			p.log.Warn("fanout delivery failed",
				logx.Submission(sub.ID),
				logx.Int64("chat_id", d.ChatID),
				logx.Int64("thread_id", d.ThreadID),
				logx.Err(err),
			)
			text := fmt.Sprintf("❌ Failed to post to %s: %s", destLabel(d), shortErr(err))
			kb := tgui.NewInline().Row(tgui.Btn("🔁 Retry", retryData(sub.ID, d)))
			p.report(ctx, conn, transport.Text(text), kb)
			continue
		}
		res.Delivered++
	}
	if len(res.Failed) > 0 {
		p.publish(eventbus.FanoutFailed, eventbus.SubmissionEvent{
			WorkerID:     p.workerID,
			SubmissionID: sub.ID,
			Delivered:    res.Delivered,
			Failed:       len(res.Failed),
			Err:          res.Failed[0].Err.Error(),
		})
	}
	return res, nil
}

// deliver sends sub to one destination in its kind-specific format. Approved
// posts carry no footer and no parse mode.
// Each call gets its own SendTimeout, so a destination that hangs cannot use
// up the time of the ones after it.
func (p *Pipeline) deliver(ctx context.Context, conn transport.Conn, d storage.Destination, sub *storage.Submission) error {
	ctx, cancel := p.sendContext(ctx)
	defer cancel()
	if err := p.limiter().Wait(ctx); err != nil {
		return err
	}
	content := transport.Content{Kind: transport.ContentKind(sub.Kind), FileID: sub.FileID}
	switch sub.Kind {
	case storage.KindText:
		content.Text = strings.TrimSpace(sub.Text)
	case storage.KindPhoto, storage.KindVideo:
		content.Text = fitCaption("", sub.Text, p.cfg().CaptionLimit)
	default:
		return fmt.Errorf("unknown submission kind %q", sub.Kind)
	}
	_, err := conn.Send(ctx, transport.Target{ChatID: d.ChatID, ThreadID: d.ThreadID}, content, nil)
	return err
}

// report sends a message to the owner. Failures are only logged.
func (p *Pipeline) report(ctx context.Context, conn transport.Conn, c transport.Content, kb *tgui.Inline) {
	ctx, cancel := p.sendContext(ctx)
	defer cancel()
	opt := &transport.SendOptions{DisablePreview: true}
	if kb != nil {
		opt.Buttons = kb.Rows()
	}
	if _, err := conn.Send(ctx, p.ownerTarget(), c, opt); err != nil {
		p.log.Error("owner report failed", logx.Err(err))
	}
}

// sendContext detaches one outbound call from the handler deadline and bounds
// it by SendTimeout instead.
func (p *Pipeline) sendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.cfg().SendTimeout)
}

// Resend delivers an approved submission of this worker to all active
// destinations again. The status never changes.
func (p *Pipeline) Resend(ctx context.Context, conn transport.Conn, id uint) (Result, error) {
	sub, err := p.store.GetSubmission(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if sub.WorkerID != p.workerID {
		return Result{}, storage.ErrNotFound
	}
	if sub.Status != storage.StatusApproved {
		return Result{}, ErrNotApproved
	}
	p.log.Info("resending submission", logx.Submission(id))
	return p.fanout(ctx, conn, sub)
}

// retryAction handles "retry:<submission>:<chat>:<thread>" from a failure
// report.
func (p *Pipeline) retryAction(ctx context.Context, conn transport.Conn, ev transport.Event) error {
	if !p.isOwner(ev.Sender) {
		return p.answer(ctx, conn, ev, "Owner only.", true)
	}
	cb, ok := tgui.ParseData(ev.Action.Data)
	if !ok {
		return p.answer(ctx, conn, ev, "", false)
	}
	sid, ok1 := parseInt(cb.Action)
	chatID, ok2 := cb.Int64(0)
	threadID, ok3 := cb.Int64(1)
	if !ok1 || !ok2 || !ok3 || sid <= 0 {
		return p.answer(ctx, conn, ev, "", false)
	}

	sub, err := p.store.GetSubmission(ctx, uint(sid))
	if errors.Is(err, storage.ErrNotFound) || (err == nil && sub.WorkerID != p.workerID) {
		return p.answer(ctx, conn, ev, "Not found.", true)
	}
	if err != nil {
		return fmt.Errorf("retry %d: %w", sid, err)
	}
	if sub.Status != storage.StatusApproved {
		return p.answer(ctx, conn, ev, fmt.Sprintf("Submission is %s.", sub.Status), true)
	}
	dest, found, err := p.findDestination(ctx, chatID, threadID)
	if err != nil {
		return err
	}
	if !found {
		return p.answer(ctx, conn, ev, "Destination is no longer connected.", true)
	}

	if err := p.deliver(ctx, conn, dest, sub); err != nil {
		p.log.Warn("retry delivery failed", logx.Submission(sub.ID), logx.Err(err))
		return p.answer(ctx, conn, ev, "Failed again: "+shortErr(err), true)
	}
	p.clearButtons(ctx, conn, transport.MessageRef{ChatID: ev.ChatID, ThreadID: ev.ThreadID, MessageID: ev.MessageID})
	return p.answer(ctx, conn, ev, "Posted.", false)
}

func (p *Pipeline) findDestination(ctx context.Context, chatID, threadID int64) (storage.Destination, bool, error) {
	dests, err := p.store.ListDestinations(ctx, p.workerID)
	if err != nil {
		return storage.Destination{}, false, fmt.Errorf("list destinations: %w", err)
	}
	for _, d := range dests {
		if d.ChatID == chatID && d.ThreadID == threadID {
			return d, true, nil
		}
	}
	return storage.Destination{}, false, nil
}

// limiter returns the fan-out limiter, following the current SendRate.
func (p *Pipeline) limiter() *rate.Limiter {
	s := p.cfg()
	p.limMu.Lock()
	defer p.limMu.Unlock()
	limit := rate.Inf
	if s.SendRate > 0 {
		limit = rate.Limit(s.SendRate)
	}
	if p.lim == nil {
		p.lim = rate.NewLimiter(limit, s.SendBurst)
		p.limRate = s.SendRate
		return p.lim
	}
	if p.limRate != s.SendRate || p.lim.Burst() != s.SendBurst {
		p.lim.SetLimit(limit)
		p.lim.SetBurst(s.SendBurst)
		p.limRate = s.SendRate
	}
	return p.lim
}

func retryData(id uint, d storage.Destination) string {
	return tgui.Data("retry",
		strconv.FormatUint(uint64(id), 10),
		strconv.FormatInt(d.ChatID, 10),
		strconv.FormatInt(d.ThreadID, 10),
	)
}

func destLabel(d storage.Destination) string {
	name := fmt.Sprintf("chat %d", d.ChatID)
	if t := strings.TrimSpace(d.Title); t != "" {
		name = fmt.Sprintf("%s (%d)", t, d.ChatID)
	}
	if d.ThreadID != 0 {
		name += fmt.Sprintf(" topic %d", d.ThreadID)
	}
	return name
}

func shortErr(err error) string {
	return tgui.TruncRunes(err.Error(), 200)
}

func parseInt(s string) (int64, bool) {
	v, err := strconv.ParseInt(s, 10, 64)
	return v, err == nil
}
