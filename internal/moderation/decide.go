package moderation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"groupfeed/internal/eventbus"
	"groupfeed/internal/storage"
	"groupfeed/internal/transport"
	logx "groupfeed/pkg/logx"
)

// decide handles "approve:<id>" and "reject:<id>".
//
// The status change is a conditional update in the store, so a second
// decision on the same submission always loses and is answered with the
// status that won. Fan-out only runs for the winning approve.
func (p *Pipeline) decide(ctx context.Context, conn transport.Conn, ev transport.Event) error {
	if !p.isOwner(ev.Sender) {
		return p.answer(ctx, conn, ev, "Owner only.", true)
	}
	action, rawID, _ := strings.Cut(ev.Action.Data, ":")
	id, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil || id == 0 {
		return p.answer(ctx, conn, ev, "", false)
	}
	to := storage.StatusRejected
	if action == "approve" {
		to = storage.StatusApproved
	}

	sub, err := p.store.DecideSubmission(ctx, uint(id), p.workerID, to)
	var conflict *storage.ConflictError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return p.answer(ctx, conn, ev, "Not found.", true)
	case errors.As(err, &conflict):
		return p.answer(ctx, conn, ev, fmt.Sprintf("Already %s.", conflict.Status), true)
	case err != nil:
		if aerr := p.answer(ctx, conn, ev, "Something went wrong. Try again.", true); aerr != nil {
			p.log.Warn("acknowledge decision failure failed", logx.Err(aerr))
		}
		return fmt.Errorf("decide submission %d: %w", id, err)
	}

	notice := transport.MessageRef{ChatID: ev.ChatID, ThreadID: ev.ThreadID, MessageID: ev.MessageID}
	if to == storage.StatusRejected {
		p.publish(eventbus.SubmissionRejected, eventbus.SubmissionEvent{WorkerID: p.workerID, SubmissionID: sub.ID})
		if err := p.answer(ctx, conn, ev, "Rejected.", false); err != nil {
			p.log.Warn("acknowledge reject failed", logx.Err(err))
		}
		p.clearButtons(ctx, conn, notice)
		return nil
	}

	if err := p.answer(ctx, conn, ev, "Approved.", false); err != nil {
		p.log.Warn("acknowledge approve failed", logx.Err(err))
	}
	p.clearButtons(ctx, conn, notice)

	res, err := p.fanout(ctx, conn, sub)
	p.publish(eventbus.SubmissionApproved, eventbus.SubmissionEvent{
		WorkerID:     p.workerID,
		SubmissionID: sub.ID,
		Delivered:    res.Delivered,
		Failed:       len(res.Failed),
	})
	if err != nil && !errors.Is(err, ErrNoDestinations) {
		return err
	}
	return nil
}

func (p *Pipeline) clearButtons(ctx context.Context, conn transport.Conn, ref transport.MessageRef) {
	if ref.MessageID == 0 {
		return
	}
	if err := conn.ClearButtons(ctx, ref); err != nil {
		p.log.Debug("clear buttons failed", logx.Int64("message_id", ref.MessageID), logx.Err(err))
	}
}
