package moderation

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"groupfeed/internal/storage"
	"groupfeed/internal/transport"
	logx "groupfeed/pkg/logx"
	"groupfeed/pkg/tgui"
)

const (
	connectHelpText = "To connect this bot to a group/topic:\n\n" +
		"1) Add this bot to your group/channel\n" +
		"2) Make it admin\n" +
		"3) Go to the topic you want (optional)\n" +
		"4) Type /connect there\n\n" +
		"After that, approvals will post to that chat/topic."
	noGroupsText     = "No groups connected yet. Add bot to a group and run /connect inside it."
	disconnectedText = "✅ Disconnected. This hosted bot will stop soon."
)

func ownerMenu() *tgui.Inline {
	return tgui.NewInline().
		Row(tgui.Btn("🔗 Connect to group", "owner:connect")).
		Row(tgui.Btn("📌 My groups", "owner:groups")).
		Row(tgui.Btn("⛔ Disconnect bot", "owner:disconnect"))
}

func (p *Pipeline) sendOwnerMenu(ctx context.Context, conn transport.Conn) error {
	msg := tgui.New().Line("Owner menu:").Inline(ownerMenu()).Build()
	_, err := msg.Send(ctx, conn, p.ownerTarget())
	return err
}

func (p *Pipeline) sendConnectHelp(ctx context.Context, conn transport.Conn) error {
	_, err := tgui.Text(connectHelpText).Send(ctx, conn, p.ownerTarget())
	return err
}

// ownerAction handles the owner menu buttons.
func (p *Pipeline) ownerAction(ctx context.Context, conn transport.Conn, ev transport.Event) error {
	if !p.isOwner(ev.Sender) {
		return p.answer(ctx, conn, ev, "Not allowed.", true)
	}
	if err := p.answer(ctx, conn, ev, "", false); err != nil {
		p.log.Debug("answer owner action failed", logx.Err(err))
	}
	switch ev.Action.Data {
	case "owner:connect":
		return p.sendConnectHelp(ctx, conn)
	case "owner:groups":
		return p.sendGroups(ctx, conn)
	case "owner:disconnect":
		return p.disconnect(ctx, conn)
	}
	return nil
}

// sendGroups lists active destinations, each with a remove button.
func (p *Pipeline) sendGroups(ctx context.Context, conn transport.Conn) error {
	dests, err := p.store.ListDestinations(ctx, p.workerID)
	if err != nil {
		return fmt.Errorf("list destinations: %w", err)
	}
	if len(dests) == 0 {
		_, err := tgui.Text(noGroupsText).Send(ctx, conn, p.ownerTarget())
		return err
	}
	b := tgui.New().Line("📌 Connected destinations:")
	kb := tgui.NewInline()
	for _, d := range dests {
		b.Line("• " + destLabel(d))
		kb.Row(tgui.Btn("🗑 Remove "+tgui.TruncRunes(destLabel(d), 40), tgui.Data("dest", "rm",
			strconv.FormatInt(d.ChatID, 10), strconv.FormatInt(d.ThreadID, 10))))
	}
	_, err = b.Inline(kb).Build().Send(ctx, conn, p.ownerTarget())
	return err
}

// destAction handles "dest:rm:<chat>:<thread>".
func (p *Pipeline) destAction(ctx context.Context, conn transport.Conn, ev transport.Event) error {
	if !p.isOwner(ev.Sender) {
		return p.answer(ctx, conn, ev, "Not allowed.", true)
	}
	cb, ok := tgui.ParseData(ev.Action.Data)
	chatID, ok1 := cb.Int64(0)
	threadID, ok2 := cb.Int64(1)
	if !ok || cb.Action != "rm" || !ok1 || !ok2 {
		return p.answer(ctx, conn, ev, "", false)
	}
	err := p.store.DisableDestination(ctx, p.workerID, chatID, threadID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return p.answer(ctx, conn, ev, "Already removed.", false)
	case err != nil:
		if aerr := p.answer(ctx, conn, ev, "Something went wrong. Try again.", true); aerr != nil {
			p.log.Warn("acknowledge destination removal failed", logx.Err(aerr))
		}
		return err
	}
	p.log.Info("destination removed", logx.Int64("chat_id", chatID), logx.Int64("thread_id", threadID))
	return p.answer(ctx, conn, ev, "Removed.", false)
}

// disconnect deactivates this worker and asks for its session to stop. The
// confirmation goes out before the stop request since the stop closes the
// connection.
func (p *Pipeline) disconnect(ctx context.Context, conn transport.Conn) error {
	if p.ctl == nil {
		return errors.New("disconnect: no controller")
	}
	if err := p.ctl.SetActive(ctx, p.ownerID, p.workerID, false); err != nil {
		p.report(ctx, conn, transport.Text("❌ Could not disconnect. Try again."), nil)
		return fmt.Errorf("disconnect: %w", err)
	}
	if _, err := tgui.Text(disconnectedText).Send(ctx, conn, p.ownerTarget()); err != nil {
		p.log.Warn("disconnect confirmation failed", logx.Err(err))
	}
	p.log.Info("worker disconnected by owner")
	p.ctl.RequestStop(p.workerID)
	return nil
}

// relay forwards an owner reply to the user behind the submission the reply
// refers to. Content passes through unmodified.
func (p *Pipeline) relay(ctx context.Context, conn transport.Conn, ev transport.Event) error {
	switch ev.Content.Kind {
	case transport.ContentText, transport.ContentPhoto, transport.ContentVideo:
	default:
		return nil
	}
	sub, err := p.store.SubmissionForAdminMessage(ctx, p.workerID, p.ownerID, ev.ReplyToID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("relay lookup: %w", err)
	}
	if sub.WorkerID != p.workerID {
		return nil
	}
	if _, err := conn.Send(ctx, transport.Target{ChatID: sub.UserID}, ev.Content, nil); err != nil {
		p.log.Warn("reply relay failed", logx.Submission(sub.ID), logx.Err(err))
		p.report(ctx, conn, transport.Text(fmt.Sprintf("❌ Failed to deliver reply for submission %d: %s", sub.ID, shortErr(err))), nil)
		return nil
	}
	p.log.Debug("reply relayed", logx.Submission(sub.ID))
	return nil
}
