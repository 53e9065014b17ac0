package moderation

import (
	"context"
	"errors"
	"fmt"

	"groupfeed/internal/storage"
	"groupfeed/internal/transport"
	logx "groupfeed/pkg/logx"
)

// handleGroup serves commands issued inside a group, supergroup or channel.
// Everything except /connect and /unlink is ignored.
func (p *Pipeline) handleGroup(ctx context.Context, conn transport.Conn, ev transport.Event) error {
	cmd, _, ok := ev.Command()
	if !ok || (cmd != "connect" && cmd != "unlink") {
		return nil
	}
	allowed, err := p.canManage(ctx, conn, ev)
	if err != nil || !allowed {
		return err
	}

	where := "this chat"
	if ev.ThreadID != 0 {
		where = "this topic"
	}
	var reply string
	switch cmd {
	case "connect":
		err := p.store.UpsertDestination(ctx, storage.Destination{
			WorkerID: p.workerID,
			ChatID:   ev.ChatID,
			ThreadID: ev.ThreadID,
			Title:    ev.ChatTitle,
		})
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		p.log.Info("destination connected", logx.Int64("chat_id", ev.ChatID), logx.Int64("thread_id", ev.ThreadID))
		reply = "✅ Connected to " + where + "."
	case "unlink":
		err := p.store.DisableDestination(ctx, p.workerID, ev.ChatID, ev.ThreadID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			reply = "ℹ️ Not connected to " + where + "."
		case err != nil:
			return fmt.Errorf("unlink: %w", err)
		default:
			p.log.Info("destination unlinked", logx.Int64("chat_id", ev.ChatID), logx.Int64("thread_id", ev.ThreadID))
			reply = "✅ Disconnected " + where + "."
		}
	}

	if err := conn.Delete(ctx, transport.MessageRef{ChatID: ev.ChatID, ThreadID: ev.ThreadID, MessageID: ev.MessageID}); err != nil {
		p.log.Debug("delete command message failed", logx.Err(err))
	}
	_, err = conn.Send(ctx, transport.Target{ChatID: ev.ChatID, ThreadID: ev.ThreadID}, transport.Text(reply), nil)
	return err
}

// canManage requires both checks: the sender is the owner and currently
// holds an administrative role in the chat. Refusals are silent.
func (p *Pipeline) canManage(ctx context.Context, conn transport.Conn, ev transport.Event) (bool, error) {
	if !p.isOwner(ev.Sender) {
		return false, nil
	}
	role, err := conn.Membership(ctx, ev.ChatID, ev.Sender.ID)
	if err != nil {
		return false, fmt.Errorf("membership %d: %w", ev.ChatID, err)
	}
	if !role.Elevated() {
		p.log.Debug("connect refused; owner is not admin", logx.Int64("chat_id", ev.ChatID), logx.String("role", string(role)))
		return false, nil
	}
	return true, nil
}
