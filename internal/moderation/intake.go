package moderation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"groupfeed/internal/eventbus"
	"groupfeed/internal/storage"
	"groupfeed/internal/transport"
	logx "groupfeed/pkg/logx"
	"groupfeed/pkg/tgui"
)

// intake turns an end-user message into a pending submission and notifies
// the owner. Only text, photo and video are submittable.
func (p *Pipeline) intake(ctx context.Context, conn transport.Conn, ev transport.Event) error {
	kind, ok := submissionKind(ev.Content)
	if !ok {
		return nil
	}
	sub := &storage.Submission{
		WorkerID: p.workerID,
		OwnerID:  p.ownerID,
		UserID:   ev.Sender.ID,
		Kind:     kind,
		FileID:   ev.Content.FileID,
		Text:     ev.Content.Text,
	}
	if err := p.store.CreateSubmission(ctx, sub); err != nil {
		return fmt.Errorf("intake: %w", err)
	}
	p.publish(eventbus.SubmissionCreated, eventbus.SubmissionEvent{WorkerID: p.workerID, SubmissionID: sub.ID})

	msg := p.notification(sub)
	ref, err := msg.Send(ctx, conn, p.ownerTarget())
	if err != nil {
		return fmt.Errorf("notify owner of submission %d: %w", sub.ID, err)
	}
	err = p.store.MapAdminMessage(ctx, storage.AdminMessage{
		WorkerID:     p.workerID,
		OwnerID:      p.ownerID,
		MessageID:    ref.MessageID,
		SubmissionID: sub.ID,
	})
	if err != nil {
		return fmt.Errorf("map notification of submission %d: %w", sub.ID, err)
	}
	p.log.Debug("submission received",
		logx.Submission(sub.ID),
		logx.String("kind", string(kind)),
	)
	return nil
}

func submissionKind(c transport.Content) (storage.Kind, bool) {
	switch c.Kind {
	case transport.ContentText:
		if strings.TrimSpace(c.Text) == "" || strings.HasPrefix(c.Text, "/") {
			return "", false
		}
		return storage.KindText, true
	case transport.ContentPhoto:
		return storage.KindPhoto, c.FileID != ""
	case transport.ContentVideo:
		return storage.KindVideo, c.FileID != ""
	}
	return "", false
}

// notification renders the owner-facing copy of a submission with its
// approve/reject buttons. The body is cut so the notification goes out as a
// single message: media captions stay within MaxCaption, texts within
// maxNotifyText.
func (p *Pipeline) notification(sub *storage.Submission) tgui.Message {
	sid := strconv.FormatUint(uint64(sub.ID), 10)
	kind := strings.ToUpper(string(sub.Kind))
	header := func() *tgui.Builder {
		return tgui.New().
			HTML(tgui.Raw("📥 ") + tgui.B("Submission")).
			HTML(tgui.Raw("ID: ") + tgui.Code(sid)).
			HTML(tgui.Raw("Type: ") + tgui.B(kind))
	}
	b := header().Inline(decisionKeyboard(sub.ID))

	var body string
	if sub.Kind != storage.KindText {
		b.Media(transport.ContentKind(sub.Kind), sub.FileID)
		plain := "📥 Submission\nID: " + sid + "\nType: " + kind + "\n\n"
		body = fitCaption(plain, sub.Text, p.cfg().CaptionLimit)
	} else {
		// Header, blank line, then the escaped body.
		used := utf8.RuneCountInString(header().Build().Content.Text) + 2
		body = fitText(sub.Text, maxNotifyText, maxNotifyText, func(c string) int {
			return used + utf8.RuneCountInString(tgui.Esc(c).String())
		})
	}
	if strings.TrimSpace(body) != "" {
		b.Blank().Line(body)
	}
	return b.Build()
}

func decisionKeyboard(id uint) *tgui.Inline {
	sid := strconv.FormatUint(uint64(id), 10)
	return tgui.NewInline().Row(
		tgui.Btn("✅ Approve", "approve:"+sid),
		tgui.Btn("❌ Reject", "reject:"+sid),
	)
}
