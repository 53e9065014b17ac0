package tgui

import (
	"context"
	"fmt"
	"strings"

	"groupfeed/internal/transport"
)

// Message is a rendered UI payload: content + send options.
// Build once, send without repeating ParseMode/preview/keyboard boilerplate.
type Message struct {
	Content transport.Content
	Opt     *transport.SendOptions
}

// Send sends the Message through conn. A button whose data does not fit
// fails the send before anything reaches the network.
func (m Message) Send(ctx context.Context, conn transport.Conn, to transport.Target) (transport.MessageRef, error) {
	if m.Opt == nil {
		m.Opt = &transport.SendOptions{}
	}
	for _, row := range m.Opt.Buttons {
		for _, btn := range row {
			if err := CheckData(btn.Data); err != nil {
				return transport.MessageRef{}, fmt.Errorf("button %q: %w", btn.Text, err)
			}
		}
	}
	return conn.Send(ctx, to, m.Content, m.Opt)
}

// Text returns a plain text message without formatting.
func Text(s string) Message {
	return Message{Content: transport.Text(s), Opt: &transport.SendOptions{DisablePreview: true}}
}

// Builder is the main ergonomic UI builder.
// Default: ParseMode=HTML, DisablePreview=true.
type Builder struct {
	parseMode      string
	disablePreview bool
	kb             *Inline
	lines          []string
	media          transport.Content
}

// New creates a new builder with sensible defaults for Telegram.
func New() *Builder {
	return &Builder{parseMode: "HTML", disablePreview: true}
}

func (b *Builder) html() bool { return strings.EqualFold(b.parseMode, "HTML") }

// ParseMode overrides Telegram parse mode ("HTML" or empty).
func (b *Builder) ParseMode(mode string) *Builder {
	b.parseMode = strings.TrimSpace(mode)
	return b
}

// DisablePreview sets DisableWebPagePreview.
func (b *Builder) DisablePreview(v bool) *Builder {
	b.disablePreview = v
	return b
}

// Inline attaches an inline keyboard.
func (b *Builder) Inline(kb *Inline) *Builder {
	b.kb = kb
	return b
}

// Media turns the message into a photo or video; the built text becomes
// its caption.
func (b *Builder) Media(kind transport.ContentKind, fileID string) *Builder {
	b.media = transport.Content{Kind: kind, FileID: fileID}
	return b
}

// Title adds a bold title line. Emoji is optional.
func (b *Builder) Title(emoji, title string) *Builder {
	e := strings.TrimSpace(emoji)
	t := strings.TrimSpace(title)
	if t == "" {
		return b
	}
	line := t
	if b.html() {
		line = B(t).String()
	}
	if e != "" {
		line = e + " " + line
	}
	b.lines = append(b.lines, line)
	return b
}

// Line adds a single line, escaping when ParseMode is HTML.
func (b *Builder) Line(s string) *Builder {
	if strings.TrimSpace(s) == "" {
		b.lines = append(b.lines, "")
		return b
	}
	if b.html() {
		b.lines = append(b.lines, Esc(s).String())
	} else {
		b.lines = append(b.lines, s)
	}
	return b
}

// HTML appends already-safe HTML as one line.
func (b *Builder) HTML(h H) *Builder {
	b.lines = append(b.lines, h.String())
	return b
}

// Blank inserts an empty line.
func (b *Builder) Blank() *Builder { return b.Line("") }

// Bullets adds bullet lines.
func (b *Builder) Bullets(items ...string) *Builder {
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		b.Line("• " + it)
	}
	return b
}

// KV adds a "key: value" row with consistent formatting.
func (b *Builder) KV(key, value string) *Builder {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" {
		return b
	}
	if b.html() {
		b.lines = append(b.lines, B(key).String()+": "+Esc(value).String())
		return b
	}
	b.lines = append(b.lines, key+": "+value)
	return b
}

// Build produces a ready-to-send Message.
func (b *Builder) Build() Message {
	text := strings.Trim(strings.Join(b.lines, "\n"), "\n")
	content := transport.Text(text)
	if b.media.Kind == transport.ContentPhoto || b.media.Kind == transport.ContentVideo {
		content = b.media
		content.Text = text
	}
	opt := &transport.SendOptions{ParseMode: b.parseMode, DisablePreview: b.disablePreview}
	if b.kb != nil {
		opt.Buttons = b.kb.Rows()
	}
	return Message{Content: content, Opt: opt}
}
