// Package transport defines the messaging gateway contract shared by the
// orchestrator, worker sessions and the moderation pipeline.
//
// Implementations translate a concrete chat platform into these neutral
// types; see transport/telegram.
package transport

import (
	"context"
	"strings"
)

type EventKind string

const (
	EventMessage EventKind = "message"
	EventAction  EventKind = "action"
)

type ChatType string

const (
	ChatPrivate    ChatType = "private"
	ChatGroup      ChatType = "group"
	ChatSupergroup ChatType = "supergroup"
	ChatChannel    ChatType = "channel"
)

// IsGroupLike reports whether the chat can host a destination.
func (t ChatType) IsGroupLike() bool {
	return t == ChatGroup || t == ChatSupergroup || t == ChatChannel
}

type ContentKind string

const (
	ContentNone  ContentKind = ""
	ContentText  ContentKind = "text"
	ContentPhoto ContentKind = "photo"
	ContentVideo ContentKind = "video"
)

// Content is a message body. For media, FileID references the platform-side
// file and Text carries the optional caption.
type Content struct {
	Kind   ContentKind
	FileID string
	Text   string
}

func Text(s string) Content { return Content{Kind: ContentText, Text: s} }

type User struct {
	ID     int64
	Handle string
	Name   string
}

// Event is one inbound update.
type Event struct {
	Kind     EventKind
	UpdateID int64

	ChatID    int64
	ChatType  ChatType
	ChatTitle string
	ThreadID  int64 // topic id; 0 if none

	MessageID int64
	ReplyToID int64 // message this one replies to; 0 if none
	Sender    User

	Content Content
	Action  *Action // set for EventAction
}

// Action is an invocation of an inline button.
type Action struct {
	ID   string
	Data string
}

// Command parses a "/name@bot args" text message. Name is lowercased and
// stripped of the bot mention.
func (e Event) Command() (name, args string, ok bool) {
	if e.Kind != EventMessage || e.Content.Kind != ContentText {
		return "", "", false
	}
	s := strings.TrimSpace(e.Content.Text)
	if !strings.HasPrefix(s, "/") || len(s) < 2 {
		return "", "", false
	}
	head, rest, _ := strings.Cut(s[1:], " ")
	if i := strings.IndexByte(head, '@'); i >= 0 {
		head = head[:i]
	}
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

type Target struct {
	ChatID   int64
	ThreadID int64
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int64
	MessageID int64
}

type Button struct {
	Text string
	Data string
}

type SendOptions struct {
	ParseMode      string // "HTML" or empty
	DisablePreview bool
	Buttons        [][]Button
}

type Role string

const (
	RoleCreator       Role = "creator"
	RoleAdministrator Role = "administrator"
	RoleMember        Role = "member"
	RoleRestricted    Role = "restricted"
	RoleLeft          Role = "left"
	RoleKicked        Role = "kicked"
)

// Elevated reports administrative standing in a chat.
func (r Role) Elevated() bool { return r == RoleCreator || r == RoleAdministrator }

type Identity struct {
	ID     int64
	Handle string
}

// Gateway opens per-credential connections to a messaging platform.
type Gateway interface {
	// Identify validates credential and returns the identity it belongs to.
	Identify(ctx context.Context, credential string) (Identity, error)
	// Open establishes a long-poll connection for credential.
	Open(ctx context.Context, credential string) (Conn, error)
}

// Conn is one live connection. Poll must only be called from one goroutine.
type Conn interface {
	Identity() Identity
	// Poll blocks until events arrive, ctx is done or the connection is closed.
	Poll(ctx context.Context) ([]Event, error)
	Send(ctx context.Context, to Target, c Content, opt *SendOptions) (MessageRef, error)
	ClearButtons(ctx context.Context, ref MessageRef) error
	Answer(ctx context.Context, actionID, text string, alert bool) error
	Delete(ctx context.Context, ref MessageRef) error
	Membership(ctx context.Context, chatID, userID int64) (Role, error)
	Close(ctx context.Context) error
}
