package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrConflict = errors.New("storage: conflict")
)

// ConflictError reports that a submission already left the pending state.
type ConflictError struct {
	Status Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("storage: submission already %s", e.Status)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (pure Go driver)
//   - "mysql": MySQL-compatible server reachable via DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type Kind string

const (
	KindText  Kind = "text"
	KindPhoto Kind = "photo"
	KindVideo Kind = "video"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Worker is a hosted worker registration. Credential holds the vault token,
// never the clear secret.
type Worker struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	OwnerID    int64     `gorm:"not null;uniqueIndex:idx_worker_owner" json:"owner_id"`
	WorkerID   int64     `gorm:"not null;uniqueIndex:idx_worker_owner;index" json:"worker_id"`
	Handle     string    `gorm:"size:64" json:"handle"`
	Credential string    `gorm:"size:512;not null" json:"-"`
	Active     bool      `gorm:"not null;index" json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Destination is a channel, optionally narrowed to a topic, that receives
// approved content. ThreadID 0 means the channel itself.
type Destination struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	WorkerID  int64     `gorm:"not null;uniqueIndex:idx_destination" json:"worker_id"`
	ChatID    int64     `gorm:"not null;uniqueIndex:idx_destination" json:"chat_id"`
	ThreadID  int64     `gorm:"not null;uniqueIndex:idx_destination" json:"thread_id"`
	Title     string    `gorm:"size:256" json:"title,omitempty"`
	Active    bool      `gorm:"not null;index" json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// IntroFlag exists once the introduction was shown to UserID on WorkerID.
type IntroFlag struct {
	WorkerID  int64 `gorm:"primaryKey;autoIncrement:false"`
	UserID    int64 `gorm:"primaryKey;autoIncrement:false"`
	CreatedAt time.Time
}

type Submission struct {
	ID        uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkerID  int64      `gorm:"not null;index" json:"worker_id"`
	OwnerID   int64      `gorm:"not null" json:"owner_id"`
	UserID    int64      `gorm:"not null;index" json:"user_id"`
	Kind      Kind       `gorm:"size:8;not null" json:"kind"`
	FileID    string     `gorm:"size:256" json:"file_id,omitempty"`
	Text      string     `gorm:"type:text" json:"text,omitempty"`
	Status    Status     `gorm:"size:16;not null;index" json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}

// AdminMessage maps an owner notification message to its submission.
// Rows are insert-only.
type AdminMessage struct {
	WorkerID     int64 `gorm:"primaryKey;autoIncrement:false"`
	OwnerID      int64 `gorm:"primaryKey;autoIncrement:false"`
	MessageID    int64 `gorm:"primaryKey;autoIncrement:false"`
	SubmissionID uint  `gorm:"not null;index"`
	CreatedAt    time.Time
}

// AllModels returns every model managed by AutoMigrate.
func AllModels() []interface{} {
	return []interface{}{
		&Worker{},
		&Destination{},
		&IntroFlag{},
		&Submission{},
		&AdminMessage{},
	}
}
