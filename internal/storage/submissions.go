package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MarkIntroShown records that the introduction was shown to userID.
// first is true only for the call that created the flag.
func (s *Store) MarkIntroShown(ctx context.Context, workerID, userID int64) (first bool, err error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&IntroFlag{WorkerID: workerID, UserID: userID})
	if res.Error != nil {
		return false, fmt.Errorf("storage: mark intro %d/%d: %w", workerID, userID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// CreateSubmission stores a new pending submission and fills in its id.
func (s *Store) CreateSubmission(ctx context.Context, sub *Submission) error {
	sub.ID = 0
	sub.Status = StatusPending
	sub.DecidedAt = nil
	if err := s.db.WithContext(ctx).Create(sub).Error; err != nil {
		return fmt.Errorf("storage: create submission: %w", err)
	}
	return nil
}

func (s *Store) GetSubmission(ctx context.Context, id uint) (*Submission, error) {
	var sub Submission
	err := s.db.WithContext(ctx).First(&sub, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get submission %d: %w", id, err)
	}
	return &sub, nil
}

// DecideSubmission moves a pending submission of workerID to a terminal status.
// The update is conditional on the row still being pending, so concurrent
// decisions race in the database and exactly one wins. Losers get a
// *ConflictError carrying the status that won.
func (s *Store) DecideSubmission(ctx context.Context, id uint, workerID int64, to Status) (*Submission, error) {
	if to != StatusApproved && to != StatusRejected {
		return nil, fmt.Errorf("storage: invalid terminal status %q", to)
	}
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&Submission{}).
		Where("id = ? AND worker_id = ? AND status = ?", id, workerID, StatusPending).
		Updates(map[string]any{"status": to, "decided_at": now})
	if res.Error != nil {
		return nil, fmt.Errorf("storage: decide submission %d: %w", id, res.Error)
	}

	sub, err := s.GetSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.WorkerID != workerID {
		return nil, ErrNotFound
	}
	if res.RowsAffected == 0 {
		return sub, &ConflictError{Status: sub.Status}
	}
	return sub, nil
}

// MapAdminMessage records the notification message sent to the owner for a
// submission. A second insert for the same key fails.
func (s *Store) MapAdminMessage(ctx context.Context, m AdminMessage) error {
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("storage: map admin message %d: %w", m.MessageID, err)
	}
	return nil
}

// SubmissionForAdminMessage resolves a notification message back to its submission.
func (s *Store) SubmissionForAdminMessage(ctx context.Context, workerID, ownerID, messageID int64) (*Submission, error) {
	var m AdminMessage
	err := s.db.WithContext(ctx).
		Where("worker_id = ? AND owner_id = ? AND message_id = ?", workerID, ownerID, messageID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: resolve admin message %d: %w", messageID, err)
	}
	sub, err := s.GetSubmission(ctx, m.SubmissionID)
	if err != nil {
		return nil, err
	}
	if sub.WorkerID != workerID {
		return nil, ErrNotFound
	}
	return sub, nil
}

// CountSubmissions returns submission counts per status for a worker.
func (s *Store) CountSubmissions(ctx context.Context, workerID int64) (map[Status]int64, error) {
	type row struct {
		Status Status
		N      int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&Submission{}).
		Select("status, count(*) as n").
		Where("worker_id = ?", workerID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("storage: count submissions: %w", err)
	}
	out := make(map[Status]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}
