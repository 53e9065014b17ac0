package storage

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"
)

// UpsertDestination creates the destination or reactivates a disabled one.
func (s *Store) UpsertDestination(ctx context.Context, d Destination) error {
	d.ID = 0
	d.Active = true
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "worker_id"}, {Name: "chat_id"}, {Name: "thread_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"active", "title"}),
	}).Create(&d).Error
	if err != nil {
		return fmt.Errorf("storage: upsert destination %d/%d: %w", d.ChatID, d.ThreadID, err)
	}
	return nil
}

// DisableDestination soft-deletes a destination. History is kept so a later
// connect reactivates the same row.
func (s *Store) DisableDestination(ctx context.Context, workerID, chatID, threadID int64) error {
	res := s.db.WithContext(ctx).Model(&Destination{}).
		Where("worker_id = ? AND chat_id = ? AND thread_id = ? AND active = ?", workerID, chatID, threadID, true).
		Update("active", false)
	if res.Error != nil {
		return fmt.Errorf("storage: disable destination %d/%d: %w", chatID, threadID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDestinations returns the active destinations of a worker in connect order.
func (s *Store) ListDestinations(ctx context.Context, workerID int64) ([]Destination, error) {
	var out []Destination
	err := s.db.WithContext(ctx).
		Where("worker_id = ? AND active = ?", workerID, true).
		Order("created_at, id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("storage: list destinations: %w", err)
	}
	return out, nil
}
