package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	logx "groupfeed/pkg/logx"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RegisterWorker creates or overwrites the (owner, worker) registration and
// marks it active. Registrations of the same worker by other owners are
// deactivated in the same transaction: whoever last proved possession of the
// credential owns the live session.
func (s *Store) RegisterWorker(ctx context.Context, w Worker) (*Worker, error) {
	w.ID = 0
	w.Active = true
	var out Worker
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Worker{}).
			Where("worker_id = ? AND owner_id <> ? AND active = ?", w.WorkerID, w.OwnerID, true).
			Update("active", false)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			s.log.Warn("worker re-registered by another owner",
				logx.Worker(w.WorkerID),
				logx.Owner(w.OwnerID),
				logx.Int64("deactivated", res.RowsAffected),
			)
		}

		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_id"}, {Name: "worker_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"handle", "credential", "active", "updated_at"}),
		}).Create(&w).Error; err != nil {
			return err
		}
		return tx.Where("owner_id = ? AND worker_id = ?", w.OwnerID, w.WorkerID).First(&out).Error
	})
	if err != nil {
		return nil, fmt.Errorf("storage: register worker %d: %w", w.WorkerID, err)
	}
	return &out, nil
}

func (s *Store) GetWorker(ctx context.Context, ownerID, workerID int64) (*Worker, error) {
	var w Worker
	err := s.db.WithContext(ctx).Where("owner_id = ? AND worker_id = ?", ownerID, workerID).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get worker %d: %w", workerID, err)
	}
	return &w, nil
}

// SetWorkerActive flips the desired-state flag. The orchestrator applies it
// on its next reconciliation pass.
func (s *Store) SetWorkerActive(ctx context.Context, ownerID, workerID int64, active bool) error {
	res := s.db.WithContext(ctx).Model(&Worker{}).
		Where("owner_id = ? AND worker_id = ?", ownerID, workerID).
		Updates(map[string]any{"active": active, "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("storage: set worker %d active=%v: %w", workerID, active, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteWorker removes the registration. When no other owner still holds a
// registration for the worker, its destinations, intro flags, submissions and
// admin message maps are removed too.
func (s *Store) DeleteWorker(ctx context.Context, ownerID, workerID int64) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("owner_id = ? AND worker_id = ?", ownerID, workerID).Delete(&Worker{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		var remaining int64
		if err := tx.Model(&Worker{}).Where("worker_id = ?", workerID).Count(&remaining).Error; err != nil {
			return err
		}
		if remaining > 0 {
			return nil
		}
		for _, m := range []interface{}{&AdminMessage{}, &Submission{}, &IntroFlag{}, &Destination{}} {
			if err := tx.Where("worker_id = ?", workerID).Delete(m).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("storage: delete worker %d: %w", workerID, err)
	}
	return nil
}

// ListOwnerWorkers returns an owner's registrations, newest first.
func (s *Store) ListOwnerWorkers(ctx context.Context, ownerID int64) ([]Worker, error) {
	var out []Worker
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("created_at DESC, id DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("storage: list owner workers: %w", err)
	}
	return out, nil
}

// ListActiveWorkers returns the desired running set.
func (s *Store) ListActiveWorkers(ctx context.Context) ([]Worker, error) {
	var out []Worker
	if err := s.db.WithContext(ctx).Where("active = ?", true).Order("updated_at DESC, id DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("storage: list active workers: %w", err)
	}
	return out, nil
}

// ListWorkers returns every registration. Used by operator tooling.
func (s *Store) ListWorkers(ctx context.Context) ([]Worker, error) {
	var out []Worker
	if err := s.db.WithContext(ctx).Order("owner_id, created_at").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("storage: list workers: %w", err)
	}
	return out, nil
}
