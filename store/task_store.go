package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/taskwire/taskwire/errors"
	"github.com/taskwire/taskwire/model"
)

// TaskStore persists tasks and owns the lock critical section.
type TaskStore struct {
	db      *gorm.DB
	timeout time.Duration
}

// forUpdate adds a row-level exclusive lock to the query on dialects that
// support it. SQLite serializes writers at the database level, so the
// clause is skipped there rather than producing invalid SQL.
func (s *TaskStore) forUpdate(tx *gorm.DB) *gorm.DB {
	if s.db.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func validateTitle(title string) error {
	if title == "" {
		return apperrors.ErrTitleRequired
	}
	if len(title) > 200 {
		return apperrors.ErrTitleTooLong
	}
	return nil
}

// GetAll returns every task with its user and tags preloaded.
func (s *TaskStore) GetAll(ctx context.Context) ([]model.Task, error) {
	cctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	var tasks []model.Task
	err := s.db.WithContext(cctx).
		Preload("User").
		Preload("Tags").
		Order("id").
		Find(&tasks).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return tasks, nil
}

// Get returns one task with associations preloaded.
func (s *TaskStore) Get(ctx context.Context, id uint) (model.Task, error) {
	cctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	var task model.Task
	err := s.db.WithContext(cctx).
		Preload("User").
		Preload("Tags").
		First(&task, id).Error
	if err != nil {
		return model.Task{}, mapErr(err)
	}
	return task, nil
}

// Add creates a task. The referenced user and tags must already exist;
// unknown tag ids are dropped rather than created, matching the rule that
// tasks only ever reference rows owned by the lookup tables.
func (s *TaskStore) Add(ctx context.Context, task model.Task) (model.Task, error) {
	if err := validateTitle(task.Title); err != nil {
		return model.Task{}, err
	}

	cctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	err := s.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		if task.UserID != nil {
			var user model.User
			if err := tx.First(&user, *task.UserID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					task.UserID = nil
					task.User = nil
				} else {
					return err
				}
			} else {
				task.User = &user
			}
		}

		tags, err := resolveTags(tx, task.Tags)
		if err != nil {
			return err
		}
		task.Tags = tags

		// New tasks start unlocked regardless of what the caller sent.
		task.ID = 0
		task.IsLocked = false
		task.LockedBy = nil
		task.LockedAt = nil

		return tx.Create(&task).Error
	})
	if err != nil {
		return model.Task{}, mapErr(err)
	}
	return task, nil
}

// Update assigns the mutable fields, reconciles the tag set and clears the
// lock sub-state, all in one transaction. A state where the fields are
// written but the lock survives is never durably observable.
func (s *TaskStore) Update(ctx context.Context, id uint, updated model.Task) (model.Task, error) {
	if err := validateTitle(updated.Title); err != nil {
		return model.Task{}, err
	}

	cctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	var task model.Task
	err := s.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		if err := s.forUpdate(tx).Preload("Tags").First(&task, id).Error; err != nil {
			return err
		}

		task.Title = updated.Title
		task.Description = updated.Description
		task.Priority = updated.Priority
		task.DueDate = updated.DueDate
		task.IsComplete = updated.IsComplete
		clearLock(&task)

		task.UserID = updated.UserID
		task.User = nil
		if updated.UserID != nil {
			var user model.User
			if err := tx.First(&user, *updated.UserID).Error; err != nil {
				if !errors.Is(err, gorm.ErrRecordNotFound) {
					return err
				}
				task.UserID = nil
			}
		}

		tags, err := resolveTags(tx, updated.Tags)
		if err != nil {
			return err
		}
		if err := tx.Model(&task).Association("Tags").Replace(tags); err != nil {
			return err
		}
		task.Tags = tags

		if err := tx.Omit(clause.Associations).Save(&task).Error; err != nil {
			return err
		}
		// Reload inside the transaction: the returned snapshot, and the
		// event built from it, is exactly what this commit wrote, never a
		// lock some later transaction acquired.
		task = model.Task{}
		return tx.Preload("User").Preload("Tags").First(&task, id).Error
	})
	if err != nil {
		return model.Task{}, mapErr(err)
	}
	return task, nil
}

// SetCompletion flips the completion flag and clears the lock in the same
// transaction.
func (s *TaskStore) SetCompletion(ctx context.Context, id uint, done bool) (model.Task, error) {
	cctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	var task model.Task
	err := s.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		if err := s.forUpdate(tx).First(&task, id).Error; err != nil {
			return err
		}
		task.IsComplete = done
		clearLock(&task)
		if err := tx.Save(&task).Error; err != nil {
			return err
		}
		task = model.Task{}
		return tx.Preload("User").Preload("Tags").First(&task, id).Error
	})
	if err != nil {
		return model.Task{}, mapErr(err)
	}
	return task, nil
}

// Delete removes a task. Deleting a missing id is a success, and deletion
// is not gated by the lock state.
func (s *TaskStore) Delete(ctx context.Context, id uint) (bool, error) {
	cctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	existed := false
	err := s.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		var task model.Task
		if err := tx.First(&task, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		existed = true
		if err := tx.Model(&task).Association("Tags").Clear(); err != nil {
			return err
		}
		return tx.Delete(&task).Error
	})
	if err != nil {
		return false, mapErr(err)
	}
	return existed, nil
}

// Lock attempts to acquire the task's lock for owner. The row is read under
// an exclusive lock so a concurrent acquirer cannot also observe the task
// as unlocked. Returns false, without error, when the task does not exist
// or is held by a different owner; re-acquiring an already held lock is a
// no-op success.
func (s *TaskStore) Lock(ctx context.Context, id uint, owner string) (bool, error) {
	cctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	acquired := false
	err := s.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		var task model.Task
		if err := s.forUpdate(tx).First(&task, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if task.IsLocked {
			acquired = task.LockedBy != nil && *task.LockedBy == owner
			return nil
		}

		now := time.Now().UTC()
		task.IsLocked = true
		task.LockedBy = &owner
		task.LockedAt = &now
		if err := tx.Save(&task).Error; err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, mapErr(err)
	}
	return acquired, nil
}

// Unlock clears the lock sub-state unconditionally; the caller is not
// required to be the holder. Returns false only when the task is missing.
func (s *TaskStore) Unlock(ctx context.Context, id uint) (bool, error) {
	cctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	found := false
	err := s.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		var task model.Task
		if err := s.forUpdate(tx).First(&task, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		found = true
		if !task.IsLocked && task.LockedBy == nil {
			return nil
		}
		clearLock(&task)
		return tx.Save(&task).Error
	})
	if err != nil {
		return false, mapErr(err)
	}
	return found, nil
}

func clearLock(t *model.Task) {
	t.IsLocked = false
	t.LockedBy = nil
	t.LockedAt = nil
}

// resolveTags maps the requested tag ids onto existing rows.
func resolveTags(tx *gorm.DB, requested []model.Tag) ([]model.Tag, error) {
	if len(requested) == 0 {
		return nil, nil
	}
	ids := make([]uint, 0, len(requested))
	for _, t := range requested {
		ids = append(ids, t.ID)
	}
	var tags []model.Tag
	if err := tx.Where("id IN ?", ids).Find(&tags).Error; err != nil {
		return nil, err
	}
	return tags, nil
}
