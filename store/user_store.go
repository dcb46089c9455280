package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/taskwire/taskwire/model"
)

// UserStore serves the user lookup table.
type UserStore struct {
	db      *gorm.DB
	timeout time.Duration
}

// GetAll returns every user.
func (s *UserStore) GetAll(ctx context.Context) ([]model.User, error) {
	cctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	var users []model.User
	if err := s.db.WithContext(cctx).Order("id").Find(&users).Error; err != nil {
		return nil, mapErr(err)
	}
	return users, nil
}

// Ensure creates the named users if they do not already exist. Used by the
// server binary to seed a fresh database.
func (s *UserStore) Ensure(ctx context.Context, usernames ...string) error {
	cctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	return mapErr(s.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		for _, name := range usernames {
			var count int64
			if err := tx.Model(&model.User{}).Where("username = ?", name).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				continue
			}
			if err := tx.Create(&model.User{Username: name}).Error; err != nil {
				return err
			}
		}
		return nil
	}))
}
