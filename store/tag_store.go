package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/taskwire/taskwire/model"
)

// TagStore serves the tag lookup table.
type TagStore struct {
	db      *gorm.DB
	timeout time.Duration
}

// GetAll returns every tag.
func (s *TagStore) GetAll(ctx context.Context) ([]model.Tag, error) {
	cctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	var tags []model.Tag
	if err := s.db.WithContext(cctx).Order("id").Find(&tags).Error; err != nil {
		return nil, mapErr(err)
	}
	return tags, nil
}

// Ensure creates the named tags if they do not already exist.
func (s *TagStore) Ensure(ctx context.Context, names ...string) error {
	cctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	return mapErr(s.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		for _, name := range names {
			var count int64
			if err := tx.Model(&model.Tag{}).Where("name = ?", name).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				continue
			}
			if err := tx.Create(&model.Tag{Name: name}).Error; err != nil {
				return err
			}
		}
		return nil
	}))
}
