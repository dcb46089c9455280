// Package store persists tasks, users and tags through GORM and implements
// the per-task critical section used by the lock operations. Every
// read-modify-write on the lock sub-state happens inside a transaction
// holding a row-level exclusive lock, so two concurrent acquirers can never
// both observe an unlocked task.
package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	apperrors "github.com/taskwire/taskwire/errors"
	"github.com/taskwire/taskwire/model"
)

const defaultOpTimeout = 5 * time.Second

type options struct {
	timeout time.Duration
}

// Option configures the stores.
type Option func(*options)

// WithTimeout sets the per-operation timeout for database calls.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// Store bundles the task, user and tag stores over one GORM connection.
type Store struct {
	Tasks *TaskStore
	Users *UserStore
	Tags  *TagStore
}

// New migrates the schema and returns the stores.
func New(db *gorm.DB, opts ...Option) (*Store, error) {
	o := options{timeout: defaultOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if err := db.AutoMigrate(&model.User{}, &model.Tag{}, &model.Task{}); err != nil {
		return nil, err
	}
	return &Store{
		Tasks: &TaskStore{db: db, timeout: o.timeout},
		Users: &UserStore{db: db, timeout: o.timeout},
		Tags:  &TagStore{db: db, timeout: o.timeout},
	}, nil
}

func opContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, timeout)
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apperrors.ErrNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.ErrTimeout
	default:
		return err
	}
}
