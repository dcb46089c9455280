package errors

import "errors"

var (
	// ErrNotFound is returned when a referenced task, user or tag does not exist.
	ErrNotFound = errors.New("not found")
	// ErrLocked is returned when a task is locked by a different owner.
	ErrLocked = errors.New("task locked by another user")
	// ErrTitleRequired is returned when a task is written without a title.
	ErrTitleRequired = errors.New("title is required")
	// ErrTitleTooLong is returned when a title exceeds the column size.
	ErrTitleTooLong = errors.New("title exceeds 200 characters")

	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
)
