// Package model defines the persisted entities shared by the server,
// the stores and the client projection.
package model

import "time"

// Task is a single shared to-do item. The lock sub-state (IsLocked,
// LockedBy, LockedAt) acts as a per-task mutex owned by an opaque user
// name; it is only ever written inside a store transaction.
type Task struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Title       string     `gorm:"size:200;not null" json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    *int       `json:"priority,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	IsComplete  bool       `json:"is_complete"`

	IsLocked bool       `json:"is_locked"`
	LockedBy *string    `json:"locked_by,omitempty"`
	LockedAt *time.Time `json:"locked_at,omitempty"`

	UserID *uint `json:"user_id,omitempty"`
	User   *User `gorm:"constraint:OnDelete:RESTRICT" json:"user,omitempty"`
	Tags   []Tag `gorm:"many2many:task_tags;constraint:OnDelete:CASCADE" json:"tags"`
}

// LockConsistent reports whether the lock sub-state is internally consistent:
// an unlocked task carries no owner and no timestamp.
func (t *Task) LockConsistent() bool {
	if t.IsLocked {
		return t.LockedBy != nil && t.LockedAt != nil
	}
	return t.LockedBy == nil && t.LockedAt == nil
}

// User owns tasks. There is no authentication; Username is a free-text
// identifier supplied by clients.
type User struct {
	ID           uint    `gorm:"primaryKey" json:"id"`
	Username     string  `gorm:"size:100;not null" json:"username"`
	PasswordHash *string `gorm:"size:256" json:"-"`
	Tasks        []Task  `json:"-"`
}

// Tag labels tasks, many-to-many.
type Tag struct {
	ID    uint   `gorm:"primaryKey" json:"id"`
	Name  string `gorm:"size:100;not null" json:"name"`
	Tasks []Task `gorm:"many2many:task_tags" json:"-"`
}
