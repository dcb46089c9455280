// Package event defines the change events fanned out to connected clients
// after each committed mutation, and their wire encoding.
package event

import (
	"encoding/json"
	"fmt"

	"github.com/taskwire/taskwire/model"
)

// Kind discriminates the change-event variants.
type Kind string

const (
	KindAdded    Kind = "added"
	KindUpdated  Kind = "updated"
	KindDeleted  Kind = "deleted"
	KindLocked   Kind = "locked"
	KindUnlocked Kind = "unlocked"
)

// Event is the envelope pushed to every connected session. Added and
// Updated carry the full task; the rest carry only the task id (Locked
// also names the owner). Events are not persisted and there is no replay:
// a reconnecting client re-fetches full state instead.
type Event struct {
	Kind   Kind        `json:"kind"`
	Task   *model.Task `json:"task,omitempty"`
	TaskID uint        `json:"task_id,omitempty"`
	Owner  string      `json:"owner,omitempty"`
}

func Added(t model.Task) Event   { return Event{Kind: KindAdded, Task: &t, TaskID: t.ID} }
func Updated(t model.Task) Event { return Event{Kind: KindUpdated, Task: &t, TaskID: t.ID} }
func Deleted(id uint) Event      { return Event{Kind: KindDeleted, TaskID: id} }
func Unlocked(id uint) Event     { return Event{Kind: KindUnlocked, TaskID: id} }
func Locked(id uint, owner string) Event {
	return Event{Kind: KindLocked, TaskID: id, Owner: owner}
}

// Encode serializes the event for the bus and the websocket transport.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a wire payload back into an Event.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("event: decode: %w", err)
	}
	switch e.Kind {
	case KindAdded, KindUpdated, KindDeleted, KindLocked, KindUnlocked:
	default:
		return Event{}, fmt.Errorf("event: unknown kind %q", e.Kind)
	}
	return e, nil
}
