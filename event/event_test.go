package event_test

import (
	"testing"

	"github.com/taskwire/taskwire/event"
	"github.com/taskwire/taskwire/model"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	task := model.Task{ID: 7, Title: "write minutes"}
	in := event.Added(task)

	data, err := in.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := event.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Kind != event.KindAdded || out.TaskID != 7 {
		t.Fatalf("unexpected envelope: %+v", out)
	}
	if out.Task == nil || out.Task.Title != "write minutes" {
		t.Fatalf("task payload lost: %+v", out.Task)
	}
}

func TestConstructorsCarryIdentity(t *testing.T) {
	if ev := event.Deleted(3); ev.Kind != event.KindDeleted || ev.TaskID != 3 || ev.Task != nil {
		t.Fatalf("deleted: %+v", ev)
	}
	if ev := event.Locked(4, "alice"); ev.Kind != event.KindLocked || ev.TaskID != 4 || ev.Owner != "alice" {
		t.Fatalf("locked: %+v", ev)
	}
	if ev := event.Unlocked(5); ev.Kind != event.KindUnlocked || ev.TaskID != 5 || ev.Owner != "" {
		t.Fatalf("unlocked: %+v", ev)
	}
	task := model.Task{ID: 6, Title: "t"}
	if ev := event.Updated(task); ev.Kind != event.KindUpdated || ev.TaskID != 6 || ev.Task == nil {
		t.Fatalf("updated: %+v", ev)
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	if _, err := event.Decode([]byte(`{"kind":"renamed","task_id":1}`)); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if _, err := event.Decode([]byte(`{"kind":`)); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}
