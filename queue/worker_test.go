package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/taskwire/taskwire/changebus"
	"github.com/taskwire/taskwire/event"
	"github.com/taskwire/taskwire/model"
	"github.com/taskwire/taskwire/service"
	"github.com/taskwire/taskwire/store"
)

func newWorkerService(t *testing.T) (*service.TaskService, *changebus.InMemory) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to connect database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	st, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	bus := changebus.NewInMemory()
	svc, err := service.New(st, bus)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return svc, bus
}

func TestQueuedAddsBroadcastLikeDirectOnes(t *testing.T) {
	svc, bus := newWorkerService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	w := NewAddWorker(svc)
	w.Start(ctx)

	const jobs = 3
	for i := 0; i < jobs; i++ {
		if !w.Enqueue(model.Task{Title: fmt.Sprintf("job %d", i+1)}) {
			t.Fatalf("enqueue %d refused", i)
		}
	}

	seen := 0
	deadline := time.After(5 * time.Second)
	for seen < jobs {
		select {
		case ev := <-ch:
			if ev.Kind != event.KindAdded {
				t.Fatalf("unexpected event: %+v", ev)
			}
			seen++
		case <-deadline:
			t.Fatalf("only %d of %d queued adds broadcast", seen, jobs)
		}
	}

	tasks, err := svc.GetAll(ctx)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(tasks) != jobs {
		t.Fatalf("expected %d tasks, got %d", jobs, len(tasks))
	}
}

func TestEnqueueRefusedAfterStop(t *testing.T) {
	svc, _ := newWorkerService(t)
	ctx, cancel := context.WithCancel(context.Background())

	w := NewAddWorker(svc)
	w.Start(ctx)
	cancel()
	<-w.done

	if w.Enqueue(model.Task{Title: "late"}) {
		t.Fatal("enqueue should refuse after the worker stopped")
	}
}

func TestEnqueueRefusedWhenFull(t *testing.T) {
	svc, _ := newWorkerService(t)

	// Never started, so nothing drains the queue.
	w := NewAddWorker(svc, WithQueueSize(1))
	if !w.Enqueue(model.Task{Title: "fits"}) {
		t.Fatal("first enqueue should fit")
	}
	if w.Enqueue(model.Task{Title: "overflow"}) {
		t.Fatal("enqueue should refuse when the buffer is full")
	}
}

func TestInvalidQueuedAddIsDroppedNotFatal(t *testing.T) {
	svc, bus := newWorkerService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	w := NewAddWorker(svc)
	w.Start(ctx)

	if !w.Enqueue(model.Task{}) {
		t.Fatal("enqueue refused")
	}
	if !w.Enqueue(model.Task{Title: "valid"}) {
		t.Fatal("enqueue refused")
	}

	// The invalid job is dropped; the valid one behind it still lands.
	select {
	case ev := <-ch:
		if ev.Kind != event.KindAdded || ev.Task == nil || ev.Task.Title != "valid" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("valid queued add never broadcast")
	}
}
