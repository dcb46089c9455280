// Package service implements the task lock manager and the mutation
// managers: every operation performs its transactional store change first
// and publishes exactly one change event only after the commit succeeds.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskwire/taskwire/changebus"
	"github.com/taskwire/taskwire/event"
	"github.com/taskwire/taskwire/metrics"
	"github.com/taskwire/taskwire/model"
	"github.com/taskwire/taskwire/store"
)

var tracer = otel.Tracer("github.com/taskwire/taskwire/service")

const taskListKey = "tasks"

// TaskService coordinates the stores and the change bus.
type TaskService struct {
	store *store.Store
	bus   changebus.Bus
	log   *slog.Logger
	cache *ristretto.Cache
}

// Option configures a TaskService.
type Option func(*TaskService)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *TaskService) {
		s.log = l
	}
}

// New returns a TaskService publishing to bus after each commit.
func New(st *store.Store, bus changebus.Bus, opts ...Option) (*TaskService, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	s := &TaskService{
		store: st,
		bus:   bus,
		log:   slog.Default(),
		cache: cache,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// publish hands the event to the bus. The mutation is already committed at
// this point, so a delivery failure is logged and swallowed rather than
// surfaced to the caller.
func (s *TaskService) publish(ctx context.Context, ev event.Event) {
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.log.Warn("publish failed after commit", "kind", ev.Kind, "task_id", ev.TaskID, "error", err)
		return
	}
	metrics.EventsPublishedCounter.Inc()
}

func (s *TaskService) invalidateList() {
	// Cache writes are buffered; flush them first so an in-flight Set
	// cannot resurrect a stale list after the delete.
	s.cache.Wait()
	s.cache.Del(taskListKey)
}

// GetAll returns every task, served from the in-memory list cache when the
// cached copy is still valid. The cache is invalidated by every mutation.
func (s *TaskService) GetAll(ctx context.Context) ([]model.Task, error) {
	ctx, span := tracer.Start(ctx, "TaskService.GetAll")
	defer span.End()

	if v, ok := s.cache.Get(taskListKey); ok {
		if tasks, ok := v.([]model.Task); ok {
			metrics.ListCacheHitCounter.Inc()
			return tasks, nil
		}
	}

	start := time.Now()
	tasks, err := s.store.Tasks.GetAll(ctx)
	if err != nil {
		s.log.Error("failed to retrieve tasks", "error", err)
		return nil, err
	}
	s.log.Info("retrieved tasks", "count", len(tasks), "elapsed", time.Since(start))
	s.cache.Set(taskListKey, tasks, int64(len(tasks))+1)
	return tasks, nil
}

// Users returns every user.
func (s *TaskService) Users(ctx context.Context) ([]model.User, error) {
	return s.store.Users.GetAll(ctx)
}

// Tags returns every tag.
func (s *TaskService) Tags(ctx context.Context) ([]model.Tag, error) {
	return s.store.Tags.GetAll(ctx)
}

// Add creates a task and broadcasts Added.
func (s *TaskService) Add(ctx context.Context, task model.Task) (model.Task, error) {
	ctx, span := tracer.Start(ctx, "TaskService.Add",
		trace.WithAttributes(attribute.String("task.title", task.Title)))
	defer span.End()

	saved, err := s.store.Tasks.Add(ctx, task)
	if err != nil {
		s.log.Error("failed to add task", "title", task.Title, "error", err)
		return model.Task{}, err
	}
	s.log.Info("task added", "id", saved.ID, "title", saved.Title)

	metrics.MutationCounter.WithLabelValues("add").Inc()
	s.invalidateList()
	s.publish(ctx, event.Added(saved))
	return saved, nil
}

// Update assigns the mutable fields and implicitly releases the lock, then
// broadcasts Updated. The event payload carries the cleared lock sub-state,
// so no separate Unlocked event is emitted for this path.
func (s *TaskService) Update(ctx context.Context, id uint, task model.Task) (model.Task, error) {
	ctx, span := tracer.Start(ctx, "TaskService.Update",
		trace.WithAttributes(attribute.Int64("task.id", int64(id))))
	defer span.End()

	saved, err := s.store.Tasks.Update(ctx, id, task)
	if err != nil {
		return model.Task{}, err
	}
	s.log.Info("task updated", "id", id, "title", saved.Title)

	metrics.MutationCounter.WithLabelValues("update").Inc()
	s.invalidateList()
	s.publish(ctx, event.Updated(saved))
	return saved, nil
}

// SetCompletion flips the completion flag, implicitly releases the lock and
// broadcasts Updated.
func (s *TaskService) SetCompletion(ctx context.Context, id uint, done bool) (model.Task, error) {
	ctx, span := tracer.Start(ctx, "TaskService.SetCompletion",
		trace.WithAttributes(attribute.Int64("task.id", int64(id)), attribute.Bool("task.complete", done)))
	defer span.End()

	saved, err := s.store.Tasks.SetCompletion(ctx, id, done)
	if err != nil {
		return model.Task{}, err
	}
	s.log.Info("task completion updated", "id", id, "complete", done)

	metrics.MutationCounter.WithLabelValues("complete").Inc()
	s.invalidateList()
	s.publish(ctx, event.Updated(saved))
	return saved, nil
}

// Delete removes a task and broadcasts Deleted. Deleting a missing id is a
// success and broadcasts nothing.
func (s *TaskService) Delete(ctx context.Context, id uint) error {
	ctx, span := tracer.Start(ctx, "TaskService.Delete",
		trace.WithAttributes(attribute.Int64("task.id", int64(id))))
	defer span.End()

	existed, err := s.store.Tasks.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !existed {
		s.log.Info("delete of missing task ignored", "id", id)
		return nil
	}
	s.log.Info("task deleted", "id", id)

	metrics.MutationCounter.WithLabelValues("delete").Inc()
	s.invalidateList()
	s.publish(ctx, event.Deleted(id))
	return nil
}

// Acquire attempts to take the task's lock for owner and broadcasts Locked
// on success. A rejection (missing task or held by another owner) is a soft
// false, not an error; re-acquiring an already held lock succeeds.
func (s *TaskService) Acquire(ctx context.Context, id uint, owner string) (bool, error) {
	ctx, span := tracer.Start(ctx, "TaskService.Acquire",
		trace.WithAttributes(attribute.Int64("task.id", int64(id)), attribute.String("task.owner", owner)))
	defer span.End()

	acquired, err := s.store.Tasks.Lock(ctx, id, owner)
	if err != nil {
		s.log.Error("failed to lock task", "id", id, "error", err)
		return false, err
	}
	if !acquired {
		s.log.Info("lock rejected", "id", id, "owner", owner)
		metrics.LockConflictCounter.Inc()
		return false, nil
	}
	s.log.Info("task locked", "id", id, "owner", owner)

	metrics.MutationCounter.WithLabelValues("lock").Inc()
	s.invalidateList()
	s.publish(ctx, event.Locked(id, owner))
	return true, nil
}

// Release clears the task's lock and broadcasts Unlocked. The owner is not
// verified against the holder, it is recorded for logging only; the implicit
// unlock on Update relies on this. Returns false only when the task does
// not exist.
func (s *TaskService) Release(ctx context.Context, id uint, owner string) (bool, error) {
	ctx, span := tracer.Start(ctx, "TaskService.Release",
		trace.WithAttributes(attribute.Int64("task.id", int64(id)), attribute.String("task.owner", owner)))
	defer span.End()

	found, err := s.store.Tasks.Unlock(ctx, id)
	if err != nil {
		s.log.Error("failed to unlock task", "id", id, "error", err)
		return false, err
	}
	if !found {
		s.log.Info("unlock of missing task rejected", "id", id)
		return false, nil
	}
	s.log.Info("task unlocked", "id", id, "owner", owner)

	metrics.MutationCounter.WithLabelValues("unlock").Inc()
	s.invalidateList()
	s.publish(ctx, event.Unlocked(id))
	return true, nil
}
