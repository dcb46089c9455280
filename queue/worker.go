// Package queue runs background task creation: producers enqueue tasks and
// a single worker drains them through the service, so queued adds still
// broadcast Added events like any other mutation.
package queue

import (
	"context"
	"log/slog"

	"github.com/taskwire/taskwire/model"
	"github.com/taskwire/taskwire/service"
)

const defaultQueueSize = 128

// AddWorker is the background add queue.
type AddWorker struct {
	svc  *service.TaskService
	log  *slog.Logger
	jobs chan model.Task
	done chan struct{}
}

// Option configures an AddWorker.
type Option func(*AddWorker)

// WithQueueSize sets the job buffer size.
func WithQueueSize(n int) Option {
	return func(w *AddWorker) {
		w.jobs = make(chan model.Task, n)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *AddWorker) {
		w.log = l
	}
}

// NewAddWorker returns a stopped worker; call Start to begin draining.
func NewAddWorker(svc *service.TaskService, opts ...Option) *AddWorker {
	w := &AddWorker{
		svc:  svc,
		log:  slog.Default(),
		jobs: make(chan model.Task, defaultQueueSize),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Enqueue queues a task for creation. It returns false when the queue is
// full or the worker has stopped; the caller decides whether to fall back
// to a direct add.
func (w *AddWorker) Enqueue(task model.Task) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.jobs <- task:
		w.log.Info("task enqueued", "title", task.Title)
		return true
	default:
		return false
	}
}

// Start drains the queue until ctx is cancelled. Failed adds are logged
// and dropped; the queue carries no retry semantics.
func (w *AddWorker) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		w.log.Info("add worker started")
		for {
			select {
			case task := <-w.jobs:
				if _, err := w.svc.Add(ctx, task); err != nil {
					w.log.Error("queued add failed", "title", task.Title, "error", err)
					continue
				}
				w.log.Info("queued add completed", "title", task.Title)
			case <-ctx.Done():
				w.log.Info("add worker stopped")
				return
			}
		}
	}()
}
