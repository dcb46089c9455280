package client

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/taskwire/taskwire/event"
	"github.com/taskwire/taskwire/model"
)

// ConnState is the push-channel connection state.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

const defaultReconnectInterval = 10 * time.Second

// Reconciler maintains the client's projection of server state. Change
// events, resync replacements and selection changes are all serialized
// through a single goroutine, so events arriving on the websocket can
// never race a resync or a caller.
type Reconciler struct {
	api       *API
	wsURL     string
	owner     string
	log       *slog.Logger
	reporter  Reporter
	statePath string
	interval  time.Duration

	ops   chan func()
	state atomic.Int32

	// Everything below is owned by the actor goroutine.
	tasks        map[uint]model.Task
	users        []model.User
	tags         []model.Tag
	selected     uint
	prevSelected uint
	editing      bool
	saved        UIState
	restored     bool
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconnectInterval overrides the reconnect poll interval.
func WithReconnectInterval(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.interval = d
	}
}

// WithReporter sets the central error sink.
func WithReporter(rep Reporter) ReconcilerOption {
	return func(r *Reconciler) {
		r.reporter = rep
	}
}

// WithStatePath enables UI-state persistence at the given file.
func WithStatePath(path string) ReconcilerOption {
	return func(r *Reconciler) {
		r.statePath = path
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		r.log = l
	}
}

// NewReconciler returns a reconciler for the server behind api. wsURL is
// the push endpoint (e.g. "ws://host:8080/ws"); owner is the free-text
// user name used for lock requests.
func NewReconciler(api *API, wsURL, owner string, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		api:      api,
		wsURL:    wsURL,
		owner:    owner,
		log:      slog.Default(),
		reporter: &LogReporter{},
		interval: defaultReconnectInterval,
		ops:      make(chan func()),
		tasks:    make(map[uint]model.Task),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current connection state.
func (r *Reconciler) State() ConnState {
	return ConnState(r.state.Load())
}

func (r *Reconciler) setState(s ConnState) {
	old := ConnState(r.state.Swap(int32(s)))
	if old != s {
		r.log.Info("connection state changed", "from", old, "to", s)
	}
}

// Run owns the connection lifecycle: connect, resync, consume events, and
// on fault poll for reconnection at a fixed interval, indefinitely. It
// blocks until ctx is cancelled, then persists the UI state.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.statePath != "" {
		saved, err := LoadUIState(r.statePath)
		if err != nil {
			r.reporter.Report(err, "LoadUIState", "Could not read saved UI state.", SeverityLog)
		}
		r.saved = saved
	}

	actorDone := make(chan struct{})
	go func() {
		defer close(actorDone)
		for {
			select {
			case op := <-r.ops:
				op()
			case <-ctx.Done():
				return
			}
		}
	}()

	r.runConnectionLoop(ctx)

	<-actorDone
	r.setState(Disconnected)
	if r.statePath != "" {
		if err := SaveUIState(r.statePath, r.snapshotUIState()); err != nil {
			r.reporter.Report(err, "SaveUIState", "Could not persist UI state.", SeverityLog)
		}
	}
	return ctx.Err()
}

func (r *Reconciler) runConnectionLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		r.setState(Connecting)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.wsURL, nil)
		if err != nil {
			r.setState(Disconnected)
			r.log.Warn("connect failed", "error", err)
			if !r.waitForRetry(ctx) {
				return
			}
			continue
		}

		r.setState(Connected)
		r.log.Info("connected", "url", r.wsURL)
		// ReadMessage has no context plumbing; closing the connection is
		// what unblocks consume on cancellation.
		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		r.resync(ctx)
		r.consume(ctx, conn)
		stop()
		_ = conn.Close()
		r.setState(Disconnected)
	}
}

// waitForRetry blocks one poll interval; false means ctx was cancelled.
func (r *Reconciler) waitForRetry(ctx context.Context) bool {
	select {
	case <-time.After(r.interval):
		return true
	case <-ctx.Done():
		return false
	}
}

// consume reads pushed events until the connection faults.
func (r *Reconciler) consume(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				r.log.Warn("push channel closed", "error", err)
			}
			return
		}
		ev, err := event.Decode(data)
		if err != nil {
			r.reporter.Report(err, "consume", "Dropped an undecodable change event.", SeverityLog)
			continue
		}
		r.Apply(ctx, ev)
	}
}

// resync fetches the complete task, user and tag lists and replaces the
// projection wholesale. The local cache is never assumed valid after a
// connection gap. A resync that loses the race to a newer one simply gets
// overwritten when the newer one lands on the actor.
func (r *Reconciler) resync(ctx context.Context) {
	var (
		tasks []model.Task
		users []model.User
		tags  []model.Tag
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		tasks, err = r.api.GetTasks(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		users, err = r.api.GetUsers(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		tags, err = r.api.GetTags(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		r.reporter.Report(err, "resync", "Cannot reach the server.", SeverityWarning)
		return
	}

	r.post(ctx, func() {
		r.tasks = make(map[uint]model.Task, len(tasks))
		for _, t := range tasks {
			r.tasks[t.ID] = t
		}
		r.users = users
		r.tags = tags

		if !r.restored {
			r.restored = true
			if r.saved.SelectedTaskID != nil {
				if _, ok := r.tasks[*r.saved.SelectedTaskID]; ok {
					r.selected = *r.saved.SelectedTaskID
					r.editing = r.saved.Editing
				}
			}
			return
		}
		// Later resyncs keep the selection only while the task survives.
		if r.selected != 0 {
			if _, ok := r.tasks[r.selected]; !ok {
				r.selected = 0
				r.editing = false
			}
		}
	})
	r.log.Info("resynced", "tasks", len(tasks), "users", len(users), "tags", len(tags))
}

// Apply merges one change event into the projection. Events are idempotent
// and order-tolerant: a stale or duplicated event about a task the client
// no longer has is ignored rather than surfaced.
func (r *Reconciler) Apply(ctx context.Context, ev event.Event) {
	r.post(ctx, func() {
		switch ev.Kind {
		case event.KindAdded:
			if ev.Task == nil {
				return
			}
			// The full list may have been fetched concurrently with the push.
			if _, ok := r.tasks[ev.Task.ID]; ok {
				return
			}
			r.tasks[ev.Task.ID] = *ev.Task

		case event.KindUpdated:
			if ev.Task == nil {
				return
			}
			if _, ok := r.tasks[ev.Task.ID]; !ok {
				return
			}
			r.tasks[ev.Task.ID] = *ev.Task

		case event.KindDeleted:
			if _, ok := r.tasks[ev.TaskID]; !ok {
				return
			}
			delete(r.tasks, ev.TaskID)
			if r.selected == ev.TaskID {
				r.editing = false
				if _, ok := r.tasks[r.prevSelected]; ok {
					r.selected = r.prevSelected
				} else {
					r.selected = 0
				}
				r.prevSelected = 0
			}

		case event.KindLocked:
			t, ok := r.tasks[ev.TaskID]
			if !ok {
				return
			}
			now := time.Now().UTC()
			owner := ev.Owner
			t.IsLocked = true
			t.LockedBy = &owner
			t.LockedAt = &now
			r.tasks[ev.TaskID] = t

		case event.KindUnlocked:
			t, ok := r.tasks[ev.TaskID]
			if !ok {
				return
			}
			t.IsLocked = false
			t.LockedBy = nil
			t.LockedAt = nil
			r.tasks[ev.TaskID] = t
		}
	})
}

// post runs op on the actor goroutine and waits for it.
func (r *Reconciler) post(ctx context.Context, op func()) {
	done := make(chan struct{})
	select {
	case r.ops <- func() { op(); close(done) }:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (r *Reconciler) snapshotUIState() UIState {
	state := UIState{}
	if r.selected != 0 {
		id := r.selected
		state.SelectedTaskID = &id
		state.Editing = r.editing
	}
	return state
}

// Snapshot returns the projected tasks ordered by id.
func (r *Reconciler) Snapshot(ctx context.Context) []model.Task {
	var out []model.Task
	r.post(ctx, func() {
		out = make([]model.Task, 0, len(r.tasks))
		for _, t := range r.tasks {
			out = append(out, t)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Task returns one projected task.
func (r *Reconciler) Task(ctx context.Context, id uint) (model.Task, bool) {
	var (
		t  model.Task
		ok bool
	)
	r.post(ctx, func() {
		t, ok = r.tasks[id]
	})
	return t, ok
}

// Users returns the projected user list.
func (r *Reconciler) Users(ctx context.Context) []model.User {
	var out []model.User
	r.post(ctx, func() {
		out = append([]model.User(nil), r.users...)
	})
	return out
}

// Tags returns the projected tag list.
func (r *Reconciler) Tags(ctx context.Context) []model.Tag {
	var out []model.Tag
	r.post(ctx, func() {
		out = append([]model.Tag(nil), r.tags...)
	})
	return out
}

// Selected returns the currently selected task id, if any.
func (r *Reconciler) Selected(ctx context.Context) (uint, bool) {
	var (
		id uint
		ok bool
	)
	r.post(ctx, func() {
		id, ok = r.selected, r.selected != 0
	})
	return id, ok
}

// Select changes the selection, remembering the previous one as the
// fallback used when the selected task is deleted remotely.
func (r *Reconciler) Select(ctx context.Context, id uint) {
	r.post(ctx, func() {
		if r.selected == id {
			return
		}
		r.prevSelected = r.selected
		r.selected = id
		r.editing = false
	})
}

// BeginEdit locks the selected task for this client's owner name. A soft
// false means another owner holds the lock.
func (r *Reconciler) BeginEdit(ctx context.Context) (bool, error) {
	id, ok := r.Selected(ctx)
	if !ok {
		return false, nil
	}
	locked, err := r.api.LockTask(ctx, id, r.owner)
	if err != nil {
		r.reporter.Report(err, "BeginEdit", "Edit failed.", SeverityWarning)
		return false, err
	}
	if !locked {
		r.reporter.Report(nil, "BeginEdit", "Task already locked by someone else.", SeverityWarning)
		return false, nil
	}
	r.post(ctx, func() { r.editing = true })
	return true, nil
}

// CancelEdit releases the selected task's lock.
func (r *Reconciler) CancelEdit(ctx context.Context) error {
	id, ok := r.Selected(ctx)
	if !ok {
		return nil
	}
	released, err := r.api.UnlockTask(ctx, id, r.owner)
	if err != nil {
		r.reporter.Report(err, "CancelEdit", "Unlock failed.", SeverityLog)
		return err
	}
	if released {
		r.post(ctx, func() { r.editing = false })
	}
	return nil
}
