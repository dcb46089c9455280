package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/taskwire/taskwire/model"
)

func newFastAPI(base string) *API {
	a := NewAPI(base)
	a.retryDelay = time.Millisecond
	return a
}

func TestReadRetriesUntilSuccess(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "transient", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode([]model.Task{{ID: 1, Title: "t"}})
	}))
	defer ts.Close()

	tasks, err := newFastAPI(ts.URL).GetTasks(context.Background())
	if err != nil {
		t.Fatalf("expected third attempt to succeed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != 1 {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
	if hits.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits.Load())
	}
}

func TestReadGivesUpAfterBoundedRetries(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer ts.Close()

	if _, err := newFastAPI(ts.URL).GetTasks(context.Background()); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if hits.Load() != maxReadRetries {
		t.Fatalf("expected %d attempts, got %d", maxReadRetries, hits.Load())
	}
}

func TestWritesAreNeverRetried(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer ts.Close()

	api := newFastAPI(ts.URL)
	ctx := context.Background()
	if _, err := api.AddTask(ctx, model.Task{Title: "t"}); err == nil {
		t.Fatal("expected error")
	}
	if _, err := api.UpdateTask(ctx, 1, model.Task{Title: "t"}); err == nil {
		t.Fatal("expected error")
	}
	if err := api.DeleteTask(ctx, 1); err == nil {
		t.Fatal("expected error")
	}
	if hits.Load() != 3 {
		t.Fatalf("each write should hit the server once, got %d hits", hits.Load())
	}
}

func TestLockConflictIsSoftFalse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "task is already locked or not found", http.StatusConflict)
	}))
	defer ts.Close()

	ok, err := newFastAPI(ts.URL).LockTask(context.Background(), 1, "alice")
	if err != nil {
		t.Fatalf("conflict must not be an error: %v", err)
	}
	if ok {
		t.Fatal("conflict must report false")
	}
}

func TestUnlockMissingIsSoftFalse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "task not found", http.StatusNotFound)
	}))
	defer ts.Close()

	ok, err := newFastAPI(ts.URL).UnlockTask(context.Background(), 1, "alice")
	if err != nil {
		t.Fatalf("missing task must not be an error: %v", err)
	}
	if ok {
		t.Fatal("missing task must report false")
	}
}

func TestStatusErrorCarriesBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "title is required", http.StatusBadRequest)
	}))
	defer ts.Close()

	_, err := newFastAPI(ts.URL).AddTask(context.Background(), model.Task{})
	se, ok := err.(*StatusError)
	if !ok {
		t.Fatalf("expected StatusError, got %T: %v", err, err)
	}
	if se.Code != http.StatusBadRequest || se.Body != "title is required" {
		t.Fatalf("unexpected status error: %+v", se)
	}
}
