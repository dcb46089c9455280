package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/taskwire/taskwire/changebus"
	"github.com/taskwire/taskwire/event"
	"github.com/taskwire/taskwire/metrics"
	"github.com/taskwire/taskwire/model"
	"github.com/taskwire/taskwire/server"
	"github.com/taskwire/taskwire/service"
	"github.com/taskwire/taskwire/store"
)

func newTestServer(t *testing.T) *httptest.Server {
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
	if err := st.Users.Ensure(context.Background(), "alice", "bob"); err != nil {
		t.Fatalf("seed users: %v", err)
	}
	if err := st.Tags.Ensure(context.Background(), "home", "work"); err != nil {
		t.Fatalf("seed tags: %v", err)
	}

	bus := changebus.NewInMemory()
	svc, err := service.New(st, bus)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	srv := server.New(svc, bus)

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)

	ts := httptest.NewServer(srv.Handler(reg))
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func decodeTask(t *testing.T, resp *http.Response) model.Task {
	t.Helper()
	defer resp.Body.Close()
	var task model.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	return task
}

func TestTaskCRUDOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/tasks", model.Task{Title: "buy milk"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add status: %d", resp.StatusCode)
	}
	task := decodeTask(t, resp)
	if task.ID == 0 || task.Title != "buy milk" {
		t.Fatalf("unexpected task: %+v", task)
	}

	resp, err := http.Get(ts.URL + "/api/tasks")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var tasks []model.Task
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	resp.Body.Close()
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}

	task.Title = "buy oat milk"
	resp = doJSON(t, http.MethodPut, fmt.Sprintf("%s/api/tasks/%d", ts.URL, task.ID), task)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status: %d", resp.StatusCode)
	}
	if got := decodeTask(t, resp); got.Title != "buy oat milk" {
		t.Fatalf("title not updated: %q", got.Title)
	}

	resp = doJSON(t, http.MethodPut, fmt.Sprintf("%s/api/tasks/%d/complete", ts.URL, task.ID), true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete status: %d", resp.StatusCode)
	}
	if got := decodeTask(t, resp); !got.IsComplete {
		t.Fatal("completion flag not set")
	}

	resp = doJSON(t, http.MethodDelete, fmt.Sprintf("%s/api/tasks/%d", ts.URL, task.ID), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status: %d", resp.StatusCode)
	}
	// Deleting again is still a success.
	resp = doJSON(t, http.MethodDelete, fmt.Sprintf("%s/api/tasks/%d", ts.URL, task.ID), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("repeat delete status: %d", resp.StatusCode)
	}
}

func TestValidationAndNotFoundStatuses(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/tasks", model.Task{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty title should be 400, got %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/api/tasks", model.Task{Title: strings.Repeat("x", 201)})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized title should be 400, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPut, ts.URL+"/api/tasks/9999", model.Task{Title: "x"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("update of missing task should be 404, got %d", resp.StatusCode)
	}
}

func TestLockConflictMapsToConflictStatus(t *testing.T) {
	ts := newTestServer(t)

	task := decodeTask(t, postJSON(t, ts.URL+"/api/tasks", model.Task{Title: "contended"}))
	lockURL := fmt.Sprintf("%s/api/tasks/%d/lock", ts.URL, task.ID)

	resp := postJSON(t, lockURL, "alice")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("alice lock status: %d", resp.StatusCode)
	}

	resp = postJSON(t, lockURL, "bob")
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("bob lock should be 409, got %d", resp.StatusCode)
	}

	// Re-acquiring your own lock is not a conflict.
	resp = postJSON(t, lockURL, "alice")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("re-entrant lock status: %d", resp.StatusCode)
	}

	unlockURL := fmt.Sprintf("%s/api/tasks/%d/unlock", ts.URL, task.ID)
	resp = postJSON(t, unlockURL, "alice")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unlock status: %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/api/tasks/9999/unlock", "alice")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unlock of missing task should be 404, got %d", resp.StatusCode)
	}
}

func TestSeededUsersAndTagsAreServed(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/users")
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	var users []model.User
	if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
		t.Fatalf("decode users: %v", err)
	}
	resp.Body.Close()
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}

	resp, err = http.Get(ts.URL + "/api/tags")
	if err != nil {
		t.Fatalf("tags: %v", err)
	}
	var tags []model.Tag
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		t.Fatalf("decode tags: %v", err)
	}
	resp.Body.Close()
	if len(tags) != 2 {
		t.Fatalf("expected 2 tags, got %d", len(tags))
	}
}

func TestPushStreamsChangeEventsToAllSessions(t *testing.T) {
	ts := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	dial := func() *websocket.Conn {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		t.Cleanup(func() { conn.Close() })
		return conn
	}
	a := dial()
	b := dial()

	// The handler subscribes just after the handshake; give it a moment
	// before publishing.
	time.Sleep(100 * time.Millisecond)

	task := decodeTask(t, postJSON(t, ts.URL+"/api/tasks", model.Task{Title: "announce"}))

	for _, conn := range []*websocket.Conn{a, b} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		ev, err := event.Decode(payload)
		if err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Kind != event.KindAdded || ev.TaskID != task.ID {
			t.Fatalf("unexpected event: %+v", ev)
		}
	}
}

func TestMetricsEndpointServes(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status: %d", resp.StatusCode)
	}
}
