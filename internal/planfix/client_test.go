package planfix

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *fakeClock) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	clock := newFakeClock()
	gov := testGovernor(clock, GovernorOptions{MinInterval: time.Millisecond})
	return NewClient(ClientOptions{
		BaseURL:  srv.URL,
		APIKey:   "test-key",
		Governor: gov,
	}), clock
}

func TestClientTask(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if r.URL.Path != "/task/100" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": "success",
			"task": map[string]any{
				"id":     100,
				"name":   "printer on fire",
				"status": map[string]any{"id": 2, "name": "В работе"},
				"assignees": map[string]any{
					"users": []map[string]any{{"id": "user:55", "name": "Ivan"}},
				},
			},
		})
	}))

	task, err := client.Task(context.Background(), 100)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if task.ID != 100 || task.Status.ID != 2 {
		t.Fatalf("task = %+v", task)
	}
	if len(task.Assignees.Users) != 1 {
		t.Fatalf("assignees = %+v", task.Assignees)
	}
	id, ok := task.Assignees.Users[0].NumericID()
	if !ok || id != 55 {
		t.Fatalf("assignee id = %d ok=%v", id, ok)
	}
}

func TestClientThrottleRetried(t *testing.T) {
	var hits atomic.Int32
	client, clock := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"result": "fail", "code": 22, "error": "Too many requests", "timeToReset": 2,
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": "success",
			"task":   map[string]any{"id": 100},
		})
	}))

	task, err := client.Task(context.Background(), 100)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if task.ID != 100 {
		t.Fatalf("task = %+v", task)
	}
	if hits.Load() != 2 {
		t.Fatalf("hits = %d, want 2", hits.Load())
	}

	// The retry waited out the 2s hint + 15s margin.
	sleeps := clock.Sleeps()
	found := false
	for _, d := range sleeps {
		if d == 17*time.Second {
			found = true
		}
	}
	if !found {
		t.Fatalf("sleeps = %v, want a 17s cooldown wait", sleeps)
	}
}

func TestClientNotFound(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": "fail", "code": 1000, "error": "Task not found",
		})
	}))

	_, err := client.Task(context.Background(), 9999)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestClientAPIError(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": "fail", "code": 5, "error": "Invalid field",
		})
	}))

	_, err := client.Task(context.Background(), 100)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.Code != 5 {
		t.Errorf("Code = %d", apiErr.Code)
	}
}

func TestClientRecordsRemainingHeader(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "19875")
		_ = json.NewEncoder(w).Encode(map[string]any{"result": "success", "task": map[string]any{"id": 1}})
	}))

	if _, err := client.Task(context.Background(), 1); err != nil {
		t.Fatalf("Task: %v", err)
	}
	if got := client.Governor().Remaining(); got != 19875 {
		t.Fatalf("Remaining = %d, want 19875", got)
	}
}

func TestClientUpdateTaskStatus(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/task/100" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var body struct {
			Status struct {
				ID int64 `json:"id"`
			} `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Status.ID != 3 {
			t.Errorf("status id = %d", body.Status.ID)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": "success"})
	}))

	if err := client.UpdateTaskStatus(context.Background(), 100, 3); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}
}

func TestClientCreateTaskAndComment(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/task/":
			_ = json.NewEncoder(w).Encode(map[string]any{"result": "success", "id": 777})
		case "/task/777/comments/":
			_ = json.NewEncoder(w).Encode(map[string]any{"result": "success", "id": 4242})
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))

	id, err := client.CreateTask(context.Background(), CreateTaskRequest{Name: "help", ProcessID: 9})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if id != 777 {
		t.Fatalf("id = %d", id)
	}
	commentID, err := client.AddComment(context.Background(), 777, "hello")
	if err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	if commentID != 4242 {
		t.Fatalf("comment id = %d", commentID)
	}
}

func TestClientProcessStatuses(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": "success",
			"statuses": []map[string]any{
				{"id": 1, "name": "Новая", "systemName": "NEW", "isActive": true},
				{"id": 2, "name": "В работе", "systemName": "INPROGRESS", "isActive": true},
			},
		})
	}))

	statuses, err := client.ProcessStatuses(context.Background(), 9)
	if err != nil {
		t.Fatalf("ProcessStatuses: %v", err)
	}
	if len(statuses) != 2 || statuses[1].SystemName != "INPROGRESS" {
		t.Fatalf("statuses = %+v", statuses)
	}
}

func TestClientProcessStatusesRequiresProcess(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("no request expected")
	}))
	_, err := client.ProcessStatuses(context.Background(), 0)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}
