package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/seantiz/cosim/internal/model"
)

func decodeTasks(t *testing.T, resp *http.Response) listTasksResponse {
	t.Helper()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body listTasksResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body
}

func TestListTasksEmpty(t *testing.T) {
	env := newTestServer(t)

	body := decodeTasks(t, env.get(t, "/v1/tasks"))
	if body.Tasks == nil {
		t.Error("tasks = null, want []")
	}
	if body.Total != 0 {
		t.Errorf("total = %d, want 0", body.Total)
	}
	if body.Limit != defaultListLimit {
		t.Errorf("limit = %d, want %d", body.Limit, defaultListLimit)
	}
}

func TestListTasksFilters(t *testing.T) {
	env := newTestServer(t)

	env.seedTask(t, "alpha", "a0", model.TaskDone)
	env.seedTask(t, "alpha", "a1", model.TaskRunning)
	env.seedTask(t, "beta", "b0", model.TaskQueued)

	other := &model.Task{
		ID:        model.NewID(),
		RunID:     "previous-run",
		Owner:     "WORKER",
		Pool:      "alpha",
		Name:      "old",
		Status:    model.TaskQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := env.store.CreateTask(context.Background(), other); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"current run", "", 3},
		{"every run", "?run_id=all", 4},
		{"other run", "?run_id=previous-run", 1},
		{"by pool", "?pool=alpha", 2},
		{"by status", "?status=running", 1},
		{"by owner", "?owner=NOBODY", 0},
		{"pool and status", "?pool=alpha&status=done", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := decodeTasks(t, env.get(t, "/v1/tasks"+tt.query))
			if body.Total != tt.want {
				t.Errorf("total = %d, want %d", body.Total, tt.want)
			}
			if len(body.Tasks) != tt.want {
				t.Errorf("len(tasks) = %d, want %d", len(body.Tasks), tt.want)
			}
		})
	}
}

func TestListTasksPagination(t *testing.T) {
	env := newTestServer(t)
	for _, name := range []string{"t0", "t1", "t2", "t3", "t4"} {
		env.seedTask(t, "pool", name, model.TaskQueued)
	}

	body := decodeTasks(t, env.get(t, "/v1/tasks?limit=2&offset=4"))
	if body.Total != 5 {
		t.Errorf("total = %d, want 5", body.Total)
	}
	if len(body.Tasks) != 1 {
		t.Errorf("len(tasks) = %d, want 1", len(body.Tasks))
	}

	body = decodeTasks(t, env.get(t, "/v1/tasks?limit=1000&offset=-3"))
	if body.Limit != defaultListLimit || body.Offset != 0 {
		t.Errorf("limit, offset = %d, %d, want %d, 0", body.Limit, body.Offset, defaultListLimit)
	}
}

func TestGetTask(t *testing.T) {
	env := newTestServer(t)
	seeded := env.seedTask(t, "pool", "task_0", model.TaskDone)

	resp := env.get(t, "/v1/tasks/"+seeded.ID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got model.Task
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Name != "task_0" || got.Status != model.TaskDone {
		t.Errorf("task = %s/%s, want task_0/done", got.Name, got.Status)
	}
	if got.ReturnCode == nil || *got.ReturnCode != 0 {
		t.Errorf("return_code = %v, want 0", got.ReturnCode)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	env := newTestServer(t)

	resp := env.get(t, "/v1/tasks/nonexistent")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
