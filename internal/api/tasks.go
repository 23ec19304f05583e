package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/cosim/internal/model"
	"github.com/seantiz/cosim/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// listTasksResponse wraps the paginated list response.
type listTasksResponse struct {
	Tasks  []*model.Task `json:"tasks"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// handleListTasks lists ledger entries. The run_id, owner, pool and status
// query parameters narrow the listing; run_id defaults to the current run
// and "all" lists every run in the ledger.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	f := store.TaskFilter{
		RunID:  q.Get("run_id"),
		Owner:  q.Get("owner"),
		Pool:   q.Get("pool"),
		Status: model.TaskStatus(q.Get("status")),
		Limit:  limit,
		Offset: offset,
	}
	switch f.RunID {
	case "":
		f.RunID = s.src.RunID()
	case "all":
		f.RunID = ""
	}

	ledger, ok := s.ledger(w)
	if !ok {
		return
	}
	tasks, total, err := ledger.ListTasks(r.Context(), f)
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  tasks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

// lookupTask resolves the {id} route parameter, writing the error response
// itself when it reports false.
func (s *Server) lookupTask(w http.ResponseWriter, r *http.Request) (*model.Task, bool) {
	ledger, ok := s.ledger(w)
	if !ok {
		return nil, false
	}
	id := chi.URLParam(r, "id")

	t, err := ledger.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get task", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return nil, false
	}
	return t, true
}

// ledger returns the run's task ledger, answering 503 itself when the
// framework runs without one.
func (s *Server) ledger(w http.ResponseWriter) (store.Store, bool) {
	l := s.src.Store()
	if l == nil {
		s.writeError(w, http.StatusServiceUnavailable, "task ledger disabled")
		return nil, false
	}
	return l, true
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
