package api

import (
	"net/http"

	"github.com/seantiz/cosim/internal/model"
)

type listCallsResponse struct {
	Calls []model.Call `json:"calls"`
	Total int          `json:"total"`
}

// handleListCalls reports calls that are registered and not yet consumed
// by a wait, optionally filtered by ?status= and ?target=.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	status := model.CallStatus(r.URL.Query().Get("status"))
	target := r.URL.Query().Get("target")

	calls := []model.Call{}
	for _, c := range s.src.Dispatcher().Calls() {
		if status != "" && c.Status != status {
			continue
		}
		if target != "" && c.Target != target {
			continue
		}
		calls = append(calls, c)
	}

	s.writeJSON(w, http.StatusOK, listCallsResponse{Calls: calls, Total: len(calls)})
}
