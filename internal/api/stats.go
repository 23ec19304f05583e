package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	RunID         string         `json:"run_id"`
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByBackend     map[string]int `json:"by_backend"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	CallsOpen     int            `json:"calls_open"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	ledger, ok := s.ledger(w)
	if !ok {
		return
	}
	stats, err := ledger.GetTaskStats(r.Context())
	if err != nil {
		s.logger.Error("get task stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		RunID:         s.src.RunID(),
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByBackend:     stats.CountByBackend,
		AvgDurationMS: stats.AvgDurationMS,
		CallsOpen:     len(s.src.Dispatcher().Calls()),
	})
}
