package api

import "net/http"

type healthResponse struct {
	Status string `json:"status"`
	RunID  string `json:"run_id"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", RunID: s.src.RunID()})
}
