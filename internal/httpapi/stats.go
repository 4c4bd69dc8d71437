package httpapi

import "net/http"

// handleTaskStats reports recent task timing percentiles.
func (s *Server) handleTaskStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.TimingSnapshot())
}
