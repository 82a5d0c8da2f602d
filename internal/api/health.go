package api

import (
	"net/http"
)

type healthResponse struct {
	Status    string `json:"status"`
	Isolation string `json:"isolation"`
	// Workers counts live pool workers. Omitted when the server has no pool.
	Workers *int `json:"workers,omitempty"`
}

// handleHealthz reports "degraded" with a 503 when the pool should keep
// workers warm but has none left.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Isolation: s.deps.Isolation}
	status := http.StatusOK

	if s.deps.Pool != nil {
		st := s.deps.Pool.Stats()
		live := st.Live
		resp.Workers = &live
		if st.Min > 0 && st.Live == 0 {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}

	s.writeJSON(w, status, resp)
}
