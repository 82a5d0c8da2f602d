package api

import (
	"net/http"

	"github.com/seantiz/anvil/internal/limiter"
	"github.com/seantiz/anvil/internal/pool"
	"github.com/seantiz/anvil/internal/worker"
)

// poolResponse is the JSON response for GET /v1/pool.
type poolResponse struct {
	Isolation string               `json:"isolation"`
	Workers   pool.Stats           `json:"workers"`
	Slots     limiter.Stats        `json:"slots"`
	Spawners  []worker.SpawnerInfo `json:"spawners"`
}

func (s *Server) handleGetPool(w http.ResponseWriter, _ *http.Request) {
	resp := poolResponse{Isolation: s.deps.Isolation}
	if s.deps.Pool != nil {
		resp.Workers = s.deps.Pool.Stats()
	}
	if s.deps.Limiter != nil {
		resp.Slots = s.deps.Limiter.Stats()
	}
	if s.deps.Workers != nil {
		resp.Spawners = s.deps.Workers.List()
	}
	if resp.Spawners == nil {
		resp.Spawners = []worker.SpawnerInfo{}
	}
	s.writeJSON(w, http.StatusOK, resp)
}
