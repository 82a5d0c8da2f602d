package api

import "net/http"

func (s *Server) handleAsyncExecution(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeExecutionRequest(w, r)
	if !ok {
		return
	}

	ex, err := s.engine.Submit(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, "submit execution", err)
		return
	}

	w.Header().Set("Location", "/v1/executions/"+ex.ID)
	s.writeJSON(w, http.StatusAccepted, ex)
}
