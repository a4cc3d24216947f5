package simulator

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleData handles POST /v1/data/{path}. An empty body evaluates the
// document without input, so rules guarded on input keys stay undefined.
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	strict := r.URL.Query().Get("strict-builtin-errors") == "true"

	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, http.StatusBadRequest, codeInvalidParameter, "failed to read request body")
		return
	}

	var input interface{}
	if len(bytes.TrimSpace(body)) > 0 {
		var req struct {
			Input interface{} `json:"input"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			WriteError(w, http.StatusBadRequest, codeInvalidParameter, "request body is not valid JSON")
			return
		}
		input = req.Input
	}

	decisionID := uuid.New().String()
	value, err := s.engine.Query(r.Context(), path, input, strict)
	s.metrics.decisionsTotal.Inc()

	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
	}

	s.pipeline.Emit(DecisionEvent{
		DecisionID: decisionID,
		Path:       path,
		Input:      input,
		Result:     value,
		Status:     status,
		Timestamp:  time.Now().UTC(),
	})

	if err != nil {
		log.Error().
			Err(err).
			Str("path", path).
			Str("decision_id", decisionID).
			Str("correlation_id", GetCorrelationID(r.Context())).
			Msg("policy evaluation failed")
		WriteError(w, http.StatusInternalServerError, codeInternalError, err.Error())
		return
	}

	resp := map[string]interface{}{"decision_id": decisionID}
	if value != nil {
		resp["result"] = value
	}
	WriteJSON(w, http.StatusOK, resp)
}
