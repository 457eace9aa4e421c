package httpapi

import (
	"net/http"
	"time"
)

// modelObject is one entry of the OpenAI-compatible /v1/models response.
type modelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// modelsBoot is a fixed timestamp used for every model's "created" field;
// the upstream service has no per-model creation date to report.
var modelsBoot = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC).Unix()

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	ids := s.models.List()
	data := make([]modelObject, 0, len(ids))
	for _, id := range ids {
		data = append(data, modelObject{ID: id, Object: "model", Created: modelsBoot, OwnedBy: "cwgate"})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   data,
	})
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.models.Valid(id) {
		writeError(w, http.StatusNotFound, "model-not-found", "unknown model: "+id)
		return
	}
	writeJSON(w, http.StatusOK, modelObject{ID: id, Object: "model", Created: modelsBoot, OwnedBy: "cwgate"})
}
