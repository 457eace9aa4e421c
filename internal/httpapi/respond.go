package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/cwgate/gateway/internal/gwerrors"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

// writeError writes an OpenAI-shaped error body.
func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"type":    kind,
			"message": message,
		},
	})
}

// writeOutcome renders a failed gwerrors.Outcome as the client-facing error
// body, mapping its Kind to the HTTP status spec.md §6/§7 names.
func writeOutcome(w http.ResponseWriter, outcome gwerrors.Outcome) {
	writeError(w, gwerrors.HTTPStatus(outcome.Kind), string(outcome.Kind), outcome.Error())
}
