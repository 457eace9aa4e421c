package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cwgate/gateway/internal/identity"
	"github.com/cwgate/gateway/internal/normalize"
	"github.com/cwgate/gateway/internal/orchestrator"
	"github.com/cwgate/gateway/internal/streamengine"
)

// chatCompletionBody is the inbound OpenAI-compatible request shape
// (spec.md §6: model, messages[], stream, temperature?, top_p?).
type chatCompletionBody struct {
	Model       string              `json:"model"`
	Messages    []normalize.Message `json:"messages"`
	Stream      bool                `json:"stream"`
	Temperature *float64            `json:"temperature,omitempty"`
	TopP        *float64            `json:"top_p,omitempty"`

	// ConversationID is not part of the OpenAI surface but is accepted as a
	// client-id ladder rung for chat_id derivation (spec.md §3's priority
	// list), same as the header/IP/fingerprint fallbacks.
	ConversationID string `json:"conversation_id,omitempty"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ident, _ := identityFromContext(r.Context())

	var body chatCompletionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-request", "invalid JSON body")
		return
	}
	if body.Model == "" {
		writeError(w, http.StatusBadRequest, "invalid-request", "model is required")
		return
	}

	req := orchestrator.Request{
		Model:              body.Model,
		Messages:           body.Messages,
		Stream:             body.Stream,
		APIKeyMode:         string(ident.Mode),
		APIKey:             ident.Key,
		Headers:            r.Header,
		BodyConversationID: body.ConversationID,
		ClientIP:           clientIP(r),
		PublicBaseURL:      identity.PublicBaseURL(r),
	}

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	if req.Stream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}

	outcome := s.orch.Handle(r.Context(), req, w, flush)
	label := "ok"
	if !outcome.OK {
		label = string(outcome.Kind)
	}
	s.metrics.recordRequest(body.Model, string(streamengine.ClassifyModel(body.Model)), label)
	if !outcome.OK {
		writeOutcome(w, outcome)
		return
	}
}

// clientIP strips the port from RemoteAddr, falling back to the raw value
// if it isn't in host:port form (e.g. a unix socket address).
func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx > 0 && !strings.Contains(addr[idx+1:], "]") {
		return addr[:idx]
	}
	return addr
}
