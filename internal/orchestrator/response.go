package orchestrator

import (
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/cwgate/gateway/internal/streamengine"
)

// ChatCompletionResponse is the non-streaming OpenAI chat.completion body
// (spec.md §6: "when false returns an OpenAI chat-completion JSON object").
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
}

type ChatCompletionChoice struct {
	Index        int                   `json:"index"`
	Message      ChatCompletionMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

type ChatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func newCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

// writeSynthetic emits a canned assistant reply without touching the
// upstream, used by the intercepted 重置/换号 commands (spec.md §4.9 step
// 3).
func writeSynthetic(w io.Writer, flush func(), model string, stream bool, text string) error {
	id := newCompletionID()
	created := time.Now().Unix()

	if !stream {
		resp := ChatCompletionResponse{
			ID:      id,
			Object:  "chat.completion",
			Created: created,
			Model:   model,
			Choices: []ChatCompletionChoice{{
				Index:        0,
				Message:      ChatCompletionMessage{Role: "assistant", Content: text},
				FinishReason: "stop",
			}},
		}
		return json.NewEncoder(w).Encode(resp)
	}

	emitter := streamengine.NewEmitter(w, flush, id, model, created)
	if err := emitter.Text(text); err != nil {
		return err
	}
	return emitter.Finish()
}

func writeJSON(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

// assembleResponse builds the non-streaming response from a fully
// buffered attempt.
func assembleResponse(model, content string) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      newCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatCompletionChoice{{
			Index:        0,
			Message:      ChatCompletionMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
	}
}
