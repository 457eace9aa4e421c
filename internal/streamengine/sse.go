package streamengine

import (
	"encoding/json"
	"fmt"
	"io"
)

// ChatChunk is one OpenAI chat.completion.chunk SSE frame.
type ChatChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []ChunkChoice  `json:"choices"`
}

type ChunkChoice struct {
	Index        int          `json:"index"`
	Delta        ChunkDelta   `json:"delta"`
	FinishReason *string      `json:"finish_reason"`
}

type ChunkDelta struct {
	Role             string `json:"role,omitempty"`
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// Emitter writes OpenAI SSE frames to an underlying writer, flushing after
// each one. Chunk ids are stable within one response (spec.md §6).
type Emitter struct {
	w         io.Writer
	flush     func()
	id        string
	model     string
	created   int64
	roleSent  bool
}

func NewEmitter(w io.Writer, flush func(), id, model string, created int64) *Emitter {
	return &Emitter{w: w, flush: flush, id: id, model: model, created: created}
}

func (e *Emitter) writeChunk(delta ChunkDelta, finish *string) error {
	chunk := ChatChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
	raw, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", raw); err != nil {
		return err
	}
	if e.flush != nil {
		e.flush()
	}
	return nil
}

// Role emits the first chunk, establishing the assistant role.
func (e *Emitter) Role() error {
	e.roleSent = true
	return e.writeChunk(ChunkDelta{Role: "assistant"}, nil)
}

// DeltaChunk emits one content or reasoning_content delta, sending the
// role chunk first if it hasn't gone out yet.
func (e *Emitter) DeltaChunk(d Delta) error {
	if !e.roleSent {
		if err := e.Role(); err != nil {
			return err
		}
	}
	return e.writeChunk(ChunkDelta{Content: d.Content, ReasoningContent: d.ReasoningContent}, nil)
}

// Text emits a plain content delta, e.g. a media fragment appended after
// the text stream completes.
func (e *Emitter) Text(content string) error {
	if !e.roleSent {
		if err := e.Role(); err != nil {
			return err
		}
	}
	return e.writeChunk(ChunkDelta{Content: content}, nil)
}

// Finish emits the closing chunk with finish_reason="stop" followed by the
// terminal [DONE] frame.
func (e *Emitter) Finish() error {
	stop := "stop"
	if err := e.writeChunk(ChunkDelta{}, &stop); err != nil {
		return err
	}
	_, err := fmt.Fprint(e.w, "data: [DONE]\n\n")
	if e.flush != nil {
		e.flush()
	}
	return err
}
