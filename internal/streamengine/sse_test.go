package streamengine

import (
	"bytes"
	"strings"
	"testing"
)

func TestEmitterProducesRoleThenDeltaThenDone(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf, nil, "chatcmpl-1", "gemini-2.5-flash", 1700000000)

	if err := e.DeltaChunk(Delta{Content: "hello"}); err != nil {
		t.Fatalf("delta chunk: %v", err)
	}
	if err := e.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, `"role":"assistant"`) {
		t.Fatalf("expected role chunk, got %s", out)
	}
	if !strings.Contains(out, `"content":"hello"`) {
		t.Fatalf("expected content chunk, got %s", out)
	}
	if !strings.Contains(out, `"finish_reason":"stop"`) {
		t.Fatalf("expected finish chunk, got %s", out)
	}
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Fatalf("expected trailing [DONE], got %s", out)
	}

	roleIdx := strings.Index(out, `"role":"assistant"`)
	contentIdx := strings.Index(out, `"content":"hello"`)
	doneIdx := strings.Index(out, "[DONE]")
	if !(roleIdx < contentIdx && contentIdx < doneIdx) {
		t.Fatalf("expected role < content < done ordering, got indices %d %d %d", roleIdx, contentIdx, doneIdx)
	}
}

func TestEmitterChunkIDStableAcrossFrames(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf, nil, "chatcmpl-stable", "m", 0)
	e.DeltaChunk(Delta{Content: "a"})
	e.DeltaChunk(Delta{Content: "b"})
	e.Finish()

	count := strings.Count(buf.String(), `"id":"chatcmpl-stable"`)
	if count != 4 {
		t.Fatalf("expected chunk id on all 4 frames (role+2 deltas+finish), got %d", count)
	}
}
