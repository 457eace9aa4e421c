// Package streamengine implements the streaming response engine (C7): the
// JSON-array stream parser, in-band upstream error promotion into the
// quota state machine, thought/answer token splitting, collected-file
// tracking, and the OpenAI SSE chunk emitter. Grounded on the teacher's
// internal/relay/stream.go (line-oriented SSE scanner) generalized from a
// line scanner to a brace-balance state machine, since the upstream here
// emits a concatenated JSON array rather than `data:` framed SSE.
package streamengine

import (
	"fmt"
	"strings"
)

// Delta is one unit of output the walker produces while traversing a
// decoded Element.
type Delta struct {
	ReasoningContent string // non-empty when this is a "thought" token
	Content          string // non-empty when this is an answer token
}

// CollectedFile is a generated-media reference seen mid-stream, to be
// resolved by the media handler once the stream ends.
type CollectedFile struct {
	FileID   string
	MimeType string
}

// Walker accumulates state across a single request's stream: the running
// content buffer, the latest (possibly renamed) upstream session handle,
// and any generated files, in the order they were seen.
type Walker struct {
	Session string // latest sessionInfo.session seen; upstream may rename mid-stream
	Content strings.Builder
	Files   []CollectedFile
}

// Walk traverses one decoded Element and returns the deltas it produced.
// A non-nil *UpstreamError means the element must be promoted to an HTTP
// failure by the caller (and, for quota-relevant codes, routed into the
// account state machine) instead of being treated as content.
func (w *Walker) Walk(e Element) (deltas []Delta, upstreamErr *UpstreamError) {
	if e.Error != nil {
		return nil, e.Error
	}

	if e.SessionInfo != nil && e.SessionInfo.Session != "" {
		w.Session = e.SessionInfo.Session
	}

	if e.StreamAssistResponse == nil {
		return nil, nil
	}

	for _, reply := range e.StreamAssistResponse.Answer.Replies {
		for _, item := range reply.GroundedContent.Content {
			switch {
			case item.File != nil:
				w.Files = append(w.Files, CollectedFile{FileID: item.File.FileID, MimeType: item.File.MimeType})
			case item.Thought:
				deltas = append(deltas, Delta{ReasoningContent: item.Text})
			case item.Text != "":
				w.Content.WriteString(item.Text)
				deltas = append(deltas, Delta{Content: item.Text})
			}
		}
	}
	return deltas, nil
}

// IsQuotaError reports whether an in-band upstream error must be routed
// into the account quota state machine (code 429 or a status containing
// RESOURCE_EXHAUSTED), per spec.md §4.7.2.
func IsQuotaError(e *UpstreamError) bool {
	if e == nil {
		return false
	}
	return e.Code == 429 || strings.Contains(e.Status, "RESOURCE_EXHAUSTED")
}

// UpstreamErrorMessage renders a stable diagnostic string for logs and for
// the fatal-outcome error chain.
func UpstreamErrorMessage(e *UpstreamError) string {
	return fmt.Sprintf("upstream error code=%d status=%s message=%s", e.Code, e.Status, e.Message)
}
