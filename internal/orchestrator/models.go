package orchestrator

import "sort"

// ModelRegistry validates inbound model ids against the configured allowed
// set and maps a client-facing id to the upstream assistGenerationConfig
// model id, when they differ (spec.md §4.9 step 1, §4.7).
type ModelRegistry struct {
	allowed map[string]string
}

// NewModelRegistry builds a registry from a client-id -> upstream-id map.
// An empty upstream id means the client id is passed through unchanged.
func NewModelRegistry(allowed map[string]string) *ModelRegistry {
	m := make(map[string]string, len(allowed))
	for k, v := range allowed {
		m[k] = v
	}
	return &ModelRegistry{allowed: m}
}

// Valid reports whether model is one of the allowed ids.
func (r *ModelRegistry) Valid(model string) bool {
	_, ok := r.allowed[model]
	return ok
}

// UpstreamMapping returns the whole configured client-id -> upstream-id map.
func (r *ModelRegistry) UpstreamMapping() map[string]string {
	return r.allowed
}

// List returns every allowed model id, sorted for stable /v1/models output.
func (r *ModelRegistry) List() []string {
	out := make([]string, 0, len(r.allowed))
	for id := range r.allowed {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
