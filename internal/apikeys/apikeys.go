// Package apikeys implements the /v1/* authorization model from spec.md
// §6: a single legacy key accepted by exact match, or a key-list with
// per-key mode/remark/created_at, persisted under kv.KeyAPIKeys. Grounded
// on the teacher's internal/auth.Middleware (constant-time compare,
// extractToken precedence), retargeted from an admin-token-or-user-lookup
// model to the spec's legacy-key-or-key-list model with memory/fast modes.
package apikeys

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cwgate/gateway/internal/kv"
)

// Mode selects how the orchestrator binds a logical conversation to an
// account for requests authenticated under a given key.
type Mode string

const (
	ModeMemory Mode = "memory" // session-binding keyed by hash("apikey:" + token)
	ModeFast   Mode = "fast"   // binding bypassed, single-use cache key per request
)

// Key is one entry in the configured key-list.
type Key struct {
	Key       string    `json:"key"`
	Mode      Mode      `json:"mode"`
	Remark    string    `json:"remark,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Identity is what a successful Authenticate call returns: the effective
// mode the orchestrator should bind under, and enough to display which key
// was used.
type Identity struct {
	Key  string
	Mode Mode
}

// Registry holds the legacy key plus the mutable key-list, persisted as one
// JSON document under kv.KeyAPIKeys.
type Registry struct {
	mu        sync.RWMutex
	store     kv.Store
	legacyKey string
	keys      []Key
}

func New(store kv.Store, legacyKey string) *Registry {
	return &Registry{store: store, legacyKey: legacyKey}
}

// Load populates the key-list from the store; a missing document is not an
// error (the registry simply starts with the legacy key only).
func (r *Registry) Load(ctx context.Context) error {
	doc, err := r.store.Get(ctx, kv.KeyAPIKeys)
	if err != nil {
		return fmt.Errorf("apikeys: load: %w", err)
	}
	if doc == nil {
		return nil
	}
	var keys []Key
	if err := json.Unmarshal(doc, &keys); err != nil {
		return fmt.Errorf("apikeys: decode: %w", err)
	}
	r.mu.Lock()
	r.keys = keys
	r.mu.Unlock()
	return nil
}

func (r *Registry) persistLocked(ctx context.Context) error {
	doc, err := json.Marshal(r.keys)
	if err != nil {
		return fmt.Errorf("apikeys: encode: %w", err)
	}
	return r.store.Set(ctx, kv.KeyAPIKeys, doc)
}

// List returns a snapshot of the configured key-list (never the legacy
// key, which has no remark/mode to show).
func (r *Registry) List() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Key, len(r.keys))
	copy(out, r.keys)
	return out
}

// Add appends a new key-list entry and persists it.
func (r *Registry) Add(ctx context.Context, key string, mode Mode, remark string) (Key, error) {
	if mode != ModeMemory && mode != ModeFast {
		return Key{}, fmt.Errorf("apikeys: invalid mode %q", mode)
	}
	entry := Key{Key: key, Mode: mode, Remark: remark, CreatedAt: time.Now()}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, entry)
	if err := r.persistLocked(ctx); err != nil {
		r.keys = r.keys[:len(r.keys)-1]
		return Key{}, err
	}
	return entry, nil
}

// Remove deletes a key-list entry by exact key match.
func (r *Registry) Remove(ctx context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, k := range r.keys {
		if k.Key == key {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false, nil
	}
	removed := r.keys[idx]
	r.keys = append(r.keys[:idx], r.keys[idx+1:]...)
	if err := r.persistLocked(ctx); err != nil {
		r.keys = append(r.keys[:idx], append([]Key{removed}, r.keys[idx:]...)...)
		return false, err
	}
	return true, nil
}

// Authenticate resolves a bearer token to an Identity: the legacy key (mode
// fast, no binding), a key-list entry's own mode, or — when neither a
// legacy key nor any key-list entries are configured — a synthetic default
// key that leaves the endpoint open (spec.md §6).
func (r *Registry) Authenticate(token string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.legacyKey == "" && len(r.keys) == 0 {
		return Identity{Key: "default", Mode: ModeFast}, true
	}
	if r.legacyKey != "" && constantTimeEqual(token, r.legacyKey) {
		return Identity{Key: token, Mode: ModeFast}, true
	}
	for _, k := range r.keys {
		if constantTimeEqual(token, k.Key) {
			return Identity{Key: k.Key, Mode: k.Mode}, true
		}
	}
	return Identity{}, false
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ExtractToken pulls the bearer token out of an Authorization header,
// tolerating a missing "Bearer " prefix the same way a lenient OpenAI
// client library might send it.
func ExtractToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	if rest, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
		return rest
	}
	return authHeader
}
