// Package kv implements the document-oriented key-value persistence layer
// (C12): get/set of whole JSON documents under well-known keys (accounts,
// settings, session_bindings, stats), backed by SQLite when DATABASE_URL
// or DBPath is configured, falling back to flat files under a data
// directory otherwise. Grounded on the teacher's internal/store package
// (Store interface + SQLite backend), retargeted from a relational
// user/log schema to a single document table.
package kv

import "context"

// Well-known document keys.
const (
	KeyAccounts        = "accounts"
	KeySettings        = "settings"
	KeySessionBindings = "session_bindings"
	KeyStats           = "stats"
	KeyAPIKeys         = "api_keys"
)

// Store is the persistence interface. Get/Set operate on whole documents
// identified by a well-known key; callers own (de)serialization.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	Get(ctx context.Context, key string) ([]byte, error) // nil, nil if absent
	Set(ctx context.Context, key string, doc []byte) error

	// BufferStats coalesces frequent stats writes; Flush forces them out.
	BufferStats(ctx context.Context, doc []byte)
	FlushStats(ctx context.Context) error
}
