package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cwgate/gateway/internal/pool"
	"github.com/cwgate/gateway/internal/tasks"
)

type memStore struct {
	docs map[string][]byte
}

func newMemStore() *memStore { return &memStore{docs: make(map[string][]byte)} }

func (m *memStore) Ping(context.Context) error { return nil }
func (m *memStore) Close() error               { return nil }
func (m *memStore) Get(_ context.Context, key string) ([]byte, error) {
	return m.docs[key], nil
}
func (m *memStore) Set(_ context.Context, key string, doc []byte) error {
	m.docs[key] = doc
	return nil
}
func (m *memStore) BufferStats(context.Context, []byte) {}
func (m *memStore) FlushStats(context.Context) error     { return nil }

func TestMergeAccountResultRefreshUpdatesInPlace(t *testing.T) {
	p := pool.New()
	p.Reload([]pool.Record{
		{AccountID: "acct-1", CSesIdx: "stale", ConfigID: "stale-cfg"},
	})

	mergeAccountResult(p, tasks.KindRefresh, "acct-1", &tasks.SubprocessConfig{
		ID:         "acct-1",
		CSesIdx:    "fresh-idx",
		ConfigID:   "fresh-cfg",
		SecureCSes: "fresh-secure",
		HostCOses:  "fresh-host",
		ExpiresAt:  "2030-01-02 15:04:05",
	})

	acct, ok := p.Named("acct-1")
	if !ok {
		t.Fatal("expected account to still exist after refresh merge")
	}
	rec := acct.Record()
	if rec.CSesIdx != "fresh-idx" || rec.ConfigID != "fresh-cfg" {
		t.Fatalf("expected refreshed credentials, got %+v", rec)
	}
	wantExpiry := time.Date(2030, 1, 2, 15, 4, 5, 0, time.UTC)
	if !rec.ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("expected parsed expiry %v, got %v", wantExpiry, rec.ExpiresAt)
	}
	if p.Size() != 1 {
		t.Fatalf("expected refresh to keep the account count at 1, got %d", p.Size())
	}
}

func TestMergeAccountResultRegisterAppendsNewAccount(t *testing.T) {
	p := pool.New()
	p.Reload([]pool.Record{
		{AccountID: "acct-1", CSesIdx: "c1", ConfigID: "cfg1"},
	})

	mergeAccountResult(p, tasks.KindRegister, "pending-register", &tasks.SubprocessConfig{
		ID:         "acct-new@example.com",
		CSesIdx:    "new-idx",
		ConfigID:   "new-cfg",
		SecureCSes: "new-secure",
		HostCOses:  "new-host",
		ExpiresAt:  "2030-06-01 00:00:00",
	})

	if p.Size() != 2 {
		t.Fatalf("expected register to append a second account, got %d", p.Size())
	}
	acct, ok := p.Named("acct-new@example.com")
	if !ok {
		t.Fatal("expected the newly registered account to be addressable by its reported id")
	}
	if acct.Record().ConfigID != "new-cfg" {
		t.Fatalf("expected new account's config id to be set, got %+v", acct.Record())
	}
}

func TestMergeAccountResultToleratesUnparsableExpiry(t *testing.T) {
	p := pool.New()
	p.Reload([]pool.Record{{AccountID: "acct-1", CSesIdx: "c1", ConfigID: "cfg1", ExpiresAt: time.Now().Add(time.Hour)}})

	before, _ := p.Named("acct-1")
	originalExpiry := before.Record().ExpiresAt

	mergeAccountResult(p, tasks.KindRefresh, "acct-1", &tasks.SubprocessConfig{
		ID:       "acct-1",
		CSesIdx:  "new-idx",
		ConfigID: "new-cfg",
		// ExpiresAt left empty/unparsable: should not clobber the existing expiry.
	})

	after, _ := p.Named("acct-1")
	if !after.Record().ExpiresAt.Equal(originalExpiry) {
		t.Fatalf("expected unparsable expiry to leave the prior value intact, got %v", after.Record().ExpiresAt)
	}
}

func TestPersistPoolRoundTripsThroughStore(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	p := pool.New()
	p.Reload([]pool.Record{
		{AccountID: "acct-1", CSesIdx: "c1", ConfigID: "cfg1"},
		{AccountID: "acct-2", CSesIdx: "c2", ConfigID: "cfg2", Disabled: true},
	})

	if err := persistPool(ctx, store, p); err != nil {
		t.Fatalf("persistPool: %v", err)
	}

	records, err := loadAccounts(ctx, store)
	if err != nil {
		t.Fatalf("loadAccounts: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 persisted records, got %d", len(records))
	}

	var raw []map[string]interface{}
	doc, _ := store.Get(ctx, "accounts")
	if err := json.Unmarshal(doc, &raw); err != nil {
		t.Fatalf("expected accounts document to be valid JSON: %v", err)
	}
}

func TestLevelFromStringKnownAndUnknown(t *testing.T) {
	cases := map[string]string{
		"debug": "DEBUG",
		"warn":  "WARN",
		"error": "ERROR",
		"info":  "INFO",
		"":      "INFO",
		"weird": "INFO",
	}
	for in, want := range cases {
		if got := levelFromString(in).String(); got != want {
			t.Fatalf("levelFromString(%q) = %q, want %q", in, got, want)
		}
	}
}
