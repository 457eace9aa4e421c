package binding

import (
	"context"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/cwgate/gateway/internal/normalize"
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

func TestSetThenGetRoundTrip(t *testing.T) {
	c := New(newMemStore(), time.Hour)
	c.Set("chat-1", "acct-a", "sess-1")

	rec, ok := c.Get("chat-1")
	if !ok {
		t.Fatal("expected binding present")
	}
	if rec.AccountID != "acct-a" || rec.SessionID != "sess-1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestRemoveThenGetIsAbsent(t *testing.T) {
	c := New(newMemStore(), time.Hour)
	c.Set("chat-1", "acct-a", "sess-1")
	c.Remove("chat-1")

	if _, ok := c.Get("chat-1"); ok {
		t.Fatal("expected binding absent after remove")
	}
}

func TestRebindPreservesCreatedAt(t *testing.T) {
	c := New(newMemStore(), time.Hour)
	first := c.Set("chat-1", "acct-a", "sess-1")
	time.Sleep(time.Millisecond)
	second := c.Set("chat-1", "acct-b", "")

	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("expected created_at preserved, got %v vs %v", second.CreatedAt, first.CreatedAt)
	}
	if second.SessionID != "sess-1" {
		t.Fatalf("expected prior session_id kept when new session absent, got %q", second.SessionID)
	}
	if second.AccountID != "acct-b" {
		t.Fatalf("expected account updated to acct-b, got %q", second.AccountID)
	}
}

func TestResetSessionKeepsAccount(t *testing.T) {
	c := New(newMemStore(), time.Hour)
	c.Set("chat-1", "acct-a", "sess-1")
	c.ResetSession("chat-1")

	rec, ok := c.Get("chat-1")
	if !ok {
		t.Fatal("expected binding present")
	}
	if rec.AccountID != "acct-a" {
		t.Fatalf("expected account preserved, got %q", rec.AccountID)
	}
	if rec.SessionID != "" {
		t.Fatalf("expected session_id cleared, got %q", rec.SessionID)
	}
}

func TestGetLazilyEvictsExpiredEntry(t *testing.T) {
	c := New(newMemStore(), 10*time.Millisecond)
	c.Set("chat-1", "acct-a", "sess-1")
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get("chat-1"); ok {
		t.Fatal("expected entry to be lazily evicted past ttl")
	}
}

func TestEvictsOldestTenPercentOverCapacity(t *testing.T) {
	c := New(newMemStore(), time.Hour)
	for i := 0; i < maxEntries+500; i++ {
		c.Set(chatIDForTest(i), "acct", "")
	}
	if len(c.entries) >= maxEntries+500 {
		t.Fatalf("expected eviction to have trimmed the table, size=%d", len(c.entries))
	}
	if _, ok := c.Get(chatIDForTest(0)); ok {
		t.Fatal("expected the oldest entry to have been evicted")
	}
}

func chatIDForTest(i int) string {
	return "chat-" + strconv.Itoa(i)
}

func TestDeriveChatIDPriorityAPIKeyWins(t *testing.T) {
	in := DeriveInput{
		APIKey:      "sk-abc",
		Headers:     http.Header{"X-Conversation-Id": []string{"conv-1"}},
		HeaderNames: []string{"x-conversation-id"},
		BodyConvID:  "body-conv",
	}
	id := DeriveChatID(in)
	other := DeriveChatID(DeriveInput{APIKey: "sk-abc"})
	if id != other {
		t.Fatal("expected chat_id to depend only on API key when present")
	}
}

func TestDeriveChatIDFallsBackToFingerprint(t *testing.T) {
	in := DeriveInput{
		ClientIP: "10.0.0.1",
		Role:     "user",
		Messages: []normalize.Message{{Role: "user", Content: "hello"}},
	}
	id1 := DeriveChatID(in)
	id2 := DeriveChatID(in)
	if id1 != id2 {
		t.Fatal("expected fingerprint-derived chat_id to be stable")
	}

	in.ClientIP = "10.0.0.2"
	id3 := DeriveChatID(in)
	if id1 == id3 {
		t.Fatal("expected different client IP to change the fingerprint chat_id")
	}
}
