package orchestrator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cwgate/gateway/internal/binding"
	"github.com/cwgate/gateway/internal/jwtmint"
	"github.com/cwgate/gateway/internal/media"
	"github.com/cwgate/gateway/internal/normalize"
	"github.com/cwgate/gateway/internal/pool"
	"github.com/cwgate/gateway/internal/streamengine"
)

// memStore is a minimal in-memory kv.Store for binding.Cache construction;
// the scenario tests never flush, so only Get/Set need to behave.
type memStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func newMemStore() *memStore { return &memStore{docs: make(map[string][]byte)} }

func (s *memStore) Ping(ctx context.Context) error { return nil }
func (s *memStore) Close() error                   { return nil }

func (s *memStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs[key], nil
}

func (s *memStore) Set(ctx context.Context, key string, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[key] = doc
	return nil
}

func (s *memStore) BufferStats(ctx context.Context, doc []byte) {}
func (s *memStore) FlushStats(ctx context.Context) error        { return nil }

// streamStep is one queued StreamAssist response for a given account.
type streamStep struct {
	body []byte
	err  error
}

// fakeUpstream is a scripted Upstream: each account has its own FIFO queue
// of StreamAssist responses, and CreateSession either errors or returns a
// forced/auto session id per account.
type fakeUpstream struct {
	mu              sync.Mutex
	createErr       map[string]error
	forcedSession   map[string][]string // consumed FIFO per account
	streams         map[string][]streamStep
	createCalls     int
	streamCallCount map[string]int

	downloadMime string
	downloadBody []byte
}

func newFakeUpstreamFull() *fakeUpstream {
	return &fakeUpstream{
		createErr:       make(map[string]error),
		forcedSession:   make(map[string][]string),
		streams:         make(map[string][]streamStep),
		streamCallCount: make(map[string]int),
	}
}

func (f *fakeUpstream) totalStreamCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.streamCallCount {
		total += n
	}
	return total
}

func (f *fakeUpstream) queueStream(accountID string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams[accountID] = append(f.streams[accountID], streamStep{body: body})
}

func (f *fakeUpstream) queueSession(accountID, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forcedSession[accountID] = append(f.forcedSession[accountID], sessionID)
}

func (f *fakeUpstream) CreateSession(ctx context.Context, creds jwtmint.Credentials, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if err, ok := f.createErr[creds.AccountID]; ok {
		return "", err
	}
	if q := f.forcedSession[creds.AccountID]; len(q) > 0 {
		f.forcedSession[creds.AccountID] = q[1:]
		return q[0], nil
	}
	return "session-" + creds.AccountID + "-auto", nil
}

func (f *fakeUpstream) StreamAssist(ctx context.Context, creds jwtmint.Credentials, token string, body streamengine.StreamAssistBody) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamCallCount[creds.AccountID]++
	q := f.streams[creds.AccountID]
	if len(q) == 0 {
		return nil, &HTTPStatusError{Status: 500, Body: "no fixture queued for " + creds.AccountID}
	}
	step := q[0]
	f.streams[creds.AccountID] = q[1:]
	if step.err != nil {
		return nil, step.err
	}
	return io.NopCloser(bytes.NewReader(step.body)), nil
}

func (f *fakeUpstream) DownloadFile(ctx context.Context, creds jwtmint.Credentials, token, session, fileID string) (string, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.downloadBody == nil {
		return "image/png", []byte("fake-png-bytes-" + fileID), nil
	}
	return f.downloadMime, f.downloadBody, nil
}

// newTestMinter stands up an httptest key-material server and returns a
// jwtmint.Minter pointed at it, so Account.JWT caches mint real tokens
// without exercising network code outside this process.
func newTestMinter(t *testing.T) *jwtmint.Minter {
	t.Helper()
	keyBytes := []byte("0123456789abcdef")
	xsrf := base64.RawURLEncoding.EncodeToString(keyBytes)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"xsrfToken": xsrf, "keyId": "key-1"})
	}))
	t.Cleanup(srv.Close)
	return jwtmint.New(srv.Client(), srv.URL, "test-issuer", "test-audience")
}

func newTestAccount(id string) *pool.Account {
	return pool.NewAccount(pool.Record{
		AccountID:  id,
		CSesIdx:    "csesidx-" + id,
		ConfigID:   "config-" + id,
		SecureCSes: "secure-" + id,
		HostCOses:  "host-" + id,
		ExpiresAt:  time.Now().Add(24 * time.Hour),
	})
}

func newTestOrchestrator(t *testing.T, up Upstream, accounts ...*pool.Account) (*Orchestrator, *pool.Pool, *binding.Cache) {
	t.Helper()
	records := make([]pool.Record, 0, len(accounts))
	for _, a := range accounts {
		records = append(records, a.Record())
	}
	p := pool.New()
	p.Reload(records)

	bindings := binding.New(newMemStore(), 0)
	models := NewModelRegistry(map[string]string{"gpt-4o": "gemini-pro"})
	minter := newTestMinter(t)

	cfg := Config{
		MaxRequestRetries:       1,
		RateLimitCooldown:       time.Minute,
		AccountFailureThreshold: 3,
		LanguageCode:            "en",
		TimeZone:                "UTC",
	}
	return New(p, bindings, minter, up, nil, models, nil, cfg), p, bindings
}

func chatRequest(model, text string) Request {
	return Request{
		Model:    model,
		Messages: []normalize.Message{{Role: "user", Content: text}},
		Stream:   true,
		Headers:  http.Header{},
	}
}

// successArrayBody is a minimal upstream stream-assist response: a session
// rename followed by a single answer token.
func successArrayBody(session, text string) []byte {
	return []byte(`[{"sessionInfo":{"session":"` + session + `"}},` +
		`{"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":[{"text":"` + text + `"}]}}]}}}]`)
}

func quotaExhaustedBody() []byte {
	return []byte(`[{"error":{"code":429,"status":"RESOURCE_EXHAUSTED","message":"quota exceeded"}}]`)
}

// S1: happy streaming. A single account, model chat completion, streaming
// reply: session created, content delta emitted, [DONE] trailer,
// conversation_count bumped.
func TestScenarioHappyStreaming(t *testing.T) {
	up := newFakeUpstreamFull()
	acctA := newTestAccount("acct-a")
	o, _, _ := newTestOrchestrator(t, up, acctA)

	up.queueSession("acct-a", "session-1")
	up.queueStream("acct-a", successArrayBody("session-1", "Hello"))

	var buf bytes.Buffer
	outcome := o.Handle(context.Background(), chatRequest("gpt-4o", "hi"), &buf, func() {})
	if !outcome.OK {
		t.Fatalf("expected success outcome, got %+v", outcome)
	}

	out := buf.String()
	if !strings.Contains(out, `"role":"assistant"`) {
		t.Fatalf("expected role chunk, got %q", out)
	}
	if !strings.Contains(out, `"content":"Hello"`) {
		t.Fatalf("expected content delta, got %q", out)
	}
	if !strings.Contains(out, `"finish_reason":"stop"`) {
		t.Fatalf("expected finish chunk, got %q", out)
	}
	if !strings.HasSuffix(strings.TrimRight(out, "\n"), "data: [DONE]") {
		t.Fatalf("expected trailing [DONE] frame, got %q", out)
	}

	if _, conversations, _, _ := acctA.Stats(); conversations != 1 {
		t.Fatalf("expected conversation_count 1, got %d", conversations)
	}
}

// S1b: happy non-streaming. Same fixture as S1 but with stream:false, the
// default OpenAI request shape; the assembled JSON body must contain the
// answer token exactly once, not duplicated by both Walker.Walk and the
// orchestrator's own buffering.
func TestScenarioHappyNonStreaming(t *testing.T) {
	up := newFakeUpstreamFull()
	acctA := newTestAccount("acct-a")
	o, _, _ := newTestOrchestrator(t, up, acctA)

	up.queueSession("acct-a", "session-1")
	up.queueStream("acct-a", successArrayBody("session-1", "Hello"))

	req := chatRequest("gpt-4o", "hi")
	req.Stream = false

	var buf bytes.Buffer
	outcome := o.Handle(context.Background(), req, &buf, func() {})
	if !outcome.OK {
		t.Fatalf("expected success outcome, got %+v", outcome)
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(buf.Bytes(), &resp); err != nil {
		t.Fatalf("expected a single JSON chat.completion body, got %q: %v", buf.String(), err)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("expected exactly one choice, got %+v", resp.Choices)
	}
	if got := resp.Choices[0].Message.Content; got != "Hello" {
		t.Fatalf("expected content %q exactly once, got %q", "Hello", got)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Fatalf("expected finish_reason stop, got %q", resp.Choices[0].FinishReason)
	}

	if _, conversations, _, _ := acctA.Stats(); conversations != 1 {
		t.Fatalf("expected conversation_count 1, got %d", conversations)
	}
}

// S2: rate-limit failover. Account A returns an in-band 429/RESOURCE_EXHAUSTED
// error before emitting any content; the orchestrator switches to account B
// and succeeds. A's quota cooldown is set, A's error_count is untouched.
func TestScenarioRateLimitFailover(t *testing.T) {
	up := newFakeUpstreamFull()
	acctA := newTestAccount("acct-a")
	acctB := newTestAccount("acct-b")
	o, _, _ := newTestOrchestrator(t, up, acctA, acctB)

	up.queueSession("acct-a", "session-a")
	up.queueStream("acct-a", quotaExhaustedBody())

	up.queueSession("acct-b", "session-b")
	up.queueStream("acct-b", successArrayBody("session-b", "Hi there"))

	var buf bytes.Buffer
	outcome := o.Handle(context.Background(), chatRequest("gpt-4o", "hi"), &buf, func() {})
	if !outcome.OK {
		t.Fatalf("expected eventual success via failover, got %+v", outcome)
	}
	if !strings.Contains(buf.String(), "Hi there") {
		t.Fatalf("expected account B's content in output, got %q", buf.String())
	}

	status := acctA.GetQuotaStatus()
	if status.LimitedCount != 1 {
		t.Fatalf("expected account A's text quota cooled down, got %+v", status)
	}
	if _, _, errorCount, available := acctA.Stats(); errorCount != 0 || !available {
		t.Fatalf("expected account A's error_count untouched and still available, got errorCount=%d available=%v", errorCount, available)
	}
	if _, conversations, _, _ := acctB.Stats(); conversations != 1 {
		t.Fatalf("expected account B's conversation_count 1, got %d", conversations)
	}
}

// S3: binding reset command (重置). The synthetic reply never reaches the
// upstream, the account binding survives, but the session is cleared so the
// next real message mints a fresh session under the same account.
func TestScenarioResetSessionCommand(t *testing.T) {
	up := newFakeUpstreamFull()
	acctA := newTestAccount("acct-a")
	o, _, bindings := newTestOrchestrator(t, up, acctA)

	up.queueSession("acct-a", "session-first")
	up.queueStream("acct-a", successArrayBody("session-first", "hello"))

	req := chatRequest("gpt-4o", "hi")
	req.APIKeyMode = "memory"
	req.APIKey = "test-key"

	var buf1 bytes.Buffer
	if outcome := o.Handle(context.Background(), req, &buf1, func() {}); !outcome.OK {
		t.Fatalf("expected first turn to succeed, got %+v", outcome)
	}

	createCallsAfterFirst := up.createCalls
	streamCallsAfterFirst := up.totalStreamCalls()

	resetReq := chatRequest("gpt-4o", cmdResetSession)
	resetReq.APIKeyMode = "memory"
	resetReq.APIKey = "test-key"

	var buf2 bytes.Buffer
	if outcome := o.Handle(context.Background(), resetReq, &buf2, func() {}); !outcome.OK {
		t.Fatalf("expected reset command to succeed, got %+v", outcome)
	}
	if up.createCalls != createCallsAfterFirst || up.totalStreamCalls() != streamCallsAfterFirst {
		t.Fatal("expected reset command to never reach the upstream")
	}

	chatID := binding.DeriveChatID(binding.DeriveInput{APIKey: "test-key"})
	rec, ok := bindings.Get(chatID)
	if !ok {
		t.Fatal("expected binding to survive the reset command")
	}
	if rec.AccountID != "acct-a" {
		t.Fatalf("expected account binding preserved, got %q", rec.AccountID)
	}
	if rec.SessionID != "" {
		t.Fatalf("expected session cleared by reset command, got %q", rec.SessionID)
	}

	up.queueSession("acct-a", "session-second")
	up.queueStream("acct-a", successArrayBody("session-second", "world"))

	var buf3 bytes.Buffer
	if outcome := o.Handle(context.Background(), req, &buf3, func() {}); !outcome.OK {
		t.Fatalf("expected third turn to succeed, got %+v", outcome)
	}
	if up.createCalls != createCallsAfterFirst+1 {
		t.Fatalf("expected exactly one new session creation after reset, calls went from %d to %d", createCallsAfterFirst, up.createCalls)
	}

	rec2, ok := bindings.Get(chatID)
	if !ok || rec2.SessionID != "session-second" {
		t.Fatalf("expected rebinding to the freshly created session, got %+v ok=%v", rec2, ok)
	}
}

// textThenFileBody is an upstream reply that emits a text token followed by
// a generated-file reference, as S6 requires.
func textThenFileBody(session, text, fileID, mimeType string) []byte {
	return []byte(`[{"sessionInfo":{"session":"` + session + `"}},` +
		`{"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":[` +
		`{"text":"` + text + `"},` +
		`{"file":{"fileId":"` + fileID + `","mimeType":"` + mimeType + `"}}` +
		`]}}]}}}]`)
}

// S6: streaming media. The upstream emits a text token then a file
// reference; post-stream the media handler downloads it and renders a
// disk-mode image fragment, and the client still sees the text chunk
// first, then the image markdown, then [DONE].
func TestScenarioStreamingMedia(t *testing.T) {
	up := newFakeUpstreamFull()
	acctA := newTestAccount("acct-a")
	o, _, _ := newTestOrchestratorWithMedia(t, up, acctA)

	up.queueSession("acct-a", "session-1")
	up.queueStream("acct-a", textThenFileBody("session-1", "Here", "f1", "image/png"))

	var buf bytes.Buffer
	outcome := o.Handle(context.Background(), chatRequest("gpt-4o", "draw something"), &buf, func() {})
	if !outcome.OK {
		t.Fatalf("expected success outcome, got %+v", outcome)
	}

	out := buf.String()
	textIdx := strings.Index(out, `"content":"Here"`)
	imageIdx := strings.Index(out, "![generated image]")
	doneIdx := strings.Index(out, "data: [DONE]")
	if textIdx == -1 {
		t.Fatalf("expected text chunk in output, got %q", out)
	}
	if imageIdx == -1 {
		t.Fatalf("expected image fragment in output, got %q", out)
	}
	if doneIdx == -1 {
		t.Fatalf("expected trailing [DONE] frame, got %q", out)
	}
	if !(textIdx < imageIdx && imageIdx < doneIdx) {
		t.Fatalf("expected text, then image, then [DONE], got order text=%d image=%d done=%d in %q", textIdx, imageIdx, doneIdx, out)
	}
}

// newTestOrchestratorWithMedia is newTestOrchestrator plus a disk-mode
// media.Handler wired in, for scenarios that exercise generated-file
// resolution.
func newTestOrchestratorWithMedia(t *testing.T, up Upstream, accounts ...*pool.Account) (*Orchestrator, *pool.Pool, *binding.Cache) {
	t.Helper()
	records := make([]pool.Record, 0, len(accounts))
	for _, a := range accounts {
		records = append(records, a.Record())
	}
	p := pool.New()
	p.Reload(records)

	bindings := binding.New(newMemStore(), 0)
	models := NewModelRegistry(map[string]string{"gpt-4o": "gemini-pro"})
	minter := newTestMinter(t)

	mh, err := media.NewDiskHandler(nil, t.TempDir(), "/images")
	if err != nil {
		t.Fatalf("build disk media handler: %v", err)
	}

	cfg := Config{
		MaxRequestRetries:       1,
		RateLimitCooldown:       time.Minute,
		AccountFailureThreshold: 3,
		LanguageCode:            "en",
		TimeZone:                "UTC",
	}
	return New(p, bindings, minter, up, mh, models, nil, cfg), p, bindings
}
