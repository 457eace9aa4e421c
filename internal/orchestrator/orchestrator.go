// Package orchestrator implements the request orchestrator (C9): it binds
// an inbound chat-completion request to an account and upstream session,
// runs the generation attempt with a retry/failover loop across accounts,
// and renders the result as either OpenAI SSE frames or a single JSON
// response. Grounded on the teacher's internal/relay.Relay.Handle
// retry/failover loop, retargeted from Claude-Code identity transforms to
// this spec's chat_id/session-binding/account-exclusion flow.
package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cwgate/gateway/internal/binding"
	"github.com/cwgate/gateway/internal/gwerrors"
	"github.com/cwgate/gateway/internal/jwtmint"
	"github.com/cwgate/gateway/internal/media"
	"github.com/cwgate/gateway/internal/normalize"
	"github.com/cwgate/gateway/internal/pool"
	"github.com/cwgate/gateway/internal/streamengine"
)

const streamReadChunk = 4096

// Config bundles the tunables the orchestrator needs from process config.
type Config struct {
	ChatIDHeaderNames       []string
	MaxRequestRetries       int
	RateLimitCooldown       time.Duration
	AccountFailureThreshold int
	LanguageCode            string
	TimeZone                string
}

// Request is one inbound /v1/chat/completions call, already parsed from
// its JSON body.
type Request struct {
	Model               string
	Messages            []normalize.Message
	Stream              bool
	APIKeyMode          string // "memory" | "fast" | "" (legacy/open key)
	APIKey              string
	Headers             http.Header
	BodyConversationID  string
	ClientIP            string

	// PublicBaseURL is scheme://host derived from the inbound request
	// (identity.PublicBaseURL), used to turn a disk-mode media handler's
	// relative URL into an absolute self-hosted link (spec.md §4.8).
	PublicBaseURL string
}

// Orchestrator ties together the account pool, session binding, JWT
// minting, streaming engine, and media handler behind one entry point.
type Orchestrator struct {
	pool      *pool.Pool
	bindings  *binding.Cache
	chatLocks *binding.KeyedMutex
	minter    *jwtmint.Minter
	upstream  Upstream
	mediaH    *media.Handler
	models    *ModelRegistry
	fetcher   normalize.ImageFetcher
	cfg       Config
}

func New(p *pool.Pool, b *binding.Cache, minter *jwtmint.Minter, up Upstream, mh *media.Handler, models *ModelRegistry, fetcher normalize.ImageFetcher, cfg Config) *Orchestrator {
	return &Orchestrator{
		pool:      p,
		bindings:  b,
		chatLocks: binding.NewKeyedMutex(),
		minter:    minter,
		upstream:  up,
		mediaH:    mh,
		models:    models,
		fetcher:   fetcher,
		cfg:       cfg,
	}
}

// Handle runs one request end-to-end, writing either SSE frames or a
// single JSON object to w depending on req.Stream. The returned Outcome
// reflects only pre-flight and connection-level failures: once any content
// has reached the client over a streaming response, further failures are
// surfaced as a best-effort terminal frame rather than an HTTP status
// change, since the status line is already committed.
func (o *Orchestrator) Handle(ctx context.Context, req Request, w io.Writer, flush func()) gwerrors.Outcome {
	if !o.models.Valid(req.Model) {
		return gwerrors.Fail(gwerrors.KindModelUnknown, false, fmt.Errorf("unknown model %q", req.Model))
	}
	quotaClass := pool.QuotaClass(streamengine.ClassifyModel(req.Model))

	lastText, images, err := normalize.ParseLastMessage(req.Messages, o.fetcher)
	if err != nil {
		return gwerrors.Fail(gwerrors.KindNetwork, true, err)
	}

	chatID := binding.DeriveChatID(binding.DeriveInput{
		APIKey:      apiKeyForBinding(req),
		Headers:     req.Headers,
		HeaderNames: o.cfg.ChatIDHeaderNames,
		BodyConvID:  req.BodyConversationID,
		ClientIP:    req.ClientIP,
		Role:        "user",
		Messages:    req.Messages,
	})

	if kind := interceptCommand(req.APIKeyMode, lastText); kind != commandNone {
		o.applyCommand(chatID, kind)
		if err := writeSynthetic(w, flush, req.Model, req.Stream, syntheticReply(kind)); err != nil {
			return gwerrors.Fail(gwerrors.KindNetwork, false, err)
		}
		return gwerrors.Ok()
	}

	acctID, sessionID, isFirst, err := o.resolveBinding(ctx, chatID, quotaClass)
	if err != nil {
		return gwerrors.Fail(gwerrors.KindNoAccountAvailable, false, err)
	}

	exclude := make(map[string]bool)
	var lastOutcome gwerrors.Outcome
	emitted := false

	for attempt := 0; attempt <= o.cfg.MaxRequestRetries; attempt++ {
		if ctx.Err() != nil {
			return gwerrors.Fail(gwerrors.KindNetwork, false, ctx.Err())
		}

		acct, ok := o.pool.Named(acctID)
		if !ok {
			lastOutcome = gwerrors.Fail(gwerrors.KindNoAccountAvailable, false, fmt.Errorf("account %s vanished", acctID))
			break
		}

		text := lastText
		if attempt > 0 {
			text = normalize.BuildFullContextText(req.Messages)
		}

		outcome := o.runAttempt(ctx, attemptParams{
			req:        req,
			acct:       acct,
			sessionID:  sessionID,
			quotaClass: quotaClass,
			text:       text,
			images:     images,
			isFirst:    isFirst || attempt > 0,
			w:          w,
			flush:      flush,
			emitted:    &emitted,
			chatID:     chatID,
		})
		if outcome.OK {
			return outcome
		}
		lastOutcome = outcome

		if emitted || !outcome.Retryable || attempt == o.cfg.MaxRequestRetries {
			break
		}

		exclude[acct.ID()] = true
		nextAcctID, nextSessionID, err := o.switchAccount(ctx, chatID, quotaClass, exclude)
		if err != nil {
			lastOutcome = gwerrors.Fail(gwerrors.KindNoAccountAvailable, false, err)
			break
		}
		acctID, sessionID, isFirst = nextAcctID, nextSessionID, true
	}

	if emitted {
		// Content already reached the client; best-effort close rather
		// than a status-code change.
		if req.Stream {
			_ = streamengine.NewEmitter(w, flush, newCompletionID(), req.Model, time.Now().Unix()).Finish()
		}
		return gwerrors.Ok()
	}
	return exhaustionOutcome(lastOutcome)
}

// exhaustionOutcome maps the last attempt's failure to the status the client
// sees once retries run out (spec.md §4.9 step 7: "return 503 or 504"). A
// rate-limit passes through as 429 as-is; a context deadline becomes 504;
// everything else collapses to the generic 503 exhaustion bucket so a single
// account's transient 5xx doesn't leak through as a misleading 500.
func exhaustionOutcome(last gwerrors.Outcome) gwerrors.Outcome {
	switch {
	case last.Kind == gwerrors.KindAccountRateLimited:
		return last
	case errorsIsDeadlineExceeded(last.Err):
		return gwerrors.Fail(gwerrors.KindRequestTimeout, false, last.Err)
	default:
		return gwerrors.Fail(gwerrors.KindRetriesExhausted, false, last.Err)
	}
}

func errorsIsDeadlineExceeded(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// apiKeyForBinding returns the API key only when the caller is in memory
// mode, matching the chat_id priority ladder's first rung (spec.md §3/§6).
func apiKeyForBinding(req Request) string {
	if req.APIKeyMode == "memory" {
		return req.APIKey
	}
	return ""
}

func (o *Orchestrator) applyCommand(chatID string, kind commandKind) {
	switch kind {
	case commandResetSession:
		o.bindings.ResetSession(chatID)
	case commandSwitchAccount:
		o.bindings.Remove(chatID)
	}
}

// resolveBinding implements spec.md §4.9 step 4 under the per-chat_id
// mutex: reuse a cached binding's account+session, or pick a fresh
// account and create a new upstream session.
func (o *Orchestrator) resolveBinding(ctx context.Context, chatID string, quotaClass pool.QuotaClass) (accountID, sessionID string, isFirst bool, err error) {
	unlock := o.chatLocks.Lock(chatID)
	defer unlock()

	if rec, ok := o.bindings.Get(chatID); ok {
		if acct, ok := o.pool.Named(rec.AccountID); ok && acct.ShouldRetry() {
			if rec.SessionID != "" {
				return rec.AccountID, rec.SessionID, false, nil
			}
			// Account preserved but session was cleared (重置); mint a
			// fresh session under the same account.
			sess, err := o.createSession(ctx, acct)
			if err != nil {
				return "", "", false, err
			}
			o.bindings.Set(chatID, rec.AccountID, sess)
			return rec.AccountID, sess, true, nil
		}
		// Bound account is no longer usable; evict and fall through.
		o.bindings.Remove(chatID)
	}

	acct, err := o.pool.Get("", quotaClass, nil)
	if err != nil {
		return "", "", false, err
	}
	sess, err := o.createSession(ctx, acct)
	if err != nil {
		return "", "", false, err
	}
	o.bindings.Set(chatID, acct.ID(), sess)
	return acct.ID(), sess, true, nil
}

// switchAccount re-acquires the chat lock to pick a new account excluding
// prior failures, create a fresh session, and rebind (spec.md §4.9 step
// 5).
func (o *Orchestrator) switchAccount(ctx context.Context, chatID string, quotaClass pool.QuotaClass, exclude map[string]bool) (accountID, sessionID string, err error) {
	unlock := o.chatLocks.Lock(chatID)
	defer unlock()

	acct, err := o.pool.Get("", quotaClass, exclude)
	if err != nil {
		return "", "", err
	}
	sess, err := o.createSession(ctx, acct)
	if err != nil {
		return "", "", err
	}
	o.bindings.Set(chatID, acct.ID(), sess)
	return acct.ID(), sess, nil
}

func (o *Orchestrator) createSession(ctx context.Context, acct *pool.Account) (string, error) {
	token, err := o.minter.Get(ctx, acct.Credentials(), acct.JWT, uuid.NewString())
	if err != nil {
		acct.HandleNonHTTPError(o.cfg.AccountFailureThreshold)
		return "", fmt.Errorf("jwt-fail: %w", err)
	}
	sess, err := o.upstream.CreateSession(ctx, acct.Credentials(), token)
	if err != nil {
		o.classifyAndHandle(acct, err, pool.QuotaText)
		return "", err
	}
	return sess, nil
}

type attemptParams struct {
	req        Request
	acct       *pool.Account
	sessionID  string
	quotaClass pool.QuotaClass
	text       string
	images     []normalize.Image
	isFirst    bool
	w          io.Writer
	flush      func()
	emitted    *bool
	chatID     string
}

// runAttempt performs one generation attempt against one account: mint a
// token, call stream-assist, walk the JSON-array response, and render
// deltas/media (spec.md §4.9 step 5, §4.7, §4.8).
func (o *Orchestrator) runAttempt(ctx context.Context, p attemptParams) gwerrors.Outcome {
	token, err := o.minter.Get(ctx, p.acct.Credentials(), p.acct.JWT, uuid.NewString())
	if err != nil {
		p.acct.HandleNonHTTPError(o.cfg.AccountFailureThreshold)
		return gwerrors.Fail(gwerrors.KindJWTRefreshFailed, true, err)
	}

	fileIDs := o.uploadImages(ctx, p.acct, token, p.images)
	body := streamengine.BuildStreamAssistBody(p.sessionID, p.text, fileIDs, p.req.Model, o.cfg.LanguageCode, o.cfg.TimeZone, o.models.UpstreamMapping())

	stream, err := o.upstream.StreamAssist(ctx, p.acct.Credentials(), token, body)
	if err != nil {
		return o.classifyAndHandle(p.acct, err, p.quotaClass)
	}
	defer stream.Close()

	var emitter *streamengine.Emitter
	if p.req.Stream {
		emitter = streamengine.NewEmitter(p.w, p.flush, newCompletionID(), p.req.Model, time.Now().Unix())
	}

	walker := &streamengine.Walker{Session: p.sessionID}
	parser := streamengine.NewArrayParser()
	reader := bufio.NewReader(stream)
	buf := make([]byte, streamReadChunk)

	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			for _, raw := range parser.Feed(buf[:n]) {
				elem, parseErr := streamengine.ParseElement(raw)
				if parseErr != nil {
					return gwerrors.Fail(gwerrors.KindStreamParseError, true, parseErr)
				}
				deltas, upstreamErr := walker.Walk(elem)
				if upstreamErr != nil {
					return o.classifyUpstreamError(p.acct, upstreamErr, p.quotaClass)
				}
				for _, d := range deltas {
					if p.req.Stream {
						*p.emitted = true
						if err := emitter.DeltaChunk(d); err != nil {
							return gwerrors.Fail(gwerrors.KindNetwork, false, err)
						}
					}
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return o.classifyAndHandle(p.acct, readErr, p.quotaClass)
		}
	}

	fragments := o.resolveMedia(ctx, p.acct, token, walker, p.req.PublicBaseURL)
	content := walker.Content.String()
	if content == "" && fragments == "" {
		return gwerrors.Fail(gwerrors.KindEmptyResponse, true, fmt.Errorf("empty response"))
	}

	if p.req.Stream {
		if fragments != "" {
			*p.emitted = true
			if err := emitter.Text(fragments); err != nil {
				return gwerrors.Fail(gwerrors.KindNetwork, false, err)
			}
		}
		if err := emitter.Finish(); err != nil {
			return gwerrors.Fail(gwerrors.KindNetwork, false, err)
		}
	} else {
		resp := assembleResponse(p.req.Model, content+fragments)
		if err := writeJSON(p.w, resp); err != nil {
			return gwerrors.Fail(gwerrors.KindNetwork, false, err)
		}
	}

	p.acct.MarkSuccess()
	p.acct.IncrementConversationCount()
	o.bindings.Set(p.chatID, p.acct.ID(), walker.Session)
	return gwerrors.Ok()
}

// uploadImages is a seam for attaching inline/URL images to the upstream
// request; file upload's wire format is outside the core scope (spec.md
// §6), so it uploads nothing and returns no file ids: the attempt proceeds
// without the images.
func (o *Orchestrator) uploadImages(ctx context.Context, acct *pool.Account, token string, images []normalize.Image) []string {
	return nil
}

func (o *Orchestrator) resolveMedia(ctx context.Context, acct *pool.Account, token string, walker *streamengine.Walker, publicBaseURL string) string {
	if o.mediaH == nil || len(walker.Files) == 0 {
		return ""
	}
	downloader := accountDownloader{up: o.upstream, creds: acct.Credentials(), token: token}
	handler := o.mediaH.WithDownloader(downloader)

	var out string
	for _, f := range walker.Files {
		resolved := handler.Resolve(ctx, walker.Session, f.FileID, f.MimeType)
		if publicBaseURL != "" && strings.HasPrefix(resolved.URL, "/") {
			resolved.URL = publicBaseURL + resolved.URL
		}
		out += media.RenderFragment(resolved)
	}
	return out
}

func (o *Orchestrator) classifyAndHandle(acct *pool.Account, err error, quotaClass pool.QuotaClass) gwerrors.Outcome {
	if statusErr, ok := err.(*HTTPStatusError); ok {
		acct.HandleHTTPError(statusErr.Status, statusErr.Body, quotaClass, o.cfg.RateLimitCooldown, o.cfg.AccountFailureThreshold)
		switch {
		case statusErr.Status == 429:
			return gwerrors.Fail(gwerrors.KindAccountRateLimited, true, statusErr)
		case statusErr.Status == 401 || statusErr.Status == 403:
			return gwerrors.Fail(gwerrors.KindAccountAuthExpired, true, statusErr)
		case statusErr.Status >= 500:
			return gwerrors.Fail(gwerrors.KindUpstream5xx, true, statusErr)
		default:
			return gwerrors.Fail(gwerrors.KindUpstream5xx, false, statusErr)
		}
	}
	acct.HandleNonHTTPError(o.cfg.AccountFailureThreshold)
	return gwerrors.Fail(gwerrors.KindNetwork, true, err)
}

func (o *Orchestrator) classifyUpstreamError(acct *pool.Account, upErr *streamengine.UpstreamError, quotaClass pool.QuotaClass) gwerrors.Outcome {
	status := upErr.Code
	if status == 0 {
		status = 500
	}
	acct.HandleHTTPError(status, streamengine.UpstreamErrorMessage(upErr), quotaClass, o.cfg.RateLimitCooldown, o.cfg.AccountFailureThreshold)
	if streamengine.IsQuotaError(upErr) {
		return gwerrors.Fail(gwerrors.KindAccountRateLimited, true, fmt.Errorf("%s", streamengine.UpstreamErrorMessage(upErr)))
	}
	return gwerrors.Fail(gwerrors.KindUpstream5xx, true, fmt.Errorf("%s", streamengine.UpstreamErrorMessage(upErr)))
}
