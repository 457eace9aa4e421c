package jwtmint

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cwgate/gateway/internal/identity"
)

// Credentials are the per-account fields needed to mint a JWT.
type Credentials struct {
	AccountID  string
	CSesIdx    string
	ConfigID   string
	SecureCSes string // required cookie
	HostCOses  string // optional cookie
}

// Cache holds the per-account token cache and single-writer refresh flag.
// It is embedded in the account's runtime state (C3) so each account gets
// its own mutex; this package never holds a map of caches itself.
type Cache struct {
	mu         sync.Mutex
	token      string
	expiry     time.Time
	refreshing bool
}

const (
	refreshSkew    = 30 * time.Second // background refresh starts this far before expiry
	cacheLifetime  = 270 * time.Second // cache expiry = now + 270s (30s buffer on upstream's 300s)
	upstreamTTL    = 300 * time.Second
	xssiPrefix     = ")]}'"
)

// Minter fetches rotating key material and mints short-lived bearer JWTs.
type Minter struct {
	client       *http.Client
	endpoint     string // e.g. https://<upstream>/auth/getoxsrf
	audience     string
	issuer       string
}

func New(client *http.Client, endpoint, issuer, audience string) *Minter {
	return &Minter{client: client, endpoint: endpoint, issuer: issuer, audience: audience}
}

// Get returns a valid bearer token for the account, refreshing synchronously
// if none is cached or the cached one has expired, and kicking off a
// non-blocking background refresh when the cached token is valid but within
// refreshSkew of expiry.
func (m *Minter) Get(ctx context.Context, creds Credentials, cache *Cache, requestID string) (string, error) {
	cache.mu.Lock()

	now := time.Now()
	if cache.token != "" && now.Before(cache.expiry) {
		token := cache.token
		needsBackground := !cache.refreshing && now.Add(refreshSkew).After(cache.expiry)
		if needsBackground {
			cache.refreshing = true
			go m.backgroundRefresh(creds, cache, requestID)
		}
		cache.mu.Unlock()
		return token, nil
	}

	// No cached token, or expired: refresh synchronously while holding the lock.
	defer cache.mu.Unlock()
	token, expiry, err := m.refresh(ctx, creds, requestID)
	if err != nil {
		return "", err
	}
	cache.token = token
	cache.expiry = expiry
	return token, nil
}

func (m *Minter) backgroundRefresh(creds Credentials, cache *Cache, requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	token, expiry, err := m.refresh(ctx, creds, requestID)

	cache.mu.Lock()
	cache.refreshing = false
	if err == nil {
		cache.token = token
		cache.expiry = expiry
	} else {
		slog.Warn("background jwt refresh failed", "accountId", creds.AccountID, "requestId", requestID, "error", err)
	}
	cache.mu.Unlock()
}

// keyMaterial is the upstream response to the rotating-key endpoint.
type keyMaterial struct {
	XSRFToken string `json:"xsrfToken"`
	KeyID     string `json:"keyId"`
}

func (m *Minter) refresh(ctx context.Context, creds Credentials, requestID string) (string, time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s?csesidx=%s", m.endpoint, creds.CSesIdx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("jwt-fail: build request: %w", err)
	}
	req.Header.Set("Cookie", buildCookieHeader(creds))
	req.Header.Set("X-Request-Id", requestID)
	identity.SetOutboundHeaders(req.Header)

	resp, err := m.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("jwt-fail: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("jwt-fail: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("jwt-fail: upstream status %d", resp.StatusCode)
	}

	body = bytes.TrimPrefix(body, []byte(xssiPrefix))
	body = bytes.TrimPrefix(body, []byte("\n"))

	var km keyMaterial
	if err := json.Unmarshal(body, &km); err != nil {
		return "", time.Time{}, fmt.Errorf("jwt-fail: parse key material: %w", err)
	}

	keyBytes, err := decodeXSRFToken(km.XSRFToken)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("jwt-fail: decode xsrf token: %w", err)
	}

	token, err := mint(creds.CSesIdx, km.KeyID, keyBytes, m.issuer, m.audience)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("jwt-fail: %w", err)
	}

	return token, time.Now().Add(cacheLifetime), nil
}

func buildCookieHeader(creds Credentials) string {
	var b strings.Builder
	fmt.Fprintf(&b, "__Secure-C_SES=%s", creds.SecureCSes)
	if creds.HostCOses != "" {
		fmt.Fprintf(&b, "; __Host-C_OSES=%s", creds.HostCOses)
	}
	return b.String()
}

// decodeXSRFToken decodes the xsrfToken as URL-safe base64, padding with
// "==" when the input omits padding characters.
func decodeXSRFToken(token string) ([]byte, error) {
	padded := token
	if m := len(padded) % 4; m != 0 {
		padded += strings.Repeat("=", 4-m)
	}
	return base64.URLEncoding.DecodeString(padded)
}

// mint builds header.payload.sig using KQ-encoding for header/payload and
// HMAC-SHA256 over "header.payload" for the signature, both base64url
// without padding.
func mint(csesidx, keyID string, key []byte, issuer, audience string) (string, error) {
	now := time.Now().Unix()

	header := map[string]interface{}{
		"alg": "HS256",
		"typ": "JWT",
		"kid": keyID,
	}
	payload := map[string]interface{}{
		"iss": issuer,
		"aud": audience,
		"sub": "csesidx/" + csesidx,
		"iat": now,
		"exp": now + int64(upstreamTTL.Seconds()),
		"nbf": now,
	}

	headerJSON, err := marshalCompact(header)
	if err != nil {
		return "", err
	}
	payloadJSON, err := marshalCompact(payload)
	if err != nil {
		return "", err
	}

	headerPart := kqEncode(headerJSON)
	payloadPart := kqEncode(payloadJSON)
	signingInput := headerPart + "." + payloadPart

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(signingInput))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return signingInput + "." + sig, nil
}

// marshalCompact serializes v with compact separators (json.Marshal
// already omits whitespace) and stable key order is not required by the
// upstream verifier, only byte-for-byte determinism within one mint call.
func marshalCompact(v map[string]interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
