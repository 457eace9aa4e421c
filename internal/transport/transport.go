// Package transport builds the outbound HTTP clients used to talk to the
// upstream chat service (C1). Each traffic class (auth, chat, generic) gets
// its own process-wide client: a proxy URL (possibly empty), a no_proxy
// host-pattern list, and a direct-fallback flag. Proxy environment
// variables (HTTP_PROXY, etc.) are never honored implicitly — every
// decision is driven by explicit Config.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"

	"github.com/cwgate/gateway/internal/config"
)

// Class names a traffic class with its own client/proxy policy.
type Class string

const (
	ClassAuth    Class = "auth"
	ClassChat    Class = "chat"
	ClassGeneric Class = "generic"
)

// ProxyPolicy is the proxy configuration for one traffic class.
type ProxyPolicy struct {
	ProxyURL       string   // empty => direct
	NoProxyHosts   []string // glob-ish suffix/exact match list
	DirectFallback bool     // retry direct once if the proxy dial fails
}

// Manager owns one *http.Client per traffic class and rebuilds them on
// UpdateClass (a config reload). The rebuild swaps the client map without
// locking.
type Manager struct {
	cfg *config.Config

	mu       atomicClients
	policies map[Class]ProxyPolicy
}

type atomicClients struct {
	clients map[Class]*http.Client
}

func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		cfg: cfg,
		policies: map[Class]ProxyPolicy{
			ClassAuth:    {},
			ClassChat:    {},
			ClassGeneric: {},
		},
	}
	m.rebuild()
	return m
}

// Client returns the shared *http.Client for a traffic class.
func (m *Manager) Client(class Class) *http.Client {
	c := m.mu.clients[class]
	if c == nil {
		c = m.mu.clients[ClassGeneric]
	}
	return c
}

// UpdateClass rebinds the proxy policy for a traffic class (config reload).
func (m *Manager) UpdateClass(class Class, p ProxyPolicy) {
	m.policies[class] = p
	m.rebuild()
}

func (m *Manager) rebuild() {
	clients := make(map[Class]*http.Client, len(m.policies))
	for class, policy := range m.policies {
		clients[class] = buildClient(m.cfg, policy)
	}
	m.mu.clients = clients
}

// Close shuts down idle connections on all pooled clients.
func (m *Manager) Close() {
	for _, c := range m.mu.clients {
		c.CloseIdleConnections()
	}
}

// RunCleanup periodically closes idle connections; kept as a lifecycle
// hook symmetric with the other background loops even though Go's
// transport already times out idle conns on its own schedule.
func (m *Manager) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range m.mu.clients {
				c.CloseIdleConnections()
			}
		}
	}
}

func buildClient(cfg *config.Config, policy ProxyPolicy) *http.Client {
	rt := buildRoundTripper(policy)
	return &http.Client{
		Transport: rt,
		Timeout:   cfg.RequestTimeout,
	}
}

// buildRoundTripper wraps a per-host decision (direct vs proxy, with
// optional direct fallback) into a single http.RoundTripper.
func buildRoundTripper(policy ProxyPolicy) http.RoundTripper {
	direct := directTransport()
	if policy.ProxyURL == "" {
		return direct
	}
	proxied := proxiedTransport(policy.ProxyURL)
	return &noProxyRoundTripper{
		direct:         direct,
		proxied:        proxied,
		noProxyHosts:   policy.NoProxyHosts,
		directFallback: policy.DirectFallback,
	}
}

// directTransport dials with Chrome's TLS fingerprint via utls and HTTP/2,
// keep-alive, and the long read / short connect timeouts the upstream
// business-account traffic requires.
func directTransport() http.RoundTripper {
	dialer := &net.Dialer{Timeout: 60 * time.Second, KeepAlive: 30 * time.Second}
	return &http2.Transport{
		AllowHTTP: false,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialUTLS(ctx, dialer, network, addr)
		},
		ReadIdleTimeout: 600 * time.Second,
	}
}

func proxiedTransport(proxyURL string) http.RoundTripper {
	return &http.Transport{
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     5 * time.Minute,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialViaProxy(ctx, proxyURL, network, addr)
		},
	}
}

// noProxyRoundTripper routes each request directly or through the proxy
// based on a no_proxy host list, with an optional single direct retry
// when the proxied attempt fails to connect.
type noProxyRoundTripper struct {
	direct         http.RoundTripper
	proxied        http.RoundTripper
	noProxyHosts   []string
	directFallback bool
}

func (rt *noProxyRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if matchesNoProxy(req.URL.Hostname(), rt.noProxyHosts) {
		return rt.direct.RoundTrip(req)
	}

	resp, err := rt.proxied.RoundTrip(req)
	if err != nil && rt.directFallback && isDialError(err) {
		return rt.direct.RoundTrip(req.Clone(req.Context()))
	}
	return resp, err
}

func matchesNoProxy(host string, patterns []string) bool {
	host = strings.ToLower(host)
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if p == host || strings.HasSuffix(host, "."+p) {
			return true
		}
	}
	return false
}

// isDialError reports whether err looks like a proxy connection failure
// (as opposed to an error surfaced after a response was already read).
// Any transport-level RoundTrip error qualifies: a successful proxy dial
// always yields a non-nil *http.Response.
func isDialError(err error) bool {
	return err != nil
}

// --- TLS (utls Chrome fingerprint) ---

func dialUTLS(ctx context.Context, dialer *net.Dialer, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	raw, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return uTLSHandshake(ctx, raw, host)
}

func uTLSHandshake(ctx context.Context, raw net.Conn, serverName string) (net.Conn, error) {
	conn := utls.UClient(raw, &utls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}, utls.HelloChrome_Auto)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	return conn, nil
}

// --- Proxy dialing (SOCKS5 + HTTP CONNECT) ---

func dialViaProxy(ctx context.Context, proxyURL, network, addr string) (net.Conn, error) {
	u, err := parseProxyURL(proxyURL)
	if err != nil {
		return nil, err
	}
	if u.scheme == "socks5" {
		var auth *proxy.Auth
		if u.user != "" {
			auth = &proxy.Auth{User: u.user, Password: u.pass}
		}
		d, err := proxy.SOCKS5("tcp", u.hostport, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer: %w", err)
		}
		return d.Dial(network, addr)
	}
	return httpConnect(ctx, u, addr)
}

type proxyURL struct {
	scheme, hostport, user, pass string
}

func parseProxyURL(raw string) (proxyURL, error) {
	rest := raw
	scheme := "http"
	if i := strings.Index(rest, "://"); i >= 0 {
		scheme = rest[:i]
		rest = rest[i+3:]
	}
	user, pass := "", ""
	if i := strings.Index(rest, "@"); i >= 0 {
		cred := rest[:i]
		rest = rest[i+1:]
		if j := strings.Index(cred, ":"); j >= 0 {
			user, pass = cred[:j], cred[j+1:]
		} else {
			user = cred
		}
	}
	return proxyURL{scheme: scheme, hostport: rest, user: user, pass: pass}, nil
}

func httpConnect(ctx context.Context, u proxyURL, addr string) (net.Conn, error) {
	dialer := &net.Dialer{}
	raw, err := dialer.DialContext(ctx, "tcp", u.hostport)
	if err != nil {
		return nil, fmt.Errorf("proxy tcp dial: %w", err)
	}

	connectLine := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
	if u.user != "" {
		connectLine += "Proxy-Authorization: Basic " + basicAuth(u.user, u.pass) + "\r\n"
	}
	connectLine += "\r\n"

	if _, err := raw.Write([]byte(connectLine)); err != nil {
		raw.Close()
		return nil, fmt.Errorf("proxy CONNECT write: %w", err)
	}

	resp, err := readConnectResponse(raw)
	if err != nil {
		raw.Close()
		return nil, err
	}
	if resp != http.StatusOK {
		raw.Close()
		return nil, fmt.Errorf("proxy CONNECT failed: status %d", resp)
	}

	return raw, nil
}
