// Package identity carries the outbound/inbound header fidelity C1, C7, and
// C8 need: a single consistent User-Agent attached to every upstream call
// regardless of which account or traffic class is making it, and the
// forwarded-proto/host resolution C8 uses to build a self-hosted media URL
// from the inbound request. Grounded on the teacher's internal/identity
// package (useragent.go's hardcoded fallback UA, headers.go's explicit
// header-by-header construction), generalized from Claude-Code UA/beta-flag
// spoofing to one fixed browser-shaped UA string for every account.
package identity

import (
	"net/http"
	"strings"
)

// outboundUserAgent is attached to every request this gateway sends to the
// upstream, independent of the account or traffic class, since the upstream
// expects browser-shaped traffic (spec.md's transport design note).
const outboundUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// SetOutboundHeaders attaches the fixed User-Agent and Accept headers every
// upstream call carries, on top of whatever auth/content-type headers the
// caller already set.
func SetOutboundHeaders(h http.Header) {
	h.Set("User-Agent", outboundUserAgent)
	h.Set("Accept", "application/json, text/plain, */*")
}

// headerForwardedProto and headerForwardedHost are the trusted subset consulted when deriving the
// public base URL; anything else on the inbound request is ignored, the
// same explicit-whitelist idiom as the teacher's FilterHeaders.
const (
	headerForwardedProto = "X-Forwarded-Proto"
	headerForwardedHost  = "X-Forwarded-Host"
)

// PublicBaseURL derives the scheme://host base used to build a self-hosted
// media link (spec.md §4.8: "base URL is derived from the inbound request,
// honoring forwarded-proto/host headers"). It never consults process-wide
// proxy environment variables; every input is the request itself.
func PublicBaseURL(r *http.Request) string {
	scheme := r.Header.Get(headerForwardedProto)
	if scheme == "" {
		if r.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	scheme = strings.ToLower(strings.TrimSpace(firstCommaField(scheme)))
	if scheme != "http" && scheme != "https" {
		scheme = "http"
	}

	host := r.Header.Get(headerForwardedHost)
	if host == "" {
		host = r.Host
	}
	host = strings.TrimSpace(firstCommaField(host))

	return scheme + "://" + host
}

// firstCommaField returns the first element of a comma-separated forwarded
// header value, since a chain of proxies may append rather than overwrite.
func firstCommaField(v string) string {
	if i := strings.IndexByte(v, ','); i >= 0 {
		return v[:i]
	}
	return v
}
