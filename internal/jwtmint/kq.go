// Package jwtmint implements the upstream JWT minting contract (C2): it
// fetches rotating key material per account and derives short-lived bearer
// tokens via HMAC-SHA256, using the upstream's bespoke KQ string encoding
// (see Glossary) instead of standard UTF-8-then-base64url.
package jwtmint

import "encoding/base64"

// kqEncode implements KQ-encoding: each rune's code point c is emitted as
// a single byte [c&0xFF] when c<=255, else as two little-endian bytes
// [c&0xFF, c>>8]. The result is base64url-encoded without padding. For
// ASCII-only JSON (the only input this package ever produces), this is
// equivalent to ordinary UTF-8-then-base64url, but the byte-level rule is
// implemented explicitly so the encoding stays correct if a future caller
// feeds it non-ASCII JSON.
func kqEncode(s string) string {
	buf := make([]byte, 0, len(s)*2)
	for _, r := range s {
		c := uint32(r)
		if c <= 0xFF {
			buf = append(buf, byte(c))
		} else {
			buf = append(buf, byte(c&0xFF), byte(c>>8))
		}
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// kqDecodeRoundTrip decodes what kqEncode produced for ASCII-only input:
// ordinary base64url decoding recovers the original bytes one-for-one,
// since every ASCII code point contributes exactly one byte.
func kqDecodeRoundTrip(encoded string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(encoded)
}
