// Package gwerrors defines the tagged-outcome error taxonomy from spec.md
// §7, replacing exception-based control flow in the retry loop with a
// typed result the orchestrator switches on directly.
package gwerrors

// Kind enumerates every error class in the error-handling table.
type Kind string

const (
	KindAuthMissing        Kind = "auth-missing"
	KindAuthInvalid        Kind = "auth-invalid"
	KindModelUnknown       Kind = "model-unknown"
	KindNoAccountAvailable Kind = "no-account-available"
	KindAccountRateLimited Kind = "account-rate-limited"
	KindAccountAuthExpired Kind = "account-auth-expired"
	KindUpstream5xx        Kind = "upstream-5xx"
	KindNetwork            Kind = "network"
	KindJWTRefreshFailed   Kind = "jwt-refresh-failed"
	KindStreamParseError   Kind = "stream-parse-error"
	KindEmptyResponse      Kind = "empty-response"
	KindMediaDownloadFail  Kind = "media-download-failed"
	KindTaskCancelled      Kind = "task-cancelled"
	KindSubprocessTimeout  Kind = "subprocess-timeout"

	// KindRetriesExhausted is the orchestrator's generic exhaustion
	// bucket (spec.md §4.9 step 7: "return 503 or 504"), used when the
	// retry loop runs out of attempts on something other than a
	// rate-limit or timeout, which surface as themselves instead.
	KindRetriesExhausted Kind = "retries-exhausted"
	KindRequestTimeout   Kind = "request-timeout"
)

// Outcome is the typed result consumed by the retry loop in place of a
// caught exception hierarchy.
type Outcome struct {
	OK        bool
	Retryable bool
	Kind      Kind
	Err       error
}

func Ok() Outcome { return Outcome{OK: true} }

func Fail(kind Kind, retryable bool, err error) Outcome {
	return Outcome{OK: false, Retryable: retryable, Kind: kind, Err: err}
}

func (o Outcome) Error() string {
	if o.OK {
		return ""
	}
	if o.Err != nil {
		return string(o.Kind) + ": " + o.Err.Error()
	}
	return string(o.Kind)
}

// HTTPStatus maps a Kind to the status code surfaced to the client when an
// attempt is exhausted (spec.md §6, §7).
func HTTPStatus(k Kind) int {
	switch k {
	case KindAuthMissing, KindAuthInvalid:
		return 401
	case KindModelUnknown:
		return 404
	case KindNoAccountAvailable:
		return 503
	case KindAccountRateLimited:
		return 429
	case KindSubprocessTimeout, KindRequestTimeout:
		return 504
	case KindRetriesExhausted:
		return 503
	default:
		return 500
	}
}
