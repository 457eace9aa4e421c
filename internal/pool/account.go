// Package pool implements the account state machine (C3) and the account
// pool (C4): round-robin selection filtered by quota-class availability,
// cooldown bookkeeping, and hot reload. Grounded on the teacher's
// internal/scheduler (selection/sort) merged with internal/ratelimit
// (cooldown bookkeeping) into the single per-account state machine spec.md
// §4.3 describes.
package pool

import (
	"strings"
	"sync"
	"time"

	"github.com/cwgate/gateway/internal/jwtmint"
)

// QuotaClass is one of the three request categories that carry independent
// rate-limit cooldowns.
type QuotaClass string

const (
	QuotaText   QuotaClass = "text"
	QuotaImages QuotaClass = "images"
	QuotaVideos QuotaClass = "videos"
)

// CooldownReason explains why an account is not currently selectable.
type CooldownReason string

const (
	ReasonNone         CooldownReason = "none"
	ReasonRateLimit    CooldownReason = "rate-limit"
	ReasonErrorDisable CooldownReason = "error-disable"
)

// MailDescriptor is the tagged-union mail provider descriptor carried on
// each account (spec.md §3).
type MailDescriptor struct {
	Provider string `json:"provider"` // microsoft | duckmail | moemail | freemail | gptmail

	// microsoft
	OAuthRefreshToken string `json:"oauth_refresh_token,omitempty"`
	Tenant            string `json:"tenant,omitempty"`

	// duckmail / moemail / freemail / gptmail
	BaseURL  string `json:"base_url,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	Password string `json:"password,omitempty"`
	EmailID  string `json:"email_id,omitempty"`
}

// Record is the persistent account document (spec.md §3).
type Record struct {
	AccountID string `json:"account_id"`

	CSesIdx    string `json:"csesidx"`
	ConfigID   string `json:"config_id"`
	SecureCSes string `json:"secure_c_ses"`
	HostCOses  string `json:"host_c_oses"`

	ExpiresAt        time.Time  `json:"expires_at"`
	AccountExpiresAt *time.Time `json:"account_expires_at,omitempty"`

	Mail MailDescriptor `json:"mail"`

	Disabled bool `json:"disabled"`
}

// Usable reports the invariant from spec.md §3: config_id and csesidx must
// be non-empty for a usable account.
func (r Record) Usable() bool {
	return r.ConfigID != "" && r.CSesIdx != ""
}

// Account bundles a persistent Record with its never-persisted runtime
// state (spec.md §3's "Account runtime state"). Every mutating operation
// below is safe for concurrent use; the embedded mutex is the "per-account
// mutex" referenced throughout spec.md §5.
type Account struct {
	mu sync.Mutex

	record Record

	isAvailable      bool
	errorCount       int
	cooldownDeadline time.Time
	cooldownRsn      CooldownReason

	quotaCooldowns map[QuotaClass]time.Time

	sessionUsageCount int
	conversationCount int

	JWT *jwtmint.Cache // exported: jwtmint.Minter needs a pointer to it
}

func NewAccount(r Record) *Account {
	return &Account{
		record:         r,
		isAvailable:    true,
		cooldownRsn:    ReasonNone,
		quotaCooldowns: make(map[QuotaClass]time.Time),
		JWT:            &jwtmint.Cache{},
	}
}

func (a *Account) ID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.record.AccountID
}

func (a *Account) Record() Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.record
}

func (a *Account) Credentials() jwtmint.Credentials {
	a.mu.Lock()
	defer a.mu.Unlock()
	return jwtmint.Credentials{
		AccountID:  a.record.AccountID,
		CSesIdx:    a.record.CSesIdx,
		ConfigID:   a.record.ConfigID,
		SecureCSes: a.record.SecureCSes,
		HostCOses:  a.record.HostCOses,
	}
}

// ShouldRetry implements spec.md §4.3's should_retry(): available, cooldown
// expired, and not disabled.
func (a *Account) ShouldRetry() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.record.Disabled || !a.isAvailable {
		return false
	}
	if !a.record.ExpiresAt.IsZero() && time.Now().After(a.record.ExpiresAt) {
		return false
	}
	if !a.cooldownDeadline.IsZero() && time.Now().Before(a.cooldownDeadline) {
		return false
	}
	return true
}

// HandleHTTPError applies the status-specific transitions from spec.md's
// table in §4.3. cooldownWindow is the configured rate_limit_cooldown
// duration for 429s.
func (a *Account) HandleHTTPError(status int, body string, quotaClass QuotaClass, cooldownWindow time.Duration, failureThreshold int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case status == 429:
		if containsResourceExhausted(body) || quotaClass == QuotaImages || quotaClass == QuotaVideos {
			a.quotaCooldowns[quotaClass] = time.Now().Add(cooldownWindow)
		} else {
			a.cooldownDeadline = time.Now().Add(cooldownWindow)
			a.cooldownRsn = ReasonRateLimit
		}
		// 429 never increments error_count.

	case status == 401 || status == 403:
		a.errorCount++
		if a.errorCount >= failureThreshold {
			a.isAvailable = false
			a.cooldownRsn = ReasonErrorDisable
		}

	case status >= 500:
		a.errorCount++
		if a.errorCount >= failureThreshold {
			a.isAvailable = false
			a.cooldownRsn = ReasonErrorDisable
		}

	case status >= 200 && status < 300:
		a.errorCount = 0
		a.isAvailable = true
		a.cooldownRsn = ReasonNone
	}
}

// HandleNonHTTPError covers connection errors / exceptions (spec §4.3).
func (a *Account) HandleNonHTTPError(failureThreshold int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errorCount++
	if a.errorCount >= failureThreshold {
		a.isAvailable = false
		a.cooldownRsn = ReasonErrorDisable
	}
}

// MarkSuccess resets error_count and restores availability, as any 2xx or
// successfully parsed stream does.
func (a *Account) MarkSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errorCount = 0
	a.isAvailable = true
	a.cooldownRsn = ReasonNone
	a.cooldownDeadline = time.Time{}
}

// GetCooldownInfo returns seconds remaining on the global cooldown and its
// reason.
func (a *Account) GetCooldownInfo() (float64, CooldownReason) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cooldownDeadline.IsZero() {
		return 0, ReasonNone
	}
	remaining := time.Until(a.cooldownDeadline).Seconds()
	if remaining <= 0 {
		return 0, ReasonNone
	}
	return remaining, a.cooldownRsn
}

// IsQuotaAvailable reports whether now >= quota_cooldowns[class].
func (a *Account) IsQuotaAvailable(class QuotaClass) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	deadline, ok := a.quotaCooldowns[class]
	if !ok {
		return true
	}
	return !time.Now().Before(deadline)
}

// QuotaStatus describes current cooldowns for admin/status surfaces.
type QuotaStatus struct {
	LimitedCount int                       `json:"limited_count"`
	Details      map[QuotaClass]time.Time  `json:"details"`
}

func (a *Account) GetQuotaStatus() QuotaStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	details := make(map[QuotaClass]time.Time)
	limited := 0
	for class, deadline := range a.quotaCooldowns {
		if now.Before(deadline) {
			details[class] = deadline
			limited++
		}
	}
	return QuotaStatus{LimitedCount: limited, Details: details}
}

// CooldownExpired reports whether the account's global rate-limit cooldown,
// if any, has elapsed. ShouldRetry and the pool's eligibility filter check
// the deadline themselves and do not call it.
func (a *Account) CooldownExpired() bool {
	remaining, _ := a.GetCooldownInfo()
	return remaining <= 0
}

// IsExpired reports whether the account's session has expired.
func (a *Account) IsExpired() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.record.ExpiresAt.IsZero() && time.Now().After(a.record.ExpiresAt)
}

// Disabled reports the admin-intent disabled flag.
func (a *Account) Disabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.record.Disabled
}

// SetDisabled sets the admin-intent disabled flag, as distinct from the
// runtime error-disable path (isAvailable/cooldownRsn). Used by the admin
// account enable/disable operations.
func (a *Account) SetDisabled(disabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record.Disabled = disabled
}

// IncrementConversationCount bumps the conversation counter on success.
func (a *Account) IncrementConversationCount() {
	a.mu.Lock()
	a.conversationCount++
	a.mu.Unlock()
}

// IncrementSessionUsage bumps the session usage counter.
func (a *Account) IncrementSessionUsage() {
	a.mu.Lock()
	a.sessionUsageCount++
	a.mu.Unlock()
}

// Stats exposes the statistics counters for admin display.
func (a *Account) Stats() (sessionUsage, conversations, errorCount int, available bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionUsageCount, a.conversationCount, a.errorCount, a.isAvailable
}

func containsResourceExhausted(body string) bool {
	return strings.Contains(body, "RESOURCE_EXHAUSTED")
}
