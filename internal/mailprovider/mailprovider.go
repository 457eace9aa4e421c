// Package mailprovider defines the disposable-mail capability interface
// used by the register/refresh task bodies to collect verification codes,
// and a factory over the five provider variants named in spec.md §3.
// The spec treats temp-mail provider adapters as an external collaborator
// whose internals are out of scope (spec.md §1) — specified here only as
// the capability set each variant must expose (spec.md §9's redesign
// note: "duck-typed mail provider → an interface with five variants").
package mailprovider

import (
	"context"
	"errors"
	"time"
)

// ErrNotImplemented is returned by every network-calling method: the
// concrete HTTP/OAuth clients for each provider are out of scope here.
var ErrNotImplemented = errors.New("mailprovider: network integration not implemented")

// Provider is the capability set spec.md §9 assigns to every mail-provider
// variant, selected by factory tag rather than runtime attribute sniffing.
type Provider interface {
	// RegisterAccount provisions a fresh mailbox, optionally under domain.
	RegisterAccount(ctx context.Context, domain string) (bool, error)

	// SetCredentials binds an already-provisioned mailbox to this
	// provider instance.
	SetCredentials(address, password string)

	// PollForCode waits up to timeout, polling at interval, for a
	// verification code received after since.
	PollForCode(ctx context.Context, timeout, interval time.Duration, since time.Time) (string, error)

	Email() string
	Password() string
	EmailID() string
}

// Tag is the factory selector string, matching pool.MailDescriptor.Provider.
type Tag string

const (
	TagMicrosoft Tag = "microsoft"
	TagDuckmail  Tag = "duckmail"
	TagMoemail   Tag = "moemail"
	TagFreemail  Tag = "freemail"
	TagGptmail   Tag = "gptmail"
)

// Config bundles the provider-specific fields carried on an account's
// MailDescriptor (spec.md §3).
type Config struct {
	// microsoft
	OAuthRefreshToken string
	Tenant            string

	// duckmail / moemail / freemail / gptmail
	BaseURL  string
	APIKey   string
	Password string
	EmailID  string
}

// New selects a Provider implementation by tag. Selection is purely by
// string tag, never by attribute sniffing (spec.md §9).
func New(tag Tag, cfg Config) (Provider, error) {
	switch tag {
	case TagMicrosoft:
		return &microsoftProvider{cfg: cfg}, nil
	case TagDuckmail:
		return &httpProvider{tag: TagDuckmail, cfg: cfg}, nil
	case TagMoemail:
		return &httpProvider{tag: TagMoemail, cfg: cfg}, nil
	case TagFreemail:
		return &httpProvider{tag: TagFreemail, cfg: cfg}, nil
	case TagGptmail:
		return &httpProvider{tag: TagGptmail, cfg: cfg}, nil
	default:
		return nil, errors.New("mailprovider: unknown tag " + string(tag))
	}
}

// microsoftProvider is the OAuth-refresh-token-backed variant.
type microsoftProvider struct {
	cfg      Config
	email    string
	password string
	emailID  string
}

func (p *microsoftProvider) RegisterAccount(ctx context.Context, domain string) (bool, error) {
	return false, ErrNotImplemented
}

func (p *microsoftProvider) SetCredentials(address, password string) {
	p.email = address
	p.password = password
}

func (p *microsoftProvider) PollForCode(ctx context.Context, timeout, interval time.Duration, since time.Time) (string, error) {
	return "", ErrNotImplemented
}

func (p *microsoftProvider) Email() string    { return p.email }
func (p *microsoftProvider) Password() string { return p.password }
func (p *microsoftProvider) EmailID() string  { return p.emailID }

// httpProvider backs the four near-identical base-url+api-key variants
// (duckmail/moemail/freemail/gptmail); the tag only changes which base
// URL/endpoint conventions a real implementation would use.
type httpProvider struct {
	tag      Tag
	cfg      Config
	email    string
	password string
	emailID  string
}

func (p *httpProvider) RegisterAccount(ctx context.Context, domain string) (bool, error) {
	return false, ErrNotImplemented
}

func (p *httpProvider) SetCredentials(address, password string) {
	p.email = address
	p.password = password
}

func (p *httpProvider) PollForCode(ctx context.Context, timeout, interval time.Duration, since time.Time) (string, error) {
	return "", ErrNotImplemented
}

func (p *httpProvider) Email() string    { return p.email }
func (p *httpProvider) Password() string { return p.password }
func (p *httpProvider) EmailID() string  { return p.emailID }
