package pool

import (
	"fmt"
	"sync"
)

// Pool holds the live set of accounts and performs fair round-robin
// selection over eligible candidates, filtered by quota class. A single
// mutex guards the round-robin cursor and the membership map, matching the
// "per-process mutex" described in spec.md §5.
type Pool struct {
	mu       sync.Mutex
	accounts map[string]*Account
	order    []string // stable account-id ordering for round robin
	cursor   int
}

func New() *Pool {
	return &Pool{accounts: make(map[string]*Account)}
}

// ErrNoAccountAvailable is returned when no candidate satisfies selection.
var ErrNoAccountAvailable = fmt.Errorf("no-account-available")

// Get selects an account. If accountID is non-empty it is used directly
// (erroring if missing or unusable); otherwise round-robin picks among
// eligible accounts for the given quota class, skipping any id in exclude.
func (p *Pool) Get(accountID string, class QuotaClass, exclude map[string]bool) (*Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if accountID != "" {
		acct, ok := p.accounts[accountID]
		if !ok {
			return nil, fmt.Errorf("account %s not found", accountID)
		}
		if !p.eligible(acct, class, nil) {
			return nil, fmt.Errorf("account %s not usable", accountID)
		}
		return acct, nil
	}

	n := len(p.order)
	if n == 0 {
		return nil, ErrNoAccountAvailable
	}

	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		id := p.order[idx]
		acct := p.accounts[id]
		if p.eligible(acct, class, exclude) {
			p.cursor = (idx + 1) % n
			return acct, nil
		}
	}
	return nil, ErrNoAccountAvailable
}

func (p *Pool) eligible(acct *Account, class QuotaClass, exclude map[string]bool) bool {
	if exclude != nil && exclude[acct.ID()] {
		return false
	}
	if !acct.ShouldRetry() {
		return false
	}
	if acct.Disabled() || acct.IsExpired() {
		return false
	}
	return acct.IsQuotaAvailable(class)
}

// Named looks up an account by id without applying eligibility filters
// (used by admin endpoints and session-binding reuse).
func (p *Pool) Named(accountID string) (*Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct, ok := p.accounts[accountID]
	return acct, ok
}

// All returns a snapshot slice of every account currently in the pool.
func (p *Pool) All() []*Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Account, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.accounts[id])
	}
	return out
}

// Reload atomically swaps the pool's membership for a new account-record
// list, preserving runtime state for accounts whose id persists across the
// swap, dropping state for removed accounts, and creating fresh state for
// new ones (spec.md §4.4).
func (p *Pool) Reload(records []Record) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[string]*Account, len(records))
	order := make([]string, 0, len(records))

	for _, r := range records {
		if existing, ok := p.accounts[r.AccountID]; ok {
			existing.mu.Lock()
			existing.record = r
			existing.mu.Unlock()
			next[r.AccountID] = existing
		} else {
			next[r.AccountID] = NewAccount(r)
		}
		order = append(order, r.AccountID)
	}

	p.accounts = next
	p.order = order
	if p.cursor >= len(order) {
		p.cursor = 0
	}
}

// Size reports how many accounts are in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}
