// Package autorefresh implements the auto-refresh loop (C11): a periodic
// tick that recycles expiring accounts, replenishes the pool down to a
// minimum size, and enqueues deduplicated refresh tasks. Grounded on
// mercator-hq-jupiter's pkg/evidence/retention.Scheduler (robfig/cron/v3
// wrapping a periodic maintenance job, with Start/Stop/IsRunning and a
// runtime pause flag), retargeted from evidence pruning to account-pool
// maintenance.
package autorefresh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cwgate/gateway/internal/pool"
	"github.com/cwgate/gateway/internal/tasks"
)

const (
	defaultMinPoolSize   = 21
	recycleWindow        = 24 * time.Hour
	defaultRefreshWindow = time.Hour
	tickSchedule         = "@every 30m"
)

// PoolView is the narrow slice of *pool.Pool the loop needs, so it can be
// faked in tests without constructing a full pool.
type PoolView interface {
	All() []*pool.Account
	Reload(records []pool.Record)
}

// Loop drives the three-phase tick described in spec.md §4.11.
type Loop struct {
	mu     sync.Mutex
	paused bool

	pool        PoolView
	queue       *tasks.Queue
	cron        *cron.Cron
	minPoolSize int
	refreshWin  time.Duration
}

func New(p PoolView, q *tasks.Queue) *Loop {
	return &Loop{
		pool:        p,
		queue:       q,
		cron:        cron.New(),
		minPoolSize: defaultMinPoolSize,
		refreshWin:  defaultRefreshWindow,
	}
}

// Start schedules the 30-minute tick; it blocks until ctx is cancelled.
func (l *Loop) Start(ctx context.Context) error {
	if _, err := l.cron.AddFunc(tickSchedule, func() { l.Tick() }); err != nil {
		return err
	}
	l.cron.Start()
	<-ctx.Done()
	stopCtx := l.cron.Stop()
	<-stopCtx.Done()
	return nil
}

// Pause is a runtime-only toggle (not persisted). Resuming triggers an
// immediate tick (spec.md §4.11).
func (l *Loop) Pause() {
	l.mu.Lock()
	l.paused = true
	l.mu.Unlock()
}

func (l *Loop) Resume() {
	l.mu.Lock()
	l.paused = false
	l.mu.Unlock()
	go l.Tick()
}

func (l *Loop) isPaused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

// Tick runs one idempotent pass of recycle, replenish, refresh.
func (l *Loop) Tick() {
	accounts := l.pool.All()

	kept, recycledCount := l.recycle(accounts)
	if recycledCount > 0 {
		l.pool.Reload(toRecords(kept))
		accounts = kept
	}

	l.replenish(accounts)

	if !l.isPaused() {
		l.refresh(accounts)
	}
}

// recycle drops accounts whose account_expires_at is within 24h and which
// are not currently in a rate-limit cooldown (spec.md §4.11.1).
func (l *Loop) recycle(accounts []*pool.Account) (kept []*pool.Account, recycledCount int) {
	now := time.Now()
	for _, a := range accounts {
		rec := a.Record()
		if rec.AccountExpiresAt != nil && rec.AccountExpiresAt.Sub(now) <= recycleWindow {
			if _, reason := a.GetCooldownInfo(); reason != pool.ReasonRateLimit {
				recycledCount++
				slog.Info("auto-refresh: recycling expiring account", "account_id", rec.AccountID)
				continue
			}
		}
		kept = append(kept, a)
	}
	return kept, recycledCount
}

// replenish enqueues a register task for the deficit when the count of
// eligible accounts drops below minPoolSize (spec.md §4.11.2).
func (l *Loop) replenish(accounts []*pool.Account) {
	now := time.Now()
	available := 0
	for _, a := range accounts {
		rec := a.Record()
		if rec.Disabled {
			continue
		}
		if rec.AccountExpiresAt != nil && rec.AccountExpiresAt.Sub(now) <= recycleWindow {
			continue
		}
		available++
	}
	if available >= l.minPoolSize {
		return
	}
	deficit := l.minPoolSize - available
	slog.Info("auto-refresh: replenishing pool", "available", available, "min_pool_size", l.minPoolSize, "deficit", deficit)
	// Register tasks mint brand new account ids; the slice only needs to
	// carry the deficit count, so placeholders are indexed to stay distinct.
	placeholders := make([]string, deficit)
	for i := range placeholders {
		placeholders[i] = fmt.Sprintf("pending-register-%d", i)
	}
	l.queue.Enqueue(tasks.KindRegister, placeholders)
}

// refresh enqueues one combined refresh task for accounts nearing expiry,
// deduplicated against accounts already referenced by a pending/running
// refresh task (spec.md §4.11.3).
func (l *Loop) refresh(accounts []*pool.Account) {
	now := time.Now()
	pending := l.queue.PendingOrRunningAccounts(tasks.KindRefresh)

	var due []string
	for _, a := range accounts {
		rec := a.Record()
		if pending[rec.AccountID] {
			continue
		}
		if rec.ExpiresAt.Sub(now) <= l.refreshWin {
			due = append(due, rec.AccountID)
		}
	}
	if len(due) == 0 {
		return
	}
	slog.Info("auto-refresh: enqueuing refresh task", "accounts", due)
	l.queue.Enqueue(tasks.KindRefresh, due)
}

func toRecords(accounts []*pool.Account) []pool.Record {
	out := make([]pool.Record, len(accounts))
	for i, a := range accounts {
		out[i] = a.Record()
	}
	return out
}
