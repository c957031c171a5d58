// Package ratelimit enforces tenant, binding and provider sending limits.
//
// Decisions are pure functions over a Snapshot; the Limiter loads the
// snapshot under a Store lock, normalizes stale counters exactly once per
// call, and persists the result. Acquire checks and increments in the same
// locked unit so concurrent senders cannot overshoot a limit.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/metrics"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
	"github.com/ignite/dispatch-engine/internal/tenant"
)

// ErrNoAccount is returned by a Store when the tenant has no account row.
var ErrNoAccount = errors.New("tenant account not found")

// Key selects the rows a locked unit operates on. BindingID may be empty.
// With SkipTenant set the account is neither loaded nor locked.
type Key struct {
	TenantID   string
	ProviderID string
	BindingID  string
	SkipTenant bool
}

// Store loads and locks the rows named by a Key for the duration of fn.
// When fn returns save=true the counters in the snapshot are written back
// before the lock is released.
type Store interface {
	Locked(ctx context.Context, key Key, fn func(*Snapshot) (save bool, err error)) error
	// EnsureAccount inserts acc unless the tenant already has an account.
	EnsureAccount(ctx context.Context, acc *domain.TenantAccount) error
}

// Option adjusts a single limiter call.
type Option func(*Key)

// SkipTenant evaluates the provider layer only. Used for the global
// fallback provider.
func SkipTenant() Option {
	return func(k *Key) { k.SkipTenant = true }
}

// Limiter is safe for concurrent use.
type Limiter struct {
	store      Store
	tenants    tenant.Directory
	thresholds Thresholds
	now        func() time.Time
}

// NewLimiter returns a Limiter. tenants may be nil.
func NewLimiter(store Store, tenants tenant.Directory, th Thresholds) *Limiter {
	if th == (Thresholds{}) {
		th = DefaultThresholds
	}
	return &Limiter{store: store, tenants: tenants, thresholds: th, now: time.Now}
}

func (l *Limiter) key(tenantID string, p *domain.Provider, b *domain.TenantProviderBinding, opts []Option) Key {
	k := Key{TenantID: tenantID, ProviderID: p.ID}
	if b != nil {
		k.BindingID = b.ID
	}
	for _, o := range opts {
		o(&k)
	}
	if k.SkipTenant {
		k.BindingID = ""
	}
	return k
}

// CanSend reports whether one more send is allowed and why not. Stale
// counters found along the way are reset and persisted.
func (l *Limiter) CanSend(ctx context.Context, tenantID string, p *domain.Provider, b *domain.TenantProviderBinding, opts ...Option) (bool, string, error) {
	d, err := l.Check(ctx, tenantID, p, b, opts...)
	if err != nil {
		return false, "", err
	}
	return d.Allowed, d.Reason, nil
}

// Check is CanSend returning the full Decision.
func (l *Limiter) Check(ctx context.Context, tenantID string, p *domain.Provider, b *domain.TenantProviderBinding, opts ...Option) (Decision, error) {
	k := l.key(tenantID, p, b, opts)
	if d, ok := l.directoryDenies(ctx, k); ok {
		return d, nil
	}
	var d Decision
	err := l.locked(ctx, k, func(s *Snapshot) (bool, error) {
		changed := Normalize(s, l.now())
		d = Evaluate(*s, l.thresholds)
		return changed, nil
	})
	if err != nil {
		return Decision{}, err
	}
	l.observe(k, d)
	return d, nil
}

// RecordUsage counts one successful send against every layer in a single
// locked unit.
func (l *Limiter) RecordUsage(ctx context.Context, tenantID string, p *domain.Provider, b *domain.TenantProviderBinding, opts ...Option) error {
	k := l.key(tenantID, p, b, opts)
	return l.locked(ctx, k, func(s *Snapshot) (bool, error) {
		now := l.now()
		Normalize(s, now)
		increment(s, now)
		return true, nil
	})
}

// Acquire checks the limits and, when allowed, increments the counters in
// the same locked unit. The returned Permit must be released if the send
// fails. A denied decision returns a nil Permit and no error.
func (l *Limiter) Acquire(ctx context.Context, tenantID string, p *domain.Provider, b *domain.TenantProviderBinding, opts ...Option) (*Permit, Decision, error) {
	k := l.key(tenantID, p, b, opts)
	if d, ok := l.directoryDenies(ctx, k); ok {
		return nil, d, nil
	}
	now := l.now()
	var (
		d    Decision
		prev lastUse
	)
	err := l.locked(ctx, k, func(s *Snapshot) (bool, error) {
		changed := Normalize(s, now)
		d = Evaluate(*s, l.thresholds)
		if !d.Allowed {
			return changed, nil
		}
		prev = increment(s, now)
		return true, nil
	})
	if err != nil {
		return nil, Decision{}, err
	}
	l.observe(k, d)
	if !d.Allowed {
		return nil, d, nil
	}
	return &Permit{limiter: l, key: k, at: now, prev: prev}, d, nil
}

// locked runs fn, creating the tenant account with plan defaults on first use.
func (l *Limiter) locked(ctx context.Context, k Key, fn func(*Snapshot) (bool, error)) error {
	err := l.store.Locked(ctx, k, fn)
	if !errors.Is(err, ErrNoAccount) {
		return err
	}
	if err := l.store.EnsureAccount(ctx, l.newAccount(ctx, k.TenantID)); err != nil {
		return fmt.Errorf("create tenant account %s: %w", k.TenantID, err)
	}
	return l.store.Locked(ctx, k, fn)
}

func (l *Limiter) newAccount(ctx context.Context, tenantID string) *domain.TenantAccount {
	acc := domain.NewTenantAccount(tenantID, l.now())
	if l.tenants == nil {
		return acc
	}
	limits, err := l.tenants.GetPlanLimits(ctx, tenantID)
	if err != nil {
		logger.Degraded("ratelimit: plan limits unavailable, using defaults", "tenant_id", tenantID, "error", err)
		return acc
	}
	acc.Limits = limits
	return acc
}

// directoryDenies consults the tenant service. Failures allow the send.
func (l *Limiter) directoryDenies(ctx context.Context, k Key) (Decision, bool) {
	if k.SkipTenant || l.tenants == nil {
		return Decision{}, false
	}
	ok, err := l.tenants.IsTenantActive(ctx, k.TenantID)
	if err != nil {
		logger.Degraded("ratelimit: tenant service unavailable, allowing", "tenant_id", k.TenantID, "error", err)
		return Decision{}, false
	}
	if !ok {
		d := deny(LayerTenant, "Tenant account inactive")
		l.observe(k, d)
		return d, true
	}
	return Decision{}, false
}

func (l *Limiter) observe(k Key, d Decision) {
	if d.Allowed {
		return
	}
	metrics.RateLimitDenials.WithLabelValues(string(d.Layer)).Inc()
	logger.Debug("ratelimit: denied", "tenant_id", k.TenantID, "provider_id", k.ProviderID,
		"layer", d.Layer, "reason", d.Reason)
}

// Permit is an admitted send. Release gives the slot back when the send
// did not happen; a permit that is never released stands as recorded usage.
type Permit struct {
	limiter *Limiter
	key     Key
	at      time.Time
	prev    lastUse

	once sync.Once
	err  error
}

// Release undoes the increments and last-used stamps made by Acquire.
// Counters whose window has since rolled over are left alone. Safe to call
// more than once. Release ignores cancellation of ctx so a send that failed
// because its context ended still gives its slot back.
func (p *Permit) Release(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.once.Do(func() {
		p.err = p.limiter.store.Locked(context.WithoutCancel(ctx), p.key, func(s *Snapshot) (bool, error) {
			decrement(s, p.at, p.prev)
			return true, nil
		})
	})
	return p.err
}
