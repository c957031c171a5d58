package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/tenant"
)

// memStore is a mutex-guarded Store for tests.
type memStore struct {
	mu        sync.Mutex
	accounts  map[string]*domain.TenantAccount
	bindings  map[string]*domain.TenantProviderBinding
	providers map[string]*domain.Provider
	saves     int
}

func newMemStore() *memStore {
	return &memStore{
		accounts:  map[string]*domain.TenantAccount{},
		bindings:  map[string]*domain.TenantProviderBinding{},
		providers: map[string]*domain.Provider{},
	}
}

func (m *memStore) Locked(_ context.Context, k Key, fn func(*Snapshot) (bool, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &Snapshot{}
	if !k.SkipTenant {
		acc, ok := m.accounts[k.TenantID]
		if !ok {
			return ErrNoAccount
		}
		cp := *acc
		s.Account = &cp
	}
	if k.BindingID != "" {
		cp := *m.bindings[k.BindingID]
		s.Binding = &cp
	}
	p, ok := m.providers[k.ProviderID]
	if !ok {
		return errors.New("provider not found")
	}
	pc := *p
	s.Provider = &pc

	save, err := fn(s)
	if err != nil || !save {
		return err
	}
	m.saves++
	if s.Account != nil {
		m.accounts[k.TenantID] = s.Account
	}
	if s.Binding != nil {
		m.bindings[k.BindingID] = s.Binding
	}
	m.providers[k.ProviderID] = s.Provider
	return nil
}

func (m *memStore) EnsureAccount(_ context.Context, acc *domain.TenantAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[acc.TenantID]; !ok {
		m.accounts[acc.TenantID] = acc
	}
	return nil
}

var fixedNow = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

func newTestLimiter(store Store, dir tenant.Directory) *Limiter {
	l := NewLimiter(store, dir, Thresholds{})
	l.now = func() time.Time { return fixedNow }
	return l
}

func seed(store *memStore) (*domain.Provider, *domain.TenantProviderBinding) {
	acc := domain.NewTenantAccount("t1", fixedNow)
	acc.Limits = domain.PlanLimits{EmailsPerDay: 100, EmailsPerMonth: 5000}
	acc.EmailsSentToday = 99
	acc.EmailsSentThisMonth = 99
	store.accounts["t1"] = acc

	p := &domain.Provider{ID: "p1", Name: "P", MaxPerDay: 1000, IsActive: true, IsEnabled: true, Health: domain.HealthHealthy}
	store.providers["p1"] = p
	b := &domain.TenantProviderBinding{ID: "b1", TenantID: "t1", ProviderID: "p1", IsEnabled: true}
	store.bindings["b1"] = b
	return p, b
}

func TestDailyLimitScenario(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	p, b := seed(store)
	l := newTestLimiter(store, nil)

	ok, reason, err := l.CanSend(ctx, "t1", p, b)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "OK", reason)

	require.NoError(t, l.RecordUsage(ctx, "t1", p, b))

	ok, reason, err = l.CanSend(ctx, "t1", p, b)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "Daily email limit exceeded", reason)

	assert.Equal(t, 100, store.accounts["t1"].EmailsSentToday)
	assert.Equal(t, 1, store.bindings["b1"].Usage.SentToday)
	assert.Equal(t, 1, store.providers["p1"].Usage.SentToday)
	require.NotNil(t, store.providers["p1"].LastUsedAt)
}

func TestDailyLimitDeniesRegardlessOfProviderHeadroom(t *testing.T) {
	store := newMemStore()
	p, b := seed(store)
	store.accounts["t1"].EmailsSentToday = 100
	store.providers["p1"].MaxPerDay = 0

	ok, reason, err := newTestLimiter(store, nil).CanSend(context.Background(), "t1", p, b)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "Daily")
}

func TestAcquire_NoOvershootUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	p, b := seed(store)
	store.accounts["t1"].EmailsSentToday = 90
	l := newTestLimiter(store, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			permit, d, err := l.Acquire(ctx, "t1", p, b)
			if err == nil && d.Allowed && permit != nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, admitted)
	assert.Equal(t, 100, store.accounts["t1"].EmailsSentToday)
}

func TestPermitRelease(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	p, b := seed(store)
	l := newTestLimiter(store, nil)

	permit, d, err := l.Acquire(ctx, "t1", p, b)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	assert.Equal(t, 100, store.accounts["t1"].EmailsSentToday)

	require.NoError(t, permit.Release(ctx))
	require.NoError(t, permit.Release(ctx))
	assert.Equal(t, 99, store.accounts["t1"].EmailsSentToday)
	assert.Equal(t, 0, store.bindings["b1"].Usage.SentToday)
	assert.Equal(t, 0, store.providers["p1"].Usage.SentThisMinute)

	var nilPermit *Permit
	assert.NoError(t, nilPermit.Release(ctx))
}

func TestPermitRelease_RestoresLastUsed(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	p, b := seed(store)
	earlier := fixedNow.Add(-time.Hour)
	store.accounts["t1"].LastSentAt = &earlier
	l := newTestLimiter(store, nil)

	permit, _, err := l.Acquire(ctx, "t1", p, b)
	require.NoError(t, err)
	require.NotNil(t, store.providers["p1"].LastUsedAt)
	assert.True(t, store.bindings["b1"].LastUsedAt.Equal(fixedNow))

	require.NoError(t, permit.Release(ctx))
	assert.Nil(t, store.providers["p1"].LastUsedAt)
	assert.Nil(t, store.bindings["b1"].LastUsedAt)
	require.NotNil(t, store.accounts["t1"].LastSentAt)
	assert.True(t, store.accounts["t1"].LastSentAt.Equal(earlier))
}

func TestPermitRelease_KeepsLaterUse(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	p, b := seed(store)
	l := newTestLimiter(store, nil)

	permit, _, err := l.Acquire(ctx, "t1", p, b)
	require.NoError(t, err)
	later := fixedNow.Add(time.Second)
	l.now = func() time.Time { return later }
	require.NoError(t, l.RecordUsage(ctx, "t1", p, b))

	require.NoError(t, permit.Release(ctx))
	require.NotNil(t, store.providers["p1"].LastUsedAt)
	assert.True(t, store.providers["p1"].LastUsedAt.Equal(later))
}

// ctxStore fails once ctx is done, like a database transaction would.
type ctxStore struct{ *memStore }

func (c ctxStore) Locked(ctx context.Context, k Key, fn func(*Snapshot) (bool, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.memStore.Locked(ctx, k, fn)
}

func TestPermitRelease_CancelledContext(t *testing.T) {
	store := newMemStore()
	p, b := seed(store)
	l := newTestLimiter(ctxStore{store}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	permit, _, err := l.Acquire(ctx, "t1", p, b)
	require.NoError(t, err)
	cancel()

	require.NoError(t, permit.Release(ctx))
	assert.Equal(t, 99, store.accounts["t1"].EmailsSentToday)
	assert.Equal(t, 0, store.providers["p1"].Usage.SentToday)
	assert.Nil(t, store.providers["p1"].LastUsedAt)
}

func TestAcquire_DeniedLeavesCountersAlone(t *testing.T) {
	store := newMemStore()
	p, b := seed(store)
	store.accounts["t1"].EmailsSentToday = 100

	permit, d, err := newTestLimiter(store, nil).Acquire(context.Background(), "t1", p, b)
	require.NoError(t, err)
	assert.Nil(t, permit)
	assert.Equal(t, LayerTenant, d.Layer)
	assert.Equal(t, 100, store.accounts["t1"].EmailsSentToday)
	assert.Equal(t, 0, store.providers["p1"].Usage.SentToday)
}

func TestSkipTenant(t *testing.T) {
	store := newMemStore()
	p, _ := seed(store)
	store.accounts["t1"].IsSuspended = true
	l := newTestLimiter(store, nil)

	permit, d, err := l.Acquire(context.Background(), "t1", p, nil, SkipTenant())
	require.NoError(t, err)
	require.NotNil(t, permit)
	assert.True(t, d.Allowed)
	assert.Equal(t, 99, store.accounts["t1"].EmailsSentToday)
	assert.Equal(t, 1, store.providers["p1"].Usage.SentToday)

	store.providers["p1"].Health = domain.HealthUnhealthy
	ok, reason, err := l.CanSend(context.Background(), "t1", p, nil, SkipTenant())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "Provider is unhealthy", reason)
}

type stubDirectory struct {
	active bool
	limits domain.PlanLimits
	err    error
}

func (d stubDirectory) GetPlanLimits(context.Context, string) (domain.PlanLimits, error) {
	return d.limits, d.err
}
func (d stubDirectory) IsTenantActive(context.Context, string) (bool, error) { return d.active, d.err }
func (d stubDirectory) GetEffectiveDomain(context.Context, string) (tenant.EffectiveDomain, error) {
	return tenant.EffectiveDomain{}, d.err
}

func TestLazyAccountCreation(t *testing.T) {
	store := newMemStore()
	p := &domain.Provider{ID: "p1", IsActive: true, IsEnabled: true}
	store.providers["p1"] = p
	l := newTestLimiter(store, stubDirectory{active: true, limits: domain.PlanLimits{EmailsPerDay: 7}})

	require.NoError(t, l.RecordUsage(context.Background(), "new-tenant", p, nil))
	acc := store.accounts["new-tenant"]
	require.NotNil(t, acc)
	assert.Equal(t, 7, acc.Limits.EmailsPerDay)
	assert.Equal(t, 1, acc.EmailsSentToday)
	assert.Equal(t, "2026-03-14", acc.LastResetDate)
}

func TestTenantDirectory(t *testing.T) {
	store := newMemStore()
	p, b := seed(store)

	ok, reason, err := newTestLimiter(store, stubDirectory{active: false}).CanSend(context.Background(), "t1", p, b)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "Tenant account inactive", reason)

	ok, _, err = newTestLimiter(store, stubDirectory{err: errors.New("down")}).CanSend(context.Background(), "t1", p, b)
	require.NoError(t, err)
	assert.True(t, ok, "tenant service outage allows the send")
}

func TestCanSend_ResetsStaleCountersOnce(t *testing.T) {
	store := newMemStore()
	p, b := seed(store)
	store.accounts["t1"].LastResetDate = "2026-03-13"
	store.accounts["t1"].EmailsSentToday = 100
	l := newTestLimiter(store, nil)

	ok, _, err := l.CanSend(context.Background(), "t1", p, b)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, store.accounts["t1"].EmailsSentToday)
	saves := store.saves

	_, _, err = l.CanSend(context.Background(), "t1", p, b)
	require.NoError(t, err)
	assert.Equal(t, saves, store.saves, "second check finds nothing to reset")
}
