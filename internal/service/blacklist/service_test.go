package blacklist

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/dispatch-engine/internal/domain"
)

// mockRepo is an in-memory repository for testing.
type mockRepo struct {
	mu    sync.RWMutex
	store map[string]*domain.BlacklistEntry // keyed by "tenantID:email"
}

func newMockRepo() *mockRepo {
	return &mockRepo{store: make(map[string]*domain.BlacklistEntry)}
}

func key(tenantID, email string) string { return tenantID + ":" + strings.ToLower(email) }

func (m *mockRepo) IsBlacklisted(_ context.Context, tenantID, email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, tenant := m.store[key(tenantID, email)]
	_, global := m.store[key("", email)]
	return tenant || global, nil
}

func (m *mockRepo) Add(_ context.Context, e *domain.BlacklistEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(e.TenantID, e.Email)
	if _, ok := m.store[k]; !ok {
		m.store[k] = e
	}
	return nil
}

func (m *mockRepo) Remove(_ context.Context, tenantID, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(tenantID, email)
	if _, ok := m.store[k]; !ok {
		return ErrNotFound
	}
	delete(m.store, k)
	return nil
}

func (m *mockRepo) List(_ context.Context, tenantID string, f ListFilter) ([]domain.BlacklistEntry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.BlacklistEntry
	for _, e := range m.store {
		if e.TenantID != tenantID {
			continue
		}
		if f.Reason != "" && string(e.Reason) != f.Reason {
			continue
		}
		out = append(out, *e)
	}
	return out, len(out), nil
}

const tenantA = "tenant-a"

func TestAdd_BlocksNormalizedAddress(t *testing.T) {
	svc := NewService(newMockRepo())
	ctx := context.Background()

	require.NoError(t, svc.Add(ctx, tenantA, "  BOUNCE@Example.com ", domain.ReasonHardBounce, domain.SourceProviderWebhook, "550 5.1.1"))

	ok, err := svc.IsBlacklisted(ctx, tenantA, "bounce@example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = svc.IsBlacklisted(ctx, "tenant-b", "bounce@example.com")
	assert.False(t, ok, "tenant entries do not leak across tenants")
}

func TestGlobalEntryAppliesToEveryTenant(t *testing.T) {
	svc := NewService(newMockRepo())
	ctx := context.Background()

	require.NoError(t, svc.Add(ctx, "", "abuse@example.com", domain.ReasonComplaint, domain.SourceManual, ""))

	ok, _ := svc.IsBlacklisted(ctx, tenantA, "abuse@example.com")
	assert.True(t, ok)
}

func TestAdd_Idempotent(t *testing.T) {
	svc := NewService(newMockRepo())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Add(ctx, tenantA, "dup@example.com", domain.ReasonComplaint, domain.SourceImport, ""))
	}
	_, total, err := svc.List(ctx, tenantA, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestAdd_EmptyAddress(t *testing.T) {
	svc := NewService(newMockRepo())
	assert.ErrorIs(t, svc.Add(context.Background(), tenantA, "  ", domain.ReasonManual, domain.SourceManual, ""), ErrEmptyAddress)
}

func TestRemove(t *testing.T) {
	svc := NewService(newMockRepo())
	ctx := context.Background()

	_ = svc.Add(ctx, tenantA, "remove@example.com", domain.ReasonManual, domain.SourceManual, "")
	require.NoError(t, svc.Remove(ctx, tenantA, "remove@example.com"))

	ok, _ := svc.IsBlacklisted(ctx, tenantA, "remove@example.com")
	assert.False(t, ok)
	assert.ErrorIs(t, svc.Remove(ctx, tenantA, "ghost@example.com"), ErrNotFound)
}

func TestGetStats(t *testing.T) {
	svc := NewService(newMockRepo())
	ctx := context.Background()

	_ = svc.Add(ctx, tenantA, "a@example.com", domain.ReasonHardBounce, domain.SourceProviderWebhook, "")
	_ = svc.Add(ctx, tenantA, "b@example.com", domain.ReasonComplaint, domain.SourceProviderWebhook, "")
	_ = svc.Add(ctx, tenantA, "c@example.com", domain.ReasonHardBounce, domain.SourceManual, "")

	stats, err := svc.GetStats(ctx, tenantA)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByReason["hard_bounce"])
	assert.Equal(t, 2, stats.BySource["provider_webhook"])
}
