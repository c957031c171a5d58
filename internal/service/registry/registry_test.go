package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/dispatch-engine/internal/credentials"
	"github.com/ignite/dispatch-engine/internal/domain"
)

type fakeRepo struct {
	providers map[string]*domain.Provider
	bindings  map[string]*domain.TenantProviderBinding
	health    map[string]domain.HealthStatus
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		providers: map[string]*domain.Provider{},
		bindings:  map[string]*domain.TenantProviderBinding{},
		health:    map[string]domain.HealthStatus{},
	}
}

func (f *fakeRepo) GetProvider(_ context.Context, id string) (*domain.Provider, error) {
	p, ok := f.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeRepo) ListGlobalProviders(_ context.Context) ([]domain.Provider, error) {
	var out []domain.Provider
	for _, p := range f.providers {
		if p.IsGlobal {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeRepo) GetBinding(_ context.Context, id string) (*domain.TenantProviderBinding, error) {
	b, ok := f.bindings[id]
	if !ok {
		return nil, ErrBindingNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *fakeRepo) FindBinding(_ context.Context, tenantID, providerID string) (*domain.TenantProviderBinding, error) {
	for _, b := range f.bindings {
		if b.TenantID == tenantID && b.ProviderID == providerID {
			cp := *b
			return &cp, nil
		}
	}
	return nil, ErrBindingNotFound
}

func (f *fakeRepo) ListBindings(_ context.Context, tenantID string) ([]domain.TenantProviderBinding, error) {
	var out []domain.TenantProviderBinding
	for _, b := range f.bindings {
		if b.TenantID == tenantID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (f *fakeRepo) SetDefaultProvider(_ context.Context, providerID string) error {
	for id, p := range f.providers {
		p.IsDefault = id == providerID
	}
	return nil
}

func (f *fakeRepo) SetPrimaryBinding(_ context.Context, tenantID, bindingID string) error {
	for id, b := range f.bindings {
		if b.TenantID == tenantID {
			b.IsPrimary = id == bindingID
		}
	}
	return nil
}

func (f *fakeRepo) UpdateProviderHealth(_ context.Context, providerID string, status domain.HealthStatus) error {
	f.health[providerID] = status
	return nil
}

func provider(id string, priority int) *domain.Provider {
	return &domain.Provider{ID: id, Name: id, Kind: domain.ProviderSMTP, Priority: priority, IsActive: true, IsEnabled: true}
}

func TestTenantBindings_Order(t *testing.T) {
	repo := newFakeRepo()
	repo.providers["p1"] = provider("p1", 1)
	repo.providers["p2"] = provider("p2", 2)
	repo.providers["p3"] = provider("p3", 3)
	repo.providers["off"] = provider("off", 0)
	repo.providers["off"].IsActive = false

	repo.bindings["b1"] = &domain.TenantProviderBinding{ID: "b1", TenantID: "t1", ProviderID: "p1", IsEnabled: true}
	repo.bindings["b2"] = &domain.TenantProviderBinding{ID: "b2", TenantID: "t1", ProviderID: "p2", IsEnabled: true}
	repo.bindings["b3"] = &domain.TenantProviderBinding{ID: "b3", TenantID: "t1", ProviderID: "p3", IsEnabled: true, IsPrimary: true}
	repo.bindings["b4"] = &domain.TenantProviderBinding{ID: "b4", TenantID: "t1", ProviderID: "off", IsEnabled: true}
	repo.bindings["b5"] = &domain.TenantProviderBinding{ID: "b5", TenantID: "t1", ProviderID: "p1", IsEnabled: false}
	repo.bindings["b6"] = &domain.TenantProviderBinding{ID: "b6", TenantID: "t1", ProviderID: "gone", IsEnabled: true}

	creds := credentials.NewStaticStore(map[string]map[string]string{"p1": {"host": "smtp.p1"}})
	reg := New(repo, creds)

	got, err := reg.TenantBindings(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "p3", got[0].Provider.ID)
	assert.Equal(t, "p1", got[1].Provider.ID)
	assert.Equal(t, "p2", got[2].Provider.ID)
	assert.Equal(t, "smtp.p1", got[1].Config()["host"])
	assert.Empty(t, got[2].Provider.Config)
}

func TestGlobalDefault(t *testing.T) {
	repo := newFakeRepo()
	g1 := provider("g1", 5)
	g1.IsGlobal = true
	g2 := provider("g2", 2)
	g2.IsGlobal = true
	repo.providers["g1"] = g1
	repo.providers["g2"] = g2
	reg := New(repo, credentials.NewStaticStore(nil))

	p, err := reg.GlobalDefault(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "g2", p.ID, "lowest priority number wins without a default")

	require.NoError(t, reg.SetDefault(context.Background(), "g1"))
	p, err = reg.GlobalDefault(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "g1", p.ID)
	assert.False(t, repo.providers["g2"].IsDefault)

	repo.providers["g1"].IsEnabled = false
	repo.providers["g2"].IsActive = false
	_, err = reg.GlobalDefault(context.Background())
	assert.ErrorIs(t, err, ErrNoGlobalProvider)
}

func TestSetDefault_RejectsTenantProvider(t *testing.T) {
	repo := newFakeRepo()
	repo.providers["own"] = provider("own", 1)
	reg := New(repo, credentials.NewStaticStore(nil))
	assert.ErrorIs(t, reg.SetDefault(context.Background(), "own"), ErrNotGlobal)
}

func TestSetPrimary(t *testing.T) {
	repo := newFakeRepo()
	repo.bindings["a"] = &domain.TenantProviderBinding{ID: "a", TenantID: "t1", IsPrimary: true}
	repo.bindings["b"] = &domain.TenantProviderBinding{ID: "b", TenantID: "t1"}
	repo.bindings["x"] = &domain.TenantProviderBinding{ID: "x", TenantID: "t2"}
	reg := New(repo, credentials.NewStaticStore(nil))

	require.NoError(t, reg.SetPrimary(context.Background(), "t1", "b"))
	assert.False(t, repo.bindings["a"].IsPrimary)
	assert.True(t, repo.bindings["b"].IsPrimary)

	assert.ErrorIs(t, reg.SetPrimary(context.Background(), "t1", "x"), ErrBindingNotFound)
}

func TestBindingFor_Missing(t *testing.T) {
	reg := New(newFakeRepo(), credentials.NewStaticStore(nil))
	b, err := reg.BindingFor(context.Background(), "t1", "p1")
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestMergeConfig(t *testing.T) {
	base := map[string]string{"host": "a", "from_email": "x@a.io"}
	merged := MergeConfig(base, map[string]string{"from_email": "y@b.io", "host": ""})
	assert.Equal(t, "a", merged["host"])
	assert.Equal(t, "y@b.io", merged["from_email"])
	assert.Equal(t, "x@a.io", base["from_email"])
}

func TestMarkHealth(t *testing.T) {
	repo := newFakeRepo()
	reg := New(repo, credentials.NewStaticStore(nil))
	require.NoError(t, reg.MarkHealth(context.Background(), "p1", domain.HealthDegraded))
	assert.Equal(t, domain.HealthDegraded, repo.health["p1"])
}
