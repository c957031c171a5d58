package memory

import (
	"context"
	"sort"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/service/registry"
	"github.com/ignite/dispatch-engine/internal/tenant"
)

// Providers implements registry.Repository.
type Providers struct{ s *Store }

var _ registry.Repository = (*Providers)(nil)

func (r *Providers) GetProvider(_ context.Context, id string) (*domain.Provider, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.providers[id]
	if !ok {
		return nil, registry.ErrProviderNotFound
	}
	return cloneProvider(p), nil
}

func (r *Providers) ListGlobalProviders(_ context.Context) ([]domain.Provider, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Provider
	for _, p := range r.s.providers {
		if p.IsGlobal {
			out = append(out, *cloneProvider(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (r *Providers) GetBinding(_ context.Context, id string) (*domain.TenantProviderBinding, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.bindings[id]
	if !ok {
		return nil, registry.ErrBindingNotFound
	}
	return cloneBinding(b), nil
}

func (r *Providers) FindBinding(_ context.Context, tenantID, providerID string) (*domain.TenantProviderBinding, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, b := range r.s.bindings {
		if b.TenantID == tenantID && b.ProviderID == providerID {
			return cloneBinding(b), nil
		}
	}
	return nil, registry.ErrBindingNotFound
}

func (r *Providers) ListBindings(_ context.Context, tenantID string) ([]domain.TenantProviderBinding, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.TenantProviderBinding
	for _, b := range r.s.bindings {
		if b.TenantID == tenantID {
			out = append(out, *cloneBinding(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Providers) SetDefaultProvider(_ context.Context, providerID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.providers[providerID]; !ok {
		return registry.ErrProviderNotFound
	}
	for id, p := range r.s.providers {
		p.IsDefault = id == providerID
	}
	return nil
}

func (r *Providers) SetPrimaryBinding(_ context.Context, tenantID, bindingID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if b, ok := r.s.bindings[bindingID]; !ok || b.TenantID != tenantID {
		return registry.ErrBindingNotFound
	}
	for id, b := range r.s.bindings {
		if b.TenantID == tenantID {
			b.IsPrimary = id == bindingID
		}
	}
	return nil
}

func (r *Providers) UpdateProviderHealth(_ context.Context, providerID string, status domain.HealthStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.providers[providerID]
	if !ok {
		return registry.ErrProviderNotFound
	}
	p.Health = status
	return nil
}

// Accounts implements tenant.AccountReader.
type Accounts struct{ s *Store }

var _ tenant.AccountReader = (*Accounts)(nil)

func (r *Accounts) GetAccount(_ context.Context, tenantID string) (*domain.TenantAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[tenantID]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	return cloneAccount(a), nil
}
