package memory

import (
	"context"
	"fmt"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/service/ratelimit"
	"github.com/ignite/dispatch-engine/internal/service/registry"
)

// Limits implements ratelimit.Store.
type Limits struct{ s *Store }

var _ ratelimit.Store = (*Limits)(nil)

// Locked holds the store mutex for the whole of fn.
func (r *Limits) Locked(_ context.Context, k ratelimit.Key, fn func(*ratelimit.Snapshot) (bool, error)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	snap := &ratelimit.Snapshot{}
	if !k.SkipTenant {
		acc, ok := r.s.accounts[k.TenantID]
		if !ok {
			return ratelimit.ErrNoAccount
		}
		snap.Account = cloneAccount(acc)
	}
	if k.BindingID != "" {
		b, ok := r.s.bindings[k.BindingID]
		if !ok {
			return fmt.Errorf("binding %s: %w", k.BindingID, registry.ErrBindingNotFound)
		}
		snap.Binding = cloneBinding(b)
	}
	p, ok := r.s.providers[k.ProviderID]
	if !ok {
		return fmt.Errorf("provider %s: %w", k.ProviderID, registry.ErrProviderNotFound)
	}
	snap.Provider = cloneProvider(p)

	save, err := fn(snap)
	if err != nil || !save {
		return err
	}
	if snap.Account != nil {
		r.s.accounts[k.TenantID] = snap.Account
	}
	if snap.Binding != nil {
		b := r.s.bindings[k.BindingID]
		b.Usage, b.LastUsedAt = snap.Binding.Usage, snap.Binding.LastUsedAt
	}
	p.Usage, p.LastUsedAt = snap.Provider.Usage, snap.Provider.LastUsedAt
	return nil
}

// EnsureAccount inserts acc unless the tenant already has one.
func (r *Limits) EnsureAccount(_ context.Context, acc *domain.TenantAccount) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.accounts[acc.TenantID]; !ok {
		r.s.accounts[acc.TenantID] = cloneAccount(acc)
	}
	return nil
}
