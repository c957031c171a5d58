// Package registry loads providers and tenant bindings and attaches their
// decrypted credentials. Plaintext config lives only on the returned values.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ignite/dispatch-engine/internal/credentials"
	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
)

// Sentinel errors.
var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrBindingNotFound  = errors.New("provider binding not found")
	ErrNoGlobalProvider = errors.New("no active global provider")
	ErrNotGlobal        = errors.New("tenant-owned provider cannot be the global default")
)

// Repository is the data access contract for providers and bindings.
type Repository interface {
	GetProvider(ctx context.Context, id string) (*domain.Provider, error)
	ListGlobalProviders(ctx context.Context) ([]domain.Provider, error)
	GetBinding(ctx context.Context, id string) (*domain.TenantProviderBinding, error)
	FindBinding(ctx context.Context, tenantID, providerID string) (*domain.TenantProviderBinding, error)
	// ListBindings returns all of a tenant's bindings, enabled or not.
	ListBindings(ctx context.Context, tenantID string) ([]domain.TenantProviderBinding, error)
	// SetDefaultProvider marks providerID as the single global default,
	// clearing the flag on every other provider in the same transaction.
	SetDefaultProvider(ctx context.Context, providerID string) error
	// SetPrimaryBinding marks bindingID primary for tenantID, clearing the
	// flag on the tenant's other bindings in the same transaction.
	SetPrimaryBinding(ctx context.Context, tenantID, bindingID string) error
	UpdateProviderHealth(ctx context.Context, providerID string, status domain.HealthStatus) error
}

// Candidate is a usable provider together with the tenant's binding to it.
// Binding is nil for global providers reached without a binding.
type Candidate struct {
	Provider *domain.Provider
	Binding  *domain.TenantProviderBinding
}

// Config returns the effective config of the candidate.
func (c Candidate) Config() map[string]string {
	var override map[string]string
	if c.Binding != nil {
		override = c.Binding.ConfigOverride
	}
	return MergeConfig(c.Provider.Config, override)
}

// MergeConfig overlays non-empty override values on base. Neither input is
// modified.
func MergeConfig(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// Registry reads providers and bindings. It is safe for concurrent use.
type Registry struct {
	repo  Repository
	creds credentials.Store
}

// New returns a Registry.
func New(repo Repository, creds credentials.Store) *Registry {
	return &Registry{repo: repo, creds: creds}
}

// Provider loads a provider with decrypted config.
func (r *Registry) Provider(ctx context.Context, id string) (*domain.Provider, error) {
	p, err := r.repo.GetProvider(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.decrypt(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Binding loads a binding by id.
func (r *Registry) Binding(ctx context.Context, id string) (*domain.TenantProviderBinding, error) {
	return r.repo.GetBinding(ctx, id)
}

// BindingFor returns tenantID's binding to providerID, or nil without error
// when the tenant has none.
func (r *Registry) BindingFor(ctx context.Context, tenantID, providerID string) (*domain.TenantProviderBinding, error) {
	b, err := r.repo.FindBinding(ctx, tenantID, providerID)
	if errors.Is(err, ErrBindingNotFound) {
		return nil, nil
	}
	return b, err
}

// TenantBindings returns the tenant's enabled bindings whose provider is
// usable: primary first, then by provider priority, then by provider name.
func (r *Registry) TenantBindings(ctx context.Context, tenantID string) ([]Candidate, error) {
	bindings, err := r.repo.ListBindings(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list bindings for %s: %w", tenantID, err)
	}

	out := make([]Candidate, 0, len(bindings))
	for i := range bindings {
		b := &bindings[i]
		if !b.IsEnabled {
			continue
		}
		p, err := r.Provider(ctx, b.ProviderID)
		if errors.Is(err, ErrProviderNotFound) {
			logger.Warn("registry: binding references missing provider", "binding_id", b.ID, "provider_id", b.ProviderID)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !p.Usable() {
			continue
		}
		out = append(out, Candidate{Provider: p, Binding: b})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Binding.IsPrimary != b.Binding.IsPrimary {
			return a.Binding.IsPrimary
		}
		if a.Provider.Priority != b.Provider.Priority {
			return a.Provider.Priority < b.Provider.Priority
		}
		return strings.ToLower(a.Provider.Name) < strings.ToLower(b.Provider.Name)
	})
	return out, nil
}

// GlobalDefault returns the active global default provider, or else the
// active global provider with the lowest priority value, tie-broken by name.
func (r *Registry) GlobalDefault(ctx context.Context) (*domain.Provider, error) {
	providers, err := r.repo.ListGlobalProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list global providers: %w", err)
	}

	var pick *domain.Provider
	for i := range providers {
		p := &providers[i]
		if !p.IsGlobal || !p.Usable() {
			continue
		}
		if p.IsDefault {
			pick = p
			break
		}
		if pick == nil || p.Priority < pick.Priority || (p.Priority == pick.Priority && p.Name < pick.Name) {
			pick = p
		}
	}
	if pick == nil {
		return nil, ErrNoGlobalProvider
	}
	if err := r.decrypt(ctx, pick); err != nil {
		return nil, err
	}
	return pick, nil
}

// SetDefault makes providerID the single global default.
func (r *Registry) SetDefault(ctx context.Context, providerID string) error {
	p, err := r.repo.GetProvider(ctx, providerID)
	if err != nil {
		return err
	}
	if !p.IsGlobal {
		return fmt.Errorf("provider %s: %w", providerID, ErrNotGlobal)
	}
	return r.repo.SetDefaultProvider(ctx, providerID)
}

// SetPrimary makes bindingID the tenant's single primary binding.
func (r *Registry) SetPrimary(ctx context.Context, tenantID, bindingID string) error {
	b, err := r.repo.GetBinding(ctx, bindingID)
	if err != nil {
		return err
	}
	if b.TenantID != tenantID {
		return ErrBindingNotFound
	}
	return r.repo.SetPrimaryBinding(ctx, tenantID, bindingID)
}

// MarkHealth persists a health transition.
func (r *Registry) MarkHealth(ctx context.Context, providerID string, status domain.HealthStatus) error {
	return r.repo.UpdateProviderHealth(ctx, providerID, status)
}

// decrypt attaches credentials. A provider without stored credentials keeps
// an empty config; the sender reports which keys are missing.
func (r *Registry) decrypt(ctx context.Context, p *domain.Provider) error {
	cfg, err := r.creds.Decrypt(ctx, p.ID)
	switch {
	case errors.Is(err, credentials.ErrNotFound):
		if p.Kind != domain.ProviderInternal {
			logger.Warn("registry: no credentials stored for provider", "provider_id", p.ID, "kind", p.Kind)
		}
		cfg = map[string]string{}
	case err != nil:
		return fmt.Errorf("decrypt credentials for provider %s: %w", p.ID, err)
	}
	p.Config = cfg
	return nil
}
