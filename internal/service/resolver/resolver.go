// Package resolver picks the provider and effective config for a send and
// the sender address to use with it.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
	"github.com/ignite/dispatch-engine/internal/service/registry"
	"github.com/ignite/dispatch-engine/internal/tenant"
)

// ErrNoProvider means no level of the precedence chain produced a provider.
var ErrNoProvider = errors.New("no email provider configured")

// DefaultFallbackFrom is used when no other sender address is known.
const DefaultFallbackFrom = "noreply@localhost.localdomain"

// Source names the precedence level that produced a resolution.
type Source string

const (
	SourceManual         Source = "manual"
	SourceRuleBinding    Source = "rule_binding"
	SourceRuleProvider   Source = "rule_provider"
	SourceTenantPrimary  Source = "tenant_primary"
	SourceGlobalDefault  Source = "global_default"
	SourceGlobalFallback Source = "global_fallback"
)

// fromKeys are the provider config keys that may hold a sender address.
var fromKeys = []string{"from_email", "default_from_email", "sender_email", "from_address", "from"}

// Providers is the registry surface the resolver reads.
type Providers interface {
	Provider(ctx context.Context, id string) (*domain.Provider, error)
	Binding(ctx context.Context, id string) (*domain.TenantProviderBinding, error)
	BindingFor(ctx context.Context, tenantID, providerID string) (*domain.TenantProviderBinding, error)
	TenantBindings(ctx context.Context, tenantID string) ([]registry.Candidate, error)
	GlobalDefault(ctx context.Context) (*domain.Provider, error)
}

// Request describes what to resolve.
type Request struct {
	TenantID         string
	Rule             *domain.Rule
	ManualProviderID string
}

// Resolution is the chosen provider with its merged config.
type Resolution struct {
	Provider *domain.Provider
	Binding  *domain.TenantProviderBinding
	Config   map[string]string
	Source   Source
}

// Resolver implements provider and sender address resolution.
type Resolver struct {
	providers    Providers
	tenants      tenant.Directory
	fallbackFrom string
}

// New returns a Resolver. An empty fallbackFrom uses DefaultFallbackFrom.
func New(providers Providers, tenants tenant.Directory, fallbackFrom string) *Resolver {
	if fallbackFrom == "" {
		fallbackFrom = DefaultFallbackFrom
	}
	return &Resolver{providers: providers, tenants: tenants, fallbackFrom: fallbackFrom}
}

// ResolveProvider walks manual override, rule preference, tenant primary and
// global default in that order. The first level that yields a usable
// provider wins.
func (r *Resolver) ResolveProvider(ctx context.Context, req Request) (*Resolution, error) {
	if req.ManualProviderID != "" {
		res, err := r.withTenantOverride(ctx, req.TenantID, req.ManualProviderID, SourceManual)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
		logger.Info("resolver: manual provider not usable, falling through",
			"tenant_id", req.TenantID, "provider_id", req.ManualProviderID)
	}

	if req.Rule != nil {
		res, err := r.fromRule(ctx, req.TenantID, req.Rule)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}

	candidates, err := r.providers.TenantBindings(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		if c.Binding.IsPrimary {
			return &Resolution{Provider: c.Provider, Binding: c.Binding, Config: c.Config(), Source: SourceTenantPrimary}, nil
		}
	}

	p, err := r.providers.GlobalDefault(ctx)
	if errors.Is(err, registry.ErrNoGlobalProvider) {
		return nil, fmt.Errorf("%w for tenant %s", ErrNoProvider, req.TenantID)
	}
	if err != nil {
		return nil, err
	}
	src := SourceGlobalFallback
	if p.IsDefault {
		src = SourceGlobalDefault
	}
	return &Resolution{Provider: p, Config: registry.MergeConfig(p.Config, nil), Source: src}, nil
}

func (r *Resolver) fromRule(ctx context.Context, tenantID string, rule *domain.Rule) (*Resolution, error) {
	if rule.BindingID != "" {
		b, err := r.providers.Binding(ctx, rule.BindingID)
		switch {
		case errors.Is(err, registry.ErrBindingNotFound):
			logger.Warn("resolver: rule binding missing", "rule_id", rule.ID, "binding_id", rule.BindingID)
		case err != nil:
			return nil, err
		case b.TenantID != tenantID || !b.IsEnabled:
			logger.Info("resolver: rule binding disabled, falling through", "rule_id", rule.ID, "binding_id", b.ID)
		default:
			p, err := r.usableProvider(ctx, tenantID, b.ProviderID)
			if err != nil {
				return nil, err
			}
			if p != nil {
				return &Resolution{Provider: p, Binding: b, Config: registry.MergeConfig(p.Config, b.ConfigOverride), Source: SourceRuleBinding}, nil
			}
		}
	}
	if rule.ProviderID != "" {
		return r.withTenantOverride(ctx, tenantID, rule.ProviderID, SourceRuleProvider)
	}
	return nil, nil
}

// withTenantOverride resolves providerID and merges the tenant's binding
// override when one exists. A nil result means the provider is unusable.
func (r *Resolver) withTenantOverride(ctx context.Context, tenantID, providerID string, src Source) (*Resolution, error) {
	p, err := r.usableProvider(ctx, tenantID, providerID)
	if err != nil || p == nil {
		return nil, err
	}
	b, err := r.providers.BindingFor(ctx, tenantID, providerID)
	if err != nil {
		return nil, err
	}
	var override map[string]string
	if b != nil {
		override = b.ConfigOverride
	}
	return &Resolution{Provider: p, Binding: b, Config: registry.MergeConfig(p.Config, override), Source: src}, nil
}

// usableProvider returns provider id when it is active and may send for
// tenantID: global, unowned, or owned by tenantID. Anything else is nil.
func (r *Resolver) usableProvider(ctx context.Context, tenantID, id string) (*domain.Provider, error) {
	p, err := r.providers.Provider(ctx, id)
	if errors.Is(err, registry.ErrProviderNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !p.Usable() {
		return nil, nil
	}
	if !p.IsGlobal && p.OwnerTenantID != "" && p.OwnerTenantID != tenantID {
		logger.Warn("resolver: provider belongs to another tenant", "tenant_id", tenantID, "provider_id", id)
		return nil, nil
	}
	return p, nil
}

// ResolveFromAddress returns the sender address for a send. It never
// returns an empty string.
func (r *Resolver) ResolveFromAddress(ctx context.Context, tenantID, override string, cfg map[string]string) string {
	if v := strings.TrimSpace(override); v != "" {
		return v
	}

	if r.tenants != nil {
		d, err := r.tenants.GetEffectiveDomain(ctx, tenantID)
		if err != nil {
			logger.Degraded("resolver: tenant service unavailable, skipping tenant domain",
				"tenant_id", tenantID, "error", err)
		} else if d.Domain != "" {
			local := d.LocalPart
			if local == "" {
				local = "noreply"
			}
			return local + "@" + d.Domain
		}
	}

	for _, k := range fromKeys {
		if v := strings.TrimSpace(cfg[k]); v != "" {
			return v
		}
	}

	logger.Degraded("resolver: no sender address configured, using fallback",
		"tenant_id", tenantID, "from", r.fallbackFrom)
	return r.fallbackFrom
}
