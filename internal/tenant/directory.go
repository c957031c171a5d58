// Package tenant is the engine's view of the tenant/account service: plan
// limits, activation state and sender domains.
package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/dispatch-engine/internal/domain"
)

// ErrNotFound is returned by an AccountReader for unknown tenants.
var ErrNotFound = errors.New("tenant not found")

// EffectiveDomain is the sender domain a tenant may use.
type EffectiveDomain struct {
	Domain    string
	LocalPart string
	Custom    bool
}

// Directory is the contract the engine consumes. Callers treat errors as a
// degraded dependency, not as a reason to refuse a send.
type Directory interface {
	GetPlanLimits(ctx context.Context, tenantID string) (domain.PlanLimits, error)
	IsTenantActive(ctx context.Context, tenantID string) (bool, error)
	GetEffectiveDomain(ctx context.Context, tenantID string) (EffectiveDomain, error)
}

// AccountReader reads tenant account rows.
type AccountReader interface {
	GetAccount(ctx context.Context, tenantID string) (*domain.TenantAccount, error)
}

// AccountDirectory answers Directory queries from the tenant account table.
// Tenants without an account row get plan defaults and are active.
type AccountDirectory struct {
	accounts AccountReader
	defaults domain.PlanLimits
}

// NewAccountDirectory returns a Directory over accounts.
func NewAccountDirectory(accounts AccountReader) *AccountDirectory {
	return &AccountDirectory{accounts: accounts, defaults: domain.DefaultPlanLimits}
}

func (d *AccountDirectory) account(ctx context.Context, tenantID string) (*domain.TenantAccount, error) {
	acc, err := d.accounts.GetAccount(ctx, tenantID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load tenant %s: %w", tenantID, err)
	}
	return acc, nil
}

// GetPlanLimits returns the tenant's plan limits.
func (d *AccountDirectory) GetPlanLimits(ctx context.Context, tenantID string) (domain.PlanLimits, error) {
	acc, err := d.account(ctx, tenantID)
	if err != nil {
		return domain.PlanLimits{}, err
	}
	if acc == nil {
		return d.defaults, nil
	}
	return acc.Limits, nil
}

// IsTenantActive reports whether the tenant may send at all.
func (d *AccountDirectory) IsTenantActive(ctx context.Context, tenantID string) (bool, error) {
	acc, err := d.account(ctx, tenantID)
	if err != nil {
		return false, err
	}
	if acc == nil {
		return true, nil
	}
	return acc.IsActive, nil
}

// GetEffectiveDomain prefers a verified custom domain the plan allows, then
// the tenant's default domain. An empty Domain means the tenant has none.
func (d *AccountDirectory) GetEffectiveDomain(ctx context.Context, tenantID string) (EffectiveDomain, error) {
	acc, err := d.account(ctx, tenantID)
	if err != nil || acc == nil {
		return EffectiveDomain{}, err
	}
	local := acc.DefaultFromLocalPart
	if local == "" {
		local = "noreply"
	}
	if acc.CustomDomain != "" && acc.CustomDomainVerified && acc.PlanAllowsCustomDomain {
		return EffectiveDomain{Domain: acc.CustomDomain, LocalPart: local, Custom: true}, nil
	}
	if acc.DefaultDomain != "" {
		return EffectiveDomain{Domain: acc.DefaultDomain, LocalPart: local}, nil
	}
	return EffectiveDomain{}, nil
}
