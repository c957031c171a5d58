package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/service/registry"
	"github.com/ignite/dispatch-engine/internal/tenant"
)

const providerColumns = `id, name, kind, max_per_minute, max_per_hour, max_per_day,
	is_default, priority, is_global, owner_tenant_id, is_active, is_enabled, health_status,
	sent_this_minute, sent_this_hour, sent_today, minute_start, hour_start, day_start, last_used_at`

func scanProvider(s scanner) (*domain.Provider, error) {
	p := &domain.Provider{}
	err := s.Scan(&p.ID, &p.Name, &p.Kind, &p.MaxPerMinute, &p.MaxPerHour, &p.MaxPerDay,
		&p.IsDefault, &p.Priority, &p.IsGlobal, &p.OwnerTenantID, &p.IsActive, &p.IsEnabled, &p.Health,
		&p.Usage.SentThisMinute, &p.Usage.SentThisHour, &p.Usage.SentToday,
		&p.Usage.MinuteStart, &p.Usage.HourStart, &p.Usage.DayStart, &p.LastUsedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

const bindingColumns = `id, tenant_id, provider_id, config_override, max_per_minute, max_per_hour, max_per_day,
	is_enabled, is_primary, sent_this_minute, sent_this_hour, sent_today, minute_start, hour_start, day_start,
	bounce_rate, complaint_rate, delivery_rate, last_used_at`

func scanBinding(s scanner) (*domain.TenantProviderBinding, error) {
	b := &domain.TenantProviderBinding{}
	var override []byte
	err := s.Scan(&b.ID, &b.TenantID, &b.ProviderID, &override, &b.MaxPerMinute, &b.MaxPerHour, &b.MaxPerDay,
		&b.IsEnabled, &b.IsPrimary, &b.Usage.SentThisMinute, &b.Usage.SentThisHour, &b.Usage.SentToday,
		&b.Usage.MinuteStart, &b.Usage.HourStart, &b.Usage.DayStart,
		&b.BounceRate, &b.ComplaintRate, &b.DeliveryRate, &b.LastUsedAt)
	if err != nil {
		return nil, err
	}
	if err := scanJSON(override, &b.ConfigOverride); err != nil {
		return nil, fmt.Errorf("decode config override of binding %s: %w", b.ID, err)
	}
	return b, nil
}

const accountColumns = `tenant_id, emails_per_minute, emails_per_day, emails_per_month,
	custom_domain, custom_domain_verified, plan_allows_custom_domain, default_domain, default_from_local_part,
	is_active, is_suspended, emails_sent_today, emails_sent_this_month, last_reset_date, last_reset_month,
	reputation_score, bounce_rate, complaint_rate, last_sent_at`

func scanAccount(s scanner) (*domain.TenantAccount, error) {
	a := &domain.TenantAccount{}
	err := s.Scan(&a.TenantID, &a.Limits.EmailsPerMinute, &a.Limits.EmailsPerDay, &a.Limits.EmailsPerMonth,
		&a.CustomDomain, &a.CustomDomainVerified, &a.PlanAllowsCustomDomain, &a.DefaultDomain, &a.DefaultFromLocalPart,
		&a.IsActive, &a.IsSuspended, &a.EmailsSentToday, &a.EmailsSentThisMonth, &a.LastResetDate, &a.LastResetMonth,
		&a.ReputationScore, &a.BounceRate, &a.ComplaintRate, &a.LastSentAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ProviderRepo implements registry.Repository against PostgreSQL.
type ProviderRepo struct{ db *sql.DB }

var _ registry.Repository = (*ProviderRepo)(nil)

// NewProviderRepo creates a Postgres-backed provider repository.
func NewProviderRepo(db *sql.DB) *ProviderRepo { return &ProviderRepo{db: db} }

func (r *ProviderRepo) GetProvider(ctx context.Context, id string) (*domain.Provider, error) {
	p, err := scanProvider(r.db.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM email_providers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registry.ErrProviderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get provider: %w", err)
	}
	return p, nil
}

func (r *ProviderRepo) ListGlobalProviders(ctx context.Context) ([]domain.Provider, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+providerColumns+`
		FROM email_providers
		WHERE is_global = true
		ORDER BY priority ASC, lower(name) ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list global providers: %w", err)
	}
	defer rows.Close()

	var out []domain.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r *ProviderRepo) GetBinding(ctx context.Context, id string) (*domain.TenantProviderBinding, error) {
	b, err := scanBinding(r.db.QueryRowContext(ctx,
		`SELECT `+bindingColumns+` FROM tenant_provider_bindings WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registry.ErrBindingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get binding: %w", err)
	}
	return b, nil
}

func (r *ProviderRepo) FindBinding(ctx context.Context, tenantID, providerID string) (*domain.TenantProviderBinding, error) {
	b, err := scanBinding(r.db.QueryRowContext(ctx, `
		SELECT `+bindingColumns+`
		FROM tenant_provider_bindings
		WHERE tenant_id = $1 AND provider_id = $2
	`, tenantID, providerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registry.ErrBindingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find binding: %w", err)
	}
	return b, nil
}

func (r *ProviderRepo) ListBindings(ctx context.Context, tenantID string) ([]domain.TenantProviderBinding, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+bindingColumns+`
		FROM tenant_provider_bindings
		WHERE tenant_id = $1
		ORDER BY id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()

	var out []domain.TenantProviderBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// SetDefaultProvider clears and sets the default flag in one transaction.
func (r *ProviderRepo) SetDefaultProvider(ctx context.Context, providerID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set default provider: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx,
		`UPDATE email_providers SET is_default = false, updated_at = NOW() WHERE is_default = true AND id <> $1`,
		providerID); err != nil {
		return fmt.Errorf("clear default provider: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE email_providers SET is_default = true, updated_at = NOW() WHERE id = $1`, providerID)
	if err != nil {
		return fmt.Errorf("set default provider: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return registry.ErrProviderNotFound
	}
	return tx.Commit()
}

// SetPrimaryBinding clears and sets the tenant's primary flag in one
// transaction.
func (r *ProviderRepo) SetPrimaryBinding(ctx context.Context, tenantID, bindingID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set primary binding: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `
		UPDATE tenant_provider_bindings SET is_primary = false, updated_at = NOW()
		WHERE tenant_id = $1 AND is_primary = true AND id <> $2
	`, tenantID, bindingID); err != nil {
		return fmt.Errorf("clear primary binding: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tenant_provider_bindings SET is_primary = true, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, bindingID)
	if err != nil {
		return fmt.Errorf("set primary binding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return registry.ErrBindingNotFound
	}
	return tx.Commit()
}

func (r *ProviderRepo) UpdateProviderHealth(ctx context.Context, providerID string, status domain.HealthStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE email_providers SET health_status = $2, updated_at = NOW() WHERE id = $1`,
		providerID, string(status))
	if err != nil {
		return fmt.Errorf("update provider health: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return registry.ErrProviderNotFound
	}
	return nil
}

// AccountRepo implements tenant.AccountReader against PostgreSQL.
type AccountRepo struct{ db *sql.DB }

var _ tenant.AccountReader = (*AccountRepo)(nil)

// NewAccountRepo creates a Postgres-backed tenant account reader.
func NewAccountRepo(db *sql.DB) *AccountRepo { return &AccountRepo{db: db} }

func (r *AccountRepo) GetAccount(ctx context.Context, tenantID string) (*domain.TenantAccount, error) {
	a, err := scanAccount(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM tenant_accounts WHERE tenant_id = $1`, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tenant.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant account: %w", err)
	}
	return a, nil
}
