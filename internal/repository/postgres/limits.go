package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/service/ratelimit"
	"github.com/ignite/dispatch-engine/internal/service/registry"
)

// LimitStore implements ratelimit.Store with row locks. Rows are always
// locked account, binding, provider in that order.
type LimitStore struct{ db *sql.DB }

var _ ratelimit.Store = (*LimitStore)(nil)

// NewLimitStore creates a Postgres-backed limiter store.
func NewLimitStore(db *sql.DB) *LimitStore { return &LimitStore{db: db} }

// Locked loads the snapshot FOR UPDATE, runs fn, and writes the counters
// back when fn asks to save.
func (s *LimitStore) Locked(ctx context.Context, k ratelimit.Key, fn func(*ratelimit.Snapshot) (bool, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin limiter tx: %w", err)
	}
	defer rollback(tx)

	snap := &ratelimit.Snapshot{}
	if !k.SkipTenant {
		acc, err := scanAccount(tx.QueryRowContext(ctx,
			`SELECT `+accountColumns+` FROM tenant_accounts WHERE tenant_id = $1 FOR UPDATE`, k.TenantID))
		if errors.Is(err, sql.ErrNoRows) {
			return ratelimit.ErrNoAccount
		}
		if err != nil {
			return fmt.Errorf("lock tenant account: %w", err)
		}
		snap.Account = acc
	}
	if k.BindingID != "" {
		b, err := scanBinding(tx.QueryRowContext(ctx,
			`SELECT `+bindingColumns+` FROM tenant_provider_bindings WHERE id = $1 FOR UPDATE`, k.BindingID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("binding %s: %w", k.BindingID, registry.ErrBindingNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock binding: %w", err)
		}
		snap.Binding = b
	}
	p, err := scanProvider(tx.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM email_providers WHERE id = $1 FOR UPDATE`, k.ProviderID))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("provider %s: %w", k.ProviderID, registry.ErrProviderNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock provider: %w", err)
	}
	snap.Provider = p

	save, err := fn(snap)
	if err != nil || !save {
		return err
	}

	if a := snap.Account; a != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tenant_accounts
			SET emails_sent_today = $2, emails_sent_this_month = $3,
			    last_reset_date = $4, last_reset_month = $5, last_sent_at = $6, updated_at = NOW()
			WHERE tenant_id = $1
		`, a.TenantID, a.EmailsSentToday, a.EmailsSentThisMonth, a.LastResetDate, a.LastResetMonth, a.LastSentAt); err != nil {
			return fmt.Errorf("save tenant usage: %w", err)
		}
	}
	if b := snap.Binding; b != nil {
		u := b.Usage
		if _, err := tx.ExecContext(ctx, `
			UPDATE tenant_provider_bindings
			SET sent_this_minute = $2, sent_this_hour = $3, sent_today = $4,
			    minute_start = $5, hour_start = $6, day_start = $7, last_used_at = $8, updated_at = NOW()
			WHERE id = $1
		`, b.ID, u.SentThisMinute, u.SentThisHour, u.SentToday, u.MinuteStart, u.HourStart, u.DayStart, b.LastUsedAt); err != nil {
			return fmt.Errorf("save binding usage: %w", err)
		}
	}
	u := snap.Provider.Usage
	if _, err := tx.ExecContext(ctx, `
		UPDATE email_providers
		SET sent_this_minute = $2, sent_this_hour = $3, sent_today = $4,
		    minute_start = $5, hour_start = $6, day_start = $7, last_used_at = $8, updated_at = NOW()
		WHERE id = $1
	`, snap.Provider.ID, u.SentThisMinute, u.SentThisHour, u.SentToday, u.MinuteStart, u.HourStart, u.DayStart, snap.Provider.LastUsedAt); err != nil {
		return fmt.Errorf("save provider usage: %w", err)
	}
	return tx.Commit()
}

// EnsureAccount inserts acc unless the tenant already has an account.
func (s *LimitStore) EnsureAccount(ctx context.Context, acc *domain.TenantAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_accounts (tenant_id, emails_per_minute, emails_per_day, emails_per_month,
			is_active, is_suspended, last_reset_date, last_reset_month, reputation_score)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id) DO NOTHING
	`, acc.TenantID, acc.Limits.EmailsPerMinute, acc.Limits.EmailsPerDay, acc.Limits.EmailsPerMonth,
		acc.IsActive, acc.IsSuspended, acc.LastResetDate, acc.LastResetMonth, acc.ReputationScore)
	if err != nil {
		return fmt.Errorf("ensure tenant account: %w", err)
	}
	return nil
}
