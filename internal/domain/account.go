package domain

import "time"

// PlanLimits are the plan-level quotas of a tenant. Zero means unlimited.
type PlanLimits struct {
	EmailsPerMinute int `json:"emails_per_minute" db:"emails_per_minute"`
	EmailsPerDay    int `json:"emails_per_day" db:"emails_per_day"`
	EmailsPerMonth  int `json:"emails_per_month" db:"emails_per_month"`
}

// DefaultPlanLimits are applied when a tenant account is created lazily on
// its first send.
var DefaultPlanLimits = PlanLimits{EmailsPerMinute: 60, EmailsPerDay: 1000, EmailsPerMonth: 20000}

// TenantAccount is the per-tenant account configuration: plan limits,
// sender domain settings, suspension flag, and rolling usage counters.
type TenantAccount struct {
	TenantID               string     `json:"tenant_id" db:"tenant_id"`
	Limits                 PlanLimits `json:"limits"`
	CustomDomain           string     `json:"custom_domain,omitempty" db:"custom_domain"`
	CustomDomainVerified   bool       `json:"custom_domain_verified" db:"custom_domain_verified"`
	PlanAllowsCustomDomain bool       `json:"plan_allows_custom_domain" db:"plan_allows_custom_domain"`
	DefaultDomain          string     `json:"default_domain,omitempty" db:"default_domain"`
	DefaultFromLocalPart   string     `json:"default_from_local_part,omitempty" db:"default_from_local_part"`
	IsActive               bool       `json:"is_active" db:"is_active"`
	IsSuspended            bool       `json:"is_suspended" db:"is_suspended"`
	EmailsSentToday        int        `json:"emails_sent_today" db:"emails_sent_today"`
	EmailsSentThisMonth    int        `json:"emails_sent_this_month" db:"emails_sent_this_month"`
	// LastResetDate is formatted 2006-01-02, LastResetMonth 2006-01.
	LastResetDate   string     `json:"last_reset_date" db:"last_reset_date"`
	LastResetMonth  string     `json:"last_reset_month" db:"last_reset_month"`
	ReputationScore float64    `json:"reputation_score" db:"reputation_score"`
	BounceRate      float64    `json:"bounce_rate" db:"bounce_rate"`
	ComplaintRate   float64    `json:"complaint_rate" db:"complaint_rate"`
	LastSentAt      *time.Time `json:"last_sent_at,omitempty" db:"last_sent_at"`
}

// NewTenantAccount returns the account created lazily for a tenant that has
// never sent before.
func NewTenantAccount(tenantID string, now time.Time) *TenantAccount {
	return &TenantAccount{
		TenantID:        tenantID,
		Limits:          DefaultPlanLimits,
		IsActive:        true,
		LastResetDate:   DateKey(now),
		LastResetMonth:  MonthKey(now),
		ReputationScore: 100,
	}
}

// DateKey formats t as the daily counter key.
func DateKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

// MonthKey formats t as the monthly counter key.
func MonthKey(t time.Time) string { return t.UTC().Format("2006-01") }
