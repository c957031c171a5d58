package domain

import "time"

// HealthStatus is the live health of a provider as observed by the dispatcher.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// UsageCounters are the rolling minute/hour/day counters kept for providers
// and tenant bindings. Each window carries the start of the period it counts.
type UsageCounters struct {
	SentThisMinute int       `json:"sent_this_minute" db:"sent_this_minute"`
	SentThisHour   int       `json:"sent_this_hour" db:"sent_this_hour"`
	SentToday      int       `json:"sent_today" db:"sent_today"`
	MinuteStart    time.Time `json:"minute_start" db:"minute_start"`
	HourStart      time.Time `json:"hour_start" db:"hour_start"`
	DayStart       time.Time `json:"day_start" db:"day_start"`
}

// Limits holds per-minute/hour/day caps. Zero means unlimited.
type Limits struct {
	PerMinute int `json:"per_minute"`
	PerHour   int `json:"per_hour"`
	PerDay    int `json:"per_day"`
}

// Provider is a named sending configuration. Config holds the decrypted
// credential blob and is never persisted by the engine.
type Provider struct {
	ID            string            `json:"id" db:"id"`
	Name          string            `json:"name" db:"name"`
	Kind          ProviderKind      `json:"kind" db:"kind"`
	Config        map[string]string `json:"-"`
	MaxPerMinute  int               `json:"max_per_minute" db:"max_per_minute"`
	MaxPerHour    int               `json:"max_per_hour" db:"max_per_hour"`
	MaxPerDay     int               `json:"max_per_day" db:"max_per_day"`
	IsDefault     bool              `json:"is_default" db:"is_default"`
	Priority      int               `json:"priority" db:"priority"`
	IsGlobal      bool              `json:"is_global" db:"is_global"`
	OwnerTenantID string            `json:"owner_tenant_id,omitempty" db:"owner_tenant_id"`
	IsActive      bool              `json:"is_active" db:"is_active"`
	IsEnabled     bool              `json:"is_enabled" db:"is_enabled"`
	Health        HealthStatus      `json:"health" db:"health_status"`
	Usage         UsageCounters     `json:"usage"`
	LastUsedAt    *time.Time        `json:"last_used_at,omitempty" db:"last_used_at"`
}

// Usable reports whether the provider may be selected at all.
func (p *Provider) Usable() bool {
	return p != nil && p.IsActive && p.IsEnabled
}

// Limits returns the provider's own caps.
func (p *Provider) Limits() Limits {
	return Limits{PerMinute: p.MaxPerMinute, PerHour: p.MaxPerHour, PerDay: p.MaxPerDay}
}

// TenantProviderBinding links a tenant to a provider with tenant-specific
// overrides, its own counters, and reputation metrics.
type TenantProviderBinding struct {
	ID             string            `json:"id" db:"id"`
	TenantID       string            `json:"tenant_id" db:"tenant_id"`
	ProviderID     string            `json:"provider_id" db:"provider_id"`
	ConfigOverride map[string]string `json:"-"`
	// Nil caps fall back to the provider's caps.
	MaxPerMinute  *int          `json:"max_per_minute,omitempty" db:"max_per_minute"`
	MaxPerHour    *int          `json:"max_per_hour,omitempty" db:"max_per_hour"`
	MaxPerDay     *int          `json:"max_per_day,omitempty" db:"max_per_day"`
	IsEnabled     bool          `json:"is_enabled" db:"is_enabled"`
	IsPrimary     bool          `json:"is_primary" db:"is_primary"`
	Usage         UsageCounters `json:"usage"`
	BounceRate    float64       `json:"bounce_rate" db:"bounce_rate"`
	ComplaintRate float64       `json:"complaint_rate" db:"complaint_rate"`
	DeliveryRate  float64       `json:"delivery_rate" db:"delivery_rate"`
	LastUsedAt    *time.Time    `json:"last_used_at,omitempty" db:"last_used_at"`
}

// EffectiveLimits merges the binding's caps over the provider defaults.
func (b *TenantProviderBinding) EffectiveLimits(p *Provider) Limits {
	l := p.Limits()
	if b == nil {
		return l
	}
	if b.MaxPerMinute != nil {
		l.PerMinute = *b.MaxPerMinute
	}
	if b.MaxPerHour != nil {
		l.PerHour = *b.MaxPerHour
	}
	if b.MaxPerDay != nil {
		l.PerDay = *b.MaxPerDay
	}
	return l
}

// Rule is the automation-rule reference carried on a send request. Only the
// provider preferences matter to the dispatch engine.
type Rule struct {
	ID           string `json:"id" db:"id"`
	TenantID     string `json:"tenant_id" db:"tenant_id"`
	BindingID    string `json:"binding_id,omitempty" db:"binding_id"`
	ProviderID   string `json:"provider_id,omitempty" db:"provider_id"`
	FromOverride string `json:"from_override,omitempty" db:"from_override"`
}
