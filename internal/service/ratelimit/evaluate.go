package ratelimit

import (
	"time"

	"github.com/ignite/dispatch-engine/internal/domain"
)

// Layer identifies which limit tier produced a decision.
type Layer string

const (
	LayerTenant   Layer = "tenant"
	LayerBinding  Layer = "binding"
	LayerProvider Layer = "provider"
)

// ReasonOK is the reason carried by an allowed decision.
const ReasonOK = "OK"

// Thresholds are the tenant reputation ceilings. A rate strictly above the
// ceiling blocks sending.
type Thresholds struct {
	MaxBounceRate    float64
	MaxComplaintRate float64
}

// DefaultThresholds block above 10% bounces or 0.5% complaints.
var DefaultThresholds = Thresholds{MaxBounceRate: 0.10, MaxComplaintRate: 0.005}

// Snapshot is the state a decision is made on. Account is nil when tenant
// limits are skipped; Binding is nil when the provider is used unbound.
type Snapshot struct {
	Account  *domain.TenantAccount
	Binding  *domain.TenantProviderBinding
	Provider *domain.Provider
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Allowed bool
	Reason  string
	Layer   Layer
}

func deny(layer Layer, reason string) Decision {
	return Decision{Reason: reason, Layer: layer}
}

var allow = Decision{Allowed: true, Reason: ReasonOK}

// NormalizeAccount resets the daily and monthly counters when their period
// has rolled over. It reports whether anything changed.
func NormalizeAccount(acc *domain.TenantAccount, now time.Time) bool {
	if acc == nil {
		return false
	}
	changed := false
	if day := domain.DateKey(now); acc.LastResetDate != day {
		acc.EmailsSentToday = 0
		acc.LastResetDate = day
		changed = true
	}
	if month := domain.MonthKey(now); acc.LastResetMonth != month {
		acc.EmailsSentThisMonth = 0
		acc.LastResetMonth = month
		changed = true
	}
	return changed
}

// NormalizeUsage resets minute, hour and day windows that have elapsed. It
// reports whether anything changed.
func NormalizeUsage(u *domain.UsageCounters, now time.Time) bool {
	if u == nil {
		return false
	}
	now = now.UTC()
	changed := false
	if m := now.Truncate(time.Minute); !u.MinuteStart.Equal(m) {
		u.SentThisMinute = 0
		u.MinuteStart = m
		changed = true
	}
	if h := now.Truncate(time.Hour); !u.HourStart.Equal(h) {
		u.SentThisHour = 0
		u.HourStart = h
		changed = true
	}
	if d := dayStart(now); !u.DayStart.Equal(d) {
		u.SentToday = 0
		u.DayStart = d
		changed = true
	}
	return changed
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Normalize applies both normalizations to every part of s.
func Normalize(s *Snapshot, now time.Time) bool {
	changed := NormalizeAccount(s.Account, now)
	if s.Binding != nil && NormalizeUsage(&s.Binding.Usage, now) {
		changed = true
	}
	if s.Provider != nil && NormalizeUsage(&s.Provider.Usage, now) {
		changed = true
	}
	return changed
}

// Evaluate checks tenant, binding and provider layers in that order and
// returns the first refusal. s must already be normalized.
func Evaluate(s Snapshot, th Thresholds) Decision {
	if acc := s.Account; acc != nil {
		switch {
		case acc.IsSuspended:
			return deny(LayerTenant, "Tenant account suspended")
		case !acc.IsActive:
			return deny(LayerTenant, "Tenant account inactive")
		case exceeded(acc.EmailsSentToday, acc.Limits.EmailsPerDay):
			return deny(LayerTenant, "Daily email limit exceeded")
		case exceeded(acc.EmailsSentThisMonth, acc.Limits.EmailsPerMonth):
			return deny(LayerTenant, "Monthly email limit exceeded")
		case acc.BounceRate > th.MaxBounceRate:
			return deny(LayerTenant, "Bounce rate too high")
		case acc.ComplaintRate > th.MaxComplaintRate:
			return deny(LayerTenant, "Complaint rate too high")
		}
	}

	if b, p := s.Binding, s.Provider; b != nil && p != nil {
		l := b.EffectiveLimits(p)
		switch {
		case exceeded(b.Usage.SentThisMinute, l.PerMinute):
			return deny(LayerBinding, "Binding minute limit exceeded")
		case exceeded(b.Usage.SentThisHour, l.PerHour):
			return deny(LayerBinding, "Binding hourly limit exceeded")
		case exceeded(b.Usage.SentToday, l.PerDay):
			return deny(LayerBinding, "Binding daily limit exceeded")
		}
	}

	if p := s.Provider; p != nil {
		switch {
		case exceeded(p.Usage.SentThisMinute, p.MaxPerMinute):
			return deny(LayerProvider, "Provider minute limit exceeded")
		case exceeded(p.Usage.SentThisHour, p.MaxPerHour):
			return deny(LayerProvider, "Provider hourly limit exceeded")
		case exceeded(p.Usage.SentToday, p.MaxPerDay):
			return deny(LayerProvider, "Provider daily limit exceeded")
		case p.Health == domain.HealthUnhealthy:
			return deny(LayerProvider, "Provider is unhealthy")
		}
	}
	return allow
}

// exceeded treats a zero limit as unlimited.
func exceeded(used, limit int) bool {
	return limit > 0 && used >= limit
}

// lastUse holds the last-used timestamps that increment overwrote.
type lastUse struct {
	account, binding, provider *time.Time
}

// increment counts one send against every layer present in s and returns
// the timestamps it replaced.
func increment(s *Snapshot, now time.Time) lastUse {
	var prev lastUse
	if acc := s.Account; acc != nil {
		acc.EmailsSentToday++
		acc.EmailsSentThisMonth++
		prev.account = acc.LastSentAt
		t := now
		acc.LastSentAt = &t
	}
	if b := s.Binding; b != nil {
		bump(&b.Usage, 1)
		prev.binding = b.LastUsedAt
		t := now
		b.LastUsedAt = &t
	}
	if p := s.Provider; p != nil {
		bump(&p.Usage, 1)
		prev.provider = p.LastUsedAt
		t := now
		p.LastUsedAt = &t
	}
	return prev
}

// decrement undoes increment for the counters whose window still matches at.
// A last-used timestamp is restored only while it is still the one set at
// at; a later send keeps its own.
func decrement(s *Snapshot, at time.Time, prev lastUse) {
	if acc := s.Account; acc != nil {
		if acc.LastResetDate == domain.DateKey(at) && acc.EmailsSentToday > 0 {
			acc.EmailsSentToday--
		}
		if acc.LastResetMonth == domain.MonthKey(at) && acc.EmailsSentThisMonth > 0 {
			acc.EmailsSentThisMonth--
		}
		acc.LastSentAt = restore(acc.LastSentAt, at, prev.account)
	}
	if b := s.Binding; b != nil {
		unbump(&b.Usage, at)
		b.LastUsedAt = restore(b.LastUsedAt, at, prev.binding)
	}
	if p := s.Provider; p != nil {
		unbump(&p.Usage, at)
		p.LastUsedAt = restore(p.LastUsedAt, at, prev.provider)
	}
}

func restore(cur *time.Time, at time.Time, prev *time.Time) *time.Time {
	if cur != nil && cur.Equal(at) {
		return prev
	}
	return cur
}

func bump(u *domain.UsageCounters, n int) {
	u.SentThisMinute += n
	u.SentThisHour += n
	u.SentToday += n
}

func unbump(u *domain.UsageCounters, at time.Time) {
	at = at.UTC()
	if u.MinuteStart.Equal(at.Truncate(time.Minute)) && u.SentThisMinute > 0 {
		u.SentThisMinute--
	}
	if u.HourStart.Equal(at.Truncate(time.Hour)) && u.SentThisHour > 0 {
		u.SentThisHour--
	}
	if u.DayStart.Equal(dayStart(at)) && u.SentToday > 0 {
		u.SentToday--
	}
}
