package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/metrics"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
)

// HealthOptions tune provider health tracking.
type HealthOptions struct {
	DegradedAfter  int           // consecutive failures before degraded
	UnhealthyAfter int           // consecutive failures before unhealthy
	Recovery       time.Duration // unhealthy providers get a probe send after this
}

func (o *HealthOptions) defaults() {
	if o.DegradedAfter <= 0 {
		o.DegradedAfter = 3
	}
	if o.UnhealthyAfter <= 0 {
		o.UnhealthyAfter = 5
	}
	if o.UnhealthyAfter < o.DegradedAfter {
		o.UnhealthyAfter = o.DegradedAfter
	}
	if o.Recovery <= 0 {
		o.Recovery = 2 * time.Minute
	}
}

type providerHealth struct {
	status           domain.HealthStatus
	consecutiveFails int
	lastFailure      time.Time
}

// HealthTracker counts consecutive transport failures per provider and
// persists status transitions.
type HealthTracker struct {
	opts    HealthOptions
	persist func(ctx context.Context, providerID string, status domain.HealthStatus) error

	mu     sync.Mutex
	health map[string]*providerHealth
	now    func() time.Time
}

// NewHealthTracker returns a tracker that writes transitions through persist.
func NewHealthTracker(opts HealthOptions, persist func(context.Context, string, domain.HealthStatus) error) *HealthTracker {
	opts.defaults()
	return &HealthTracker{opts: opts, persist: persist, health: make(map[string]*providerHealth), now: time.Now}
}

func (t *HealthTracker) entry(p *domain.Provider) *providerHealth {
	h, ok := t.health[p.ID]
	if !ok {
		status := p.Health
		if status == "" {
			status = domain.HealthUnknown
		}
		h = &providerHealth{status: status}
		t.health[p.ID] = h
	}
	return h
}

// Failure records a failed send on p.
func (t *HealthTracker) Failure(ctx context.Context, p *domain.Provider) {
	t.mu.Lock()
	h := t.entry(p)
	h.consecutiveFails++
	h.lastFailure = t.now()
	next := h.status
	switch {
	case h.consecutiveFails >= t.opts.UnhealthyAfter:
		next = domain.HealthUnhealthy
	case h.consecutiveFails >= t.opts.DegradedAfter:
		next = domain.HealthDegraded
	}
	changed := next != h.status
	h.status = next
	fails := h.consecutiveFails
	t.mu.Unlock()

	if changed {
		logger.Warn("dispatch: provider health changed", "provider_id", p.ID, "status", next, "consecutive_failures", fails)
		t.write(ctx, p, next)
	}
}

// Success records a successful send on p.
func (t *HealthTracker) Success(ctx context.Context, p *domain.Provider) {
	t.mu.Lock()
	h := t.entry(p)
	h.consecutiveFails = 0
	changed := h.status != domain.HealthHealthy
	h.status = domain.HealthHealthy
	t.mu.Unlock()

	if changed {
		logger.Info("dispatch: provider healthy", "provider_id", p.ID)
		t.write(ctx, p, domain.HealthHealthy)
	}
}

// Probe lets an unhealthy provider take one more send once the recovery
// period since its last failure has passed. It downgrades p to degraded
// and reports whether it did. A provider stored as unhealthy whose failures
// this tracker never saw, as after a restart, waits a full recovery period
// from the first time it is seen.
func (t *HealthTracker) Probe(ctx context.Context, p *domain.Provider) bool {
	if p.Health != domain.HealthUnhealthy {
		return false
	}
	t.mu.Lock()
	h := t.entry(p)
	if h.lastFailure.IsZero() {
		h.lastFailure = t.now()
	}
	if t.now().Sub(h.lastFailure) < t.opts.Recovery {
		t.mu.Unlock()
		return false
	}
	h.status = domain.HealthDegraded
	t.mu.Unlock()

	logger.Info("dispatch: probing unhealthy provider", "provider_id", p.ID)
	p.Health = domain.HealthDegraded
	t.write(ctx, p, domain.HealthDegraded)
	return true
}

// Status returns the tracked status, or HealthUnknown for unseen providers.
func (t *HealthTracker) Status(providerID string) domain.HealthStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.health[providerID]; ok {
		return h.status
	}
	return domain.HealthUnknown
}

func (t *HealthTracker) write(ctx context.Context, p *domain.Provider, status domain.HealthStatus) {
	gauge := 0.0
	if status == domain.HealthHealthy {
		gauge = 1
	}
	metrics.ProviderHealth.WithLabelValues(p.ID).Set(gauge)
	if t.persist == nil {
		return
	}
	if err := t.persist(ctx, p.ID, status); err != nil {
		logger.Error("dispatch: persist provider health failed", "provider_id", p.ID, "status", status, "error", err)
	}
}
