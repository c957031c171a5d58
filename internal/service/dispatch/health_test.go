package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ignite/dispatch-engine/internal/domain"
)

func TestHealthTracker(t *testing.T) {
	var writes []domain.HealthStatus
	tr := NewHealthTracker(HealthOptions{DegradedAfter: 2, UnhealthyAfter: 3, Recovery: time.Minute},
		func(_ context.Context, _ string, s domain.HealthStatus) error {
			writes = append(writes, s)
			return nil
		})
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	ctx := context.Background()
	p := &domain.Provider{ID: "p1", Health: domain.HealthHealthy}

	tr.Failure(ctx, p)
	assert.Equal(t, domain.HealthHealthy, tr.Status("p1"))
	tr.Failure(ctx, p)
	assert.Equal(t, domain.HealthDegraded, tr.Status("p1"))
	tr.Failure(ctx, p)
	assert.Equal(t, domain.HealthUnhealthy, tr.Status("p1"))

	p.Health = domain.HealthUnhealthy
	assert.False(t, tr.Probe(ctx, p), "still inside recovery window")

	now = now.Add(2 * time.Minute)
	assert.True(t, tr.Probe(ctx, p))
	assert.Equal(t, domain.HealthDegraded, p.Health)

	tr.Success(ctx, p)
	assert.Equal(t, domain.HealthHealthy, tr.Status("p1"))
	assert.Equal(t, []domain.HealthStatus{
		domain.HealthDegraded, domain.HealthUnhealthy, domain.HealthDegraded, domain.HealthHealthy,
	}, writes)

	assert.Equal(t, domain.HealthUnknown, tr.Status("never-seen"))
}

func TestHealthTracker_StoredUnhealthyWaitsForRecovery(t *testing.T) {
	tr := NewHealthTracker(HealthOptions{Recovery: time.Minute}, nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	ctx := context.Background()
	p := &domain.Provider{ID: "p1", Health: domain.HealthUnhealthy}

	assert.False(t, tr.Probe(ctx, p), "no failure seen yet, recovery starts now")
	assert.Equal(t, domain.HealthUnhealthy, p.Health)

	now = now.Add(30 * time.Second)
	assert.False(t, tr.Probe(ctx, p))

	now = now.Add(31 * time.Second)
	assert.True(t, tr.Probe(ctx, p))
	assert.Equal(t, domain.HealthDegraded, p.Health)
}
