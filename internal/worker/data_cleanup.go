package worker

import (
	"context"
	"time"

	"github.com/ignite/dispatch-engine/internal/pkg/logger"
)

const (
	// DefaultCleanupInterval is how often the cleanup cycle runs.
	DefaultCleanupInterval = time.Hour

	// DefaultRetention keeps terminal queue items for a week. Delivery
	// records are kept; only the queue rows are removed.
	DefaultRetention = 7 * 24 * time.Hour

	// cleanupBatchSize limits each DELETE to avoid long-running locks.
	cleanupBatchSize = 10000
)

// Cleaner deletes terminal queue items completed before a cutoff.
type Cleaner interface {
	Cleanup(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// DataCleanupWorker periodically removes old terminal queue items.
type DataCleanupWorker struct {
	svc       Cleaner
	interval  time.Duration
	retention time.Duration
}

// NewDataCleanupWorker creates a cleanup worker. Non-positive durations
// take the defaults.
func NewDataCleanupWorker(svc Cleaner, interval, retention time.Duration) *DataCleanupWorker {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &DataCleanupWorker{svc: svc, interval: interval, retention: retention}
}

// Start runs once immediately, then on every tick until ctx is cancelled.
func (dc *DataCleanupWorker) Start(ctx context.Context) {
	logger.Info("data cleanup: starting", "interval", dc.interval.String(), "retention", dc.retention.String())
	dc.CleanupOnce(ctx)

	ticker := time.NewTicker(dc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("data cleanup: stopping")
			return
		case <-ticker.C:
			dc.CleanupOnce(ctx)
		}
	}
}

// CleanupOnce deletes in batches until a batch comes back short.
func (dc *DataCleanupWorker) CleanupOnce(ctx context.Context) int64 {
	start := time.Now()
	cutoff := start.Add(-dc.retention)
	var total int64
	for ctx.Err() == nil {
		n, err := dc.svc.Cleanup(ctx, cutoff, cleanupBatchSize)
		if err != nil {
			logger.Error("data cleanup: delete failed", "error", err)
			break
		}
		total += n
		if n < cleanupBatchSize {
			break
		}
	}
	if total > 0 {
		logger.Info("data cleanup: removed terminal queue items", "deleted", total,
			"took", time.Since(start).Round(time.Millisecond).String())
	}
	return total
}
