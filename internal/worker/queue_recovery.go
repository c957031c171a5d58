package worker

import (
	"context"
	"time"

	"github.com/ignite/dispatch-engine/internal/pkg/logger"
)

const (
	// DefaultRecoveryInterval is how often stale claims are scanned for.
	DefaultRecoveryInterval = 2 * time.Minute

	// DefaultStaleAge is how long an item may stay PROCESSING before its
	// worker is presumed dead.
	DefaultStaleAge = 10 * time.Minute

	recoveryBatchSize = 500
)

// Recoverer requeues or fails items whose claim went stale.
type Recoverer interface {
	RecoverStale(ctx context.Context, cutoff time.Time, limit int) (requeued, failed int, err error)
}

// QueueRecoveryWorker periodically returns stuck PROCESSING items to the
// queue, or fails them once their retry budget is spent.
type QueueRecoveryWorker struct {
	svc      Recoverer
	interval time.Duration
	staleAge time.Duration
}

// NewQueueRecoveryWorker creates a recovery worker. Non-positive durations
// take the defaults.
func NewQueueRecoveryWorker(svc Recoverer, interval, staleAge time.Duration) *QueueRecoveryWorker {
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	if staleAge <= 0 {
		staleAge = DefaultStaleAge
	}
	return &QueueRecoveryWorker{svc: svc, interval: interval, staleAge: staleAge}
}

// Start runs the recovery loop until ctx is cancelled.
func (qr *QueueRecoveryWorker) Start(ctx context.Context) {
	logger.Info("queue recovery: starting", "interval", qr.interval.String(), "stale_age", qr.staleAge.String())

	ticker := time.NewTicker(qr.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("queue recovery: stopping")
			return
		case <-ticker.C:
			qr.RecoverOnce(ctx)
		}
	}
}

// RecoverOnce runs one pass and returns the number of items it moved.
func (qr *QueueRecoveryWorker) RecoverOnce(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-qr.staleAge)
	requeued, failed, err := qr.svc.RecoverStale(ctx, cutoff, recoveryBatchSize)
	if err != nil {
		logger.Error("queue recovery: scan failed", "error", err)
		return 0
	}
	if requeued+failed > 0 {
		logger.Warn("queue recovery: reclaimed stale items", "requeued", requeued, "failed", failed)
	}
	return requeued + failed
}
