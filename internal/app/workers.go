package app

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/ignite/dispatch-engine/internal/config"
	"github.com/ignite/dispatch-engine/internal/worker"
)

// RunWorkers runs the send pool, stale-claim recovery and retention
// cleanup until ctx is cancelled. In-flight sends finish first.
func (a *App) RunWorkers(ctx context.Context, cfg config.QueueConfig) error {
	pool := worker.NewSendPool(a.Queue, worker.PoolOptions{
		Workers:        cfg.Workers,
		BatchSize:      cfg.BatchSize,
		PollInterval:   cfg.PollInterval(),
		ProcessTimeout: cfg.ProcessTimeout(),
	})
	recovery := worker.NewQueueRecoveryWorker(a.Queue, cfg.RecoveryInterval(), cfg.StaleAfter())
	cleanup := worker.NewDataCleanupWorker(a.Queue, cfg.CleanupInterval(), cfg.Retention())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error { recovery.Start(ctx); return nil })
	g.Go(func() error { cleanup.Start(ctx); return nil })
	return g.Wait()
}
