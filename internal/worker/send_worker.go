// Package worker runs the background loops of the dispatch engine: the
// send pool that drains due queue items, stale-claim recovery, and
// retention cleanup.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ignite/dispatch-engine/internal/pkg/logger"
	"github.com/ignite/dispatch-engine/internal/service/queue"
)

// Processor is the queue surface the send pool drives.
type Processor interface {
	DueIDs(ctx context.Context, limit int) ([]uuid.UUID, error)
	ProcessOne(ctx context.Context, id uuid.UUID, opts queue.ProcessOptions) (*queue.Result, error)
}

// PoolOptions tune a SendPool. Zero values take defaults.
type PoolOptions struct {
	Workers        int
	BatchSize      int
	PollInterval   time.Duration
	ProcessTimeout time.Duration
}

// Stats are cumulative counters of a SendPool.
type Stats struct {
	Sent       int64 `json:"sent"`
	Failed     int64 `json:"failed"`
	Retried    int64 `json:"retried"`
	Contended  int64 `json:"contended"`
	Errors     int64 `json:"errors"`
	LastPollAt int64 `json:"last_poll_unix"`
}

// SendPool polls for due items and processes them with bounded concurrency.
// Several pools, in one process or many, may poll the same queue; the
// queue's claim makes each item go to exactly one of them.
type SendPool struct {
	proc Processor
	opts PoolOptions

	sent, failed, retried, contended, errs, lastPoll atomic.Int64

	mu      sync.Mutex
	running bool
}

// NewSendPool returns a SendPool over proc.
func NewSendPool(proc Processor, opts PoolOptions) *SendPool {
	if opts.Workers <= 0 {
		opts.Workers = 10
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.ProcessTimeout <= 0 {
		opts.ProcessTimeout = 2 * time.Minute
	}
	return &SendPool{proc: proc, opts: opts}
}

// Run polls until ctx is cancelled. In-flight items finish before Run returns.
func (p *SendPool) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	logger.Info("send pool: starting", "workers", p.opts.Workers, "batch_size", p.opts.BatchSize,
		"poll_interval", p.opts.PollInterval.String())

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	for {
		n, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error("send pool: poll failed", "error", err)
		}
		// A full batch means more is probably due; poll again right away.
		if n == p.opts.BatchSize && ctx.Err() == nil {
			continue
		}
		select {
		case <-ctx.Done():
			logger.Info("send pool: stopping", "sent", p.sent.Load(), "failed", p.failed.Load())
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce processes one batch of due items and returns how many it picked up.
func (p *SendPool) RunOnce(ctx context.Context) (int, error) {
	p.lastPoll.Store(time.Now().Unix())
	ids, err := p.proc.DueIDs(ctx, p.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	// Items run on a context detached from ctx so a shutdown does not
	// abandon a send between provider call and record write.
	base := context.WithoutCancel(ctx)
	g := new(errgroup.Group)
	g.SetLimit(p.opts.Workers)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			p.process(base, id)
			return nil
		})
	}
	_ = g.Wait()
	return len(ids), nil
}

func (p *SendPool) process(ctx context.Context, id uuid.UUID) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.ProcessTimeout)
	defer cancel()

	res, err := p.proc.ProcessOne(ctx, id, queue.ProcessOptions{})
	if err != nil {
		p.errs.Add(1)
		logger.Error("send pool: process failed", "queue_item_id", id, "error", err)
		return
	}
	switch res.Outcome {
	case queue.OutcomeSent:
		p.sent.Add(1)
	case queue.OutcomeFailed:
		p.failed.Add(1)
	case queue.OutcomeRetry:
		p.retried.Add(1)
	case queue.OutcomeInProgress:
		p.contended.Add(1)
	}
}

// Stats returns a snapshot of the pool's counters.
func (p *SendPool) Stats() Stats {
	return Stats{
		Sent:       p.sent.Load(),
		Failed:     p.failed.Load(),
		Retried:    p.retried.Load(),
		Contended:  p.contended.Load(),
		Errors:     p.errs.Load(),
		LastPollAt: p.lastPoll.Load(),
	}
}
