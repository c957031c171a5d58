package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/distlock"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
)

// LockClaimer claims items with a try-lock from a distlock.Locker followed
// by a conditional PENDING to PROCESSING update. Used with the Redis
// backend; the Postgres backend claims with SELECT ... FOR UPDATE NOWAIT.
type LockClaimer struct {
	locker distlock.Locker
	items  Repository
	now    func() time.Time
}

// NewLockClaimer returns a LockClaimer.
func NewLockClaimer(locker distlock.Locker, items Repository) *LockClaimer {
	return &LockClaimer{locker: locker, items: items, now: time.Now}
}

// Claim implements Claimer.
func (c *LockClaimer) Claim(ctx context.Context, id uuid.UUID, workerID string) (*domain.QueueItem, error) {
	lock := c.locker.For("queue-item:" + id.String())
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("claim lock %s: %w", id, err)
	}
	if !ok {
		return nil, ErrAlreadyClaimed
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("queue: release claim lock failed", "queue_item_id", id, "error", err)
		}
	}()

	item, err := c.items.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case item.Status.IsTerminal():
		return item, nil
	case item.Status != domain.QueuePending:
		return nil, ErrAlreadyClaimed
	}

	moved, err := c.items.MarkProcessing(ctx, id, workerID, c.now().UTC())
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, ErrAlreadyClaimed
	}
	return c.items.Get(ctx, id)
}
