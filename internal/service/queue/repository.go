package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/dispatch-engine/internal/domain"
)

// Repository is the data access contract for queue items.
type Repository interface {
	Insert(ctx context.Context, item *domain.QueueItem) error
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error)

	// MarkProcessing moves a PENDING item to PROCESSING for workerID and
	// counts the attempt. It reports false when the item was not PENDING.
	MarkProcessing(ctx context.Context, id uuid.UUID, workerID string, at time.Time) (bool, error)

	// Finish writes the state of an item claimed by workerID. It returns
	// ErrClaimLost when the item is no longer PROCESSING under that worker.
	Finish(ctx context.Context, item *domain.QueueItem, workerID string) error

	// MarkSent stamps a PROCESSING item claimed by workerID as delivered
	// through providerID. The item stays PROCESSING. Returns ErrClaimLost
	// when the claim moved on.
	MarkSent(ctx context.Context, id uuid.UUID, workerID, providerID, messageID string, at time.Time) error

	// CancelPending moves a PENDING item to CANCELLED. It reports false when
	// the item was in any other state.
	CancelPending(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)

	// DueIDs returns PENDING items scheduled at or before now, highest
	// priority first, then oldest schedule.
	DueIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)

	// Stale returns PROCESSING items claimed before cutoff.
	Stale(ctx context.Context, cutoff time.Time, limit int) ([]domain.QueueItem, error)

	// ReleaseStale writes item's new state if it is still PROCESSING with the
	// given claim time. It reports false when someone else got there first.
	ReleaseStale(ctx context.Context, item *domain.QueueItem, claimedAt time.Time) (bool, error)

	// DeleteTerminalBefore removes up to limit SENT, FAILED or CANCELLED items
	// completed before cutoff and returns how many were deleted.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// Claimer grants exclusive, non-blocking ownership of a queue item.
//
// On success the returned item is PROCESSING under workerID. An item that
// is already terminal is returned as-is with a nil error. Contention of any
// kind yields ErrAlreadyClaimed without mutating the item.
type Claimer interface {
	Claim(ctx context.Context, id uuid.UUID, workerID string) (*domain.QueueItem, error)
}

// DeliveryRecords stores the single outcome record of each queue item.
type DeliveryRecords interface {
	// GetByQueueItem returns nil, nil when no record exists.
	GetByQueueItem(ctx context.Context, queueItemID uuid.UUID) (*domain.DeliveryRecord, error)
	// Create returns ErrRecordExists if the queue item already has a record.
	Create(ctx context.Context, rec *domain.DeliveryRecord) error
	// Update writes rec's status fields and appends ev to its history.
	Update(ctx context.Context, rec *domain.DeliveryRecord, ev domain.DeliveryEvent) error
	// AppendEvent adds ev to the record correlated by recipient and provider
	// message id. Returns ErrNotFound when nothing matches.
	AppendEvent(ctx context.Context, recipient, providerMessageID string, ev domain.DeliveryEvent) (*domain.DeliveryRecord, error)
	// FindByMessageID returns nil, nil when nothing matches.
	FindByMessageID(ctx context.Context, recipient, providerMessageID string) (*domain.DeliveryRecord, error)
}

// RuleSource loads automation rules. Returns ErrRuleNotFound when absent.
type RuleSource interface {
	GetRule(ctx context.Context, tenantID, ruleID string) (*domain.Rule, error)
}
