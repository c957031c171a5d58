package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/service/queue"
)

// Queue implements queue.Repository and queue.Claimer.
type Queue struct{ s *Store }

var (
	_ queue.Repository = (*Queue)(nil)
	_ queue.Claimer    = (*Queue)(nil)
)

func (r *Queue) Insert(_ context.Context, item *domain.QueueItem) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.items[item.ID] = cloneItem(item)
	return nil
}

func (r *Queue) Get(_ context.Context, id uuid.UUID) (*domain.QueueItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	it, ok := r.s.items[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	return cloneItem(it), nil
}

func (r *Queue) MarkProcessing(_ context.Context, id uuid.UUID, workerID string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	it, ok := r.s.items[id]
	if !ok {
		return false, queue.ErrNotFound
	}
	if it.Status != domain.QueuePending {
		return false, nil
	}
	markProcessing(it, workerID, at)
	return true, nil
}

func markProcessing(it *domain.QueueItem, workerID string, at time.Time) {
	it.Status = domain.QueueProcessing
	it.ClaimedBy = workerID
	t := at
	it.ClaimedAt = &t
	it.Attempts++
	it.UpdatedAt = at
}

// Claim is a compare-and-swap on status under the store mutex.
func (r *Queue) Claim(_ context.Context, id uuid.UUID, workerID string) (*domain.QueueItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	it, ok := r.s.items[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	switch {
	case it.Status.IsTerminal():
		return cloneItem(it), nil
	case it.Status != domain.QueuePending:
		return nil, queue.ErrAlreadyClaimed
	}
	markProcessing(it, workerID, time.Now().UTC())
	return cloneItem(it), nil
}

func (r *Queue) Finish(_ context.Context, item *domain.QueueItem, workerID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.items[item.ID]
	if !ok {
		return queue.ErrNotFound
	}
	if cur.Status != domain.QueueProcessing || cur.ClaimedBy != workerID {
		return queue.ErrClaimLost
	}
	r.s.items[item.ID] = cloneItem(item)
	return nil
}

func (r *Queue) MarkSent(_ context.Context, id uuid.UUID, workerID, providerID, messageID string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.items[id]
	if !ok {
		return queue.ErrNotFound
	}
	if cur.Status != domain.QueueProcessing || cur.ClaimedBy != workerID {
		return queue.ErrClaimLost
	}
	t := at
	cur.SentAt = &t
	cur.SentProviderID = providerID
	cur.ProviderMessageID = messageID
	cur.UpdatedAt = at
	return nil
}

func (r *Queue) CancelPending(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	it, ok := r.s.items[id]
	if !ok || it.Status != domain.QueuePending {
		return false, nil
	}
	it.Status = domain.QueueCancelled
	t := at
	it.CompletedAt = &t
	it.UpdatedAt = at
	return true, nil
}

func (r *Queue) DueIDs(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	r.s.mu.Lock()
	var due []*domain.QueueItem
	for _, it := range r.s.items {
		if it.Status == domain.QueuePending && !it.ScheduledAt.After(now) {
			due = append(due, it)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})
	ids := make([]uuid.UUID, 0, len(due))
	for _, it := range due {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, it.ID)
	}
	r.s.mu.Unlock()
	return ids, nil
}

func (r *Queue) Stale(_ context.Context, cutoff time.Time, limit int) ([]domain.QueueItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.QueueItem
	for _, it := range r.s.items {
		if it.Status == domain.QueueProcessing && it.ClaimedAt != nil && it.ClaimedAt.Before(cutoff) {
			out = append(out, *cloneItem(it))
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *Queue) ReleaseStale(_ context.Context, item *domain.QueueItem, claimedAt time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.items[item.ID]
	if !ok || cur.Status != domain.QueueProcessing || cur.ClaimedAt == nil || !cur.ClaimedAt.Equal(claimedAt) {
		return false, nil
	}
	r.s.items[item.ID] = cloneItem(item)
	return true, nil
}

func (r *Queue) DeleteTerminalBefore(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, it := range r.s.items {
		if limit > 0 && n == int64(limit) {
			break
		}
		if it.Status.IsTerminal() && it.CompletedAt != nil && it.CompletedAt.Before(cutoff) {
			delete(r.s.items, id)
			n++
		}
	}
	return n, nil
}

// Deliveries implements queue.DeliveryRecords.
type Deliveries struct{ s *Store }

var _ queue.DeliveryRecords = (*Deliveries)(nil)

func (r *Deliveries) GetByQueueItem(_ context.Context, queueItemID uuid.UUID) (*domain.DeliveryRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.records[queueItemID]
	if !ok {
		return nil, nil
	}
	return cloneRecord(rec), nil
}

func (r *Deliveries) Create(_ context.Context, rec *domain.DeliveryRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.records[rec.QueueItemID]; ok {
		return queue.ErrRecordExists
	}
	r.s.records[rec.QueueItemID] = cloneRecord(rec)
	return nil
}

func (r *Deliveries) Update(_ context.Context, rec *domain.DeliveryRecord, ev domain.DeliveryEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.records[rec.QueueItemID]
	if !ok {
		return queue.ErrNotFound
	}
	events := append(cur.Events, ev)
	next := cloneRecord(rec)
	next.ID, next.CreatedAt = cur.ID, cur.CreatedAt
	next.Events = events
	r.s.records[rec.QueueItemID] = next
	return nil
}

func (r *Deliveries) AppendEvent(_ context.Context, recipient, providerMessageID string, ev domain.DeliveryEvent) (*domain.DeliveryRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec := r.find(recipient, providerMessageID)
	if rec == nil {
		return nil, queue.ErrNotFound
	}
	rec.Events = append(rec.Events, ev)
	if ev.Status != "" {
		rec.Status = ev.Status
	}
	rec.UpdatedAt = ev.OccurredAt
	return cloneRecord(rec), nil
}

func (r *Deliveries) FindByMessageID(_ context.Context, recipient, providerMessageID string) (*domain.DeliveryRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec := r.find(recipient, providerMessageID)
	if rec == nil {
		return nil, nil
	}
	return cloneRecord(rec), nil
}

func (r *Deliveries) find(recipient, providerMessageID string) *domain.DeliveryRecord {
	for _, rec := range r.s.records {
		if rec.ProviderMessageID == providerMessageID && strings.EqualFold(rec.Recipient, recipient) {
			return rec
		}
	}
	return nil
}

// Rules implements queue.RuleSource.
type Rules struct{ s *Store }

var _ queue.RuleSource = (*Rules)(nil)

func (r *Rules) GetRule(_ context.Context, tenantID, ruleID string) (*domain.Rule, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rule, ok := r.s.rules[tenantID+"/"+ruleID]
	if !ok {
		return nil, queue.ErrRuleNotFound
	}
	cp := *rule
	return &cp, nil
}
