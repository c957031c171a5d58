package queue

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/metrics"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
	"github.com/ignite/dispatch-engine/internal/service/dispatch"
	"github.com/ignite/dispatch-engine/internal/service/errclass"
	"github.com/ignite/dispatch-engine/internal/service/resolver"
)

// ResultOutcome summarizes what ProcessOne did.
type ResultOutcome string

const (
	OutcomeSent        ResultOutcome = "sent"
	OutcomeFailed      ResultOutcome = "failed"
	OutcomeRetry       ResultOutcome = "retry"
	OutcomeCancelled   ResultOutcome = "cancelled"
	OutcomeInProgress  ResultOutcome = "in_progress"
	OutcomeAlreadyDone ResultOutcome = "already_done"
)

// Result is returned by ProcessOne.
type Result struct {
	Outcome     ResultOutcome          `json:"outcome"`
	ShouldRetry bool                   `json:"should_retry"`
	RetryAfter  *time.Time             `json:"retry_after,omitempty"`
	Record      *domain.DeliveryRecord `json:"record,omitempty"`
	Message     string                 `json:"message"`
	Metadata    map[string]any         `json:"metadata,omitempty"`
}

// ProcessOptions tune a single ProcessOne call.
type ProcessOptions struct {
	// ManualProviderID overrides the item's provider preference.
	ManualProviderID string
}

// terminal describes the record written for a final transition.
type terminal struct {
	status  domain.DeliveryStatus
	kind    domain.ErrorKind
	message string
	event   string
	outcome *dispatch.Outcome
}

// ProcessOne claims item id, dispatches it and records the outcome.
//
// Contention returns OutcomeInProgress without touching the item. An item
// that is already terminal returns OutcomeAlreadyDone with its record, so
// calling ProcessOne again never sends twice.
func (s *Service) ProcessOne(ctx context.Context, id uuid.UUID, opts ProcessOptions) (*Result, error) {
	item, err := s.deps.Claimer.Claim(ctx, id, s.workerID)
	switch {
	case errors.Is(err, ErrAlreadyClaimed):
		metrics.ClaimsContended.Inc()
		return &Result{Outcome: OutcomeInProgress, Message: "Queue item is already being processed"}, nil
	case err != nil:
		return nil, err
	}
	if item.Status.IsTerminal() {
		rec, err := s.deps.Records.GetByQueueItem(ctx, id)
		if err != nil {
			return nil, err
		}
		return &Result{Outcome: OutcomeAlreadyDone, Record: rec, Message: "Queue item already " + string(item.Status)}, nil
	}

	// A record marked sent means a previous run delivered the message but
	// died before finishing the item.
	if rec, err := s.deps.Records.GetByQueueItem(ctx, id); err != nil {
		return s.retryOrFail(ctx, item, errclass.New(domain.ErrUnknown, err.Error()), nil)
	} else if rec != nil && rec.Status == domain.DeliverySent {
		logger.Warn("queue: repairing item with existing sent record", "queue_item_id", id)
		item.Status = domain.QueueSent
		s.complete(item)
		if err := s.deps.Items.Finish(ctx, item, s.workerID); err != nil {
			return nil, err
		}
		return s.result(OutcomeSent, rec, "Email sent", nil), nil
	}

	res, err := s.process(ctx, item, opts)
	if errors.Is(err, ErrSentNotFinalized) {
		return nil, err
	}
	if err != nil {
		logger.Error("queue: processing failed unexpectedly", "queue_item_id", id, "error", err)
		return s.retryOrFail(ctx, item, errclass.New(domain.ErrUnknown, err.Error()), nil)
	}
	return res, nil
}

func (s *Service) process(ctx context.Context, item *domain.QueueItem, opts ProcessOptions) (*Result, error) {
	var rule *domain.Rule
	if item.RuleID != "" && s.deps.Rules != nil {
		r, err := s.deps.Rules.GetRule(ctx, item.TenantID, item.RuleID)
		switch {
		case errors.Is(err, ErrRuleNotFound):
			logger.Warn("queue: rule not found, resolving without it", "queue_item_id", item.ID, "rule_id", item.RuleID)
		case err != nil:
			return nil, err
		default:
			rule = r
		}
	}

	manual := opts.ManualProviderID
	if manual == "" {
		manual = item.ProviderID
	}
	resolution, err := s.deps.Resolver.ResolveProvider(ctx, resolver.Request{
		TenantID:         item.TenantID,
		Rule:             rule,
		ManualProviderID: manual,
	})
	if errors.Is(err, resolver.ErrNoProvider) {
		return s.fail(ctx, item, errclass.New(domain.ErrNoProviderConfigured, "tenant "+item.TenantID), nil)
	}
	if err != nil {
		return nil, err
	}

	if !item.SkipValidation {
		if _, err := mail.ParseAddress(item.Recipient); err != nil {
			return s.fail(ctx, item, errclass.New(domain.ErrInvalidRecipient, item.Recipient), nil)
		}
	}
	if s.deps.Blacklist != nil {
		blocked, err := s.deps.Blacklist.IsBlacklisted(ctx, item.TenantID, item.Recipient)
		if err != nil {
			return nil, fmt.Errorf("blacklist lookup: %w", err)
		}
		if blocked {
			return s.fail(ctx, item, errclass.New(domain.ErrRecipientBlacklisted, ""), nil)
		}
	}

	from := item.FromOverride
	if rule != nil && rule.FromOverride != "" {
		from = rule.FromOverride
	}
	msg := &domain.EmailMessage{
		ID:          item.ID.String(),
		TenantID:    item.TenantID,
		To:          item.Recipient,
		FromName:    item.FromName,
		FromEmail:   from,
		ReplyTo:     item.ReplyTo,
		Subject:     item.Subject,
		HTMLContent: item.HTMLContent,
		TextContent: item.TextContent,
		Headers:     item.Headers,
		Tags:        map[string]string{"queue_item_id": item.ID.String(), "tenant_id": item.TenantID},
	}

	out, err := s.deps.Dispatcher.SendWithFailover(ctx, item.TenantID, msg, resolution.Provider.ID)
	if err != nil {
		return nil, err
	}
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}
	out.Metadata["resolution_source"] = string(resolution.Source)

	if out.Success {
		rec, err := s.finishSent(ctx, item, out)
		if err != nil {
			return nil, err
		}
		return s.result(OutcomeSent, rec, out.Message(), out.Metadata), nil
	}

	cls := *out.Classification
	if cls.Retryable {
		return s.retryOrFail(ctx, item, cls, out)
	}
	return s.fail(ctx, item, cls, out)
}

// retryOrFail reschedules item with backoff, or fails it once the retry
// budget is spent.
func (s *Service) retryOrFail(ctx context.Context, item *domain.QueueItem, cls errclass.Classification, out *dispatch.Outcome) (*Result, error) {
	if Exhausted(item.Attempts, item.MaxRetries) {
		cls.Detail = strings.TrimSpace(cls.Detail + fmt.Sprintf(" (gave up after %d attempts)", item.Attempts))
		return s.fail(ctx, item, cls, out)
	}

	now := s.now().UTC()
	next := now.Add(s.retry.Delay(item.Attempts - 1))
	item.Status = domain.QueuePending
	item.ScheduledAt = next
	item.LastError = string(cls.Kind) + ": " + cls.Detail
	item.ClaimedBy = ""
	item.ClaimedAt = nil
	item.UpdatedAt = now
	if err := s.deps.Items.Finish(ctx, item, s.workerID); err != nil {
		return nil, err
	}
	metrics.ProcessOutcomes.WithLabelValues(string(OutcomeRetry)).Inc()
	logger.Info("queue: rescheduled", "queue_item_id", item.ID, "attempts", item.Attempts,
		"error_kind", cls.Kind, "retry_at", next)

	res := &Result{
		Outcome:     OutcomeRetry,
		ShouldRetry: true,
		RetryAfter:  &next,
		Message:     userMessage(cls),
	}
	if out != nil {
		res.Metadata = out.Metadata
	}
	return res, nil
}

func (s *Service) fail(ctx context.Context, item *domain.QueueItem, cls errclass.Classification, out *dispatch.Outcome) (*Result, error) {
	item.Status = domain.QueueFailed
	item.LastError = string(cls.Kind) + ": " + cls.Detail
	rec, err := s.finalize(ctx, item, terminal{
		status:  domain.DeliveryFailed,
		kind:    cls.Kind,
		message: userMessage(cls),
		event:   "failed",
		outcome: out,
	})
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if out != nil {
		meta = out.Metadata
	}
	return s.result(OutcomeFailed, rec, userMessage(cls), meta), nil
}

// finalize writes the record first, then the item. A crash between the two
// leaves a PROCESSING item whose record the next claim repairs from.
func (s *Service) finalize(ctx context.Context, item *domain.QueueItem, t terminal) (*domain.DeliveryRecord, error) {
	rec, err := s.record(ctx, item, t)
	if err != nil {
		return nil, err
	}
	s.complete(item)
	if err := s.deps.Items.Finish(ctx, item, s.workerID); err != nil {
		return nil, fmt.Errorf("finish %s: %w", item.ID, err)
	}
	logger.Info("queue: finished", "queue_item_id", item.ID, "tenant_id", item.TenantID,
		"status", item.Status, "attempts", item.Attempts, "error_kind", t.kind)
	return rec, nil
}

// finishSent persists a delivered message on a context detached from the
// caller, retrying each write. When the record cannot be written the item is
// stamped with a sent marker and left PROCESSING; recovery finalizes it from
// the marker. Nothing on this path reschedules the item.
func (s *Service) finishSent(ctx context.Context, item *domain.QueueItem, out *dispatch.Outcome) (*domain.DeliveryRecord, error) {
	ctx = context.WithoutCancel(ctx)
	item.Status = domain.QueueSent
	item.LastError = ""

	var rec *domain.DeliveryRecord
	err := s.persist(ctx, func(ctx context.Context) error {
		r, err := s.record(ctx, item, terminal{
			status:  domain.DeliverySent,
			message: out.Message(),
			event:   "sent",
			outcome: out,
		})
		rec = r
		return err
	})
	if err != nil {
		logger.Error("queue: delivered message not recorded", "queue_item_id", item.ID,
			"provider_message_id", out.ProviderMessageID, "error", err)
		mark := func(ctx context.Context) error {
			return s.deps.Items.MarkSent(ctx, item.ID, s.workerID, out.Provider.ID, out.ProviderMessageID, s.now().UTC())
		}
		if merr := s.persist(ctx, mark); merr != nil {
			logger.Error("queue: sent marker not written", "queue_item_id", item.ID, "error", merr)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrSentNotFinalized, item.ID, err)
	}

	s.complete(item)
	if err := s.persist(ctx, func(ctx context.Context) error {
		return s.deps.Items.Finish(ctx, item, s.workerID)
	}); err != nil {
		// The sent record lets a later claim or recovery repair the item.
		return nil, fmt.Errorf("%w: finish %s: %v", ErrSentNotFinalized, item.ID, err)
	}
	logger.Info("queue: finished", "queue_item_id", item.ID, "tenant_id", item.TenantID,
		"status", item.Status, "attempts", item.Attempts)
	return rec, nil
}

// persist runs fn up to three times with doubling pauses. A lost claim is
// not retried.
func (s *Service) persist(ctx context.Context, fn func(context.Context) error) error {
	delay := s.writeDelay
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		if err = fn(ctx); err == nil || errors.Is(err, ErrClaimLost) {
			return err
		}
	}
	return err
}

func (s *Service) complete(item *domain.QueueItem) {
	now := s.now().UTC()
	item.CompletedAt = &now
	item.UpdatedAt = now
}

// record creates the item's delivery record, or appends to it when one
// already exists, and publishes the outcome.
func (s *Service) record(ctx context.Context, item *domain.QueueItem, t terminal) (*domain.DeliveryRecord, error) {
	now := s.now().UTC()
	rec := &domain.DeliveryRecord{
		ID:           uuid.New(),
		QueueItemID:  item.ID,
		TenantID:     item.TenantID,
		Recipient:    item.Recipient,
		Status:       t.status,
		ErrorKind:    t.kind,
		ErrorMessage: t.message,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if t.status == domain.DeliverySent {
		rec.ErrorMessage = ""
	}
	var data map[string]any
	if out := t.outcome; out != nil {
		data = out.Metadata
		rec.ProviderMessageID = out.ProviderMessageID
		if out.Provider != nil {
			rec.ProviderID, rec.ProviderName, rec.ProviderKind = out.Provider.ID, out.Provider.Name, out.Provider.Kind
		} else {
			rec.ProviderID, _ = data[dispatch.MetaProviderID].(string)
			rec.ProviderName, _ = data[dispatch.MetaProviderName].(string)
			kind, _ := data[dispatch.MetaProviderType].(string)
			rec.ProviderKind = domain.ProviderKind(kind)
		}
		rec.FromEmail, _ = data[dispatch.MetaFromEmail].(string)
	}
	ev := domain.DeliveryEvent{Type: t.event, Status: t.status, Message: t.message, Data: data, OccurredAt: now}
	rec.Events = []domain.DeliveryEvent{ev}

	err := s.deps.Records.Create(ctx, rec)
	if errors.Is(err, ErrRecordExists) {
		metrics.RecordConflicts.Inc()
		existing, gerr := s.deps.Records.GetByQueueItem(ctx, item.ID)
		if gerr != nil {
			return nil, gerr
		}
		if existing == nil {
			return nil, fmt.Errorf("delivery record for %s vanished after conflict", item.ID)
		}
		rec.ID, rec.CreatedAt = existing.ID, existing.CreatedAt
		rec.Events = append(existing.Events, ev)
		err = s.deps.Records.Update(ctx, rec, ev)
	}
	if err != nil {
		return nil, fmt.Errorf("write delivery record for %s: %w", item.ID, err)
	}

	if err := s.deps.Publisher.PublishOutcome(ctx, rec); err != nil {
		logger.Warn("queue: publish outcome failed", "queue_item_id", item.ID, "error", err)
	}
	return rec, nil
}

func (s *Service) result(o ResultOutcome, rec *domain.DeliveryRecord, msg string, meta map[string]any) *Result {
	metrics.ProcessOutcomes.WithLabelValues(string(o)).Inc()
	return &Result{Outcome: o, Record: rec, Message: msg, Metadata: meta}
}

func userMessage(cls errclass.Classification) string {
	if cls.Detail == "" {
		return cls.UserMessage
	}
	return cls.UserMessage + " " + cls.Detail
}

// RecoverStale returns PROCESSING items claimed before cutoff to PENDING, or
// fails them when their retry budget is spent. Items that were delivered,
// per a sent record or a sent marker, are finalized as SENT. Items whose
// claim changed since they were read are left alone.
func (s *Service) RecoverStale(ctx context.Context, cutoff time.Time, limit int) (requeued, failed int, err error) {
	stale, err := s.deps.Items.Stale(ctx, cutoff, limit)
	if err != nil {
		return 0, 0, err
	}
	for i := range stale {
		item := stale[i]
		if item.ClaimedAt == nil {
			continue
		}
		claimedAt := *item.ClaimedAt

		// A sent record means the send went out before the worker died.
		rec, err := s.deps.Records.GetByQueueItem(ctx, item.ID)
		if err != nil {
			logger.Error("queue: recovery record lookup failed", "queue_item_id", item.ID, "error", err)
			continue
		}

		now := s.now().UTC()
		item.ClaimedBy, item.ClaimedAt, item.UpdatedAt = "", nil, now
		sentRecord := rec != nil && rec.Status == domain.DeliverySent
		action := "requeued"
		switch {
		case sentRecord || item.SentAt != nil:
			item.Status = domain.QueueSent
			item.LastError = ""
			item.CompletedAt = &now
			action = "repaired"
		case Exhausted(item.Attempts, item.MaxRetries):
			item.Status = domain.QueueFailed
			item.LastError = "worker lost claim after final attempt"
			item.CompletedAt = &now
			action = "failed"
		default:
			item.Status = domain.QueuePending
			item.ScheduledAt = now
			item.LastError = "recovered from stale claim"
		}

		if action == "repaired" && !sentRecord {
			if _, err := s.record(ctx, &item, sentFromMarker(&item)); err != nil {
				logger.Error("queue: recovery record write failed", "queue_item_id", item.ID, "error", err)
				continue
			}
		}
		if action == "failed" {
			cls := errclass.New(domain.ErrUnknown, item.LastError)
			if _, err := s.record(ctx, &item, terminal{
				status: domain.DeliveryFailed, kind: cls.Kind, message: userMessage(cls), event: "failed",
			}); err != nil {
				logger.Error("queue: recovery record write failed", "queue_item_id", item.ID, "error", err)
				continue
			}
		}

		ok, err := s.deps.Items.ReleaseStale(ctx, &item, claimedAt)
		if err != nil {
			logger.Error("queue: release stale item failed", "queue_item_id", item.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		metrics.RecoveredItems.WithLabelValues(action).Inc()
		logger.Warn("queue: recovered stale item", "queue_item_id", item.ID, "action", action,
			"attempts", item.Attempts, "claimed_at", claimedAt)
		if action == "failed" {
			failed++
		} else {
			requeued++
		}
	}
	return requeued, failed, nil
}

// sentFromMarker rebuilds the sent outcome of an item stamped by MarkSent.
func sentFromMarker(item *domain.QueueItem) terminal {
	return terminal{
		status:  domain.DeliverySent,
		message: "Email sent",
		event:   "sent",
		outcome: &dispatch.Outcome{
			Success:           true,
			ProviderMessageID: item.ProviderMessageID,
			Metadata:          map[string]any{dispatch.MetaProviderID: item.SentProviderID, "recovered": true},
		},
	}
}

// DueIDs lists items ready for processing.
func (s *Service) DueIDs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return s.deps.Items.DueIDs(ctx, s.now().UTC(), limit)
}

// Cleanup deletes terminal items completed before cutoff.
func (s *Service) Cleanup(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	return s.deps.Items.DeleteTerminalBefore(ctx, cutoff, limit)
}
