// Package queue owns the lifecycle of outbound messages:
// PENDING -> PROCESSING -> SENT | FAILED | CANCELLED.
//
// Processing is claim-exclusive and idempotent. Every terminal transition
// writes exactly one DeliveryRecord per item; repeated attempts append to
// that record's event history instead of creating another.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/events"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
	"github.com/ignite/dispatch-engine/internal/render"
	"github.com/ignite/dispatch-engine/internal/service/dispatch"
	"github.com/ignite/dispatch-engine/internal/service/resolver"
)

// ProviderResolver picks the provider for an item.
type ProviderResolver interface {
	ResolveProvider(ctx context.Context, req resolver.Request) (*resolver.Resolution, error)
}

// Dispatcher sends with failover.
type Dispatcher interface {
	SendWithFailover(ctx context.Context, tenantID string, msg *domain.EmailMessage, preferredProviderID string) (*dispatch.Outcome, error)
}

// BlacklistChecker reports suppressed recipients.
type BlacklistChecker interface {
	IsBlacklisted(ctx context.Context, tenantID, email string) (bool, error)
}

// blacklistWriter is implemented by checkers that also accept new entries.
// Bounce and complaint events suppress the recipient through it.
type blacklistWriter interface {
	Add(ctx context.Context, tenantID, email string, reason domain.BlacklistReason, source domain.BlacklistSource, detail string) error
}

// Deps are the collaborators of a Service. Renderer and Publisher may be
// nil; Rules may be nil when rules are never referenced.
type Deps struct {
	Items      Repository
	Claimer    Claimer
	Records    DeliveryRecords
	Rules      RuleSource
	Resolver   ProviderResolver
	Dispatcher Dispatcher
	Blacklist  BlacklistChecker
	Renderer   render.Renderer
	Publisher  events.Publisher
}

// Options tune a Service.
type Options struct {
	Retry RetryPolicy
	// WorkerID identifies this process in claimed_by. Defaults to a random id.
	WorkerID string
	// WriteRetryDelay is the first pause between attempts to persist the
	// outcome of a delivered message. Defaults to 200ms.
	WriteRetryDelay time.Duration
}

// Service implements enqueue, processing and outcome queries.
type Service struct {
	deps       Deps
	retry      RetryPolicy
	workerID   string
	writeDelay time.Duration
	validate *validator.Validate
	now      func() time.Time
}

// NewService returns a Service.
func NewService(deps Deps, opts Options) *Service {
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy
	}
	if opts.WorkerID == "" {
		opts.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if opts.WriteRetryDelay <= 0 {
		opts.WriteRetryDelay = 200 * time.Millisecond
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NopPublisher{}
	}
	return &Service{
		deps:       deps,
		retry:      opts.Retry,
		workerID:   opts.WorkerID,
		writeDelay: opts.WriteRetryDelay,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		now:        time.Now,
	}
}

// WorkerID returns the id used when claiming items.
func (s *Service) WorkerID() string { return s.workerID }

// EnqueueRequest is the submission contract. Content is already rendered.
type EnqueueRequest struct {
	TenantID       string            `json:"tenant_id" validate:"required,max=64"`
	RuleID         string            `json:"rule_id,omitempty" validate:"max=64"`
	Recipient      string            `json:"recipient" validate:"required,max=320"`
	Subject        string            `json:"subject" validate:"required,max=998"`
	HTMLContent    string            `json:"html_content,omitempty" validate:"required_without=TextContent"`
	TextContent    string            `json:"text_content,omitempty"`
	FromName       string            `json:"from_name,omitempty" validate:"max=256"`
	FromOverride   string            `json:"from_override,omitempty" validate:"omitempty,email"`
	ReplyTo        string            `json:"reply_to,omitempty" validate:"omitempty,email"`
	ProviderID     string            `json:"provider_id,omitempty"`
	Priority       int               `json:"priority" validate:"min=0,max=10"`
	ScheduledAt    *time.Time        `json:"scheduled_at,omitempty"`
	MaxRetries     *int              `json:"max_retries,omitempty" validate:"omitempty,min=0,max=20"`
	Context        map[string]any    `json:"context,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	SkipValidation bool              `json:"skip_validation"`
}

// TemplateRequest enqueues content rendered from a template.
type TemplateRequest struct {
	EnqueueRequest
	TemplateID string         `json:"template_id" validate:"required"`
	Vars       map[string]any `json:"vars,omitempty"`
}

// ValidationError lists failed rules per field.
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for f, tags := range e.Fields {
		parts = append(parts, f+":"+strings.Join(tags, ","))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (s *Service) check(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	ve := &ValidationError{Fields: map[string][]string{}}
	for _, fe := range verrs {
		f := strings.ToLower(fe.Field())
		ve.Fields[f] = append(ve.Fields[f], fe.Tag())
	}
	return ve
}

// Enqueue validates req and stores a PENDING item.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (uuid.UUID, error) {
	if err := s.check(req); err != nil {
		return uuid.Nil, err
	}
	now := s.now().UTC()
	item := &domain.QueueItem{
		ID:             uuid.New(),
		TenantID:       req.TenantID,
		RuleID:         req.RuleID,
		Recipient:      strings.TrimSpace(req.Recipient),
		Subject:        req.Subject,
		HTMLContent:    req.HTMLContent,
		TextContent:    req.TextContent,
		FromName:       req.FromName,
		FromOverride:   req.FromOverride,
		ReplyTo:        req.ReplyTo,
		Context:        req.Context,
		Headers:        req.Headers,
		Priority:       req.Priority,
		ScheduledAt:    now,
		MaxRetries:     s.retry.MaxRetries,
		ProviderID:     req.ProviderID,
		Status:         domain.QueuePending,
		SkipValidation: req.SkipValidation,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.ScheduledAt != nil {
		item.ScheduledAt = req.ScheduledAt.UTC()
	}
	if req.MaxRetries != nil {
		item.MaxRetries = *req.MaxRetries
	}
	if err := s.deps.Items.Insert(ctx, item); err != nil {
		return uuid.Nil, fmt.Errorf("enqueue: %w", err)
	}
	logger.Info("queue: enqueued", "queue_item_id", item.ID, "tenant_id", item.TenantID,
		"recipient", item.Recipient, "scheduled_at", item.ScheduledAt)
	return item.ID, nil
}

// EnqueueTemplate renders req.TemplateID with req.Vars and enqueues the
// result. Rendered parts override any content already on the request.
func (s *Service) EnqueueTemplate(ctx context.Context, req TemplateRequest) (uuid.UUID, error) {
	if s.deps.Renderer == nil {
		return uuid.Nil, errors.New("enqueue template: no renderer configured")
	}
	if strings.TrimSpace(req.TemplateID) == "" {
		return uuid.Nil, &ValidationError{Fields: map[string][]string{"templateid": {"required"}}}
	}
	content, err := s.deps.Renderer.Render(ctx, req.TemplateID, req.Vars)
	if err != nil {
		return uuid.Nil, fmt.Errorf("render template %s: %w", req.TemplateID, err)
	}
	out := req.EnqueueRequest
	out.Subject, out.HTMLContent, out.TextContent = content.Subject, content.HTML, content.Text
	if out.Context == nil && req.Vars != nil {
		out.Context = req.Vars
	}
	return s.Enqueue(ctx, out)
}

// Get returns the item.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error) {
	return s.deps.Items.Get(ctx, id)
}

// GetOutcome returns the item's delivery record, or nil when it has none.
func (s *Service) GetOutcome(ctx context.Context, id uuid.UUID) (*domain.DeliveryRecord, error) {
	return s.deps.Records.GetByQueueItem(ctx, id)
}

// Cancel cancels a PENDING item and records the outcome. Items already
// claimed run to completion.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*domain.DeliveryRecord, error) {
	now := s.now().UTC()
	ok, err := s.deps.Items.CancelPending(ctx, id, now)
	if err != nil {
		return nil, fmt.Errorf("cancel %s: %w", id, err)
	}
	item, err := s.deps.Items.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, item.Status)
	}

	rec, err := s.record(ctx, item, terminal{
		status:  domain.DeliveryCancelled,
		kind:    domain.ErrCancelledBeforeDispatch,
		message: "cancelled before dispatch",
		event:   "cancelled",
	})
	if err != nil {
		return nil, err
	}
	logger.Info("queue: cancelled", "queue_item_id", id, "tenant_id", item.TenantID)
	return rec, nil
}

// RecordEvent appends a provider event (delivered, bounced, opened...) to
// the record correlated by recipient and provider message id.
func (s *Service) RecordEvent(ctx context.Context, recipient, providerMessageID string, ev domain.DeliveryEvent) (*domain.DeliveryRecord, error) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now().UTC()
	}
	rec, err := s.deps.Records.AppendEvent(ctx, strings.TrimSpace(recipient), providerMessageID, ev)
	if err != nil {
		return nil, err
	}
	s.suppress(ctx, rec, ev)
	return rec, nil
}

// suppress blacklists the recipient for the record's tenant after a bounce
// or complaint. Failures are logged; the event is already stored.
func (s *Service) suppress(ctx context.Context, rec *domain.DeliveryRecord, ev domain.DeliveryEvent) {
	var reason domain.BlacklistReason
	switch ev.Status {
	case domain.DeliveryBounced:
		reason = domain.ReasonHardBounce
	case domain.DeliveryComplaint:
		reason = domain.ReasonComplaint
	default:
		return
	}
	w, ok := s.deps.Blacklist.(blacklistWriter)
	if !ok {
		return
	}
	detail := ev.Message
	if detail == "" {
		detail = ev.Type
	}
	if err := w.Add(ctx, rec.TenantID, rec.Recipient, reason, domain.SourceProviderWebhook, detail); err != nil {
		logger.Warn("queue: suppress recipient failed", "tenant_id", rec.TenantID, "recipient", rec.Recipient, "error", err)
		return
	}
	logger.Info("queue: recipient suppressed", "tenant_id", rec.TenantID, "recipient", rec.Recipient, "reason", reason)
}

// FindByMessageID looks a record up by its webhook correlation key.
func (s *Service) FindByMessageID(ctx context.Context, recipient, providerMessageID string) (*domain.DeliveryRecord, error) {
	return s.deps.Records.FindByMessageID(ctx, strings.TrimSpace(recipient), providerMessageID)
}
