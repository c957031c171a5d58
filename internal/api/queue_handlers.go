package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/httputil"
	"github.com/ignite/dispatch-engine/internal/service/queue"
)

// EnqueueResponse is returned by POST /api/v1/queue.
type EnqueueResponse struct {
	ID     uuid.UUID          `json:"id"`
	Status domain.QueueStatus `json:"status"`
}

// ProcessResponse is the {success, message, metadata} triple plus the
// queue outcome.
type ProcessResponse struct {
	httputil.SendResponse
	Outcome     queue.ResultOutcome    `json:"outcome"`
	ShouldRetry bool                   `json:"should_retry"`
	RetryAfter  *time.Time             `json:"retry_after,omitempty"`
	Record      *domain.DeliveryRecord `json:"record,omitempty"`
}

func queueID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.BadRequest(w, "invalid queue item id")
		return uuid.Nil, false
	}
	return id, true
}

// Enqueue accepts rendered content, or a template_id with vars.
//
//	POST /api/v1/queue
func (h *Handlers) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req queue.TemplateRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	var (
		id  uuid.UUID
		err error
	)
	if strings.TrimSpace(req.TemplateID) != "" {
		id, err = h.queue.EnqueueTemplate(r.Context(), req)
	} else {
		id, err = h.queue.Enqueue(r.Context(), req.EnqueueRequest)
	}
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.Created(w, EnqueueResponse{ID: id, Status: domain.QueuePending})
}

// GetItem returns a queue item.
//
//	GET /api/v1/queue/{id}
func (h *Handlers) GetItem(w http.ResponseWriter, r *http.Request) {
	id, ok := queueID(w, r)
	if !ok {
		return
	}
	item, err := h.queue.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, item)
}

// processTimeout bounds a synchronous ProcessOne. The call is detached from
// the request so a client disconnect cannot interrupt a send in flight.
const processTimeout = 2 * time.Minute

type processRequest struct {
	ProviderID string `json:"provider_id"`
}

// Process runs one item synchronously. The body is optional.
//
//	POST /api/v1/queue/{id}/process
func (h *Handlers) Process(w http.ResponseWriter, r *http.Request) {
	id, ok := queueID(w, r)
	if !ok {
		return
	}
	var req processRequest
	if r.ContentLength > 0 && !httputil.Decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), processTimeout)
	defer cancel()
	res, err := h.queue.ProcessOne(ctx, id, queue.ProcessOptions{ManualProviderID: req.ProviderID})
	if err != nil {
		respondServiceError(w, err)
		return
	}

	status := http.StatusOK
	if res.Outcome == queue.OutcomeInProgress {
		status = http.StatusConflict
	}
	success := res.Outcome == queue.OutcomeSent ||
		(res.Outcome == queue.OutcomeAlreadyDone && res.Record != nil && res.Record.Status == domain.DeliverySent)
	httputil.JSON(w, status, ProcessResponse{
		SendResponse: httputil.SendResponse{Success: success, Message: res.Message, Metadata: res.Metadata},
		Outcome:      res.Outcome,
		ShouldRetry:  res.ShouldRetry,
		RetryAfter:   res.RetryAfter,
		Record:       res.Record,
	})
}

// Cancel cancels a pending item.
//
//	POST /api/v1/queue/{id}/cancel
func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := queueID(w, r)
	if !ok {
		return
	}
	rec, err := h.queue.Cancel(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, rec)
}

// Outcome returns the item's delivery record.
//
//	GET /api/v1/queue/{id}/outcome
func (h *Handlers) Outcome(w http.ResponseWriter, r *http.Request) {
	id, ok := queueID(w, r)
	if !ok {
		return
	}
	rec, err := h.queue.GetOutcome(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if rec == nil {
		httputil.ErrorCode(w, http.StatusNotFound, "no_outcome", "no delivery record yet")
		return
	}
	httputil.OK(w, rec)
}

type deliveryEventRequest struct {
	Recipient         string                `json:"recipient"`
	ProviderMessageID string                `json:"provider_message_id"`
	Type              string                `json:"type"`
	Status            domain.DeliveryStatus `json:"status,omitempty"`
	Message           string                `json:"message,omitempty"`
	Data              map[string]any        `json:"data,omitempty"`
	OccurredAt        *time.Time            `json:"occurred_at,omitempty"`
}

// RecordEvent appends a normalized provider webhook event to the matching
// delivery record.
//
//	POST /api/v1/events
func (h *Handlers) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var req deliveryEventRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Recipient == "" || req.ProviderMessageID == "" || req.Type == "" {
		httputil.BadRequest(w, "recipient, provider_message_id and type are required")
		return
	}
	ev := domain.DeliveryEvent{Type: req.Type, Status: req.Status, Message: req.Message, Data: req.Data}
	if req.OccurredAt != nil {
		ev.OccurredAt = req.OccurredAt.UTC()
	}
	rec, err := h.queue.RecordEvent(r.Context(), req.Recipient, req.ProviderMessageID, ev)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, rec)
}
