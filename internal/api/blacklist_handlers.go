package api

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/httputil"
	"github.com/ignite/dispatch-engine/internal/service/blacklist"
)

type blacklistAddRequest struct {
	Email  string                 `json:"email"`
	Reason domain.BlacklistReason `json:"reason"`
	Source domain.BlacklistSource `json:"source"`
	Detail string                 `json:"detail"`
}

// ListBlacklist returns the tenant's blacklist, paginated.
//
//	GET /api/v1/tenants/{tenantID}/blacklist?page=&limit=&reason=&source=&search=
func (h *Handlers) ListBlacklist(w http.ResponseWriter, r *http.Request) {
	params := ParsePagination(r, 50, 500)
	q := r.URL.Query()
	entries, total, err := h.blacklist.List(r.Context(), chi.URLParam(r, "tenantID"), blacklist.ListFilter{
		Reason: q.Get("reason"),
		Source: q.Get("source"),
		Search: q.Get("search"),
		Limit:  params.Limit,
		Offset: params.Offset,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.BlacklistEntry{}
	}
	httputil.OK(w, NewPaginatedResponse(entries, params, int64(total)))
}

// BlacklistStats aggregates the tenant's entries by reason and source.
//
//	GET /api/v1/tenants/{tenantID}/blacklist/stats
func (h *Handlers) BlacklistStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.blacklist.GetStats(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, stats)
}

// AddBlacklist blocks a recipient for the tenant. Manual entries default
// to reason and source "manual".
//
//	POST /api/v1/tenants/{tenantID}/blacklist
func (h *Handlers) AddBlacklist(w http.ResponseWriter, r *http.Request) {
	var req blacklistAddRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = domain.ReasonManual
	}
	if req.Source == "" {
		req.Source = domain.SourceManual
	}
	tenantID := chi.URLParam(r, "tenantID")
	if err := h.blacklist.Add(r.Context(), tenantID, req.Email, req.Reason, req.Source, req.Detail); err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.Created(w, map[string]string{"tenant_id": tenantID, "email": blacklist.Normalize(req.Email)})
}

// RemoveBlacklist unblocks a recipient.
//
//	DELETE /api/v1/tenants/{tenantID}/blacklist/{email}
func (h *Handlers) RemoveBlacklist(w http.ResponseWriter, r *http.Request) {
	email, err := url.PathUnescape(chi.URLParam(r, "email"))
	if err != nil {
		httputil.BadRequest(w, "invalid email")
		return
	}
	if err := h.blacklist.Remove(r.Context(), chi.URLParam(r, "tenantID"), email); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
