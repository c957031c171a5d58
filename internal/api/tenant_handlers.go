package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/httputil"
	"github.com/ignite/dispatch-engine/internal/service/ratelimit"
	"github.com/ignite/dispatch-engine/internal/service/registry"
	"github.com/ignite/dispatch-engine/internal/service/resolver"
)

// CanSendResponse answers a can-send query.
type CanSendResponse struct {
	Allowed    bool            `json:"allowed"`
	Reason     string          `json:"reason"`
	Layer      ratelimit.Layer `json:"layer,omitempty"`
	ProviderID string          `json:"provider_id"`
	Source     resolver.Source `json:"source,omitempty"`
}

// CanSend reports whether the tenant may send now without consuming quota.
// Without provider_id the provider the resolver would pick is checked.
//
//	GET /api/v1/tenants/{tenantID}/can-send?provider_id=
func (h *Handlers) CanSend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := chi.URLParam(r, "tenantID")

	var (
		provider *domain.Provider
		binding  *domain.TenantProviderBinding
		source   resolver.Source
	)
	if id := r.URL.Query().Get("provider_id"); id != "" {
		p, err := h.providers.Provider(ctx, id)
		if err != nil {
			respondServiceError(w, err)
			return
		}
		if !p.IsGlobal && p.OwnerTenantID != "" && p.OwnerTenantID != tenantID {
			respondServiceError(w, fmt.Errorf("provider %s: %w", id, registry.ErrProviderNotFound))
			return
		}
		b, err := h.providers.BindingFor(ctx, tenantID, id)
		if err != nil {
			respondServiceError(w, err)
			return
		}
		provider, binding, source = p, b, resolver.SourceManual
	} else {
		res, err := h.resolver.ResolveProvider(ctx, resolver.Request{TenantID: tenantID})
		if err != nil {
			respondServiceError(w, err)
			return
		}
		provider, binding, source = res.Provider, res.Binding, res.Source
	}

	var opts []ratelimit.Option
	if source == resolver.SourceGlobalFallback {
		opts = append(opts, ratelimit.SkipTenant())
	}
	d, err := h.limiter.Check(ctx, tenantID, provider, binding, opts...)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, CanSendResponse{
		Allowed:    d.Allowed,
		Reason:     d.Reason,
		Layer:      d.Layer,
		ProviderID: provider.ID,
		Source:     source,
	})
}

// SetPrimaryBinding makes a binding the tenant's primary.
//
//	PUT /api/v1/tenants/{tenantID}/bindings/{bindingID}/primary
func (h *Handlers) SetPrimaryBinding(w http.ResponseWriter, r *http.Request) {
	tenantID, bindingID := chi.URLParam(r, "tenantID"), chi.URLParam(r, "bindingID")
	if err := h.providers.SetPrimary(r.Context(), tenantID, bindingID); err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"tenant_id": tenantID, "primary_binding_id": bindingID})
}

// SetDefaultProvider makes a global provider the platform default.
//
//	PUT /api/v1/providers/{id}/default
func (h *Handlers) SetDefaultProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.providers.SetDefault(r.Context(), id); err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"default_provider_id": id})
}
