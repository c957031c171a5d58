// Package api exposes the dispatch engine over HTTP.
package api

import (
	"context"

	"github.com/google/uuid"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/service/blacklist"
	"github.com/ignite/dispatch-engine/internal/service/queue"
	"github.com/ignite/dispatch-engine/internal/service/ratelimit"
	"github.com/ignite/dispatch-engine/internal/service/resolver"
)

// QueueService is the queue surface the handlers call.
type QueueService interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (uuid.UUID, error)
	EnqueueTemplate(ctx context.Context, req queue.TemplateRequest) (uuid.UUID, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error)
	ProcessOne(ctx context.Context, id uuid.UUID, opts queue.ProcessOptions) (*queue.Result, error)
	Cancel(ctx context.Context, id uuid.UUID) (*domain.DeliveryRecord, error)
	GetOutcome(ctx context.Context, id uuid.UUID) (*domain.DeliveryRecord, error)
	RecordEvent(ctx context.Context, recipient, providerMessageID string, ev domain.DeliveryEvent) (*domain.DeliveryRecord, error)
}

// Providers is the registry surface the handlers call.
type Providers interface {
	Provider(ctx context.Context, id string) (*domain.Provider, error)
	BindingFor(ctx context.Context, tenantID, providerID string) (*domain.TenantProviderBinding, error)
	SetPrimary(ctx context.Context, tenantID, bindingID string) error
	SetDefault(ctx context.Context, providerID string) error
}

// ProviderResolver picks the provider a tenant would send through.
type ProviderResolver interface {
	ResolveProvider(ctx context.Context, req resolver.Request) (*resolver.Resolution, error)
}

// Admission answers can-send queries without consuming quota.
type Admission interface {
	Check(ctx context.Context, tenantID string, p *domain.Provider, b *domain.TenantProviderBinding, opts ...ratelimit.Option) (ratelimit.Decision, error)
}

// Blacklist manages suppressed recipients.
type Blacklist interface {
	Add(ctx context.Context, tenantID, email string, reason domain.BlacklistReason, source domain.BlacklistSource, detail string) error
	Remove(ctx context.Context, tenantID, email string) error
	List(ctx context.Context, tenantID string, filter blacklist.ListFilter) ([]domain.BlacklistEntry, int, error)
	GetStats(ctx context.Context, tenantID string) (*blacklist.Stats, error)
}

// Handlers holds the services behind the HTTP routes.
type Handlers struct {
	queue     QueueService
	providers Providers
	resolver  ProviderResolver
	limiter   Admission
	blacklist Blacklist
}

// Deps are the services a Handlers needs. Blacklist may be nil, which
// disables the blacklist routes.
type Deps struct {
	Queue     QueueService
	Providers Providers
	Resolver  ProviderResolver
	Limiter   Admission
	Blacklist Blacklist
}

// NewHandlers creates Handlers.
func NewHandlers(d Deps) *Handlers {
	return &Handlers{
		queue:     d.Queue,
		providers: d.Providers,
		resolver:  d.Resolver,
		limiter:   d.Limiter,
		blacklist: d.Blacklist,
	}
}
