// Package dispatch sends one message through the tenant's providers,
// moving on to the next candidate whenever a provider refuses or fails.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/metrics"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
	"github.com/ignite/dispatch-engine/internal/service/errclass"
	"github.com/ignite/dispatch-engine/internal/service/ratelimit"
	"github.com/ignite/dispatch-engine/internal/service/registry"
	"github.com/ignite/dispatch-engine/internal/service/sending"
)

// Metadata keys set on every Outcome that reached a provider.
const (
	MetaProviderName         = "provider_name"
	MetaProviderID           = "provider_id"
	MetaProviderType         = "provider_type"
	MetaFromEmail            = "from_email"
	MetaRaw                  = "raw"
	MetaCandidatesTried      = "candidates_tried"
	MetaTenantLimitsBypassed = "tenant_limits_bypassed"
)

// Providers is the registry surface used for candidate selection.
type Providers interface {
	Provider(ctx context.Context, id string) (*domain.Provider, error)
	BindingFor(ctx context.Context, tenantID, providerID string) (*domain.TenantProviderBinding, error)
	TenantBindings(ctx context.Context, tenantID string) ([]registry.Candidate, error)
	GlobalDefault(ctx context.Context) (*domain.Provider, error)
	MarkHealth(ctx context.Context, providerID string, status domain.HealthStatus) error
}

// Admission gates each candidate. Implemented by *ratelimit.Limiter.
type Admission interface {
	Acquire(ctx context.Context, tenantID string, p *domain.Provider, b *domain.TenantProviderBinding, opts ...ratelimit.Option) (*ratelimit.Permit, ratelimit.Decision, error)
}

// FromResolver picks the sender address for a candidate's config.
type FromResolver interface {
	ResolveFromAddress(ctx context.Context, tenantID, override string, cfg map[string]string) string
}

// Attempt is one candidate considered during a send.
type Attempt struct {
	ProviderID   string              `json:"provider_id"`
	ProviderName string              `json:"provider_name"`
	ProviderKind domain.ProviderKind `json:"provider_type"`
	Sent         bool                `json:"sent"`
	Skipped      string              `json:"skipped,omitempty"`
	ErrorKind    domain.ErrorKind    `json:"error_kind,omitempty"`
	Error        string              `json:"error,omitempty"`
}

// Outcome is the result of SendWithFailover. On failure Classification is
// the last candidate's classified error.
type Outcome struct {
	Success           bool
	ProviderMessageID string
	Provider          *domain.Provider
	Binding           *domain.TenantProviderBinding
	Metadata          map[string]any
	Classification    *errclass.Classification
	Attempts          []Attempt
}

// Message returns the human-readable summary of the outcome.
func (o *Outcome) Message() string {
	if o.Success {
		return "Email sent via " + o.Provider.Name
	}
	if o.Classification == nil {
		return "Email not sent"
	}
	if o.Classification.Detail != "" {
		return o.Classification.UserMessage + " " + o.Classification.Detail
	}
	return o.Classification.UserMessage
}

// Options configure a Dispatcher.
type Options struct {
	Health HealthOptions
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	providers Providers
	limiter   Admission
	factory   sending.SenderFactory
	from      FromResolver
	health    *HealthTracker
}

// New returns a Dispatcher.
func New(providers Providers, limiter Admission, factory sending.SenderFactory, from FromResolver, opts Options) *Dispatcher {
	return &Dispatcher{
		providers: providers,
		limiter:   limiter,
		factory:   factory,
		from:      from,
		health:    NewHealthTracker(opts.Health, providers.MarkHealth),
	}
}

// Health exposes the tracker.
func (d *Dispatcher) Health() *HealthTracker { return d.health }

// SendWithFailover tries the tenant's bindings in order, then the global
// fallback provider. msg.FromEmail, when set, overrides sender resolution.
// preferredProviderID, when set, is tried first. The returned error is
// reserved for failures to load candidates; provider failures are reported
// on the Outcome.
func (d *Dispatcher) SendWithFailover(ctx context.Context, tenantID string, msg *domain.EmailMessage, preferredProviderID string) (*Outcome, error) {
	candidates, err := d.candidates(ctx, tenantID, preferredProviderID)
	if err != nil {
		return nil, err
	}

	run := &failoverRun{d: d, tenantID: tenantID, msg: msg, tried: map[string]bool{}}
	for i, c := range candidates {
		if out := run.try(ctx, c); out != nil {
			return out, nil
		}
		if i < len(candidates)-1 {
			metrics.FailoversTotal.Inc()
		}
	}

	global, err := d.providers.GlobalDefault(ctx)
	switch {
	case errors.Is(err, registry.ErrNoGlobalProvider):
	case err != nil:
		logger.Error("dispatch: load global fallback failed", "tenant_id", tenantID, "error", err)
	case run.tried[global.ID]:
	default:
		if len(candidates) > 0 {
			metrics.FailoversTotal.Inc()
		}
		logger.Warn("dispatch: using global fallback provider, tenant limits bypassed",
			"tenant_id", tenantID, "provider_id", global.ID, "tenant_candidates", len(candidates))
		metrics.GlobalFallbackTotal.Inc()
		if out := run.try(ctx, registry.Candidate{Provider: global}, ratelimit.SkipTenant()); out != nil {
			out.Metadata[MetaTenantLimitsBypassed] = true
			return out, nil
		}
	}

	return run.failure(), nil
}

// candidates returns the tenant's bindings with the preferred provider
// moved, or added, to the front.
func (d *Dispatcher) candidates(ctx context.Context, tenantID, preferred string) ([]registry.Candidate, error) {
	list, err := d.providers.TenantBindings(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load candidates for %s: %w", tenantID, err)
	}
	if preferred == "" {
		return list, nil
	}
	for i, c := range list {
		if c.Provider.ID == preferred {
			out := make([]registry.Candidate, 0, len(list))
			out = append(out, c)
			out = append(out, list[:i]...)
			return append(out, list[i+1:]...), nil
		}
	}

	p, err := d.providers.Provider(ctx, preferred)
	if err != nil || !p.Usable() {
		logger.Info("dispatch: preferred provider unavailable", "tenant_id", tenantID, "provider_id", preferred, "error", err)
		return list, nil
	}
	if !p.IsGlobal && p.OwnerTenantID != "" && p.OwnerTenantID != tenantID {
		logger.Warn("dispatch: preferred provider belongs to another tenant", "tenant_id", tenantID, "provider_id", preferred)
		return list, nil
	}
	b, err := d.providers.BindingFor(ctx, tenantID, preferred)
	if err != nil {
		return nil, err
	}
	if b != nil && !b.IsEnabled {
		return list, nil
	}
	return append([]registry.Candidate{{Provider: p, Binding: b}}, list...), nil
}

type failoverRun struct {
	d        *Dispatcher
	tenantID string
	msg      *domain.EmailMessage

	attempts    []Attempt
	tried       map[string]bool
	last        *errclass.Classification
	lastMeta    map[string]any
	denial      string
	sendsFailed int
}

// try attempts one candidate and returns a successful Outcome or nil.
func (r *failoverRun) try(ctx context.Context, c registry.Candidate, opts ...ratelimit.Option) *Outcome {
	p := c.Provider
	att := Attempt{ProviderID: p.ID, ProviderName: p.Name, ProviderKind: p.Kind}
	cfg := c.Config()
	from := r.d.from.ResolveFromAddress(ctx, r.tenantID, r.msg.FromEmail, cfg)
	meta := map[string]any{
		MetaProviderName: p.Name,
		MetaProviderID:   p.ID,
		MetaProviderType: string(p.Kind),
		MetaFromEmail:    from,
	}

	r.d.health.Probe(ctx, p)
	permit, dec, err := r.d.limiter.Acquire(ctx, r.tenantID, p, c.Binding, opts...)
	if err != nil {
		logger.Error("dispatch: admission check failed", "tenant_id", r.tenantID, "provider_id", p.ID, "error", err)
		cls := errclass.New(domain.ErrUnknown, err.Error())
		att.Skipped, att.ErrorKind, att.Error = "admission error", cls.Kind, err.Error()
		r.fail(att, &cls, meta)
		return nil
	}
	if !dec.Allowed {
		att.Skipped = dec.Reason
		r.attempts = append(r.attempts, att)
		if r.denial == "" || dec.Layer == ratelimit.LayerTenant {
			r.denial = dec.Reason
		}
		return nil
	}

	sender, err := r.d.factory.SenderFor(p, cfg)
	if err != nil {
		r.release(ctx, permit, p)
		cls := errclass.Classify(p.Kind, err)
		att.ErrorKind, att.Error = cls.Kind, err.Error()
		r.fail(att, &cls, meta)
		return nil
	}

	m := *r.msg
	m.FromEmail = from
	r.tried[p.ID] = true
	att.Sent = true
	started := time.Now()
	res, err := sender.Send(ctx, &m)
	if err != nil {
		r.release(ctx, permit, p)
		cls := errclass.Classify(p.Kind, err)
		metrics.ObserveSend(string(p.Kind), string(cls.Kind), started)
		if cls.Retryable {
			r.d.health.Failure(ctx, p)
		}
		logger.Warn("dispatch: provider send failed", "tenant_id", r.tenantID, "provider_id", p.ID,
			"recipient", r.msg.To, "error_kind", cls.Kind, "error", err)
		att.ErrorKind, att.Error = cls.Kind, err.Error()
		r.sendsFailed++
		r.fail(att, &cls, meta)
		return nil
	}

	metrics.ObserveSend(string(p.Kind), "success", started)
	r.d.health.Success(ctx, p)
	r.attempts = append(r.attempts, att)
	meta[MetaRaw] = res.Raw
	meta[MetaCandidatesTried] = len(r.attempts)
	logger.Info("dispatch: sent", "tenant_id", r.tenantID, "provider_id", p.ID,
		"recipient", r.msg.To, "message_id", res.MessageID, "candidates_tried", len(r.attempts))
	return &Outcome{
		Success:           true,
		ProviderMessageID: res.MessageID,
		Provider:          p,
		Binding:           c.Binding,
		Metadata:          meta,
		Attempts:          r.attempts,
	}
}

// release gives back the usage counted for a send that did not go out.
func (r *failoverRun) release(ctx context.Context, permit *ratelimit.Permit, p *domain.Provider) {
	if err := permit.Release(ctx); err != nil {
		logger.Error("dispatch: usage of failed send not released", "tenant_id", r.tenantID,
			"provider_id", p.ID, "error", err)
	}
}

func (r *failoverRun) fail(att Attempt, cls *errclass.Classification, meta map[string]any) {
	r.attempts = append(r.attempts, att)
	meta[MetaRaw] = att.Error
	r.last = cls
	r.lastMeta = meta
}

// failure builds the Outcome after every candidate was exhausted.
func (r *failoverRun) failure() *Outcome {
	out := &Outcome{Attempts: r.attempts, Metadata: r.lastMeta}
	switch {
	case r.last != nil:
		out.Classification = r.last
	case r.denial != "":
		cls := errclass.New(domain.ErrRateLimited, r.denial)
		out.Classification = &cls
	default:
		cls := errclass.New(domain.ErrNoProviderConfigured, "tenant "+r.tenantID)
		out.Classification = &cls
	}
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}
	out.Metadata[MetaCandidatesTried] = len(r.attempts)
	logger.Warn("dispatch: all candidates exhausted", "tenant_id", r.tenantID, "recipient", r.msg.To,
		"error_kind", out.Classification.Kind, "candidates_tried", len(r.attempts), "failed_sends", r.sendsFailed)
	return out
}
