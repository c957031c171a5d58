// Package memory is an in-process implementation of every repository the
// engine needs. It backs the dev mode (no DATABASE_URL) and the service
// tests. One mutex guards all tables so multi-row units such as
// ratelimit.Store.Locked are trivially atomic.
package memory

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ignite/dispatch-engine/internal/domain"
)

// Store holds all tables.
type Store struct {
	mu sync.Mutex

	providers map[string]*domain.Provider
	bindings  map[string]*domain.TenantProviderBinding
	accounts  map[string]*domain.TenantAccount
	rules     map[string]*domain.Rule
	items     map[uuid.UUID]*domain.QueueItem
	records   map[uuid.UUID]*domain.DeliveryRecord // keyed by queue item id
	blacklist map[string]*domain.BlacklistEntry     // keyed by tenant:email
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		providers: map[string]*domain.Provider{},
		bindings:  map[string]*domain.TenantProviderBinding{},
		accounts:  map[string]*domain.TenantAccount{},
		rules:     map[string]*domain.Rule{},
		items:     map[uuid.UUID]*domain.QueueItem{},
		records:   map[uuid.UUID]*domain.DeliveryRecord{},
		blacklist: map[string]*domain.BlacklistEntry{},
	}
}

// PutProvider inserts or replaces a provider. Config is not stored.
func (s *Store) PutProvider(p domain.Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Config = nil
	s.providers[p.ID] = &p
}

// PutBinding inserts or replaces a binding.
func (s *Store) PutBinding(b domain.TenantProviderBinding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.ConfigOverride = copyStrings(b.ConfigOverride)
	s.bindings[b.ID] = &b
}

// PutAccount inserts or replaces a tenant account.
func (s *Store) PutAccount(a domain.TenantAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.TenantID] = &a
}

// PutRule inserts or replaces an automation rule.
func (s *Store) PutRule(r domain.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.TenantID+"/"+r.ID] = &r
}

// Providers returns the registry repository.
func (s *Store) Providers() *Providers { return &Providers{s} }

// Limits returns the rate limit store.
func (s *Store) Limits() *Limits { return &Limits{s} }

// Accounts returns the tenant account reader.
func (s *Store) Accounts() *Accounts { return &Accounts{s} }

// Queue returns the queue item repository, which also claims items.
func (s *Store) Queue() *Queue { return &Queue{s} }

// Deliveries returns the delivery record repository.
func (s *Store) Deliveries() *Deliveries { return &Deliveries{s} }

// Rules returns the rule source.
func (s *Store) Rules() *Rules { return &Rules{s} }

// Blacklist returns the blacklist repository.
func (s *Store) Blacklist() *Blacklist { return &Blacklist{s} }

func copyStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneProvider(p *domain.Provider) *domain.Provider {
	cp := *p
	cp.Config = nil
	if p.LastUsedAt != nil {
		t := *p.LastUsedAt
		cp.LastUsedAt = &t
	}
	return &cp
}

func cloneBinding(b *domain.TenantProviderBinding) *domain.TenantProviderBinding {
	cp := *b
	cp.ConfigOverride = copyStrings(b.ConfigOverride)
	if b.MaxPerMinute != nil {
		v := *b.MaxPerMinute
		cp.MaxPerMinute = &v
	}
	if b.MaxPerHour != nil {
		v := *b.MaxPerHour
		cp.MaxPerHour = &v
	}
	if b.MaxPerDay != nil {
		v := *b.MaxPerDay
		cp.MaxPerDay = &v
	}
	if b.LastUsedAt != nil {
		t := *b.LastUsedAt
		cp.LastUsedAt = &t
	}
	return &cp
}

func cloneAccount(a *domain.TenantAccount) *domain.TenantAccount {
	cp := *a
	if a.LastSentAt != nil {
		t := *a.LastSentAt
		cp.LastSentAt = &t
	}
	return &cp
}

func cloneItem(it *domain.QueueItem) *domain.QueueItem {
	cp := *it
	cp.Headers = copyStrings(it.Headers)
	if it.Context != nil {
		cp.Context = make(map[string]any, len(it.Context))
		for k, v := range it.Context {
			cp.Context[k] = v
		}
	}
	if it.ClaimedAt != nil {
		t := *it.ClaimedAt
		cp.ClaimedAt = &t
	}
	if it.SentAt != nil {
		t := *it.SentAt
		cp.SentAt = &t
	}
	if it.CompletedAt != nil {
		t := *it.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func cloneRecord(r *domain.DeliveryRecord) *domain.DeliveryRecord {
	cp := *r
	cp.Events = append([]domain.DeliveryEvent(nil), r.Events...)
	return &cp
}
