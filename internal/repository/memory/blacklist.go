package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/service/blacklist"
)

// Blacklist implements blacklist.Repository.
type Blacklist struct{ s *Store }

var _ blacklist.Repository = (*Blacklist)(nil)

func blKey(tenantID, email string) string { return tenantID + ":" + email }

func (r *Blacklist) IsBlacklisted(_ context.Context, tenantID, email string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, tenant := r.s.blacklist[blKey(tenantID, email)]
	_, global := r.s.blacklist[blKey("", email)]
	return tenant || global, nil
}

func (r *Blacklist) Add(_ context.Context, e *domain.BlacklistEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := blKey(e.TenantID, e.Email)
	if _, ok := r.s.blacklist[k]; ok {
		return nil
	}
	cp := *e
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	r.s.blacklist[k] = &cp
	return nil
}

func (r *Blacklist) Remove(_ context.Context, tenantID, email string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := blKey(tenantID, email)
	if _, ok := r.s.blacklist[k]; !ok {
		return blacklist.ErrNotFound
	}
	delete(r.s.blacklist, k)
	return nil
}

func (r *Blacklist) List(_ context.Context, tenantID string, f blacklist.ListFilter) ([]domain.BlacklistEntry, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var all []domain.BlacklistEntry
	for _, e := range r.s.blacklist {
		if e.TenantID != tenantID {
			continue
		}
		if f.Reason != "" && string(e.Reason) != f.Reason {
			continue
		}
		if f.Source != "" && string(e.Source) != f.Source {
			continue
		}
		if f.Search != "" && !strings.Contains(e.Email, strings.ToLower(f.Search)) {
			continue
		}
		all = append(all, *e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Email < all[j].Email })
	total := len(all)
	if f.Offset > 0 {
		if f.Offset >= len(all) {
			return nil, total, nil
		}
		all = all[f.Offset:]
	}
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, total, nil
}
