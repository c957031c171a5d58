package blacklist

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"strings"

	"github.com/ignite/dispatch-engine/internal/domain"
)

// Service implements blacklist business logic. It is safe for concurrent use.
type Service struct {
	repo Repository
}

// NewService creates a blacklist service backed by repo.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Normalize lowercases and trims an address.
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsBlacklisted satisfies the queue processor's checker contract.
func (s *Service) IsBlacklisted(ctx context.Context, tenantID, email string) (bool, error) {
	return s.repo.IsBlacklisted(ctx, tenantID, Normalize(email))
}

// Add blocks email for tenantID. Pass an empty tenantID for a global entry.
// Idempotent.
func (s *Service) Add(ctx context.Context, tenantID, email string, reason domain.BlacklistReason, source domain.BlacklistSource, detail string) error {
	email = Normalize(email)
	if email == "" {
		return ErrEmptyAddress
	}
	hash := md5.Sum([]byte(email))
	return s.repo.Add(ctx, &domain.BlacklistEntry{
		TenantID: tenantID,
		Email:    email,
		MD5Hash:  hex.EncodeToString(hash[:]),
		Reason:   reason,
		Source:   source,
		Detail:   detail,
	})
}

// Remove unblocks email for tenantID.
func (s *Service) Remove(ctx context.Context, tenantID, email string) error {
	email = Normalize(email)
	if email == "" {
		return ErrEmptyAddress
	}
	return s.repo.Remove(ctx, tenantID, email)
}

// List returns entries matching filter.
func (s *Service) List(ctx context.Context, tenantID string, filter ListFilter) ([]domain.BlacklistEntry, int, error) {
	return s.repo.List(ctx, tenantID, filter)
}

// Stats are aggregate counts grouped by reason and source.
type Stats struct {
	Total    int            `json:"total"`
	ByReason map[string]int `json:"by_reason"`
	BySource map[string]int `json:"by_source"`
}

// GetStats aggregates the tenant's entries.
func (s *Service) GetStats(ctx context.Context, tenantID string) (*Stats, error) {
	entries, total, err := s.repo.List(ctx, tenantID, ListFilter{})
	if err != nil {
		return nil, err
	}
	stats := &Stats{Total: total, ByReason: map[string]int{}, BySource: map[string]int{}}
	for _, e := range entries {
		stats.ByReason[string(e.Reason)]++
		stats.BySource[string(e.Source)]++
	}
	return stats, nil
}
