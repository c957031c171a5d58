package blacklist

import (
	"context"

	"github.com/ignite/dispatch-engine/internal/domain"
)

// Repository is the data access contract for blacklist entries.
type Repository interface {
	// IsBlacklisted reports whether email is blocked for tenantID or globally.
	IsBlacklisted(ctx context.Context, tenantID, email string) (bool, error)

	// Add inserts an entry. Adding an existing (tenant, email) pair keeps the
	// original entry.
	Add(ctx context.Context, e *domain.BlacklistEntry) error

	// Remove deletes an entry, returning ErrNotFound if absent.
	Remove(ctx context.Context, tenantID, email string) error

	// List returns entries for tenantID matching the filter, plus the total.
	List(ctx context.Context, tenantID string, filter ListFilter) ([]domain.BlacklistEntry, int, error)
}

// ListFilter controls pagination and filtering.
type ListFilter struct {
	Reason string
	Source string
	Search string
	Limit  int
	Offset int
}
