package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/service/queue"
)

// RuleRepo implements queue.RuleSource against PostgreSQL.
type RuleRepo struct{ db *sql.DB }

var _ queue.RuleSource = (*RuleRepo)(nil)

// NewRuleRepo creates a Postgres-backed rule reader.
func NewRuleRepo(db *sql.DB) *RuleRepo { return &RuleRepo{db: db} }

func (r *RuleRepo) GetRule(ctx context.Context, tenantID, ruleID string) (*domain.Rule, error) {
	rule := &domain.Rule{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, binding_id, provider_id, from_override
		FROM automation_rules
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, ruleID).Scan(&rule.ID, &rule.TenantID, &rule.BindingID, &rule.ProviderID, &rule.FromOverride)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queue.ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return rule, nil
}
