package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/service/blacklist"
)

// BlacklistRepo implements blacklist.Repository against PostgreSQL. Global
// entries are stored with an empty tenant_id.
type BlacklistRepo struct{ db *sql.DB }

var _ blacklist.Repository = (*BlacklistRepo)(nil)

// NewBlacklistRepo creates a Postgres-backed blacklist repository.
func NewBlacklistRepo(db *sql.DB) *BlacklistRepo { return &BlacklistRepo{db: db} }

func (r *BlacklistRepo) IsBlacklisted(ctx context.Context, tenantID, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM email_blacklist WHERE email = $1 AND tenant_id IN ($2, ''))`,
		email, tenantID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check blacklist: %w", err)
	}
	return exists, nil
}

func (r *BlacklistRepo) Add(ctx context.Context, e *domain.BlacklistEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_blacklist (id, tenant_id, email, md5_hash, reason, source, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (tenant_id, email) DO NOTHING
	`, e.ID, e.TenantID, e.Email, e.MD5Hash, string(e.Reason), string(e.Source), e.Detail)
	if err != nil {
		return fmt.Errorf("add blacklist entry: %w", err)
	}
	return nil
}

func (r *BlacklistRepo) Remove(ctx context.Context, tenantID, email string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM email_blacklist WHERE tenant_id = $1 AND email = $2`, tenantID, email)
	if err != nil {
		return fmt.Errorf("remove blacklist entry: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return blacklist.ErrNotFound
	}
	return nil
}

func (r *BlacklistRepo) List(ctx context.Context, tenantID string, f blacklist.ListFilter) ([]domain.BlacklistEntry, int, error) {
	where := ` WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	idx := 2
	if f.Reason != "" {
		where += fmt.Sprintf(" AND reason = $%d", idx)
		args = append(args, f.Reason)
		idx++
	}
	if f.Source != "" {
		where += fmt.Sprintf(" AND source = $%d", idx)
		args = append(args, f.Source)
		idx++
	}
	if f.Search != "" {
		where += fmt.Sprintf(" AND email ILIKE $%d", idx)
		args = append(args, "%"+f.Search+"%")
		idx++
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM email_blacklist`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count blacklist: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, tenant_id, email, md5_hash, reason, source, detail, created_at FROM email_blacklist` + where +
		fmt.Sprintf(" ORDER BY email LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list blacklist: %w", err)
	}
	defer rows.Close()

	var out []domain.BlacklistEntry
	for rows.Next() {
		var e domain.BlacklistEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Email, &e.MD5Hash, &e.Reason, &e.Source, &e.Detail, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan blacklist entry: %w", err)
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}
