package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/service/queue"
)

const itemColumns = `id, tenant_id, rule_id, recipient, subject, html_content, text_content,
	from_name, from_override, reply_to, context, headers, priority, scheduled_at, attempts, max_retries,
	provider_id, status, skip_validation, last_error, claimed_by, claimed_at, created_at, updated_at, completed_at,
	sent_at, sent_provider_id, provider_message_id`

func scanItem(s scanner) (*domain.QueueItem, error) {
	it := &domain.QueueItem{}
	var ctxJSON, headersJSON []byte
	err := s.Scan(&it.ID, &it.TenantID, &it.RuleID, &it.Recipient, &it.Subject, &it.HTMLContent, &it.TextContent,
		&it.FromName, &it.FromOverride, &it.ReplyTo, &ctxJSON, &headersJSON, &it.Priority, &it.ScheduledAt,
		&it.Attempts, &it.MaxRetries, &it.ProviderID, &it.Status, &it.SkipValidation, &it.LastError,
		&it.ClaimedBy, &it.ClaimedAt, &it.CreatedAt, &it.UpdatedAt, &it.CompletedAt,
		&it.SentAt, &it.SentProviderID, &it.ProviderMessageID)
	if err != nil {
		return nil, err
	}
	if err := scanJSON(ctxJSON, &it.Context); err != nil {
		return nil, fmt.Errorf("decode context of %s: %w", it.ID, err)
	}
	if err := scanJSON(headersJSON, &it.Headers); err != nil {
		return nil, fmt.Errorf("decode headers of %s: %w", it.ID, err)
	}
	return it, nil
}

// QueueRepo implements queue.Repository and queue.Claimer against PostgreSQL.
type QueueRepo struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ queue.Repository = (*QueueRepo)(nil)
	_ queue.Claimer    = (*QueueRepo)(nil)
)

// NewQueueRepo creates a Postgres-backed queue repository.
func NewQueueRepo(db *sql.DB) *QueueRepo { return &QueueRepo{db: db, now: time.Now} }

func (r *QueueRepo) Insert(ctx context.Context, it *domain.QueueItem) error {
	ctxJSON, err := jsonValue(it.Context)
	if err != nil {
		return err
	}
	headersJSON, err := jsonValue(it.Headers)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO email_queue (id, tenant_id, rule_id, recipient, subject, html_content, text_content,
			from_name, from_override, reply_to, context, headers, priority, scheduled_at, attempts, max_retries,
			provider_id, status, skip_validation, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $20)
	`, it.ID, it.TenantID, it.RuleID, it.Recipient, it.Subject, it.HTMLContent, it.TextContent,
		it.FromName, it.FromOverride, it.ReplyTo, ctxJSON, headersJSON, it.Priority, it.ScheduledAt,
		it.Attempts, it.MaxRetries, it.ProviderID, string(it.Status), it.SkipValidation, it.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}

func (r *QueueRepo) Get(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error) {
	it, err := scanItem(r.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM email_queue WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queue.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return it, nil
}

func (r *QueueRepo) MarkProcessing(ctx context.Context, id uuid.UUID, workerID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'processing', claimed_by = $2, claimed_at = $3, attempts = attempts + 1, updated_at = $3
		WHERE id = $1 AND status = 'pending'
	`, id, workerID, at)
	if err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Claim locks the row without waiting. A row locked by another claimer
// surfaces as lock_not_available and maps to ErrAlreadyClaimed.
func (r *QueueRepo) Claim(ctx context.Context, id uuid.UUID, workerID string) (*domain.QueueItem, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer rollback(tx)

	it, err := scanItem(tx.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM email_queue WHERE id = $1 FOR UPDATE NOWAIT`, id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, queue.ErrNotFound
	case isLockNotAvailable(err):
		return nil, queue.ErrAlreadyClaimed
	case err != nil:
		return nil, fmt.Errorf("claim queue item: %w", err)
	}

	switch {
	case it.Status.IsTerminal():
		return it, nil
	case it.Status != domain.QueuePending:
		return nil, queue.ErrAlreadyClaimed
	}

	now := r.now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'processing', claimed_by = $2, claimed_at = $3, attempts = attempts + 1, updated_at = $3
		WHERE id = $1
	`, id, workerID, now); err != nil {
		return nil, fmt.Errorf("claim queue item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	it.Status = domain.QueueProcessing
	it.ClaimedBy = workerID
	it.ClaimedAt = &now
	it.Attempts++
	it.UpdatedAt = now
	return it, nil
}

func (r *QueueRepo) Finish(ctx context.Context, it *domain.QueueItem, workerID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = $3, scheduled_at = $4, last_error = $5, claimed_by = $6, claimed_at = $7,
		    completed_at = $8, updated_at = $9
		WHERE id = $1 AND status = 'processing' AND claimed_by = $2
	`, it.ID, workerID, string(it.Status), it.ScheduledAt, it.LastError, it.ClaimedBy, it.ClaimedAt,
		it.CompletedAt, it.UpdatedAt)
	if err != nil {
		return fmt.Errorf("finish queue item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return queue.ErrClaimLost
	}
	return nil
}

func (r *QueueRepo) MarkSent(ctx context.Context, id uuid.UUID, workerID, providerID, messageID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_queue
		SET sent_at = $3, sent_provider_id = $4, provider_message_id = $5, updated_at = $3
		WHERE id = $1 AND status = 'processing' AND claimed_by = $2
	`, id, workerID, at, providerID, messageID)
	if err != nil {
		return fmt.Errorf("mark queue item sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return queue.ErrClaimLost
	}
	return nil
}

func (r *QueueRepo) CancelPending(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_queue SET status = 'cancelled', completed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'pending'
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("cancel queue item: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *QueueRepo) DueIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM email_queue
		WHERE status = 'pending' AND scheduled_at <= $1
		ORDER BY priority DESC, scheduled_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due queue items: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *QueueRepo) Stale(ctx context.Context, cutoff time.Time, limit int) ([]domain.QueueItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM email_queue
		WHERE status = 'processing' AND claimed_at < $1
		ORDER BY claimed_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("stale queue items: %w", err)
	}
	defer rows.Close()

	var out []domain.QueueItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func (r *QueueRepo) ReleaseStale(ctx context.Context, it *domain.QueueItem, claimedAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = $3, scheduled_at = $4, last_error = $5, claimed_by = '', claimed_at = NULL,
		    completed_at = $6, updated_at = $7
		WHERE id = $1 AND status = 'processing' AND claimed_at = $2
	`, it.ID, claimedAt, string(it.Status), it.ScheduledAt, it.LastError, it.CompletedAt, it.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("release stale item: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *QueueRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM email_queue WHERE id IN (
			SELECT id FROM email_queue
			WHERE status IN ('sent', 'failed', 'cancelled') AND completed_at < $1
			LIMIT $2
		)
	`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("delete terminal items: %w", err)
	}
	return res.RowsAffected()
}
