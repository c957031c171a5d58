package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/service/queue"
)

const recordColumns = `id, queue_item_id, tenant_id, recipient, status, provider_id, provider_name,
	provider_kind, provider_message_id, from_email, error_kind, error_message, events, created_at, updated_at`

func scanRecord(s scanner) (*domain.DeliveryRecord, error) {
	rec := &domain.DeliveryRecord{}
	var events []byte
	err := s.Scan(&rec.ID, &rec.QueueItemID, &rec.TenantID, &rec.Recipient, &rec.Status, &rec.ProviderID,
		&rec.ProviderName, &rec.ProviderKind, &rec.ProviderMessageID, &rec.FromEmail, &rec.ErrorKind,
		&rec.ErrorMessage, &events, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := scanJSON(events, &rec.Events); err != nil {
		return nil, fmt.Errorf("decode events of record %s: %w", rec.ID, err)
	}
	return rec, nil
}

// DeliveryRepo implements queue.DeliveryRecords against PostgreSQL. The
// unique index on queue_item_id enforces one record per item.
type DeliveryRepo struct{ db *sql.DB }

var _ queue.DeliveryRecords = (*DeliveryRepo)(nil)

// NewDeliveryRepo creates a Postgres-backed delivery record repository.
func NewDeliveryRepo(db *sql.DB) *DeliveryRepo { return &DeliveryRepo{db: db} }

func (r *DeliveryRepo) GetByQueueItem(ctx context.Context, queueItemID uuid.UUID) (*domain.DeliveryRecord, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM delivery_records WHERE queue_item_id = $1`, queueItemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery record: %w", err)
	}
	return rec, nil
}

func (r *DeliveryRepo) Create(ctx context.Context, rec *domain.DeliveryRecord) error {
	events, err := json.Marshal(rec.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO delivery_records (id, queue_item_id, tenant_id, recipient, status, provider_id, provider_name,
			provider_kind, provider_message_id, from_email, error_kind, error_message, events, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, rec.ID, rec.QueueItemID, rec.TenantID, rec.Recipient, string(rec.Status), rec.ProviderID, rec.ProviderName,
		string(rec.ProviderKind), rec.ProviderMessageID, rec.FromEmail, string(rec.ErrorKind), rec.ErrorMessage,
		string(events), rec.CreatedAt, rec.UpdatedAt)
	if isUniqueViolation(err) {
		return queue.ErrRecordExists
	}
	if err != nil {
		return fmt.Errorf("create delivery record: %w", err)
	}
	return nil
}

func (r *DeliveryRepo) Update(ctx context.Context, rec *domain.DeliveryRecord, ev domain.DeliveryEvent) error {
	appended, err := json.Marshal([]domain.DeliveryEvent{ev})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET status = $2, provider_id = $3, provider_name = $4, provider_kind = $5, provider_message_id = $6,
		    from_email = $7, error_kind = $8, error_message = $9, events = events || $10::jsonb, updated_at = $11
		WHERE queue_item_id = $1
	`, rec.QueueItemID, string(rec.Status), rec.ProviderID, rec.ProviderName, string(rec.ProviderKind),
		rec.ProviderMessageID, rec.FromEmail, string(rec.ErrorKind), rec.ErrorMessage, string(appended), rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update delivery record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return queue.ErrNotFound
	}
	return nil
}

// AppendEvent adds ev to the newest record matching the correlation key.
// A non-empty ev.Status also becomes the record's status.
func (r *DeliveryRepo) AppendEvent(ctx context.Context, recipient, providerMessageID string, ev domain.DeliveryEvent) (*domain.DeliveryRecord, error) {
	appended, err := json.Marshal([]domain.DeliveryEvent{ev})
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	rec, err := scanRecord(r.db.QueryRowContext(ctx, `
		UPDATE delivery_records
		SET events = events || $3::jsonb, status = COALESCE(NULLIF($4, ''), status), updated_at = $5
		WHERE id = (
			SELECT id FROM delivery_records
			WHERE lower(recipient) = lower($1) AND provider_message_id = $2
			ORDER BY created_at DESC
			LIMIT 1
		)
		RETURNING `+recordColumns,
		recipient, providerMessageID, string(appended), string(ev.Status), ev.OccurredAt))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queue.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("append delivery event: %w", err)
	}
	return rec, nil
}

func (r *DeliveryRepo) FindByMessageID(ctx context.Context, recipient, providerMessageID string) (*domain.DeliveryRecord, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM delivery_records
		WHERE lower(recipient) = lower($1) AND provider_message_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, recipient, providerMessageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find delivery record: %w", err)
	}
	return rec, nil
}
