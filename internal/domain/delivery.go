package domain

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus is the outcome stored on a delivery record.
type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryCancelled DeliveryStatus = "cancelled"
	// Webhook-driven states appended after the local terminal transition.
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryBounced   DeliveryStatus = "bounced"
	DeliveryComplaint DeliveryStatus = "complained"
)

// DeliveryStatusFor maps a terminal queue status to the record status.
func DeliveryStatusFor(s QueueStatus) DeliveryStatus {
	switch s {
	case QueueSent:
		return DeliverySent
	case QueueCancelled:
		return DeliveryCancelled
	default:
		return DeliveryFailed
	}
}

// DeliveryEvent is one entry of a record's append-only history.
type DeliveryEvent struct {
	Type       string         `json:"type"`
	Status     DeliveryStatus `json:"status,omitempty"`
	Message    string         `json:"message,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// DeliveryRecord is the durable, at-most-one-per-queue-item outcome record.
// Webhook ingestion correlates on (Recipient, ProviderMessageID).
type DeliveryRecord struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	QueueItemID       uuid.UUID       `json:"queue_item_id" db:"queue_item_id"`
	TenantID          string          `json:"tenant_id" db:"tenant_id"`
	Recipient         string          `json:"recipient" db:"recipient"`
	Status            DeliveryStatus  `json:"status" db:"status"`
	ProviderID        string          `json:"provider_id,omitempty" db:"provider_id"`
	ProviderName      string          `json:"provider_name,omitempty" db:"provider_name"`
	ProviderKind      ProviderKind    `json:"provider_type,omitempty" db:"provider_kind"`
	ProviderMessageID string          `json:"provider_message_id,omitempty" db:"provider_message_id"`
	FromEmail         string          `json:"from_email,omitempty" db:"from_email"`
	ErrorKind         ErrorKind       `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMessage      string          `json:"error_message,omitempty" db:"error_message"`
	Events            []DeliveryEvent `json:"events"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}
