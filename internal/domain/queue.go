package domain

import (
	"time"

	"github.com/google/uuid"
)

// QueueStatus is the lifecycle state of a queued message.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueSent       QueueStatus = "sent"
	QueueFailed     QueueStatus = "failed"
	QueueCancelled  QueueStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s QueueStatus) IsTerminal() bool {
	return s == QueueSent || s == QueueFailed || s == QueueCancelled
}

// QueueItem is a single outbound message. It is owned exclusively by the
// queue processor between claim and terminal transition.
type QueueItem struct {
	ID             uuid.UUID         `json:"id" db:"id"`
	TenantID       string            `json:"tenant_id" db:"tenant_id"`
	RuleID         string            `json:"rule_id,omitempty" db:"rule_id"`
	Recipient      string            `json:"recipient" db:"recipient"`
	Subject        string            `json:"subject" db:"subject"`
	HTMLContent    string            `json:"html_content" db:"html_content"`
	TextContent    string            `json:"text_content" db:"text_content"`
	FromName       string            `json:"from_name,omitempty" db:"from_name"`
	FromOverride   string            `json:"from_override,omitempty" db:"from_override"`
	ReplyTo        string            `json:"reply_to,omitempty" db:"reply_to"`
	Context        map[string]any    `json:"context,omitempty" db:"context"`
	Headers        map[string]string `json:"headers,omitempty" db:"headers"`
	Priority       int               `json:"priority" db:"priority"`
	ScheduledAt    time.Time         `json:"scheduled_at" db:"scheduled_at"`
	Attempts       int               `json:"attempts" db:"attempts"`
	MaxRetries     int               `json:"max_retries" db:"max_retries"`
	ProviderID     string            `json:"provider_id,omitempty" db:"provider_id"`
	Status         QueueStatus       `json:"status" db:"status"`
	SkipValidation bool              `json:"skip_validation" db:"skip_validation"`
	LastError      string            `json:"last_error,omitempty" db:"last_error"`
	ClaimedBy      string            `json:"claimed_by,omitempty" db:"claimed_by"`
	ClaimedAt      *time.Time        `json:"claimed_at,omitempty" db:"claimed_at"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	// SentAt marks a delivered message whose outcome is not recorded yet.
	SentAt            *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	SentProviderID    string     `json:"sent_provider_id,omitempty" db:"sent_provider_id"`
	ProviderMessageID string     `json:"provider_message_id,omitempty" db:"provider_message_id"`
}
