package domain

import "time"

// ProviderKind identifies the transport a provider sends through.
type ProviderKind string

const (
	ProviderSMTP     ProviderKind = "smtp"
	ProviderSES      ProviderKind = "ses"
	ProviderSendGrid ProviderKind = "sendgrid"
	ProviderBrevo    ProviderKind = "brevo"
	// ProviderInternal is the platform-operated SMTP relay.
	ProviderInternal ProviderKind = "internal"
)

// Valid reports whether k is a known provider kind.
func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderSMTP, ProviderSES, ProviderSendGrid, ProviderBrevo, ProviderInternal:
		return true
	}
	return false
}

// EmailMessage is the fully-rendered message handed to a provider transport.
// By the time a message reaches this struct, template rendering is complete
// and the sender address has been resolved.
type EmailMessage struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id"`
	To          string            `json:"to"`
	FromName    string            `json:"from_name"`
	FromEmail   string            `json:"from_email"`
	ReplyTo     string            `json:"reply_to"`
	Subject     string            `json:"subject"`
	HTMLContent string            `json:"html_content"`
	TextContent string            `json:"text_content"`
	Headers     map[string]string `json:"headers,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// SendResult is returned by a provider transport after a delivery attempt.
type SendResult struct {
	MessageID string       `json:"message_id"`
	Kind      ProviderKind `json:"provider_type"`
	SentAt    time.Time    `json:"sent_at"`
	// Raw is the provider's response payload, kept for the delivery record.
	Raw string `json:"raw,omitempty"`
}
