// Package sending holds the provider transports (SMTP, SES, SendGrid,
// Brevo). Each transport implements Sender. The dispatcher obtains a Sender
// per attempt from Factory.SenderFor with the effective, already-merged
// provider configuration, so nothing here reads or mutates shared state on
// behalf of a tenant.
package sending

import (
	"context"

	"github.com/ignite/dispatch-engine/internal/domain"
)

// Sender sends a single email. Implementations must be safe for
// concurrent use.
//
// A non-nil error means the provider did not accept the message. Errors are
// left in their transport-specific shape (*textproto.Error, smithy.APIError,
// *HTTPError, net.Error, *ConfigError) for the error classifier.
type Sender interface {
	Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error)
}

// SenderFactory builds a Sender for a provider and effective config.
type SenderFactory interface {
	SenderFor(p *domain.Provider, cfg map[string]string) (Sender, error)
}
