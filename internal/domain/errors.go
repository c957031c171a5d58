package domain

// ErrorKind is the provider-agnostic failure taxonomy.
type ErrorKind string

const (
	ErrVerificationRequired    ErrorKind = "verification_required"
	ErrQuotaExceeded           ErrorKind = "quota_exceeded"
	ErrRecipientBlacklisted    ErrorKind = "recipient_blacklisted"
	ErrInvalidRecipient        ErrorKind = "invalid_recipient"
	ErrProviderConfig          ErrorKind = "provider_config_error"
	ErrProviderConnection      ErrorKind = "provider_connection_error"
	ErrUnknown                 ErrorKind = "unknown"
	ErrNoProviderConfigured    ErrorKind = "no_provider"
	ErrRateLimited             ErrorKind = "rate_limited"
	ErrCancelledBeforeDispatch ErrorKind = "cancelled"
)

// Retryable reports the default outer-retry verdict for the kind.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrQuotaExceeded, ErrProviderConnection, ErrUnknown:
		return true
	}
	return false
}
