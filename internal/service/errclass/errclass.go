// Package errclass maps transport errors onto the provider-agnostic
// ErrorKind taxonomy. Each transport family has its own pattern set; the
// result never depends on the caller knowing which family produced it.
package errclass

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"syscall"

	"github.com/aws/smithy-go"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/service/sending"
)

// Classification is the normalized view of one failed send.
type Classification struct {
	Kind        domain.ErrorKind `json:"kind"`
	Retryable   bool             `json:"retryable"`
	UserMessage string           `json:"user_message"`
	Detail      string           `json:"detail,omitempty"`
}

var userMessages = map[domain.ErrorKind]string{
	domain.ErrVerificationRequired:    "Sender address or domain is not verified with the provider.",
	domain.ErrQuotaExceeded:           "Provider sending quota or rate exceeded; try again later.",
	domain.ErrRecipientBlacklisted:    "Recipient is on a suppression list.",
	domain.ErrInvalidRecipient:        "Recipient address is invalid.",
	domain.ErrProviderConfig:          "Provider credentials or settings are invalid.",
	domain.ErrProviderConnection:      "Could not reach the provider.",
	domain.ErrUnknown:                 "Unexpected provider error.",
	domain.ErrNoProviderConfigured:    "No email provider is configured for this tenant.",
	domain.ErrRateLimited:             "Sending limit reached for this tenant or provider.",
	domain.ErrCancelledBeforeDispatch: "Message was cancelled before dispatch.",
}

// New builds a Classification with the default retry verdict and message
// for kind.
func New(kind domain.ErrorKind, detail string) Classification {
	return Classification{
		Kind:        kind,
		Retryable:   kind.Retryable(),
		UserMessage: userMessages[kind],
		Detail:      detail,
	}
}

// Classify inspects err as produced by a sender of the given kind.
func Classify(kind domain.ProviderKind, err error) Classification {
	if err == nil {
		return Classification{}
	}
	detail := err.Error()

	var cfgErr *sending.ConfigError
	if errors.As(err, &cfgErr) {
		return New(domain.ErrProviderConfig, detail)
	}

	var k domain.ErrorKind
	switch kind {
	case domain.ProviderSMTP, domain.ProviderInternal:
		k = classifySMTP(err)
	case domain.ProviderSES:
		k = classifySES(err)
	case domain.ProviderSendGrid, domain.ProviderBrevo:
		k = classifyHTTP(err)
	}
	if k == "" {
		k = classifyNetwork(err)
	}
	if k == "" {
		k = classifyText(strings.ToLower(detail))
	}
	if k == "" {
		k = domain.ErrUnknown
	}
	return New(k, detail)
}

func classifyNetwork(err error) domain.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return domain.ErrProviderConnection
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.ErrProviderConnection
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return domain.ErrProviderConnection
	}
	return ""
}

// SMTP reply codes per RFC 5321 and the enhanced status codes of RFC 3463.
func classifySMTP(err error) domain.ErrorKind {
	var tp *textproto.Error
	if !errors.As(err, &tp) {
		return ""
	}
	msg := strings.ToLower(tp.Msg)
	switch tp.Code {
	case 421, 450, 451, 452:
		if containsAny(msg, "quota", "rate", "too many", "throttl", "try again later") {
			return domain.ErrQuotaExceeded
		}
		return domain.ErrProviderConnection
	case 530, 534, 535, 538:
		return domain.ErrProviderConfig
	case 550, 551, 553:
		if k := classifyText(msg); k != "" {
			return k
		}
		return domain.ErrInvalidRecipient
	case 552:
		return domain.ErrQuotaExceeded
	case 554:
		if k := classifyText(msg); k != "" {
			return k
		}
		return domain.ErrUnknown
	}
	if tp.Code >= 400 && tp.Code < 500 {
		return domain.ErrProviderConnection
	}
	return classifyText(msg)
}

var sesCodes = map[string]domain.ErrorKind{
	"MailFromDomainNotVerifiedException": domain.ErrVerificationRequired,
	"AccountSuspendedException":          domain.ErrProviderConfig,
	"SendingPausedException":             domain.ErrProviderConfig,
	"TooManyRequestsException":           domain.ErrQuotaExceeded,
	"LimitExceededException":             domain.ErrQuotaExceeded,
	"Throttling":                         domain.ErrQuotaExceeded,
	"ThrottlingException":                domain.ErrQuotaExceeded,
	"NotFoundException":                  domain.ErrProviderConfig,
	"UnrecognizedClientException":        domain.ErrProviderConfig,
	"InvalidClientTokenId":               domain.ErrProviderConfig,
	"SignatureDoesNotMatch":              domain.ErrProviderConfig,
	"AccessDeniedException":              domain.ErrProviderConfig,
	"InternalFailure":                    domain.ErrProviderConnection,
	"ServiceUnavailable":                 domain.ErrProviderConnection,
}

func classifySES(err error) domain.ErrorKind {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return ""
	}
	code := apiErr.ErrorCode()
	if k, ok := sesCodes[code]; ok {
		return k
	}
	msg := strings.ToLower(apiErr.ErrorMessage())
	switch code {
	case "MessageRejected":
		if k := classifyText(msg); k != "" {
			return k
		}
		return domain.ErrInvalidRecipient
	case "BadRequestException":
		if k := classifyText(msg); k != "" {
			return k
		}
		return domain.ErrInvalidRecipient
	}
	return classifyText(msg)
}

func classifyHTTP(err error) domain.ErrorKind {
	var httpErr *sending.HTTPError
	if !errors.As(err, &httpErr) {
		return ""
	}
	body := strings.ToLower(httpErr.Body)
	switch {
	case httpErr.StatusCode == http.StatusTooManyRequests:
		return domain.ErrQuotaExceeded
	case httpErr.StatusCode == http.StatusUnauthorized:
		return domain.ErrProviderConfig
	case httpErr.StatusCode == http.StatusForbidden:
		if k := classifyText(body); k == domain.ErrVerificationRequired {
			return k
		}
		return domain.ErrProviderConfig
	case httpErr.StatusCode >= 500:
		return domain.ErrProviderConnection
	case httpErr.StatusCode == http.StatusBadRequest:
		if k := classifyText(body); k != "" {
			return k
		}
		return domain.ErrInvalidRecipient
	}
	return classifyText(body)
}

// classifyText matches message substrings shared by every family.
func classifyText(msg string) domain.ErrorKind {
	switch {
	case containsAny(msg, "not verified", "unverified", "verify your", "sender identity", "domain not verified", "does not match a verified"):
		return domain.ErrVerificationRequired
	case containsAny(msg, "blacklist", "blocklist", "suppress", "unsubscribed", "spam complaint"):
		return domain.ErrRecipientBlacklisted
	case containsAny(msg, "quota", "rate limit", "rate exceeded", "too many", "throttl", "daily limit", "maximum sending"):
		return domain.ErrQuotaExceeded
	case containsAny(msg, "invalid recipient", "invalid email", "invalid address", "user unknown", "mailbox unavailable", "no such user", "does not exist", "recipient address rejected", "illegal address"):
		return domain.ErrInvalidRecipient
	case containsAny(msg, "authentication", "invalid api key", "api key", "unauthorized", "credentials", "permission denied", "forbidden"):
		return domain.ErrProviderConfig
	case containsAny(msg, "connection refused", "connection reset", "timeout", "timed out", "no such host", "eof", "broken pipe", "network is unreachable"):
		return domain.ErrProviderConnection
	}
	return ""
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
