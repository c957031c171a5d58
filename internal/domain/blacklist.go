package domain

import "time"

// BlacklistReason enumerates why a recipient is blocked.
type BlacklistReason string

const (
	ReasonHardBounce  BlacklistReason = "hard_bounce"
	ReasonComplaint   BlacklistReason = "spam_complaint"
	ReasonUnsubscribe BlacklistReason = "unsubscribe"
	ReasonInvalid     BlacklistReason = "invalid_address"
	ReasonManual      BlacklistReason = "manual"
)

// BlacklistSource indicates where the signal came from.
type BlacklistSource string

const (
	SourceProviderWebhook BlacklistSource = "provider_webhook"
	SourceDispatch        BlacklistSource = "dispatch"
	SourceManual          BlacklistSource = "manual"
	SourceImport          BlacklistSource = "import"
)

// BlacklistEntry blocks a recipient. An empty TenantID applies to every tenant.
type BlacklistEntry struct {
	ID        string          `json:"id" db:"id"`
	TenantID  string          `json:"tenant_id,omitempty" db:"tenant_id"`
	Email     string          `json:"email" db:"email"`
	MD5Hash   string          `json:"md5_hash" db:"md5_hash"`
	Reason    BlacklistReason `json:"reason" db:"reason"`
	Source    BlacklistSource `json:"source" db:"source"`
	Detail    string          `json:"detail,omitempty" db:"detail"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
