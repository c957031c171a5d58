package queue

import "errors"

// Sentinel errors for the queue service.
var (
	ErrNotFound       = errors.New("queue item not found")
	ErrAlreadyClaimed = errors.New("queue item is already being processed")
	ErrClaimLost      = errors.New("queue item claim lost")
	ErrNotCancellable = errors.New("only pending queue items can be cancelled")
	ErrRecordExists   = errors.New("delivery record already exists")
	ErrRuleNotFound   = errors.New("automation rule not found")
	// ErrSentNotFinalized means the provider accepted the message but its
	// outcome could not be written. The item is left PROCESSING.
	ErrSentNotFinalized = errors.New("message sent but outcome not finalized")
)
