package blacklist

import "errors"

// Sentinel errors for the blacklist service.
var (
	ErrNotFound     = errors.New("blacklist entry not found")
	ErrEmptyAddress = errors.New("email is required")
)
