package governor

import "errors"

// Caller-facing error taxonomy. Store-level failures are absorbed as
// fail-open and never appear here.
var (
	// ErrInvalidIdentity marks a malformed client IP, rejected without any
	// store access.
	ErrInvalidIdentity = errors.New("governor: invalid identity")

	// ErrQuotaExceeded marks a sliding-window denial, retryable after reset.
	ErrQuotaExceeded = errors.New("governor: quota exceeded")

	// ErrIPBlocked marks an abuse-escalation block, retryable after expiry.
	ErrIPBlocked = errors.New("governor: ip blocked")
)

// Error codes carried in the JSON error body.
const (
	codeInvalidIdentity = "INVALID_IDENTITY"
	codeQuotaExceeded   = "QUOTA_EXCEEDED"
	codeIPBlocked       = "IP_BLOCKED"
)
