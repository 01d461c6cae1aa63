package escrow

import "errors"

// Failure taxonomy surfaced to callers of the settlement operations. Every
// violated precondition is detected before any state mutation, so a returned
// error implies zero observable side effects.
var (
	// ErrUnauthorized marks a caller that is not the role required by the
	// operation.
	ErrUnauthorized = errors.New("escrow: unauthorized caller")
	// ErrInvalidState marks an unmet precondition on the listing lifecycle
	// (listed flag, inspection outcome, recorded approvals).
	ErrInvalidState = errors.New("escrow: invalid listing state")
	// ErrInsufficientFunds marks an attached or pooled amount below the
	// required threshold.
	ErrInsufficientFunds = errors.New("escrow: insufficient funds")
	// ErrUnknownListing marks an operation referencing a token id that was
	// never listed.
	ErrUnknownListing = errors.New("escrow: unknown listing")
)

var (
	errNilState    = errors.New("escrow engine: state not configured")
	errNilRegistry = errors.New("escrow engine: registry not configured")
)
