package ports

import "errors"

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these so callers can
// branch on kind with errors.Is instead of matching strings.
var (
	// Validation errors: rejected immediately, no state change.
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidRequest = errors.New("invalid request parameters or format")

	// Conflict errors: a race was lost or the request is a duplicate.
	ErrTradeAlreadyCompleted = errors.New("trade already completed")
	ErrAlreadyLocked         = errors.New("withdrawal already locked")
	ErrAlreadyApproved       = errors.New("withdrawal already approved")
	ErrAlreadyRejected       = errors.New("withdrawal already rejected")
	ErrInvalidStatus         = errors.New("illegal status transition")

	// Resource errors: business-rule rejections, no state change.
	ErrTradeNotFound       = errors.New("trade not found")
	ErrWithdrawalNotFound  = errors.New("withdrawal not found")
	ErrInsufficientBalance = errors.New("insufficient balance")

	// Transient infrastructure errors: safe for the caller to retry.
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrPriceUnavailable   = errors.New("reference price unavailable")
)
