package service

import "errors"

var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrInvalidAmount        = errors.New("amount must be greater than zero")
	ErrDepositLimitExceeded = errors.New("deposit amount exceeds 25% of outstanding work")
	ErrWorkNotFound         = errors.New("work record not found or access denied")
	ErrAlreadyPaid          = errors.New("work record is already paid")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrMissingKey           = errors.New("idempotency key is required")

	// ErrTxConflict reports a serialization or lock conflict that survived
	// the bounded retry loop. Callers may retry with the same idempotency
	// key; it is never a business rejection.
	ErrTxConflict = errors.New("transaction conflict, retry the request")
)
