package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("invalid state")
	ErrInvalidInput        = errors.New("invalid input")
	ErrUnresolvedReference = errors.New("unresolved reference")
	ErrContractNotFound    = errors.New("contract not found")
	ErrAmountMismatch      = errors.New("paid amount does not match contract")
	// ErrDuplicate is returned by the store when a unique constraint rejects a write.
	ErrDuplicate = errors.New("duplicate")
)
