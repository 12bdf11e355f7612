package services

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Error taxonomy. Validation, not-found and insufficient-funds failures are
// detected before any mutation and are never retried; database failures are
// transient and eligible for the batch retry/recovery policy.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrDatabase          = errors.New("database error")
)

// ErrAlreadyDistributed reports a distribution whose batch had already
// reached completed; the re-run rolled back without crediting anything.
var ErrAlreadyDistributed = errors.New("batch already distributed")

func validationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFoundErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func errInsufficientf(have, need decimal.Decimal) error {
	return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, have, need)
}

// dbError wraps a storage failure so callers never see driver detail,
// while keeping the cause in the chain for logs.
func dbError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrDatabase, op, err)
}
