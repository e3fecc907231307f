package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount        = errors.New("amount must be > 0")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrInvalidOwner         = errors.New("invalid account owner")
	ErrUnknownBucket        = errors.New("unknown balance bucket")
	ErrEmptyTransfer        = errors.New("transfer has no legs")
	ErrUnbalancedTransfer   = errors.New("internal transfer legs do not sum to zero")
	ErrAccountNotFound      = errors.New("account not found")
	ErrAccountBlocked       = errors.New("account status blocks debit")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrEntryNotFound        = errors.New("ledger entry not found")
	ErrEntryFinalized       = errors.New("ledger entry already finalized")
	ErrDuplicateCorrelation = errors.New("correlation id already recorded")
	ErrHoldNotFound         = errors.New("escrow hold not found")
	ErrInvalidDisposition   = errors.New("invalid hold disposition")
	ErrWithdrawalNotFound   = errors.New("withdrawal request not found")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrInvalidRange         = errors.New("invalid query range")
	ErrSystemAccountExists  = errors.New("system account already exists")
	ErrNotLocked            = errors.New("account is not locked by this transaction")
	ErrLockOrder            = errors.New("accounts must be locked in ascending key order")
	ErrTxDone               = errors.New("transaction already committed or rolled back")

	// ErrConflict is returned by stores when a concurrent writer won; the
	// engine retries it a bounded number of times.
	ErrConflict = errors.New("transient conflict on concurrent mutation")

	// ErrIntegrity marks a violated ledger invariant. It is never retried
	// and never repaired in place.
	ErrIntegrity = errors.New("ledger integrity violation")
)

// IntegrityError carries the account and detail of a violated invariant.
type IntegrityError struct {
	AccountKey string
	Detail     string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger integrity violation on %s: %s", e.AccountKey, e.Detail)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

func integrity(accountKey, format string, args ...any) error {
	return &IntegrityError{AccountKey: accountKey, Detail: fmt.Sprintf(format, args...)}
}

// Class buckets errors into how a caller should react to them.
type Class int

const (
	ClassNone Class = iota
	ClassValidation
	ClassNotFound
	ClassConflict
	ClassIntegrity
	ClassInternal
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassValidation:
		return "validation"
	case ClassNotFound:
		return "not_found"
	case ClassConflict:
		return "conflict"
	case ClassIntegrity:
		return "integrity"
	default:
		return "internal"
	}
}

var validationErrors = []error{
	ErrInvalidAmount,
	ErrInvalidArgument,
	ErrInvalidOwner,
	ErrUnknownBucket,
	ErrEmptyTransfer,
	ErrUnbalancedTransfer,
	ErrAccountBlocked,
	ErrInsufficientFunds,
	ErrEntryFinalized,
	ErrDuplicateCorrelation,
	ErrInvalidDisposition,
	ErrInvalidTransition,
	ErrInvalidRange,
	ErrSystemAccountExists,
}

var notFoundErrors = []error{
	ErrAccountNotFound,
	ErrEntryNotFound,
	ErrHoldNotFound,
	ErrWithdrawalNotFound,
}

// Classify maps err onto the ledger error taxonomy. Errors defined by other
// packages can join a class by wrapping one of the sentinels above.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, ErrIntegrity) {
		return ClassIntegrity
	}
	if errors.Is(err, ErrConflict) {
		return ClassConflict
	}
	for _, target := range notFoundErrors {
		if errors.Is(err, target) {
			return ClassNotFound
		}
	}
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return ClassValidation
		}
	}
	return ClassInternal
}
