package ledger

import (
	"context"
	"time"
)

// Store is the persistence boundary of the ledger. Reads outside a Tx see
// committed state only. Every mutation goes through a Tx.
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	GetAccount(ctx context.Context, owner Owner) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	GetEntry(ctx context.Context, id string) (Entry, error)
	EntryByCorrelation(ctx context.Context, correlationID string) (Entry, error)
	ListEntries(ctx context.Context, f EntryFilter) ([]Entry, error)
	GetHold(ctx context.Context, id string) (Hold, error)
	ListHolds(ctx context.Context, f HoldFilter) ([]Hold, error)
	GetWithdrawal(ctx context.Context, id string) (Withdrawal, error)
	ListWithdrawals(ctx context.Context, f WithdrawalFilter) ([]Withdrawal, error)
}

// Tx is one atomic unit of work. Either every write staged through it is
// committed or none is.
//
// Accounts must be locked before they are read or written. Lock takes the
// per-account serialization primitive of the backend in ascending owner-key
// order; a later Lock call may only add keys above those already held. User
// accounts are created on first lock; the system account must already exist.
//
// Hold, withdrawal and entry writes require the lock of the account they
// belong to, which is what makes ClaimHold and UpdateWithdrawal safe against
// concurrent writers.
type Tx interface {
	Lock(ctx context.Context, owners ...Owner) error
	Account(owner Owner) (Account, error)
	PutAccount(ctx context.Context, a Account) error
	CreateSystemAccount(ctx context.Context, id string, now time.Time) (Account, error)

	InsertEntry(ctx context.Context, e Entry) error
	Entry(ctx context.Context, id string) (Entry, error)
	UpdateEntry(ctx context.Context, e Entry) error

	InsertHold(ctx context.Context, h Hold) error
	Hold(ctx context.Context, id string) (Hold, error)
	// ClaimHold transitions a FROZEN hold to `to` in one step. It reports
	// false, with no error, when the hold had already left FROZEN.
	ClaimHold(ctx context.Context, id string, to HoldStatus, reason string, at time.Time) (Hold, bool, error)
	FrozenHoldTotal(ctx context.Context, accountID string) (int64, error)

	InsertWithdrawal(ctx context.Context, w Withdrawal) error
	Withdrawal(ctx context.Context, id string) (Withdrawal, error)
	// UpdateWithdrawal writes w only if the stored status is still from.
	UpdateWithdrawal(ctx context.Context, w Withdrawal, from WithdrawalStatus) (bool, error)
	SumWithdrawals(ctx context.Context, userID string, since time.Time, statuses []WithdrawalStatus) (int64, error)

	Commit(ctx context.Context) error
	Rollback() error
}
