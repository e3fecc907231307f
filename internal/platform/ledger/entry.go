package ledger

import (
	"fmt"
	"strings"
	"time"
)

type EntryKind string

const (
	KindDeposit       EntryKind = "deposit"
	KindWithdrawal    EntryKind = "withdrawal"
	KindPayment       EntryKind = "payment"
	KindRefund        EntryKind = "refund"
	KindPenalty       EntryKind = "penalty"
	KindTransferIn    EntryKind = "transfer_in"
	KindTransferOut   EntryKind = "transfer_out"
	KindHoldPlaced    EntryKind = "hold_placed"
	KindHoldReleased  EntryKind = "hold_released"
	KindHoldUnlocked  EntryKind = "hold_unlocked"
	KindHoldForfeited EntryKind = "hold_forfeited"
	KindSystemCredit  EntryKind = "system_credit"
	KindSystemDebit   EntryKind = "system_debit"
)

var entryKinds = map[EntryKind]struct{}{
	KindDeposit: {}, KindWithdrawal: {}, KindPayment: {}, KindRefund: {}, KindPenalty: {},
	KindTransferIn: {}, KindTransferOut: {}, KindHoldPlaced: {}, KindHoldReleased: {},
	KindHoldUnlocked: {}, KindHoldForfeited: {}, KindSystemCredit: {}, KindSystemDebit: {},
}

func (k EntryKind) Valid() bool {
	_, ok := entryKinds[k]
	return ok
}

type EntryStatus string

const (
	EntryPending EntryStatus = "pending"
	EntrySuccess EntryStatus = "success"
	EntryFailed  EntryStatus = "failed"
)

func (s EntryStatus) Valid() bool {
	return s == EntryPending || s == EntrySuccess || s == EntryFailed
}

func (s EntryStatus) Terminal() bool { return s == EntrySuccess || s == EntryFailed }

// Entry documents one balance-affecting event. Amount is a magnitude; Kind
// decides direction. Metadata is kept for troubleshooting only and is never
// read by ledger logic.
type Entry struct {
	ID            string
	Owner         Owner
	AccountID     string
	CorrelationID string
	Kind          EntryKind
	Amount        int64
	Status        EntryStatus
	Counterparty  Owner
	Reference     string
	Reason        string
	FailureReason string
	// ReflectsPending marks a pending deposit whose amount was added to the
	// pending bucket at creation.
	ReflectsPending bool
	Metadata        map[string]any
	CreatedAt       time.Time
	ProcessedAt     *time.Time
}

func (e Entry) Validate() error {
	if e.Amount <= 0 {
		return ErrInvalidAmount
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown entry kind %q", ErrInvalidArgument, e.Kind)
	}
	if !e.Status.Valid() {
		return fmt.Errorf("%w: unknown entry status %q", ErrInvalidArgument, e.Status)
	}
	if e.Owner.IsZero() {
		return fmt.Errorf("%w: entry owner is required", ErrInvalidOwner)
	}
	if e.ReflectsPending && e.Status != EntryPending {
		return fmt.Errorf("%w: pending reflection requires a pending entry", ErrInvalidArgument)
	}
	if strings.TrimSpace(e.CorrelationID) != e.CorrelationID {
		return fmt.Errorf("%w: correlation id has surrounding whitespace", ErrInvalidArgument)
	}
	return nil
}

// Finalize moves a pending entry to success or failed. Terminal entries are
// immutable.
func (e Entry) Finalize(status EntryStatus, failureReason string, at time.Time) (Entry, error) {
	if e.Status.Terminal() {
		return e, fmt.Errorf("%w: %s is %s", ErrEntryFinalized, e.ID, e.Status)
	}
	if !status.Terminal() {
		return e, fmt.Errorf("%w: cannot finalize to %s", ErrInvalidTransition, status)
	}
	e.Status = status
	if status == EntryFailed {
		e.FailureReason = failureReason
	}
	processed := at
	e.ProcessedAt = &processed
	return e, nil
}

func cloneMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (e Entry) clone() Entry {
	e.Metadata = cloneMetadata(e.Metadata)
	if e.ProcessedAt != nil {
		p := *e.ProcessedAt
		e.ProcessedAt = &p
	}
	return e
}

type EntryFilter struct {
	Owner         *Owner
	Kinds         []EntryKind
	Statuses      []EntryStatus
	From          time.Time
	To            time.Time
	CorrelationID string
	Reference     string
	Limit         int
	Offset        int
}

func (f EntryFilter) matches(e Entry) bool {
	if f.Owner != nil && e.Owner.Key() != f.Owner.Key() {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, e.Kind) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, e.Status) {
		return false
	}
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.CreatedAt.Before(f.To) {
		return false
	}
	if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
		return false
	}
	if f.Reference != "" && e.Reference != f.Reference {
		return false
	}
	return true
}

func containsKind(kinds []EntryKind, k EntryKind) bool {
	for _, v := range kinds {
		if v == k {
			return true
		}
	}
	return false
}

func containsStatus(statuses []EntryStatus, s EntryStatus) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}
