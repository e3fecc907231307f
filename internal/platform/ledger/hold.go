package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

type HoldStatus string

const (
	HoldFrozen    HoldStatus = "FROZEN"
	HoldUnlocked  HoldStatus = "UNLOCKED"
	HoldReleased  HoldStatus = "RELEASED"
	HoldForfeited HoldStatus = "FORFEITED"
)

func (s HoldStatus) Valid() bool {
	switch s {
	case HoldFrozen, HoldUnlocked, HoldReleased, HoldForfeited:
		return true
	}
	return false
}

// Disposition reports whether s may close a FROZEN hold.
func (s HoldStatus) Disposition() bool {
	return s == HoldUnlocked || s == HoldReleased || s == HoldForfeited
}

// ReturnsFunds reports whether closing a hold with s credits the owner.
func (s HoldStatus) ReturnsFunds() bool {
	return s == HoldUnlocked || s == HoldReleased
}

// EntryKind is the closing entry written for a disposition.
func (s HoldStatus) EntryKind() EntryKind {
	switch s {
	case HoldUnlocked:
		return KindHoldUnlocked
	case HoldForfeited:
		return KindHoldForfeited
	default:
		return KindHoldReleased
	}
}

type HoldReason string

const (
	ReasonFeeTransferHold   HoldReason = "fee_transfer_hold"
	ReasonDepositRefundHold HoldReason = "deposit_refund_hold"
	ReasonDisputeHold       HoldReason = "dispute_hold"
	ReasonSystemHold        HoldReason = "system_hold"
)

func (r HoldReason) Valid() bool {
	switch r {
	case ReasonFeeTransferHold, ReasonDepositRefundHold, ReasonDisputeHold, ReasonSystemHold:
		return true
	}
	return false
}

// Hold explains why part of an account's frozen bucket is frozen. The
// bucket stays authoritative; the sum of FROZEN holds never exceeds it.
type Hold struct {
	ID           string
	AccountID    string
	Owner        Owner
	Amount       int64
	Reason       HoldReason
	Tag          string
	Status       HoldStatus
	UnlocksAt    time.Time
	UnlockedAt   *time.Time
	ClosedReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (h Hold) Validate() error {
	if h.Amount <= 0 {
		return ErrInvalidAmount
	}
	if !h.Reason.Valid() {
		return fmt.Errorf("%w: unknown hold reason %q", ErrInvalidArgument, h.Reason)
	}
	if h.UnlocksAt.IsZero() {
		return fmt.Errorf("%w: hold unlock time is required", ErrInvalidArgument)
	}
	return h.Owner.Validate()
}

// Due reports whether the hold is eligible for automatic unlock at now.
func (h Hold) Due(now time.Time) bool {
	return h.Status == HoldFrozen && !h.UnlocksAt.After(now)
}

func (h Hold) close(to HoldStatus, reason string, at time.Time) Hold {
	h.Status = to
	h.ClosedReason = reason
	h.UpdatedAt = at
	if to.ReturnsFunds() {
		closed := at
		h.UnlockedAt = &closed
	}
	return h
}

func (h Hold) clone() Hold {
	if h.UnlockedAt != nil {
		u := *h.UnlockedAt
		h.UnlockedAt = &u
	}
	return h
}

func (h Hold) Snapshot() []byte {
	b, _ := json.Marshal(map[string]any{
		"hold_id":    h.ID,
		"owner":      h.Owner.Key(),
		"amount":     h.Amount,
		"reason":     h.Reason,
		"tag":        h.Tag,
		"status":     h.Status,
		"unlocks_at": h.UnlocksAt,
	})
	return b
}

type HoldFilter struct {
	Owner  *Owner
	Status HoldStatus
	// UnlocksBefore selects holds whose unlock time is at or before it.
	UnlocksBefore time.Time
	Tag           string
	Limit         int
}

func (f HoldFilter) matches(h Hold) bool {
	if f.Owner != nil && h.Owner.Key() != f.Owner.Key() {
		return false
	}
	if f.Status != "" && h.Status != f.Status {
		return false
	}
	if !f.UnlocksBefore.IsZero() && h.UnlocksAt.After(f.UnlocksBefore) {
		return false
	}
	if f.Tag != "" && h.Tag != f.Tag {
		return false
	}
	return true
}
