package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalRejected   WithdrawalStatus = "rejected"
	WithdrawalCancelled  WithdrawalStatus = "cancelled"
)

func (s WithdrawalStatus) Valid() bool {
	switch s {
	case WithdrawalPending, WithdrawalProcessing, WithdrawalCompleted, WithdrawalRejected, WithdrawalCancelled:
		return true
	}
	return false
}

func (s WithdrawalStatus) Terminal() bool {
	return s == WithdrawalCompleted || s == WithdrawalRejected || s == WithdrawalCancelled
}

// CapStatuses are the states counted against the rolling daily cap.
var CapStatuses = []WithdrawalStatus{WithdrawalPending, WithdrawalProcessing, WithdrawalCompleted}

var withdrawalTransitions = map[WithdrawalStatus][]WithdrawalStatus{
	WithdrawalPending:    {WithdrawalProcessing, WithdrawalRejected, WithdrawalCancelled},
	WithdrawalProcessing: {WithdrawalCompleted, WithdrawalRejected},
}

// CanTransition reports whether the state machine allows from -> to.
// processing -> pending is deliberately absent.
func CanTransition(from, to WithdrawalStatus) bool {
	for _, next := range withdrawalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PayoutDetails is the destination snapshot taken at request time.
type PayoutDetails struct {
	Method        string `json:"method"`
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`
	BankCode      string `json:"bank_code,omitempty"`
}

func (p PayoutDetails) Validate() error {
	if strings.TrimSpace(p.Method) == "" {
		return fmt.Errorf("%w: payout method is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(p.AccountName) == "" || strings.TrimSpace(p.AccountNumber) == "" {
		return fmt.Errorf("%w: payout account name and number are required", ErrInvalidArgument)
	}
	return nil
}

type Withdrawal struct {
	ID           string
	UserID       string
	AccountID    string
	Amount       int64
	Status       WithdrawalStatus
	Payout       PayoutDetails
	EntryID      string
	ProcessedBy  string
	ProcessingAt *time.Time
	DecidedBy    string
	DecidedAt    *time.Time
	RejectReason string
	Note         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (w Withdrawal) Owner() Owner { return UserOwner(w.UserID) }

func (w Withdrawal) clone() Withdrawal {
	if w.ProcessingAt != nil {
		p := *w.ProcessingAt
		w.ProcessingAt = &p
	}
	if w.DecidedAt != nil {
		d := *w.DecidedAt
		w.DecidedAt = &d
	}
	return w
}

func (w Withdrawal) Snapshot() []byte {
	b, _ := json.Marshal(map[string]any{
		"withdrawal_id": w.ID,
		"user_id":       w.UserID,
		"amount":        w.Amount,
		"status":        w.Status,
		"entry_id":      w.EntryID,
	})
	return b
}

type WithdrawalFilter struct {
	UserID   string
	Statuses []WithdrawalStatus
	Limit    int
}

func (f WithdrawalFilter) matches(w Withdrawal) bool {
	if f.UserID != "" && w.UserID != f.UserID {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if s == w.Status {
				return true
			}
		}
		return false
	}
	return true
}
