package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/ledger"
	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/notify"
	"go.uber.org/zap"
)

var (
	ErrBelowMinimum     = fmt.Errorf("%w: withdrawal below minimum", ledger.ErrInvalidAmount)
	ErrAboveMaximum     = fmt.Errorf("%w: withdrawal above maximum", ledger.ErrInvalidAmount)
	ErrDailyCapExceeded = fmt.Errorf("%w: daily withdrawal cap exceeded", ledger.ErrInvalidArgument)
	ErrForbidden        = fmt.Errorf("%w: actor may not act on this withdrawal", ledger.ErrInvalidArgument)
)

type WithdrawalPolicy struct {
	MinAmount int64
	MaxAmount int64
	DailyCap  int64
	Window    time.Duration
}

func DefaultWithdrawalPolicy() WithdrawalPolicy {
	return WithdrawalPolicy{
		MinAmount: 10_000,
		MaxAmount: 50_000_000,
		DailyCap:  100_000_000,
		Window:    24 * time.Hour,
	}
}

type WithdrawalResult struct {
	Withdrawal       ledger.Withdrawal
	AlreadyProcessed bool
}

type WithdrawalService struct {
	engine  *ledger.Engine
	log     *zap.Logger
	metrics *Metrics
	policy  WithdrawalPolicy
}

func NewWithdrawalService(engine *ledger.Engine, policy WithdrawalPolicy, metrics *Metrics) *WithdrawalService {
	if policy.Window <= 0 {
		policy.Window = 24 * time.Hour
	}
	return &WithdrawalService{engine: engine, log: engine.Logger().Named("withdrawal"), metrics: metrics, policy: policy}
}

func (s *WithdrawalService) Policy() WithdrawalPolicy { return s.policy }

func (s *WithdrawalService) checkAmount(amount int64) error {
	if amount <= 0 {
		return ledger.ErrInvalidAmount
	}
	if s.policy.MinAmount > 0 && amount < s.policy.MinAmount {
		return fmt.Errorf("%w: %d < %d", ErrBelowMinimum, amount, s.policy.MinAmount)
	}
	if s.policy.MaxAmount > 0 && amount > s.policy.MaxAmount {
		return fmt.Errorf("%w: %d > %d", ErrAboveMaximum, amount, s.policy.MaxAmount)
	}
	return nil
}

// RequestWithdrawal reserves amount in the user's frozen bucket and opens a
// pending request carrying a copy of the payout details.
func (s *WithdrawalService) RequestWithdrawal(ctx context.Context, userID string, amount int64, payout ledger.PayoutDetails) (ledger.Withdrawal, error) {
	owner := ledger.UserOwner(strings.TrimSpace(userID))
	if err := owner.Validate(); err != nil {
		return ledger.Withdrawal{}, err
	}
	if err := s.checkAmount(amount); err != nil {
		return ledger.Withdrawal{}, err
	}
	if err := payout.Validate(); err != nil {
		return ledger.Withdrawal{}, err
	}

	var out ledger.Withdrawal
	op := ledger.Op{Action: "request_withdrawal", Actor: resolveActor(ctx, ledger.Actor{ID: owner.ID, Type: "user"})}
	err := s.engine.Execute(ctx, op, func(u *ledger.Unit) error {
		if err := u.Lock(ctx, owner); err != nil {
			return err
		}
		if s.policy.DailyCap > 0 {
			used, err := u.Tx().SumWithdrawals(ctx, owner.ID, u.Now().Add(-s.policy.Window), ledger.CapStatuses)
			if err != nil {
				return err
			}
			if used+amount > s.policy.DailyCap {
				return fmt.Errorf("%w: %d already requested in window, cap %d", ErrDailyCapExceeded, used, s.policy.DailyCap)
			}
		}
		if err := u.Apply(ctx, []ledger.Leg{
			ledger.Debit(owner, ledger.BucketAvailable, amount),
			ledger.Credit(owner, ledger.BucketFrozen, amount),
		}, false); err != nil {
			return err
		}
		acct, err := u.Account(owner)
		if err != nil {
			return err
		}
		w := ledger.Withdrawal{
			ID:        uuid.NewString(),
			UserID:    owner.ID,
			AccountID: acct.ID,
			Amount:    amount,
			Status:    ledger.WithdrawalPending,
			Payout:    payout,
			CreatedAt: u.Now(),
			UpdatedAt: u.Now(),
		}
		entry, err := u.Record(ctx, ledger.Entry{
			Owner:        owner,
			Kind:         ledger.KindWithdrawal,
			Amount:       amount,
			Status:       ledger.EntryPending,
			Counterparty: ledger.ExternalOwner(payout.Method),
			Reference:    w.ID,
			Metadata:     map[string]any{"payout_method": payout.Method},
		})
		if err != nil {
			return err
		}
		w.EntryID = entry.ID
		if err := u.Tx().InsertWithdrawal(ctx, w); err != nil {
			return err
		}
		u.Audit("withdrawal", w.ID, "withdrawal_requested", nil, w.Snapshot())
		out = w
		return nil
	})
	if err != nil {
		return ledger.Withdrawal{}, err
	}
	s.metrics.ObserveWithdrawal(ledger.WithdrawalPending)
	return out, nil
}

// CancelWithdrawal is the requester's own reversal of a pending request.
func (s *WithdrawalService) CancelWithdrawal(ctx context.Context, id, userID string) (WithdrawalResult, error) {
	actor := resolveActor(ctx, ledger.Actor{ID: userID, Type: "user"})
	return s.transition(ctx, id, ledger.WithdrawalCancelled, actor, "", func(w ledger.Withdrawal) error {
		if w.UserID != userID {
			return ErrForbidden
		}
		return nil
	})
}

// SetWithdrawalStatus is the administrative path: processing, completed or
// rejected. Cancellation belongs to the requester.
func (s *WithdrawalService) SetWithdrawalStatus(ctx context.Context, id string, admin ledger.Actor, to ledger.WithdrawalStatus, note string) (WithdrawalResult, error) {
	switch to {
	case ledger.WithdrawalProcessing, ledger.WithdrawalCompleted, ledger.WithdrawalRejected:
	default:
		return WithdrawalResult{}, fmt.Errorf("%w: administrators cannot set %q", ledger.ErrInvalidTransition, to)
	}
	return s.transition(ctx, id, to, resolveActor(ctx, admin), note, nil)
}

func (s *WithdrawalService) transition(ctx context.Context, id string, to ledger.WithdrawalStatus, actor ledger.Actor, note string, authorize func(ledger.Withdrawal) error) (WithdrawalResult, error) {
	current, err := s.engine.Store().GetWithdrawal(ctx, id)
	if err != nil {
		return WithdrawalResult{}, err
	}
	if authorize != nil {
		if err := authorize(current); err != nil {
			return WithdrawalResult{}, err
		}
	}

	var out WithdrawalResult
	op := ledger.Op{Action: "withdrawal_" + string(to), Actor: actor}
	err = s.engine.Execute(ctx, op, func(u *ledger.Unit) error {
		out = WithdrawalResult{}
		owner := current.Owner()
		if err := u.Lock(ctx, owner); err != nil {
			return err
		}
		w, err := u.Tx().Withdrawal(ctx, id)
		if err != nil {
			return err
		}
		if w.Status == to && to.Terminal() {
			out = WithdrawalResult{Withdrawal: w, AlreadyProcessed: true}
			return nil
		}
		if !ledger.CanTransition(w.Status, to) {
			return fmt.Errorf("%w: withdrawal %s is %s, cannot become %s", ledger.ErrInvalidTransition, w.ID, w.Status, to)
		}

		from := w.Status
		next := w
		next.Status = to
		next.UpdatedAt = u.Now()
		now := u.Now()
		switch to {
		case ledger.WithdrawalProcessing:
			next.ProcessedBy = actor.ID
			next.ProcessingAt = &now
		case ledger.WithdrawalCompleted:
			next.DecidedBy = actor.ID
			next.DecidedAt = &now
			if err := u.Apply(ctx, []ledger.Leg{
				ledger.Debit(owner, ledger.BucketFrozen, w.Amount),
			}, true); err != nil {
				return err
			}
			if _, err := u.Finalize(ctx, w.EntryID, ledger.EntrySuccess, ""); err != nil {
				return err
			}
		case ledger.WithdrawalRejected, ledger.WithdrawalCancelled:
			next.DecidedBy = actor.ID
			next.DecidedAt = &now
			if to == ledger.WithdrawalRejected {
				next.RejectReason = note
			}
			if err := u.Apply(ctx, []ledger.Leg{
				ledger.Debit(owner, ledger.BucketFrozen, w.Amount),
				ledger.Credit(owner, ledger.BucketAvailable, w.Amount),
			}, false); err != nil {
				return err
			}
			reason := note
			if reason == "" {
				reason = "withdrawal " + string(to)
			}
			if _, err := u.Finalize(ctx, w.EntryID, ledger.EntryFailed, reason); err != nil {
				return err
			}
		}
		if note != "" {
			next.Note = note
		}
		ok, err := u.Tx().UpdateWithdrawal(ctx, next, from)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: withdrawal %s changed concurrently", ledger.ErrConflict, w.ID)
		}
		u.Audit("withdrawal", w.ID, "withdrawal_"+string(to), w.Snapshot(), next.Snapshot())

		moved := next
		u.AfterCommit(func(ctx context.Context) {
			s.metrics.ObserveWithdrawal(moved.Status)
			ev := notify.Event{
				Type:       notify.EventWithdrawal,
				Action:     string(from) + "->" + string(moved.Status),
				Owner:      owner.Key(),
				AccountID:  moved.AccountID,
				ObjectID:   moved.ID,
				Status:     string(moved.Status),
				OccurredAt: u.Now(),
			}
			if err := s.engine.Notifier().Notify(ctx, ev); err != nil {
				s.log.Warn("withdrawal notification failed", zap.String("withdrawal_id", moved.ID), zap.Error(err))
			}
		})
		out = WithdrawalResult{Withdrawal: next}
		return nil
	})
	if err != nil {
		return WithdrawalResult{}, err
	}
	return out, nil
}

func (s *WithdrawalService) GetWithdrawal(ctx context.Context, id string) (ledger.Withdrawal, error) {
	return s.engine.Store().GetWithdrawal(ctx, id)
}

func (s *WithdrawalService) ListWithdrawals(ctx context.Context, f ledger.WithdrawalFilter) ([]ledger.Withdrawal, error) {
	return s.engine.Store().ListWithdrawals(ctx, f)
}
