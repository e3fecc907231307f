package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/ledger"
	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/notify"
	"go.uber.org/zap"
)

type SettlementOutcome string

const (
	OutcomeSettled          SettlementOutcome = "settled"
	OutcomeFailed           SettlementOutcome = "failed"
	OutcomeAlreadyProcessed SettlementOutcome = "already_processed"
	OutcomeNotFound         SettlementOutcome = "not_found"
)

// PendingDeposit opens an externally funded credit that waits for a payment
// confirmation keyed by CorrelationID.
type PendingDeposit struct {
	Owner         ledger.Owner
	Kind          ledger.EntryKind
	Amount        int64
	CorrelationID string
	// ReflectPending adds the amount to the pending bucket until settlement.
	ReflectPending bool
	Metadata       map[string]any
	Actor          ledger.Actor
}

type SettlementResult struct {
	Outcome SettlementOutcome
	Entry   ledger.Entry
	Balance ledger.Balance
	// Mismatch is set when a repeated confirmation disagrees with the
	// recorded terminal status.
	Mismatch bool
}

// SettlementAdapter turns external payment confirmations into exactly-once
// ledger effects.
type SettlementAdapter struct {
	engine  *ledger.Engine
	log     *zap.Logger
	metrics *Metrics
}

func NewSettlementAdapter(engine *ledger.Engine, metrics *Metrics) *SettlementAdapter {
	return &SettlementAdapter{engine: engine, log: engine.Logger().Named("settlement"), metrics: metrics}
}

func settleable(k ledger.EntryKind) bool {
	switch k {
	case ledger.KindDeposit, ledger.KindPayment, ledger.KindRefund:
		return true
	}
	return false
}

func (s *SettlementAdapter) CreatePendingDeposit(ctx context.Context, in PendingDeposit) (ledger.Entry, error) {
	if in.Amount <= 0 {
		return ledger.Entry{}, ledger.ErrInvalidAmount
	}
	if strings.TrimSpace(in.CorrelationID) == "" {
		return ledger.Entry{}, fmt.Errorf("%w: correlation id is required", ledger.ErrInvalidArgument)
	}
	if in.Owner.Kind != ledger.OwnerUser {
		return ledger.Entry{}, fmt.Errorf("%w: pending deposits credit user accounts", ledger.ErrInvalidOwner)
	}
	kind := in.Kind
	if kind == "" {
		kind = ledger.KindDeposit
	}
	if !settleable(kind) {
		return ledger.Entry{}, fmt.Errorf("%w: %s entries are not settled externally", ledger.ErrInvalidArgument, kind)
	}

	var out ledger.Entry
	op := ledger.Op{Action: "create_pending_deposit", Actor: resolveActor(ctx, in.Actor)}
	err := s.engine.Execute(ctx, op, func(u *ledger.Unit) error {
		if err := u.Lock(ctx, in.Owner); err != nil {
			return err
		}
		if in.ReflectPending {
			if err := u.Apply(ctx, []ledger.Leg{
				ledger.Credit(in.Owner, ledger.BucketPending, in.Amount),
			}, true); err != nil {
				return err
			}
		}
		rec, err := u.Record(ctx, ledger.Entry{
			Owner:           in.Owner,
			CorrelationID:   in.CorrelationID,
			Kind:            kind,
			Amount:          in.Amount,
			Status:          ledger.EntryPending,
			Counterparty:    ledger.ExternalOwner(in.CorrelationID),
			ReflectsPending: in.ReflectPending,
			Metadata:        in.Metadata,
		})
		if err != nil {
			return err
		}
		out = rec
		return nil
	})
	return out, err
}

// OnExternalPaymentConfirmed applies a gateway callback. Re-delivery of a
// callback for a finalized entry reports already_processed and changes
// nothing; an unknown correlation id reports not_found.
func (s *SettlementAdapter) OnExternalPaymentConfirmed(ctx context.Context, correlationID string, success bool, failureReason string) (SettlementResult, error) {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return SettlementResult{}, fmt.Errorf("%w: correlation id is required", ledger.ErrInvalidArgument)
	}
	current, err := s.engine.Store().EntryByCorrelation(ctx, correlationID)
	if errors.Is(err, ledger.ErrEntryNotFound) {
		s.metrics.ObserveSettlement(OutcomeNotFound)
		s.log.Warn("payment confirmation for unknown correlation id", zap.String("correlation_id", correlationID))
		return SettlementResult{Outcome: OutcomeNotFound}, nil
	}
	if err != nil {
		return SettlementResult{}, err
	}

	var out SettlementResult
	op := ledger.Op{Action: "settle_external_payment", Actor: resolveActor(ctx, GatewayActor)}
	err = s.engine.Execute(ctx, op, func(u *ledger.Unit) error {
		out = SettlementResult{}
		if err := u.Lock(ctx, current.Owner); err != nil {
			return err
		}
		e, err := u.Tx().Entry(ctx, current.ID)
		if err != nil {
			return err
		}
		if e.Status.Terminal() {
			out = SettlementResult{
				Outcome:  OutcomeAlreadyProcessed,
				Entry:    e,
				Mismatch: (e.Status == ledger.EntrySuccess) != success,
			}
			return nil
		}
		if !settleable(e.Kind) {
			return fmt.Errorf("%w: %s entries are not settled externally", ledger.ErrInvalidArgument, e.Kind)
		}

		var legs []ledger.Leg
		external := true
		switch {
		case success && e.ReflectsPending:
			legs = []ledger.Leg{
				ledger.Debit(e.Owner, ledger.BucketPending, e.Amount),
				ledger.Credit(e.Owner, ledger.BucketAvailable, e.Amount),
			}
			external = false
		case success:
			legs = []ledger.Leg{ledger.Credit(e.Owner, ledger.BucketAvailable, e.Amount)}
		case e.ReflectsPending:
			legs = []ledger.Leg{ledger.Debit(e.Owner, ledger.BucketPending, e.Amount)}
		}
		if len(legs) > 0 {
			if err := u.Apply(ctx, legs, external); err != nil {
				return err
			}
		}

		status, outcome := ledger.EntrySuccess, OutcomeSettled
		if !success {
			status, outcome = ledger.EntryFailed, OutcomeFailed
		}
		final, err := u.Finalize(ctx, e.ID, status, failureReason)
		if err != nil {
			return err
		}
		acct, err := u.Account(e.Owner)
		if err != nil {
			return err
		}
		out = SettlementResult{Outcome: outcome, Entry: final, Balance: acct.Balance()}
		u.AfterCommit(func(ctx context.Context) {
			ev := notify.Event{
				Type:       notify.EventSettlement,
				Action:     string(outcome),
				Owner:      final.Owner.Key(),
				AccountID:  final.AccountID,
				ObjectID:   final.ID,
				Available:  acct.Available,
				Frozen:     acct.Frozen,
				Pending:    acct.Pending,
				Display:    acct.Display,
				Status:     string(final.Status),
				OccurredAt: u.Now(),
			}
			if err := s.engine.Notifier().Notify(ctx, ev); err != nil {
				s.log.Warn("settlement notification failed", zap.String("entry_id", final.ID), zap.Error(err))
			}
		})
		return nil
	})
	if err != nil {
		return SettlementResult{}, err
	}
	if out.Outcome == OutcomeAlreadyProcessed {
		bal, berr := s.engine.GetBalance(ctx, out.Entry.Owner)
		if berr == nil {
			out.Balance = bal
		}
		if out.Mismatch {
			s.log.Warn("payment confirmation disagrees with settled entry",
				zap.String("correlation_id", correlationID),
				zap.String("recorded_status", string(out.Entry.Status)),
				zap.Bool("reported_success", success),
			)
		}
	}
	s.metrics.ObserveSettlement(out.Outcome)
	return out, nil
}
