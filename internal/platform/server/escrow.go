package server

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/ledger"
	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/notify"
	"go.uber.org/zap"
)

const DefaultFeeHold = 24 * time.Hour

type PlaceHoldRequest struct {
	Owner  ledger.Owner
	Amount int64
	Reason ledger.HoldReason
	// UnlocksAt defaults to now plus the service's default hold duration.
	UnlocksAt time.Time
	Tag       string
	Actor     ledger.Actor
}

// ReleaseResult reports the hold after a release attempt. AlreadyProcessed
// means the hold had left FROZEN before this call and nothing was moved.
type ReleaseResult struct {
	Hold             ledger.Hold
	EntryID          string
	AlreadyProcessed bool
}

type TransferWithHoldRequest struct {
	From    ledger.Owner
	To      ledger.Owner
	Amount  int64
	HoldFor time.Duration
	Reason  ledger.HoldReason
	Tag     string
	Note    string
	Actor   ledger.Actor
}

type TransferWithHoldResult struct {
	Hold     ledger.Hold
	EntryIDs []string
}

type EscrowService struct {
	engine      *ledger.Engine
	log         *zap.Logger
	metrics     *Metrics
	defaultHold time.Duration
}

func NewEscrowService(engine *ledger.Engine, metrics *Metrics) *EscrowService {
	return &EscrowService{
		engine:      engine,
		log:         engine.Logger().Named("escrow"),
		metrics:     metrics,
		defaultHold: DefaultFeeHold,
	}
}

func (s *EscrowService) SetDefaultHoldDuration(d time.Duration) {
	if d > 0 {
		s.defaultHold = d
	}
}

func (s *EscrowService) PlaceHold(ctx context.Context, req PlaceHoldRequest) (ledger.Hold, error) {
	if req.Amount <= 0 {
		return ledger.Hold{}, ledger.ErrInvalidAmount
	}
	if err := req.Owner.Validate(); err != nil {
		return ledger.Hold{}, err
	}
	var out ledger.Hold
	op := ledger.Op{Action: "place_hold", Actor: resolveActor(ctx, req.Actor)}
	err := s.engine.Execute(ctx, op, func(u *ledger.Unit) error {
		if err := u.Lock(ctx, req.Owner); err != nil {
			return err
		}
		unlocksAt := req.UnlocksAt
		if unlocksAt.IsZero() {
			unlocksAt = u.Now().Add(s.defaultHold)
		}
		if err := u.Apply(ctx, []ledger.Leg{
			ledger.Debit(req.Owner, ledger.BucketAvailable, req.Amount),
			ledger.Credit(req.Owner, ledger.BucketFrozen, req.Amount),
		}, false); err != nil {
			return err
		}
		h, err := s.insertHold(ctx, u, req.Owner, req.Amount, req.Reason, unlocksAt, req.Tag)
		if err != nil {
			return err
		}
		out = h
		return nil
	})
	return out, err
}

// insertHold registers a hold for money the caller already moved into the
// frozen bucket and documents it with a hold_placed entry.
func (s *EscrowService) insertHold(ctx context.Context, u *ledger.Unit, owner ledger.Owner, amount int64, reason ledger.HoldReason, unlocksAt time.Time, tag string) (ledger.Hold, error) {
	acct, err := u.Account(owner)
	if err != nil {
		return ledger.Hold{}, err
	}
	h := ledger.Hold{
		ID:        uuid.NewString(),
		AccountID: acct.ID,
		Owner:     owner,
		Amount:    amount,
		Reason:    reason,
		Tag:       tag,
		Status:    ledger.HoldFrozen,
		UnlocksAt: unlocksAt.UTC(),
		CreatedAt: u.Now(),
		UpdatedAt: u.Now(),
	}
	if err := h.Validate(); err != nil {
		return ledger.Hold{}, err
	}
	if err := u.Tx().InsertHold(ctx, h); err != nil {
		return ledger.Hold{}, err
	}
	if err := s.checkHoldCoverage(ctx, u, acct); err != nil {
		return ledger.Hold{}, err
	}
	if _, err := u.Record(ctx, ledger.Entry{
		Owner:     owner,
		Kind:      ledger.KindHoldPlaced,
		Amount:    amount,
		Reference: h.ID,
		Reason:    string(reason),
		Metadata:  map[string]any{"tag": tag, "unlocks_at": h.UnlocksAt.Format(time.RFC3339)},
	}); err != nil {
		return ledger.Hold{}, err
	}
	u.Audit("hold", h.ID, "hold_placed", nil, h.Snapshot())
	return h, nil
}

// checkHoldCoverage enforces that FROZEN holds never claim more than the
// account's frozen bucket.
func (s *EscrowService) checkHoldCoverage(ctx context.Context, u *ledger.Unit, acct ledger.Account) error {
	stored, err := u.Account(acct.Owner)
	if err != nil {
		return err
	}
	total, err := u.Tx().FrozenHoldTotal(ctx, stored.ID)
	if err != nil {
		return err
	}
	if total > stored.Frozen {
		s.metrics.ObserveIntegrityViolation("hold_coverage")
		return &ledger.IntegrityError{
			AccountKey: stored.Key(),
			Detail:     fmt.Sprintf("frozen holds %d exceed frozen bucket %d", total, stored.Frozen),
		}
	}
	return nil
}

// ReleaseHold closes a FROZEN hold. UNLOCKED and RELEASED return the amount
// to available; FORFEITED removes it from frozen without crediting anyone,
// leaving the destination to a separate explicit transfer.
func (s *EscrowService) ReleaseHold(ctx context.Context, holdID string, disposition ledger.HoldStatus, reason string, actor ledger.Actor) (ReleaseResult, error) {
	return s.closeHold(ctx, holdID, disposition, reason, ledger.Owner{}, resolveActor(ctx, actor))
}

// ForfeitHoldToSystem forfeits a hold and credits the platform account in
// the same unit.
func (s *EscrowService) ForfeitHoldToSystem(ctx context.Context, holdID, reason string, actor ledger.Actor) (ReleaseResult, error) {
	return s.closeHold(ctx, holdID, ledger.HoldForfeited, reason, ledger.SystemOwner(), resolveActor(ctx, actor))
}

func (s *EscrowService) closeHold(ctx context.Context, holdID string, to ledger.HoldStatus, reason string, dest ledger.Owner, actor ledger.Actor) (ReleaseResult, error) {
	if !to.Disposition() {
		return ReleaseResult{}, fmt.Errorf("%w: %q", ledger.ErrInvalidDisposition, to)
	}
	current, err := s.engine.Store().GetHold(ctx, holdID)
	if err != nil {
		return ReleaseResult{}, err
	}
	if current.Status != ledger.HoldFrozen {
		return ReleaseResult{Hold: current, AlreadyProcessed: true}, nil
	}

	var out ReleaseResult
	op := ledger.Op{Action: string(to.EntryKind()), Actor: actor}
	err = s.engine.Execute(ctx, op, func(u *ledger.Unit) error {
		out = ReleaseResult{}
		owners := []ledger.Owner{current.Owner}
		if !dest.IsZero() {
			owners = append(owners, dest)
		}
		if err := u.Lock(ctx, owners...); err != nil {
			return err
		}
		before, err := u.Tx().Hold(ctx, holdID)
		if err != nil {
			return err
		}
		h, claimed, err := u.Tx().ClaimHold(ctx, holdID, to, reason, u.Now())
		if err != nil {
			return err
		}
		if !claimed {
			out = ReleaseResult{Hold: h, AlreadyProcessed: true}
			return nil
		}

		legs := []ledger.Leg{ledger.Debit(h.Owner, ledger.BucketFrozen, h.Amount)}
		external := true
		switch {
		case to.ReturnsFunds():
			legs = append(legs, ledger.Credit(h.Owner, ledger.BucketAvailable, h.Amount))
			external = false
		case !dest.IsZero():
			legs = append(legs, ledger.Credit(dest, ledger.BucketAvailable, h.Amount))
			external = false
		}
		if err := u.Apply(ctx, legs, external); err != nil {
			return err
		}

		closing := ledger.Entry{
			Owner:     h.Owner,
			Kind:      to.EntryKind(),
			Amount:    h.Amount,
			Reference: h.ID,
			Reason:    reason,
		}
		if !dest.IsZero() {
			closing.Counterparty = dest
		}
		rec, err := u.Record(ctx, closing)
		if err != nil {
			return err
		}
		if !dest.IsZero() {
			creditKind := ledger.KindTransferIn
			if dest.IsSystem() {
				creditKind = ledger.KindSystemCredit
			}
			if _, err := u.Record(ctx, ledger.Entry{
				Owner:        dest,
				Kind:         creditKind,
				Amount:       h.Amount,
				Counterparty: h.Owner,
				Reference:    h.ID,
				Reason:       "forfeited hold: " + reason,
			}); err != nil {
				return err
			}
		}
		u.Audit("hold", h.ID, string(to.EntryKind()), before.Snapshot(), h.Snapshot())

		closed := h
		u.AfterCommit(func(ctx context.Context) {
			s.metrics.ObserveHoldClosed(closed.Status)
			ev := notify.Event{
				Type:       notify.EventHoldClosed,
				Action:     string(closed.Status),
				Owner:      closed.Owner.Key(),
				AccountID:  closed.AccountID,
				ObjectID:   closed.ID,
				Status:     string(closed.Status),
				OccurredAt: u.Now(),
			}
			if err := s.engine.Notifier().Notify(ctx, ev); err != nil {
				s.log.Warn("hold notification failed", zap.String("hold_id", closed.ID), zap.Error(err))
			}
		})
		out = ReleaseResult{Hold: h, EntryID: rec.ID}
		return nil
	})
	if err != nil {
		return ReleaseResult{}, err
	}
	return out, nil
}

func (s *EscrowService) ListActiveHolds(ctx context.Context, owner ledger.Owner) ([]ledger.Hold, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	return s.engine.Store().ListHolds(ctx, ledger.HoldFilter{Owner: &owner, Status: ledger.HoldFrozen})
}

func (s *EscrowService) GetHold(ctx context.Context, id string) (ledger.Hold, error) {
	return s.engine.Store().GetHold(ctx, id)
}

// TransferWithHold moves a fee from payer to payee and freezes it on the
// payee side until the hold matures, all in one unit.
func (s *EscrowService) TransferWithHold(ctx context.Context, req TransferWithHoldRequest) (TransferWithHoldResult, error) {
	if req.Amount <= 0 {
		return TransferWithHoldResult{}, ledger.ErrInvalidAmount
	}
	if req.From.Key() == req.To.Key() {
		return TransferWithHoldResult{}, fmt.Errorf("%w: payer and payee are the same account", ledger.ErrInvalidOwner)
	}
	holdFor := req.HoldFor
	if holdFor <= 0 {
		holdFor = s.defaultHold
	}
	reason := req.Reason
	if reason == "" {
		reason = ledger.ReasonFeeTransferHold
	}

	var out TransferWithHoldResult
	op := ledger.Op{Action: "transfer_with_hold", Actor: resolveActor(ctx, req.Actor)}
	err := s.engine.Execute(ctx, op, func(u *ledger.Unit) error {
		out = TransferWithHoldResult{}
		if err := u.Lock(ctx, req.From, req.To); err != nil {
			return err
		}
		if err := u.Apply(ctx, []ledger.Leg{
			ledger.Debit(req.From, ledger.BucketAvailable, req.Amount),
			ledger.Credit(req.To, ledger.BucketFrozen, req.Amount),
		}, false); err != nil {
			return err
		}
		ref := uuid.NewString()
		for _, e := range []ledger.Entry{
			{Owner: req.From, Kind: ledger.KindTransferOut, Amount: req.Amount, Counterparty: req.To, Reference: ref, Reason: req.Note},
			{Owner: req.To, Kind: ledger.KindTransferIn, Amount: req.Amount, Counterparty: req.From, Reference: ref, Reason: req.Note},
		} {
			rec, err := u.Record(ctx, e)
			if err != nil {
				return err
			}
			out.EntryIDs = append(out.EntryIDs, rec.ID)
		}
		h, err := s.insertHold(ctx, u, req.To, req.Amount, reason, u.Now().Add(holdFor), req.Tag)
		if err != nil {
			return err
		}
		out.Hold = h
		return nil
	})
	if err != nil {
		return TransferWithHoldResult{}, err
	}
	return out, nil
}
