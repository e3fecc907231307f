package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/ledger"
	"go.uber.org/zap"
)

// SystemAccountGuard owns the single platform account. Every movement it
// makes is documented by a matched pair of entries sharing one Reference so
// platform inflows can be reconciled against outflows.
type SystemAccountGuard struct {
	engine *ledger.Engine
	log    *zap.Logger
}

func NewSystemAccountGuard(engine *ledger.Engine) *SystemAccountGuard {
	return &SystemAccountGuard{engine: engine, log: engine.Logger().Named("system_account")}
}

// Init creates the platform account. A second call fails with
// ErrSystemAccountExists; it never returns the existing account as if it had
// just been made.
func (g *SystemAccountGuard) Init(ctx context.Context) (ledger.Account, error) {
	var out ledger.Account
	op := ledger.Op{Action: "init_system_account", Actor: resolveActor(ctx, PlatformActor)}
	err := g.engine.Execute(ctx, op, func(u *ledger.Unit) error {
		a, err := u.Tx().CreateSystemAccount(ctx, uuid.NewString(), u.Now())
		if err != nil {
			return err
		}
		u.Audit("account", a.Key(), "system_account_created", nil, a.Snapshot())
		out = a
		return nil
	})
	if errors.Is(err, ledger.ErrSystemAccountExists) {
		g.log.Error("refusing to create a second platform account", zap.Error(err))
		return ledger.Account{}, err
	}
	if err != nil {
		return ledger.Account{}, err
	}
	g.log.Info("platform account created", zap.String("account_id", out.ID))
	return out, nil
}

func (g *SystemAccountGuard) Balance(ctx context.Context) (ledger.Balance, error) {
	a, err := g.engine.Store().GetAccount(ctx, ledger.SystemOwner())
	if err != nil {
		return ledger.Balance{}, err
	}
	return a.Balance(), nil
}

// Credit books platform income arriving from outside the ledger.
func (g *SystemAccountGuard) Credit(ctx context.Context, amount int64, reason, source string) (ledger.Result, error) {
	ext := ledger.ExternalOwner(nonEmpty(source, "platform-income"))
	sys := ledger.SystemOwner()
	ref := uuid.NewString()
	return g.transfer(ctx, "system_credit", []ledger.Leg{ledger.Credit(sys, ledger.BucketAvailable, amount)}, true, []ledger.Entry{
		{Owner: sys, Kind: ledger.KindSystemCredit, Amount: amount, Counterparty: ext, Reference: ref, Reason: reason},
		{Owner: ext, Kind: ledger.KindTransferOut, Amount: amount, Counterparty: sys, Reference: ref, Reason: reason},
	}, amount)
}

// Debit pays platform money out of the ledger.
func (g *SystemAccountGuard) Debit(ctx context.Context, amount int64, reason, destination string) (ledger.Result, error) {
	ext := ledger.ExternalOwner(nonEmpty(destination, "platform-expense"))
	sys := ledger.SystemOwner()
	ref := uuid.NewString()
	return g.transfer(ctx, "system_debit", []ledger.Leg{ledger.Debit(sys, ledger.BucketAvailable, amount)}, true, []ledger.Entry{
		{Owner: sys, Kind: ledger.KindSystemDebit, Amount: amount, Counterparty: ext, Reference: ref, Reason: reason},
		{Owner: ext, Kind: ledger.KindTransferIn, Amount: amount, Counterparty: sys, Reference: ref, Reason: reason},
	}, amount)
}

func (g *SystemAccountGuard) TransferToUser(ctx context.Context, userID string, amount int64, reason string) (ledger.Result, error) {
	user := ledger.UserOwner(userID)
	sys := ledger.SystemOwner()
	ref := uuid.NewString()
	return g.transfer(ctx, "system_transfer_to_user", []ledger.Leg{
		ledger.Debit(sys, ledger.BucketAvailable, amount),
		ledger.Credit(user, ledger.BucketAvailable, amount),
	}, false, []ledger.Entry{
		{Owner: sys, Kind: ledger.KindSystemDebit, Amount: amount, Counterparty: user, Reference: ref, Reason: reason},
		{Owner: user, Kind: ledger.KindTransferIn, Amount: amount, Counterparty: sys, Reference: ref, Reason: reason},
	}, amount)
}

func (g *SystemAccountGuard) TransferFromUser(ctx context.Context, userID string, amount int64, reason string) (ledger.Result, error) {
	user := ledger.UserOwner(userID)
	sys := ledger.SystemOwner()
	ref := uuid.NewString()
	return g.transfer(ctx, "system_transfer_from_user", []ledger.Leg{
		ledger.Debit(user, ledger.BucketAvailable, amount),
		ledger.Credit(sys, ledger.BucketAvailable, amount),
	}, false, []ledger.Entry{
		{Owner: user, Kind: ledger.KindTransferOut, Amount: amount, Counterparty: sys, Reference: ref, Reason: reason},
		{Owner: sys, Kind: ledger.KindSystemCredit, Amount: amount, Counterparty: user, Reference: ref, Reason: reason},
	}, amount)
}

func (g *SystemAccountGuard) transfer(ctx context.Context, action string, legs []ledger.Leg, external bool, entries []ledger.Entry, amount int64) (ledger.Result, error) {
	if amount <= 0 {
		return ledger.Result{}, ledger.ErrInvalidAmount
	}
	for _, e := range entries {
		if e.Owner.Kind == ledger.OwnerUser {
			if err := e.Owner.Validate(); err != nil {
				return ledger.Result{}, err
			}
		}
		if strings.TrimSpace(e.Reason) == "" {
			return ledger.Result{}, fmt.Errorf("%w: platform movements need a reason", ledger.ErrInvalidArgument)
		}
	}
	res, err := g.engine.Transfer(ctx, ledger.Transfer{
		Action:   action,
		Actor:    resolveActor(ctx, PlatformActor),
		Legs:     legs,
		External: external,
		Entries:  entries,
	})
	if err != nil {
		return ledger.Result{}, err
	}
	g.log.Info("platform movement", zap.String("action", action), zap.Int64("amount", amount), zap.String("reference", entries[0].Reference))
	return res, nil
}

func nonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
