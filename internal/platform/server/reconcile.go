package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/ledger"
	"go.uber.org/zap"
)

const reconcilePage = 500

type Violation struct {
	Check      string `json:"check"`
	AccountKey string `json:"account,omitempty"`
	ObjectID   string `json:"object_id,omitempty"`
	Detail     string `json:"detail"`
}

type PlatformTotals struct {
	Inflow  int64 `json:"inflow"`
	Outflow int64 `json:"outflow"`
	Net     int64 `json:"net"`
	Balance int64 `json:"balance"`
}

type ReconcileReport struct {
	CheckedAt  time.Time       `json:"checked_at"`
	Accounts   int             `json:"accounts"`
	Totals     ledger.Balance  `json:"totals"`
	Platform   *PlatformTotals `json:"platform,omitempty"`
	Violations []Violation     `json:"violations"`
}

func (r ReconcileReport) OK() bool { return len(r.Violations) == 0 }

// Reconciler re-derives the ledger invariants from committed state. It only
// reads; findings are reported and logged, never repaired.
type Reconciler struct {
	engine  *ledger.Engine
	log     *zap.Logger
	metrics *Metrics
}

func NewReconciler(engine *ledger.Engine, metrics *Metrics) *Reconciler {
	return &Reconciler{engine: engine, log: engine.Logger().Named("reconcile"), metrics: metrics}
}

func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileReport, error) {
	store := r.engine.Store()
	report := ReconcileReport{CheckedAt: r.engine.Now(), Violations: []Violation{}}
	add := func(v Violation) {
		report.Violations = append(report.Violations, v)
		r.metrics.ObserveIntegrityViolation(v.Check)
		r.log.Error("reconciliation violation",
			zap.String("check", v.Check),
			zap.String("account", v.AccountKey),
			zap.String("object_id", v.ObjectID),
			zap.String("detail", v.Detail),
		)
	}

	accounts, err := store.ListAccounts(ctx)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("list accounts: %w", err)
	}
	holds, err := store.ListHolds(ctx, ledger.HoldFilter{Status: ledger.HoldFrozen})
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("list holds: %w", err)
	}
	reserved, err := store.ListWithdrawals(ctx, ledger.WithdrawalFilter{
		Statuses: []ledger.WithdrawalStatus{ledger.WithdrawalPending, ledger.WithdrawalProcessing},
	})
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("list withdrawals: %w", err)
	}
	frozenClaims := make(map[string]int64)
	for _, h := range holds {
		frozenClaims[h.AccountID] += h.Amount
	}
	for _, w := range reserved {
		frozenClaims[w.AccountID] += w.Amount
	}

	report.Accounts = len(accounts)
	for _, a := range accounts {
		report.Totals.Available += a.Available
		report.Totals.Frozen += a.Frozen
		report.Totals.Pending += a.Pending
		report.Totals.Display += a.Display
		if err := a.CheckIntegrity(); err != nil {
			add(Violation{Check: "account_integrity", AccountKey: a.Key(), Detail: err.Error()})
		}
		if claims := frozenClaims[a.ID]; claims > a.Frozen {
			add(Violation{
				Check:      "frozen_coverage",
				AccountKey: a.Key(),
				Detail:     fmt.Sprintf("holds and reserved withdrawals %d exceed frozen bucket %d", claims, a.Frozen),
			})
		}
	}

	platform, err := r.platform(ctx, add)
	if err != nil {
		return ReconcileReport{}, err
	}
	report.Platform = platform

	if report.OK() {
		r.log.Info("reconciliation clean", zap.Int("accounts", report.Accounts), zap.Int64("display_total", report.Totals.Display))
	}
	return report, nil
}

// platform checks that every settled platform entry has its counterpart and
// that the platform balance equals the net of those entries.
func (r *Reconciler) platform(ctx context.Context, add func(Violation)) (*PlatformTotals, error) {
	store := r.engine.Store()
	sysAcct, err := store.GetAccount(ctx, ledger.SystemOwner())
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load platform account: %w", err)
	}
	sys := ledger.SystemOwner()
	totals := &PlatformTotals{Balance: sysAcct.Available + sysAcct.Frozen}
	for offset := 0; ; offset += reconcilePage {
		page, err := store.ListEntries(ctx, ledger.EntryFilter{
			Owner:    &sys,
			Statuses: []ledger.EntryStatus{ledger.EntrySuccess},
			Limit:    reconcilePage,
			Offset:   offset,
		})
		if err != nil {
			return nil, fmt.Errorf("list platform entries: %w", err)
		}
		for _, e := range page {
			switch e.Kind {
			case ledger.KindSystemCredit, ledger.KindTransferIn, ledger.KindDeposit:
				totals.Inflow += e.Amount
			case ledger.KindSystemDebit, ledger.KindTransferOut, ledger.KindHoldForfeited, ledger.KindWithdrawal:
				totals.Outflow += e.Amount
			default:
				continue
			}
			paired, err := r.hasCounterpart(ctx, e)
			if err != nil {
				return nil, err
			}
			if !paired {
				add(Violation{Check: "unpaired_platform_entry", AccountKey: sys.Key(), ObjectID: e.ID, Detail: fmt.Sprintf("%s %d has no counterpart", e.Kind, e.Amount)})
			}
		}
		if len(page) < reconcilePage {
			break
		}
	}
	totals.Net = totals.Inflow - totals.Outflow
	if totals.Net != totals.Balance {
		add(Violation{
			Check:      "platform_drift",
			AccountKey: sys.Key(),
			Detail:     fmt.Sprintf("entries net %d, account holds %d", totals.Net, totals.Balance),
		})
	}
	return totals, nil
}

func (r *Reconciler) hasCounterpart(ctx context.Context, e ledger.Entry) (bool, error) {
	if e.Reference == "" {
		return false, nil
	}
	peers, err := r.engine.Store().ListEntries(ctx, ledger.EntryFilter{Reference: e.Reference})
	if err != nil {
		return false, fmt.Errorf("list entries for reference %s: %w", e.Reference, err)
	}
	for _, p := range peers {
		if p.ID != e.ID && p.Owner.Key() != e.Owner.Key() {
			return true, nil
		}
	}
	return false, nil
}
