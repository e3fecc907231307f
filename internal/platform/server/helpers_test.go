package server

import (
	"context"
	"testing"
	"time"

	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/ledger"
	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/notify"
)

var testEpoch = time.Date(2026, 2, 12, 18, 0, 0, 0, time.UTC)

type fixture struct {
	clk    *clock.Manual
	store  ledger.Store
	audit  *audit.InMemoryStore
	notes  *notify.Recorder
	engine *ledger.Engine
	svc    Services
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewManual(testEpoch)
	return newFixtureWithStore(t, clk, ledger.NewMemoryStore(clk))
}

func newFixtureWithStore(t *testing.T, clk *clock.Manual, store ledger.Store) *fixture {
	t.Helper()
	metrics := metricsForTest()
	auditStore := audit.NewInMemoryStore()
	notes := notify.NewRecorder(4096)
	engine := ledger.NewEngine(store,
		ledger.WithClock(clk),
		ledger.WithBackoff(0),
		ledger.WithObserver(metrics),
		ledger.WithAuditSink(auditStore),
		ledger.WithNotifier(notes),
	)
	escrow := NewEscrowService(engine, metrics)
	return &fixture{
		clk:    clk,
		store:  store,
		audit:  auditStore,
		notes:  notes,
		engine: engine,
		svc: Services{
			Engine:      engine,
			Escrow:      escrow,
			Sweeper:     NewUnlockSweeper(escrow, time.Minute, 2, metrics),
			Settlement:  NewSettlementAdapter(engine, metrics),
			Withdrawals: NewWithdrawalService(engine, DefaultWithdrawalPolicy(), metrics),
			System:      NewSystemAccountGuard(engine),
			Reconciler:  NewReconciler(engine, metrics),
		},
	}
}

func (f *fixture) fund(t *testing.T, owner ledger.Owner, amount int64) {
	t.Helper()
	_, err := f.engine.Transfer(context.Background(), ledger.Transfer{
		Action:   "test_deposit",
		Actor:    ledger.EngineActor,
		External: true,
		Legs:     []ledger.Leg{ledger.Credit(owner, ledger.BucketAvailable, amount)},
		Entries:  []ledger.Entry{{Owner: owner, Kind: ledger.KindDeposit, Amount: amount, Counterparty: ledger.ExternalOwner("test")}},
	})
	if err != nil {
		t.Fatalf("fund %s: %v", owner, err)
	}
}

func (f *fixture) balance(t *testing.T, owner ledger.Owner) ledger.Balance {
	t.Helper()
	b, err := f.engine.GetBalance(context.Background(), owner)
	if err != nil {
		t.Fatalf("balance %s: %v", owner, err)
	}
	return b
}

func (f *fixture) wantBalance(t *testing.T, owner ledger.Owner, available, frozen, pending int64) {
	t.Helper()
	b := f.balance(t, owner)
	if b.Available != available || b.Frozen != frozen || b.Pending != pending {
		t.Fatalf("%s: got available=%d frozen=%d pending=%d, want %d/%d/%d", owner, b.Available, b.Frozen, b.Pending, available, frozen, pending)
	}
	if b.Display != b.Total() {
		t.Fatalf("%s: display %d != total %d", owner, b.Display, b.Total())
	}
}

func (f *fixture) assertReconciled(t *testing.T) {
	t.Helper()
	report, err := f.svc.Reconciler.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !report.OK() {
		t.Fatalf("reconcile violations: %+v", report.Violations)
	}
}
