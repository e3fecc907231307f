package server

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/ledger"
)

func TestSettlementIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := ledger.UserOwner("alice")
	f.fund(t, a, 1_000)

	if _, err := f.svc.Settlement.CreatePendingDeposit(ctx, PendingDeposit{Owner: a, Amount: 20_000, CorrelationID: "orderX"}); err != nil {
		t.Fatalf("pending deposit: %v", err)
	}
	f.wantBalance(t, a, 1_000, 0, 0)

	first, err := f.svc.Settlement.OnExternalPaymentConfirmed(ctx, "orderX", true, "")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if first.Outcome != OutcomeSettled || first.Entry.Status != ledger.EntrySuccess {
		t.Fatalf("unexpected first outcome: %+v", first)
	}
	if first.Balance.Available != 21_000 {
		t.Fatalf("result balance available=%d want 21000", first.Balance.Available)
	}
	f.wantBalance(t, a, 21_000, 0, 0)

	second, err := f.svc.Settlement.OnExternalPaymentConfirmed(ctx, "orderX", true, "")
	if err != nil {
		t.Fatalf("repeat confirm: %v", err)
	}
	if second.Outcome != OutcomeAlreadyProcessed || second.Mismatch {
		t.Fatalf("unexpected repeat outcome: %+v", second)
	}
	f.wantBalance(t, a, 21_000, 0, 0)

	contradicting, err := f.svc.Settlement.OnExternalPaymentConfirmed(ctx, "orderX", false, "late failure")
	if err != nil {
		t.Fatalf("contradicting confirm: %v", err)
	}
	if contradicting.Outcome != OutcomeAlreadyProcessed || !contradicting.Mismatch {
		t.Fatalf("expected already processed with mismatch, got %+v", contradicting)
	}
	f.wantBalance(t, a, 21_000, 0, 0)
}

func TestSettlementFailureLeavesBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := ledger.UserOwner("alice")
	if _, err := f.svc.Settlement.CreatePendingDeposit(ctx, PendingDeposit{Owner: a, Amount: 5_000, CorrelationID: "card-1"}); err != nil {
		t.Fatalf("pending deposit: %v", err)
	}
	res, err := f.svc.Settlement.OnExternalPaymentConfirmed(ctx, "card-1", false, "card declined")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.Outcome != OutcomeFailed || res.Entry.Status != ledger.EntryFailed || res.Entry.FailureReason != "card declined" {
		t.Fatalf("unexpected outcome: %+v", res)
	}
	f.wantBalance(t, a, 0, 0, 0)
}

func TestSettlementReflectedPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := ledger.UserOwner("alice")

	if _, err := f.svc.Settlement.CreatePendingDeposit(ctx, PendingDeposit{Owner: a, Amount: 8_000, CorrelationID: "bank-1", ReflectPending: true}); err != nil {
		t.Fatalf("pending deposit: %v", err)
	}
	if _, err := f.svc.Settlement.CreatePendingDeposit(ctx, PendingDeposit{Owner: a, Amount: 2_000, CorrelationID: "bank-2", ReflectPending: true}); err != nil {
		t.Fatalf("pending deposit: %v", err)
	}
	f.wantBalance(t, a, 0, 0, 10_000)

	if _, err := f.svc.Settlement.OnExternalPaymentConfirmed(ctx, "bank-1", true, ""); err != nil {
		t.Fatalf("confirm bank-1: %v", err)
	}
	f.wantBalance(t, a, 8_000, 0, 2_000)

	if _, err := f.svc.Settlement.OnExternalPaymentConfirmed(ctx, "bank-2", false, "returned"); err != nil {
		t.Fatalf("confirm bank-2: %v", err)
	}
	f.wantBalance(t, a, 8_000, 0, 0)
	f.assertReconciled(t)
}

func TestSettlementUnknownCorrelationIsNotFound(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Settlement.OnExternalPaymentConfirmed(context.Background(), "ghost", true, "")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.Outcome != OutcomeNotFound {
		t.Fatalf("expected not_found, got %s", res.Outcome)
	}
	accounts, err := f.store.ListAccounts(context.Background())
	if err != nil {
		t.Fatalf("list accounts: %v", err)
	}
	if len(accounts) != 0 {
		t.Fatalf("unknown correlation must not touch accounts, got %d", len(accounts))
	}
}

func TestPendingDepositValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := ledger.UserOwner("alice")
	if _, err := f.svc.Settlement.CreatePendingDeposit(ctx, PendingDeposit{Owner: a, Amount: 1_000, CorrelationID: "dup"}); err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	cases := []struct {
		name string
		in   PendingDeposit
		want error
	}{
		{name: "duplicate correlation", in: PendingDeposit{Owner: a, Amount: 1_000, CorrelationID: "dup"}, want: ledger.ErrDuplicateCorrelation},
		{name: "zero amount", in: PendingDeposit{Owner: a, Amount: 0, CorrelationID: "z"}, want: ledger.ErrInvalidAmount},
		{name: "missing correlation", in: PendingDeposit{Owner: a, Amount: 1_000}, want: ledger.ErrInvalidArgument},
		{name: "platform owner", in: PendingDeposit{Owner: ledger.SystemOwner(), Amount: 1_000, CorrelationID: "s"}, want: ledger.ErrInvalidOwner},
		{name: "debit kind", in: PendingDeposit{Owner: a, Kind: ledger.KindPenalty, Amount: 1_000, CorrelationID: "p"}, want: ledger.ErrInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.Settlement.CreatePendingDeposit(ctx, tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("got %v want %v", err, tc.want)
			}
		})
	}
}

func TestConcurrentDuplicateConfirmationsCreditOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := ledger.UserOwner("alice")
	if _, err := f.svc.Settlement.CreatePendingDeposit(ctx, PendingDeposit{Owner: a, Amount: 20_000, CorrelationID: "webhook-1"}); err != nil {
		t.Fatalf("pending deposit: %v", err)
	}

	const deliveries = 12
	var wg sync.WaitGroup
	var mu sync.Mutex
	settled := 0
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Settlement.OnExternalPaymentConfirmed(ctx, "webhook-1", true, "")
			if err != nil {
				t.Errorf("confirm: %v", err)
				return
			}
			if res.Outcome == OutcomeSettled {
				mu.Lock()
				settled++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if settled != 1 {
		t.Fatalf("expected exactly one settlement, got %d", settled)
	}
	f.wantBalance(t, a, 20_000, 0, 0)
}
