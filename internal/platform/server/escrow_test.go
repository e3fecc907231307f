package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/ledger"
)

func TestPlaceHoldThenSweepAfterUnlockTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := ledger.UserOwner("alice")
	f.fund(t, a, 100_000)

	h, err := f.svc.Escrow.PlaceHold(ctx, PlaceHoldRequest{
		Owner:     a,
		Amount:    40_000,
		Reason:    ledger.ReasonFeeTransferHold,
		UnlocksAt: f.clk.Now().Add(24 * time.Hour),
		Tag:       "order-17",
	})
	if err != nil {
		t.Fatalf("place hold: %v", err)
	}
	f.wantBalance(t, a, 60_000, 40_000, 0)

	f.clk.Advance(23 * time.Hour)
	summary, err := f.svc.Sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("early sweep: %v", err)
	}
	if summary.Scanned != 0 {
		t.Fatalf("expected nothing due before unlock time, got %+v", summary)
	}
	f.wantBalance(t, a, 60_000, 40_000, 0)

	f.clk.Advance(time.Hour)
	summary, err = f.svc.Sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if summary.Unlocked != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	f.wantBalance(t, a, 100_000, 0, 0)

	got, err := f.svc.Escrow.GetHold(ctx, h.ID)
	if err != nil {
		t.Fatalf("get hold: %v", err)
	}
	if got.Status != ledger.HoldUnlocked || got.UnlockedAt == nil {
		t.Fatalf("expected UNLOCKED with unlocked_at, got %s %v", got.Status, got.UnlockedAt)
	}

	entries, err := f.engine.History(ctx, ledger.EntryFilter{Owner: &a, Reference: h.ID})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 2 || entries[0].Kind != ledger.KindHoldPlaced || entries[1].Kind != ledger.KindHoldUnlocked {
		t.Fatalf("expected hold_placed then hold_unlocked, got %+v", entries)
	}
	f.assertReconciled(t)
}

func TestPlaceHoldDefaultsUnlockTime(t *testing.T) {
	f := newFixture(t)
	a := ledger.UserOwner("alice")
	f.fund(t, a, 50_000)
	f.svc.Escrow.SetDefaultHoldDuration(2 * time.Hour)

	h, err := f.svc.Escrow.PlaceHold(context.Background(), PlaceHoldRequest{Owner: a, Amount: 10_000, Reason: ledger.ReasonSystemHold})
	if err != nil {
		t.Fatalf("place hold: %v", err)
	}
	if want := testEpoch.Add(2 * time.Hour); !h.UnlocksAt.Equal(want) {
		t.Fatalf("unlocks_at=%s want %s", h.UnlocksAt, want)
	}
}

func TestPlaceHoldRejectsWithoutMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := ledger.UserOwner("alice")
	f.fund(t, a, 10_000)

	_, err := f.svc.Escrow.PlaceHold(ctx, PlaceHoldRequest{Owner: a, Amount: 10_001, Reason: ledger.ReasonFeeTransferHold})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	_, err = f.svc.Escrow.PlaceHold(ctx, PlaceHoldRequest{Owner: a, Amount: 1_000, Reason: "vibes"})
	if ledger.Classify(err) != ledger.ClassValidation {
		t.Fatalf("expected validation error for unknown reason, got %v", err)
	}
	f.wantBalance(t, a, 10_000, 0, 0)
	holds, err := f.svc.Escrow.ListActiveHolds(ctx, a)
	if err != nil {
		t.Fatalf("list holds: %v", err)
	}
	if len(holds) != 0 {
		t.Fatalf("rejected holds must not be stored, got %d", len(holds))
	}
}

func TestReleaseHoldIsOneShot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := ledger.UserOwner("alice")
	f.fund(t, a, 100_000)
	h, err := f.svc.Escrow.PlaceHold(ctx, PlaceHoldRequest{Owner: a, Amount: 40_000, Reason: ledger.ReasonDisputeHold})
	if err != nil {
		t.Fatalf("place hold: %v", err)
	}

	first, err := f.svc.Escrow.ReleaseHold(ctx, h.ID, ledger.HoldReleased, "dispute resolved", ledger.Actor{ID: "op-1", Type: "operator"})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if first.AlreadyProcessed || first.Hold.Status != ledger.HoldReleased {
		t.Fatalf("unexpected first release: %+v", first)
	}
	second, err := f.svc.Escrow.ReleaseHold(ctx, h.ID, ledger.HoldForfeited, "changed my mind", ledger.Actor{ID: "op-1", Type: "operator"})
	if err != nil {
		t.Fatalf("second release: %v", err)
	}
	if !second.AlreadyProcessed || second.Hold.Status != ledger.HoldReleased {
		t.Fatalf("second release must be a no-op, got %+v", second)
	}
	f.wantBalance(t, a, 100_000, 0, 0)
}

func TestReleaseHoldValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := ledger.UserOwner("alice")
	f.fund(t, a, 100_000)
	h, err := f.svc.Escrow.PlaceHold(ctx, PlaceHoldRequest{Owner: a, Amount: 1_000, Reason: ledger.ReasonSystemHold})
	if err != nil {
		t.Fatalf("place hold: %v", err)
	}
	if _, err := f.svc.Escrow.ReleaseHold(ctx, h.ID, ledger.HoldFrozen, "", ledger.EngineActor); !errors.Is(err, ledger.ErrInvalidDisposition) {
		t.Fatalf("expected invalid disposition, got %v", err)
	}
	if _, err := f.svc.Escrow.ReleaseHold(ctx, "missing", ledger.HoldReleased, "", ledger.EngineActor); !errors.Is(err, ledger.ErrHoldNotFound) {
		t.Fatalf("expected hold not found, got %v", err)
	}
}

func TestForfeitRemovesFrozenWithoutCreditingOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := ledger.UserOwner("alice")
	f.fund(t, a, 100_000)
	h, err := f.svc.Escrow.PlaceHold(ctx, PlaceHoldRequest{Owner: a, Amount: 40_000, Reason: ledger.ReasonDepositRefundHold})
	if err != nil {
		t.Fatalf("place hold: %v", err)
	}
	res, err := f.svc.Escrow.ReleaseHold(ctx, h.ID, ledger.HoldForfeited, "damage claim", ledger.EngineActor)
	if err != nil {
		t.Fatalf("forfeit: %v", err)
	}
	if res.Hold.Status != ledger.HoldForfeited || res.Hold.UnlockedAt != nil {
		t.Fatalf("unexpected forfeited hold: %+v", res.Hold)
	}
	f.wantBalance(t, a, 60_000, 0, 0)

	closing, err := f.store.GetEntry(ctx, res.EntryID)
	if err != nil {
		t.Fatalf("closing entry: %v", err)
	}
	if closing.Kind != ledger.KindHoldForfeited || closing.Amount != 40_000 {
		t.Fatalf("unexpected closing entry: %+v", closing)
	}
}

func TestForfeitHoldToSystemCreditsPlatform(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.System.Init(ctx); err != nil {
		t.Fatalf("init system: %v", err)
	}
	a := ledger.UserOwner("alice")
	f.fund(t, a, 100_000)
	h, err := f.svc.Escrow.PlaceHold(ctx, PlaceHoldRequest{Owner: a, Amount: 25_000, Reason: ledger.ReasonDisputeHold})
	if err != nil {
		t.Fatalf("place hold: %v", err)
	}
	if _, err := f.svc.Escrow.ForfeitHoldToSystem(ctx, h.ID, "lost dispute", ledger.EngineActor); err != nil {
		t.Fatalf("forfeit to system: %v", err)
	}
	f.wantBalance(t, a, 75_000, 0, 0)
	sys, err := f.svc.System.Balance(ctx)
	if err != nil {
		t.Fatalf("system balance: %v", err)
	}
	if sys.Available != 25_000 {
		t.Fatalf("platform available=%d want 25000", sys.Available)
	}
	f.assertReconciled(t)
}

func TestForfeitHoldToSystemRequiresPlatformAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := ledger.UserOwner("alice")
	f.fund(t, a, 10_000)
	h, err := f.svc.Escrow.PlaceHold(ctx, PlaceHoldRequest{Owner: a, Amount: 5_000, Reason: ledger.ReasonDisputeHold})
	if err != nil {
		t.Fatalf("place hold: %v", err)
	}
	if _, err := f.svc.Escrow.ForfeitHoldToSystem(ctx, h.ID, "lost dispute", ledger.EngineActor); !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Fatalf("expected account not found, got %v", err)
	}
	got, _ := f.svc.Escrow.GetHold(ctx, h.ID)
	if got.Status != ledger.HoldFrozen {
		t.Fatalf("failed forfeit must leave hold FROZEN, got %s", got.Status)
	}
	f.wantBalance(t, a, 5_000, 5_000, 0)
}

func TestConcurrentReleasesClaimHoldOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := ledger.UserOwner("alice")
	f.fund(t, a, 100_000)
	h, err := f.svc.Escrow.PlaceHold(ctx, PlaceHoldRequest{Owner: a, Amount: 40_000, Reason: ledger.ReasonFeeTransferHold})
	if err != nil {
		t.Fatalf("place hold: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := ledger.HoldUnlocked
			if i%2 == 0 {
				to = ledger.HoldReleased
			}
			res, err := f.svc.Escrow.ReleaseHold(ctx, h.ID, to, "race", ledger.EngineActor)
			if err != nil {
				t.Errorf("release %d: %v", i, err)
				return
			}
			if !res.AlreadyProcessed {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if claimed != 1 {
		t.Fatalf("expected exactly one claim, got %d", claimed)
	}
	f.wantBalance(t, a, 100_000, 0, 0)
}

func TestReleaseReturnsFundsToSuspendedAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := ledger.UserOwner("alice")
	f.fund(t, a, 20_000)
	h, err := f.svc.Escrow.PlaceHold(ctx, PlaceHoldRequest{Owner: a, Amount: 5_000, Reason: ledger.ReasonSystemHold})
	if err != nil {
		t.Fatalf("place hold: %v", err)
	}
	if _, err := f.engine.SetAccountStatus(ctx, a, ledger.AccountSuspended, ledger.EngineActor, "kyc"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if _, err := f.svc.Escrow.PlaceHold(ctx, PlaceHoldRequest{Owner: a, Amount: 1_000, Reason: ledger.ReasonSystemHold}); !errors.Is(err, ledger.ErrAccountBlocked) {
		t.Fatalf("suspended account must reject new holds, got %v", err)
	}
	if _, err := f.svc.Escrow.ReleaseHold(ctx, h.ID, ledger.HoldReleased, "cleared", ledger.EngineActor); err != nil {
		t.Fatalf("release into suspended account: %v", err)
	}
	f.wantBalance(t, a, 20_000, 0, 0)
}

func TestTransferWithHoldFreezesOnPayeeSide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	renter := ledger.UserOwner("renter")
	owner := ledger.UserOwner("owner")
	f.fund(t, renter, 100_000)

	res, err := f.svc.Escrow.TransferWithHold(ctx, TransferWithHoldRequest{
		From:    renter,
		To:      owner,
		Amount:  30_000,
		HoldFor: 24 * time.Hour,
		Tag:     "rental-9",
	})
	if err != nil {
		t.Fatalf("transfer with hold: %v", err)
	}
	if len(res.EntryIDs) != 2 || res.Hold.Reason != ledger.ReasonFeeTransferHold {
		t.Fatalf("unexpected result: %+v", res)
	}
	f.wantBalance(t, renter, 70_000, 0, 0)
	f.wantBalance(t, owner, 0, 30_000, 0)

	f.clk.Advance(24 * time.Hour)
	if _, err := f.svc.Sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	f.wantBalance(t, owner, 30_000, 0, 0)
	f.assertReconciled(t)
}

func TestTransferWithHoldIsAtomic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	renter := ledger.UserOwner("renter")
	owner := ledger.UserOwner("owner")
	f.fund(t, renter, 10_000)

	if _, err := f.svc.Escrow.TransferWithHold(ctx, TransferWithHoldRequest{From: renter, To: owner, Amount: 10_000, Reason: "nope"}); err == nil {
		t.Fatalf("expected invalid hold reason to fail")
	}
	f.wantBalance(t, renter, 10_000, 0, 0)
	f.wantBalance(t, owner, 0, 0, 0)
}

func TestHoldClosedNotificationAfterCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := ledger.UserOwner("alice")
	f.fund(t, a, 10_000)
	h, err := f.svc.Escrow.PlaceHold(ctx, PlaceHoldRequest{Owner: a, Amount: 1_000, Reason: ledger.ReasonSystemHold})
	if err != nil {
		t.Fatalf("place hold: %v", err)
	}
	f.notes.Drain()
	if _, err := f.svc.Escrow.ReleaseHold(ctx, h.ID, ledger.HoldReleased, "", ledger.EngineActor); err != nil {
		t.Fatalf("release: %v", err)
	}
	var closed int
	for _, ev := range f.notes.Drain() {
		if ev.Type == "hold.closed" && ev.ObjectID == h.ID {
			closed++
		}
	}
	if closed != 1 {
		t.Fatalf("expected one hold.closed event, got %d", closed)
	}
	if events := f.audit.EventsFor("hold", h.ID); len(events) != 2 {
		t.Fatalf("expected placed and released audit events, got %d", len(events))
	}
}
