package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/notify"
)

func TestTransferBetweenAccountsConservesMoney(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()
	alice, bob := UserOwner("alice"), UserOwner("bob")
	fund(t, e, alice, 100000)
	fund(t, e, bob, 5000)

	beforeA, beforeB := balanceOf(t, e, alice), balanceOf(t, e, bob)
	res, err := e.TransferBetweenAccounts(ctx, alice, bob, 30000, "rent", EngineActor)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	afterA, afterB := balanceOf(t, e, alice), balanceOf(t, e, bob)
	if beforeA.Total()+beforeB.Total() != afterA.Total()+afterB.Total() {
		t.Fatalf("money not conserved: before=%d after=%d", beforeA.Total()+beforeB.Total(), afterA.Total()+afterB.Total())
	}
	if afterA.Available != 70000 || afterB.Available != 35000 {
		t.Fatalf("unexpected balances alice=%+v bob=%+v", afterA, afterB)
	}
	if len(res.EntryIDs) != 2 {
		t.Fatalf("expected transfer_out/transfer_in pair, got %d entries", len(res.EntryIDs))
	}
	if res.Balances[alice.Key()].Display != 70000 {
		t.Fatalf("expected result balance display 70000, got %+v", res.Balances[alice.Key()])
	}
	out, err := store.GetEntry(ctx, res.EntryIDs[0])
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	in, _ := store.GetEntry(ctx, res.EntryIDs[1])
	if out.Kind != KindTransferOut || in.Kind != KindTransferIn || out.Reference != in.Reference || out.Reference == "" {
		t.Fatalf("unexpected entry pair out=%+v in=%+v", out, in)
	}
	if out.Status != EntrySuccess || out.ProcessedAt == nil {
		t.Fatalf("expected finalized entry, got %+v", out)
	}
}

func TestTransferRejectsBeforeAnyMutation(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()
	alice, bob, carol := UserOwner("alice"), UserOwner("bob"), UserOwner("carol")
	fund(t, e, alice, 1000)
	fund(t, e, bob, 10)

	_, err := e.Transfer(ctx, Transfer{
		Legs: []Leg{
			Debit(alice, BucketAvailable, 500),
			Debit(bob, BucketAvailable, 500),
			Credit(carol, BucketAvailable, 1000),
		},
		Entries: []Entry{{Owner: carol, Kind: KindPayment, Amount: 1000}},
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if got := balanceOf(t, e, alice); got.Available != 1000 {
		t.Fatalf("expected alice untouched, got %+v", got)
	}
	if got := balanceOf(t, e, carol); got.Display != 0 {
		t.Fatalf("expected carol untouched, got %+v", got)
	}
	entries, _ := store.ListEntries(ctx, EntryFilter{Kinds: []EntryKind{KindPayment}})
	if len(entries) != 0 {
		t.Fatalf("expected no entries after rejected transfer, got %d", len(entries))
	}
}

func TestTransferValidation(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	alice, bob := UserOwner("alice"), UserOwner("bob")
	fund(t, e, alice, 1000)

	if _, err := e.Transfer(ctx, Transfer{Legs: []Leg{Debit(alice, BucketAvailable, 100)}}); !errors.Is(err, ErrUnbalancedTransfer) {
		t.Fatalf("expected unbalanced internal transfer rejection, got %v", err)
	}
	if _, err := e.Transfer(ctx, Transfer{}); !errors.Is(err, ErrEmptyTransfer) {
		t.Fatalf("expected empty transfer rejection, got %v", err)
	}
	if _, err := e.Transfer(ctx, Transfer{Legs: []Leg{{Owner: alice, Bucket: "bonus", Delta: 1}, Credit(bob, BucketAvailable, 1)}}); !errors.Is(err, ErrUnknownBucket) {
		t.Fatalf("expected unknown bucket, got %v", err)
	}
	if _, err := e.TransferBetweenAccounts(ctx, alice, bob, 0, "", EngineActor); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	if _, err := e.TransferBetweenAccounts(ctx, alice, alice, 10, "", EngineActor); !errors.Is(err, ErrInvalidOwner) {
		t.Fatalf("expected same-account rejection, got %v", err)
	}
	if _, err := e.TransferBetweenAccounts(ctx, alice, SystemOwner(), 10, "", EngineActor); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected missing system account, got %v", err)
	}
	_, err := e.Transfer(ctx, Transfer{
		Legs: []Leg{Debit(alice, BucketFrozen, 10), Credit(alice, BucketAvailable, 10)},
	})
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected integrity error releasing unreserved funds, got %v", err)
	}
	if Classify(err) != ClassIntegrity {
		t.Fatalf("expected integrity class, got %s", Classify(err))
	}
}

func TestTransferRejectsInt64Overflow(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	a, b, c, d := UserOwner("a"), UserOwner("b"), UserOwner("c"), UserOwner("d")
	fund(t, e, a, 10)

	// MaxInt64 + MaxInt64 + 2 wraps to zero and would pass as balanced.
	_, err := e.Transfer(ctx, Transfer{Legs: []Leg{
		Credit(b, BucketAvailable, math.MaxInt64),
		Credit(c, BucketAvailable, math.MaxInt64),
		Credit(d, BucketAvailable, 2),
	}})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected overflow rejection for wrapping internal credits, got %v", err)
	}

	_, err = e.Transfer(ctx, Transfer{External: true, Legs: []Leg{Credit(a, BucketAvailable, math.MaxInt64)}})
	if !errors.Is(err, ErrInvalidAmount) || errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected bucket overflow as invalid amount, got %v", err)
	}

	fund(t, e, d, math.MaxInt64-10)
	_, err = e.Transfer(ctx, Transfer{External: true, Legs: []Leg{Credit(d, BucketPending, 20)}})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected display total overflow rejection, got %v", err)
	}

	if _, err := e.Transfer(ctx, Transfer{External: true, Legs: []Leg{{Owner: a, Bucket: BucketAvailable, Delta: math.MinInt64}}}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected MinInt64 delta rejection, got %v", err)
	}

	if got := balanceOf(t, e, a); got.Available != 10 || got.Display != 10 {
		t.Fatalf("rejected transfers must not touch a: %+v", got)
	}
	for _, o := range []Owner{b, c} {
		if got := balanceOf(t, e, o); got.Available != 0 || got.Display != 0 {
			t.Fatalf("rejected transfer must not credit %s: %+v", o, got)
		}
	}
	if got := balanceOf(t, e, d); got.Available != math.MaxInt64-10 || got.Pending != 0 {
		t.Fatalf("rejected pending credit must not touch d: %+v", got)
	}
}

func TestAccountIntegrityDetectsOverflowingTotal(t *testing.T) {
	a := NewAccount("acc-1", UserOwner("a"), testEpoch)
	a.Available, a.Pending = math.MaxInt64, 1
	a.Display = math.MinInt64
	if err := a.CheckIntegrity(); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected integrity error for an overflowing total, got %v", err)
	}
}

func TestSuspendedAccountRejectsDebitsButAcceptsCredits(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	alice, bob := UserOwner("alice"), UserOwner("bob")
	fund(t, e, alice, 1000)
	fund(t, e, bob, 1000)

	a, err := e.SetAccountStatus(ctx, alice, AccountSuspended, Actor{ID: "admin-1", Type: "operator"}, "kyc review")
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if a.Status != AccountSuspended {
		t.Fatalf("expected suspended, got %s", a.Status)
	}
	if _, err := e.TransferBetweenAccounts(ctx, alice, bob, 10, "", EngineActor); !errors.Is(err, ErrAccountBlocked) {
		t.Fatalf("expected blocked debit, got %v", err)
	}
	if _, err := e.TransferBetweenAccounts(ctx, bob, alice, 10, "", EngineActor); err != nil {
		t.Fatalf("expected credit to suspended account to succeed, got %v", err)
	}
	if _, err := e.SetAccountStatus(ctx, alice, "CLOSED", EngineActor, ""); err == nil {
		t.Fatalf("expected unknown status rejection")
	}
	if _, err := e.SetAccountStatus(ctx, alice, AccountActive, EngineActor, "cleared"); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if _, err := e.TransferBetweenAccounts(ctx, alice, bob, 10, "", EngineActor); err != nil {
		t.Fatalf("expected debit after reactivation, got %v", err)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()
	payer := UserOwner("payer")
	fund(t, e, payer, 100)

	var wg sync.WaitGroup
	var succeeded, insufficient int32
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.TransferBetweenAccounts(ctx, payer, UserOwner(fmt.Sprintf("payee-%d", i)), 60, "race", EngineActor)
			switch {
			case err == nil:
				atomic.AddInt32(&succeeded, 1)
			case errors.Is(err, ErrInsufficientFunds):
				atomic.AddInt32(&insufficient, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if succeeded != 1 || insufficient != 1 {
		t.Fatalf("expected exactly one success and one insufficient, got success=%d insufficient=%d", succeeded, insufficient)
	}
	if got := balanceOf(t, e, payer); got.Available != 40 {
		t.Fatalf("expected 40 left, got %+v", got)
	}
	assertAccountInvariants(t, store)
}

func TestRandomizedTransfersPreserveInvariants(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	owners := make([]Owner, 0, 6)
	var total int64
	for i := 0; i < 6; i++ {
		o := UserOwner(fmt.Sprintf("u-%d", i))
		owners = append(owners, o)
		amount := int64(1000 + rng.Intn(5000))
		fund(t, e, o, amount)
		total += amount
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		seed := rng.Int63()
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < 150; i++ {
				from := owners[r.Intn(len(owners))]
				to := owners[r.Intn(len(owners))]
				if from == to {
					continue
				}
				amount := int64(1 + r.Intn(1500))
				_, err := e.TransferBetweenAccounts(ctx, from, to, amount, "random", EngineActor)
				if err != nil && !errors.Is(err, ErrInsufficientFunds) {
					t.Errorf("unexpected transfer error: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	var after int64
	for _, o := range owners {
		after += balanceOf(t, e, o).Total()
	}
	if after != total {
		t.Fatalf("money created or destroyed: before=%d after=%d", total, after)
	}
	assertAccountInvariants(t, store)
}

type countingObserver struct {
	mu        sync.Mutex
	transfers map[string]int
	failures  map[string]int
	retries   map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{transfers: map[string]int{}, failures: map[string]int{}, retries: map[string]int{}}
}

func (o *countingObserver) ObserveTransfer(action string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.failures[action]++
		return
	}
	o.transfers[action]++
}

func (o *countingObserver) ObserveConflictRetry(action string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries[action]++
}

// conflictStore fails the first n commits with a transient conflict.
type conflictStore struct {
	Store
	remaining int32
}

type conflictTx struct {
	Tx
	s *conflictStore
}

func (s *conflictStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &conflictTx{Tx: tx, s: s}, nil
}

func (t *conflictTx) Commit(ctx context.Context) error {
	if atomic.AddInt32(&t.s.remaining, -1) >= 0 {
		_ = t.Tx.Rollback()
		return fmt.Errorf("%w: simulated serialization failure", ErrConflict)
	}
	return t.Tx.Commit(ctx)
}

func TestExecuteRetriesTransientConflicts(t *testing.T) {
	base, _, _ := newTestEngine(t)
	alice, bob := UserOwner("alice"), UserOwner("bob")
	fund(t, base, alice, 1000)

	obs := newCountingObserver()
	cs := &conflictStore{Store: base.Store(), remaining: 2}
	e := NewEngine(cs, WithBackoff(0), WithObserver(obs), WithMaxAttempts(3))
	if _, err := e.TransferBetweenAccounts(context.Background(), alice, bob, 100, "", EngineActor); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if obs.retries["transfer_between_accounts"] != 2 || obs.transfers["transfer_between_accounts"] != 1 {
		t.Fatalf("unexpected observer counts retries=%v transfers=%v", obs.retries, obs.transfers)
	}
	if got := balanceOf(t, e, bob); got.Available != 100 {
		t.Fatalf("expected single credit after retries, got %+v", got)
	}

	cs.remaining = 10
	_, err := e.TransferBetweenAccounts(context.Background(), alice, bob, 100, "", EngineActor)
	if !errors.Is(err, ErrConflict) || Classify(err) != ClassConflict {
		t.Fatalf("expected surfaced conflict after exhausting attempts, got %v", err)
	}
	if got := balanceOf(t, e, bob); got.Available != 100 {
		t.Fatalf("expected no credit from failed attempts, got %+v", got)
	}
}

func TestExecuteDoesNotRetryBusinessErrors(t *testing.T) {
	obs := newCountingObserver()
	e, _, _ := newTestEngine(t, WithObserver(obs))
	var calls int
	err := e.Execute(context.Background(), Op{Action: "noop"}, func(u *Unit) error {
		calls++
		return ErrInsufficientFunds
	})
	if !errors.Is(err, ErrInsufficientFunds) || calls != 1 {
		t.Fatalf("expected one call and insufficient funds, got calls=%d err=%v", calls, err)
	}
	if obs.failures["noop"] != 1 {
		t.Fatalf("expected failure observed, got %v", obs.failures)
	}
}

func TestGetBalanceCreatesUserAccountLazily(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()
	if _, err := store.GetAccount(ctx, UserOwner("new")); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected no account before first use, got %v", err)
	}
	b := balanceOf(t, e, UserOwner("new"))
	if b != (Balance{}) {
		t.Fatalf("expected zero balance, got %+v", b)
	}
	a, err := store.GetAccount(ctx, UserOwner("new"))
	if err != nil || a.Status != AccountActive || a.ID == "" {
		t.Fatalf("expected created active account, got %+v err=%v", a, err)
	}
	if _, err := e.GetBalance(ctx, SystemOwner()); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected system account to not be created lazily, got %v", err)
	}
	if _, err := e.GetBalance(ctx, ExternalOwner("gateway")); !errors.Is(err, ErrInvalidOwner) {
		t.Fatalf("expected external owner rejection, got %v", err)
	}
}

func TestUnitAfterCommitHooksAndAudit(t *testing.T) {
	sink := audit.NewInMemoryStore()
	rec := notify.NewRecorder(16)
	e, _, _ := newTestEngine(t, WithAuditSink(sink), WithNotifier(rec))
	ctx := context.Background()
	alice := UserOwner("alice")

	var ran bool
	err := e.Execute(ctx, Op{Action: "seed", Actor: Actor{ID: "op-1", Type: "operator"}}, func(u *Unit) error {
		if err := u.Lock(ctx, alice); err != nil {
			return err
		}
		if err := u.Apply(ctx, []Leg{Credit(alice, BucketAvailable, 500)}, true); err != nil {
			return err
		}
		if _, err := u.Record(ctx, Entry{Owner: alice, Kind: KindDeposit, Amount: 500}); err != nil {
			return err
		}
		u.AfterCommit(func(context.Context) { ran = true })
		return nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !ran {
		t.Fatalf("expected after-commit hook to run")
	}
	events := sink.EventsFor("account", alice.Key())
	if len(events) != 1 || events[0].ActorID != "op-1" || events[0].Action != "seed" {
		t.Fatalf("unexpected account audit events: %+v", events)
	}
	if idx := audit.VerifyChain(sink.Events()); idx != -1 {
		t.Fatalf("audit chain broken at %d", idx)
	}
	notes := rec.Drain()
	if len(notes) != 1 || notes[0].Owner != alice.Key() || notes[0].Available != 500 {
		t.Fatalf("unexpected notifications: %+v", notes)
	}

	ran = false
	_ = e.Execute(ctx, Op{Action: "fail"}, func(u *Unit) error {
		u.AfterCommit(func(context.Context) { ran = true })
		return errors.New("boom")
	})
	if ran {
		t.Fatalf("hook must not run when the unit fails")
	}
}

func TestDuplicateCorrelationRejected(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	alice := UserOwner("alice")
	record := func() error {
		return e.Execute(ctx, Op{Action: "pending_deposit"}, func(u *Unit) error {
			if err := u.Lock(ctx, alice); err != nil {
				return err
			}
			_, err := u.Record(ctx, Entry{Owner: alice, Kind: KindDeposit, Amount: 10, Status: EntryPending, CorrelationID: "order-1"})
			return err
		})
	}
	if err := record(); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if err := record(); !errors.Is(err, ErrDuplicateCorrelation) {
		t.Fatalf("expected duplicate correlation, got %v", err)
	}
}

func TestHistoryFilters(t *testing.T) {
	e, _, clk := newTestEngine(t)
	ctx := context.Background()
	alice, bob := UserOwner("alice"), UserOwner("bob")
	fund(t, e, alice, 1000)
	clk.Advance(time.Hour)
	if _, err := e.TransferBetweenAccounts(ctx, alice, bob, 100, "", EngineActor); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	clk.Advance(time.Hour)
	if _, err := e.TransferBetweenAccounts(ctx, alice, bob, 200, "", EngineActor); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	all, err := e.History(ctx, EntryFilter{Owner: &alice})
	if err != nil || len(all) != 3 {
		t.Fatalf("expected 3 alice entries, got %d err=%v", len(all), err)
	}
	outs, _ := e.History(ctx, EntryFilter{Owner: &alice, Kinds: []EntryKind{KindTransferOut}})
	if len(outs) != 2 {
		t.Fatalf("expected 2 transfer_out entries, got %d", len(outs))
	}
	ranged, _ := e.History(ctx, EntryFilter{From: testEpoch.Add(90 * time.Minute), To: testEpoch.Add(3 * time.Hour)})
	if len(ranged) != 2 || ranged[0].Amount != 200 {
		t.Fatalf("expected last transfer pair in range, got %+v", ranged)
	}
	paged, _ := e.History(ctx, EntryFilter{Owner: &alice, Limit: 1, Offset: 1})
	if len(paged) != 1 || paged[0].Kind != KindTransferOut || paged[0].Amount != 100 {
		t.Fatalf("unexpected paged history: %+v", paged)
	}
	if _, err := e.History(ctx, EntryFilter{From: testEpoch.Add(time.Hour), To: testEpoch}); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected invalid range, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Class
	}{
		{nil, ClassNone},
		{ErrInsufficientFunds, ClassValidation},
		{fmt.Errorf("x: %w", ErrAccountBlocked), ClassValidation},
		{ErrHoldNotFound, ClassNotFound},
		{fmt.Errorf("x: %w", ErrConflict), ClassConflict},
		{integrity("user:a", "broken"), ClassIntegrity},
		{errors.New("disk on fire"), ClassInternal},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
