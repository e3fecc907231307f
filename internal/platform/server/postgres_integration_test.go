package server

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/ledger"
)

const integrationLockKey = 0x65736372

func newPostgresFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := os.Getenv("ESCROW_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("set ESCROW_TEST_DATABASE_URL to run postgres integration tests")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	// Packages share the database; hold a session lock so truncation in one
	// cannot race another package's tests.
	conn, err := db.Conn(context.Background())
	if err != nil {
		t.Fatalf("postgres conn: %v", err)
	}
	if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_lock($1)`, integrationLockKey); err != nil {
		t.Fatalf("advisory lock: %v", err)
	}
	t.Cleanup(func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, integrationLockKey)
		_ = conn.Close()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ledger.Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	const q = `
TRUNCATE TABLE withdrawal_requests, escrow_holds, ledger_entries, accounts, audit_events
RESTART IDENTITY CASCADE
`
	if _, err := db.ExecContext(ctx, q); err != nil {
		t.Fatalf("truncate integration tables: %v", err)
	}
	return newFixtureWithStore(t, clock.NewManual(testEpoch), ledger.NewPostgresStore(db))
}

func TestPostgresDuplicateConfirmationsCreditOnce(t *testing.T) {
	f := newPostgresFixture(t)
	ctx := context.Background()
	a := ledger.UserOwner("pg-alice")
	if _, err := f.svc.Settlement.CreatePendingDeposit(ctx, PendingDeposit{Owner: a, Amount: 20_000, CorrelationID: "pg-webhook-1"}); err != nil {
		t.Fatalf("pending deposit: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	settled := 0
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Settlement.OnExternalPaymentConfirmed(ctx, "pg-webhook-1", true, "")
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

	late, err := f.svc.Settlement.OnExternalPaymentConfirmed(ctx, "pg-webhook-1", false, "late failure")
	if err != nil {
		t.Fatalf("late confirmation: %v", err)
	}
	if late.Outcome != OutcomeAlreadyProcessed || !late.Mismatch {
		t.Fatalf("expected a mismatched no-op, got %+v", late)
	}
	f.wantBalance(t, a, 20_000, 0, 0)
	f.assertReconciled(t)
}

func TestPostgresConcurrentWithdrawalDecisionsDisposeOnce(t *testing.T) {
	f := newPostgresFixture(t)
	ctx := context.Background()
	a := ledger.UserOwner("alice")
	f.fund(t, a, 100_000)
	w, err := f.svc.Withdrawals.RequestWithdrawal(ctx, "alice", 40_000, testPayout)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	decided := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := ledger.WithdrawalCompleted
			if i%2 == 1 {
				to = ledger.WithdrawalRejected
			}
			res, err := f.svc.Withdrawals.SetWithdrawalStatus(ctx, w.ID, admin, to, "")
			if err != nil {
				if !errors.Is(err, ledger.ErrInvalidTransition) {
					t.Errorf("decision %d: %v", i, err)
				}
				return
			}
			if !res.AlreadyProcessed {
				mu.Lock()
				decided++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if decided != 1 {
		t.Fatalf("expected exactly one disposition, got %d", decided)
	}
	final, err := f.svc.Withdrawals.GetWithdrawal(ctx, w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	switch final.Status {
	case ledger.WithdrawalCompleted:
		f.wantBalance(t, a, 60_000, 0, 0)
	case ledger.WithdrawalRejected:
		f.wantBalance(t, a, 100_000, 0, 0)
	default:
		t.Fatalf("unexpected final status %s", final.Status)
	}
	f.assertReconciled(t)
}
