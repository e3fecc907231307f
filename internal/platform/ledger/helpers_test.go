package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/clock"
)

var testEpoch = time.Date(2026, 2, 11, 18, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *MemoryStore, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(testEpoch)
	store := NewMemoryStore(clk)
	opts = append([]Option{WithClock(clk), WithBackoff(0)}, opts...)
	return NewEngine(store, opts...), store, clk
}

func fund(t *testing.T, e *Engine, owner Owner, amount int64) {
	t.Helper()
	_, err := e.Transfer(context.Background(), Transfer{
		Action:   "test_deposit",
		Actor:    EngineActor,
		External: true,
		Legs:     []Leg{Credit(owner, BucketAvailable, amount)},
		Entries:  []Entry{{Owner: owner, Kind: KindDeposit, Amount: amount, Counterparty: ExternalOwner("test")}},
	})
	if err != nil {
		t.Fatalf("fund %s: %v", owner, err)
	}
}

func balanceOf(t *testing.T, e *Engine, owner Owner) Balance {
	t.Helper()
	b, err := e.GetBalance(context.Background(), owner)
	if err != nil {
		t.Fatalf("balance %s: %v", owner, err)
	}
	return b
}

func assertAccountInvariants(t *testing.T, s Store) {
	t.Helper()
	accounts, err := s.ListAccounts(context.Background())
	if err != nil {
		t.Fatalf("list accounts: %v", err)
	}
	for _, a := range accounts {
		if err := a.CheckIntegrity(); err != nil {
			t.Fatalf("account invariant broken: %v", err)
		}
	}
}
