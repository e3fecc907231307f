package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/clock"
)

// MemoryStore keeps ledger state in process. Each account has its own lock
// so transfers on disjoint accounts run in parallel; mu only guards the maps
// for the short read and commit sections.
type MemoryStore struct {
	clk clock.Clock

	mu              sync.RWMutex
	locks           map[string]chan struct{}
	accounts        map[string]Account
	entries         map[string]Entry
	entryOrder      []string
	correlations    map[string]string
	holds           map[string]Hold
	holdOrder       []string
	withdrawals     map[string]Withdrawal
	withdrawalOrder []string
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &MemoryStore{
		clk:          clk,
		locks:        make(map[string]chan struct{}),
		accounts:     make(map[string]Account),
		entries:      make(map[string]Entry),
		correlations: make(map[string]string),
		holds:        make(map[string]Hold),
		withdrawals:  make(map[string]Withdrawal),
	}
}

func (s *MemoryStore) lockFor(key string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	return ch
}

func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memTx{
		s:           s,
		held:        make(map[string]bool),
		accounts:    make(map[string]Account),
		dirty:       make(map[string]bool),
		created:     make(map[string]bool),
		entries:     make(map[string]Entry),
		holds:       make(map[string]Hold),
		withdrawals: make(map[string]Withdrawal),
	}, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, owner Owner) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[owner.Key()]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return a, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (s *MemoryStore) GetEntry(_ context.Context, id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return e.clone(), nil
}

func (s *MemoryStore) EntryByCorrelation(ctx context.Context, correlationID string) (Entry, error) {
	s.mu.RLock()
	id, ok := s.correlations[correlationID]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return s.GetEntry(ctx, id)
}

func (s *MemoryStore) ListEntries(_ context.Context, f EntryFilter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0)
	skipped := 0
	for _, id := range s.entryOrder {
		e := s.entries[id]
		if !f.matches(e) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, e.clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) GetHold(_ context.Context, id string) (Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.holds[id]
	if !ok {
		return Hold{}, ErrHoldNotFound
	}
	return h.clone(), nil
}

func (s *MemoryStore) ListHolds(_ context.Context, f HoldFilter) ([]Hold, error) {
	s.mu.RLock()
	out := make([]Hold, 0)
	for _, id := range s.holdOrder {
		h := s.holds[id]
		if f.matches(h) {
			out = append(out, h.clone())
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].UnlocksAt.Before(out[j].UnlocksAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) GetWithdrawal(_ context.Context, id string) (Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.withdrawals[id]
	if !ok {
		return Withdrawal{}, ErrWithdrawalNotFound
	}
	return w.clone(), nil
}

func (s *MemoryStore) ListWithdrawals(_ context.Context, f WithdrawalFilter) ([]Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Withdrawal, 0)
	for _, id := range s.withdrawalOrder {
		w := s.withdrawals[id]
		if !f.matches(w) {
			continue
		}
		out = append(out, w.clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

type memTx struct {
	s    *MemoryStore
	done bool

	held    map[string]bool
	order   []string
	maxHeld string

	accounts map[string]Account
	dirty    map[string]bool
	created  map[string]bool

	entries      map[string]Entry
	newEntries   []string
	correlations map[string]string

	holds    map[string]Hold
	newHolds []string

	withdrawals    map[string]Withdrawal
	newWithdrawals []string
}

func (t *memTx) Lock(ctx context.Context, owners ...Owner) error {
	if t.done {
		return ErrTxDone
	}
	byKey := make(map[string]Owner, len(owners))
	keys := make([]string, 0, len(owners))
	for _, o := range owners {
		if err := o.Validate(); err != nil {
			return err
		}
		k := o.Key()
		if t.held[k] {
			continue
		}
		if _, dup := byKey[k]; dup {
			continue
		}
		byKey[k] = o
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)
	if t.maxHeld != "" && keys[0] < t.maxHeld {
		return ErrLockOrder
	}
	for _, k := range keys {
		if err := t.acquire(ctx, k); err != nil {
			return err
		}
		t.s.mu.RLock()
		a, ok := t.s.accounts[k]
		t.s.mu.RUnlock()
		if !ok {
			o := byKey[k]
			if o.IsSystem() {
				return ErrAccountNotFound
			}
			a = NewAccount(uuid.NewString(), o, t.s.clk.Now().UTC())
			t.created[k] = true
			t.dirty[k] = true
		}
		t.accounts[k] = a
	}
	return nil
}

func (t *memTx) acquire(ctx context.Context, key string) error {
	ch := t.s.lockFor(key)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.held[key] = true
	t.order = append(t.order, key)
	t.maxHeld = key
	return nil
}

func (t *memTx) release() {
	for i := len(t.order) - 1; i >= 0; i-- {
		<-t.s.lockFor(t.order[i])
	}
	t.order = nil
	t.held = map[string]bool{}
}

func (t *memTx) requireLock(o Owner) error {
	if o.Kind == OwnerExternal {
		return nil
	}
	if !t.held[o.Key()] {
		return ErrNotLocked
	}
	return nil
}

func (t *memTx) Account(owner Owner) (Account, error) {
	if err := t.requireLock(owner); err != nil {
		return Account{}, err
	}
	a, ok := t.accounts[owner.Key()]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return a, nil
}

func (t *memTx) PutAccount(_ context.Context, a Account) error {
	if t.done {
		return ErrTxDone
	}
	if err := t.requireLock(a.Owner); err != nil {
		return err
	}
	if _, ok := t.accounts[a.Key()]; !ok {
		return ErrAccountNotFound
	}
	a.Version++
	t.accounts[a.Key()] = a
	t.dirty[a.Key()] = true
	return nil
}

func (t *memTx) CreateSystemAccount(ctx context.Context, id string, now time.Time) (Account, error) {
	if t.done {
		return Account{}, ErrTxDone
	}
	k := SystemOwner().Key()
	if !t.held[k] {
		if t.maxHeld != "" && k < t.maxHeld {
			return Account{}, ErrLockOrder
		}
		if err := t.acquire(ctx, k); err != nil {
			return Account{}, err
		}
	}
	t.s.mu.RLock()
	_, exists := t.s.accounts[k]
	t.s.mu.RUnlock()
	if exists || t.created[k] {
		return Account{}, ErrSystemAccountExists
	}
	a := NewAccount(id, SystemOwner(), now)
	t.accounts[k] = a
	t.created[k] = true
	t.dirty[k] = true
	return a, nil
}

func (t *memTx) InsertEntry(_ context.Context, e Entry) error {
	if t.done {
		return ErrTxDone
	}
	if err := t.requireLock(e.Owner); err != nil {
		return err
	}
	if _, ok := t.entries[e.ID]; ok {
		return ErrIntegrity
	}
	if e.CorrelationID != "" {
		if _, ok := t.correlations[e.CorrelationID]; ok {
			return ErrDuplicateCorrelation
		}
		t.s.mu.RLock()
		_, ok := t.s.correlations[e.CorrelationID]
		t.s.mu.RUnlock()
		if ok {
			return ErrDuplicateCorrelation
		}
		if t.correlations == nil {
			t.correlations = make(map[string]string)
		}
		t.correlations[e.CorrelationID] = e.ID
	}
	t.entries[e.ID] = e.clone()
	t.newEntries = append(t.newEntries, e.ID)
	return nil
}

func (t *memTx) Entry(_ context.Context, id string) (Entry, error) {
	if e, ok := t.entries[id]; ok {
		return e.clone(), nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	e, ok := t.s.entries[id]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return e.clone(), nil
}

func (t *memTx) UpdateEntry(ctx context.Context, e Entry) error {
	if t.done {
		return ErrTxDone
	}
	cur, err := t.Entry(ctx, e.ID)
	if err != nil {
		return err
	}
	if err := t.requireLock(cur.Owner); err != nil {
		return err
	}
	if cur.Status.Terminal() {
		return ErrEntryFinalized
	}
	t.entries[e.ID] = e.clone()
	return nil
}

func (t *memTx) InsertHold(_ context.Context, h Hold) error {
	if t.done {
		return ErrTxDone
	}
	if err := t.requireLock(h.Owner); err != nil {
		return err
	}
	t.holds[h.ID] = h.clone()
	t.newHolds = append(t.newHolds, h.ID)
	return nil
}

func (t *memTx) Hold(_ context.Context, id string) (Hold, error) {
	if h, ok := t.holds[id]; ok {
		return h.clone(), nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	h, ok := t.s.holds[id]
	if !ok {
		return Hold{}, ErrHoldNotFound
	}
	return h.clone(), nil
}

func (t *memTx) ClaimHold(ctx context.Context, id string, to HoldStatus, reason string, at time.Time) (Hold, bool, error) {
	if t.done {
		return Hold{}, false, ErrTxDone
	}
	if !to.Disposition() {
		return Hold{}, false, ErrInvalidDisposition
	}
	h, err := t.Hold(ctx, id)
	if err != nil {
		return Hold{}, false, err
	}
	if err := t.requireLock(h.Owner); err != nil {
		return Hold{}, false, err
	}
	if h.Status != HoldFrozen {
		return h, false, nil
	}
	h = h.close(to, reason, at)
	t.holds[id] = h
	return h.clone(), true, nil
}

func (t *memTx) FrozenHoldTotal(_ context.Context, accountID string) (int64, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	var total int64
	for id, h := range t.s.holds {
		if staged, ok := t.holds[id]; ok {
			h = staged
		}
		if h.AccountID == accountID && h.Status == HoldFrozen {
			total += h.Amount
		}
	}
	for _, id := range t.newHolds {
		if h := t.holds[id]; h.AccountID == accountID && h.Status == HoldFrozen {
			total += h.Amount
		}
	}
	return total, nil
}

func (t *memTx) InsertWithdrawal(_ context.Context, w Withdrawal) error {
	if t.done {
		return ErrTxDone
	}
	if err := t.requireLock(w.Owner()); err != nil {
		return err
	}
	t.withdrawals[w.ID] = w.clone()
	t.newWithdrawals = append(t.newWithdrawals, w.ID)
	return nil
}

func (t *memTx) Withdrawal(_ context.Context, id string) (Withdrawal, error) {
	if w, ok := t.withdrawals[id]; ok {
		return w.clone(), nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	w, ok := t.s.withdrawals[id]
	if !ok {
		return Withdrawal{}, ErrWithdrawalNotFound
	}
	return w.clone(), nil
}

func (t *memTx) UpdateWithdrawal(ctx context.Context, w Withdrawal, from WithdrawalStatus) (bool, error) {
	if t.done {
		return false, ErrTxDone
	}
	cur, err := t.Withdrawal(ctx, w.ID)
	if err != nil {
		return false, err
	}
	if err := t.requireLock(cur.Owner()); err != nil {
		return false, err
	}
	if cur.Status != from {
		return false, nil
	}
	t.withdrawals[w.ID] = w.clone()
	return true, nil
}

func (t *memTx) SumWithdrawals(_ context.Context, userID string, since time.Time, statuses []WithdrawalStatus) (int64, error) {
	counts := func(w Withdrawal) bool {
		if w.UserID != userID || w.CreatedAt.Before(since) {
			return false
		}
		for _, s := range statuses {
			if w.Status == s {
				return true
			}
		}
		return false
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	var total int64
	for id, w := range t.s.withdrawals {
		if staged, ok := t.withdrawals[id]; ok {
			w = staged
		}
		if counts(w) {
			total += w.Amount
		}
	}
	for _, id := range t.newWithdrawals {
		if w := t.withdrawals[id]; counts(w) {
			total += w.Amount
		}
	}
	return total, nil
}

func (t *memTx) Commit(_ context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	defer t.release()

	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for corr := range t.correlations {
		if _, ok := t.s.correlations[corr]; ok {
			return ErrDuplicateCorrelation
		}
	}
	for k := range t.created {
		if _, ok := t.s.accounts[k]; ok && k == SystemOwner().Key() {
			return ErrSystemAccountExists
		}
	}

	for k := range t.dirty {
		t.s.accounts[k] = t.accounts[k]
	}
	for id, e := range t.entries {
		t.s.entries[id] = e
	}
	t.s.entryOrder = append(t.s.entryOrder, t.newEntries...)
	for corr, id := range t.correlations {
		t.s.correlations[corr] = id
	}
	for id, h := range t.holds {
		t.s.holds[id] = h
	}
	t.s.holdOrder = append(t.s.holdOrder, t.newHolds...)
	for id, w := range t.withdrawals {
		t.s.withdrawals[id] = w
	}
	t.s.withdrawalOrder = append(t.s.withdrawalOrder, t.newWithdrawals...)
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.release()
	return nil
}
