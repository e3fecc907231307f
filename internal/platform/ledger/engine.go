package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/notify"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts = 5
	defaultBackoff     = 10 * time.Millisecond
	maxBackoff         = 250 * time.Millisecond
)

// Actor is whoever asked for a mutation. It is recorded in the audit trail.
type Actor struct {
	ID   string
	Type string
}

var EngineActor = Actor{ID: "escrow-engine", Type: "service"}

// Observer receives engine outcomes; server.Metrics implements it.
type Observer interface {
	ObserveTransfer(action string, err error)
	ObserveConflictRetry(action string)
}

// Op names one logical operation for retries, logs and the audit trail.
type Op struct {
	Action string
	Actor  Actor
}

type Engine struct {
	store       Store
	clk         clock.Clock
	log         *zap.Logger
	maxAttempts int
	backoff     time.Duration
	observer    Observer
	audit       audit.Sink
	notifier    notify.Notifier
}

type Option func(*Engine)

func WithClock(clk clock.Clock) Option {
	return func(e *Engine) {
		if clk != nil {
			e.clk = clk
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

func WithBackoff(d time.Duration) Option {
	return func(e *Engine) { e.backoff = d }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

func WithAuditSink(s audit.Sink) Option {
	return func(e *Engine) { e.audit = s }
}

func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		clk:         clock.RealClock{},
		log:         zap.NewNop(),
		maxAttempts: DefaultMaxAttempts,
		backoff:     defaultBackoff,
		notifier:    notify.Nop{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Store() Store { return e.store }

func (e *Engine) Logger() *zap.Logger { return e.log }

func (e *Engine) Notifier() notify.Notifier { return e.notifier }

func (e *Engine) Now() time.Time { return e.clk.Now().UTC() }

// Execute runs fn inside one atomic unit. Transient conflicts abort the
// unit and rerun fn from scratch, up to the configured attempt count; any
// other error is returned as is. Hooks registered through the unit run only
// after a successful commit.
func (e *Engine) Execute(ctx context.Context, op Op, fn func(u *Unit) error) error {
	var err error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		var u *Unit
		u, err = e.runOnce(ctx, op, fn)
		if err == nil {
			e.afterCommit(ctx, u)
			e.observe(op.Action, nil)
			return nil
		}
		if !errors.Is(err, ErrConflict) || attempt == e.maxAttempts {
			break
		}
		if e.observer != nil {
			e.observer.ObserveConflictRetry(op.Action)
		}
		e.log.Debug("transient conflict, retrying", zap.String("action", op.Action), zap.Int("attempt", attempt), zap.Error(err))
		if werr := e.wait(ctx, attempt); werr != nil {
			err = werr
			break
		}
	}
	if errors.Is(err, ErrIntegrity) {
		e.log.Error("ledger integrity violation", zap.String("action", op.Action), zap.String("actor", op.Actor.ID), zap.Error(err))
	}
	e.observe(op.Action, err)
	return err
}

func (e *Engine) observe(action string, err error) {
	if e.observer != nil {
		e.observer.ObserveTransfer(action, err)
	}
}

func (e *Engine) wait(ctx context.Context, attempt int) error {
	if e.backoff <= 0 {
		return ctx.Err()
	}
	d := e.backoff << (attempt - 1)
	if d > maxBackoff {
		d = maxBackoff
	}
	d += rand.N(d/2 + 1)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) runOnce(ctx context.Context, op Op, fn func(u *Unit) error) (*Unit, error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	u := &Unit{
		tx:      tx,
		op:      op,
		now:     e.Now(),
		before:  make(map[string][]byte),
		changed: make(map[string]Account),
	}
	if err := fn(u); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return u, nil
}

func (e *Engine) afterCommit(ctx context.Context, u *Unit) {
	for _, k := range u.changedOrder {
		a := u.changed[k]
		u.audits = append(u.audits, audit.Event{
			ObjectType: "account",
			ObjectID:   k,
			Action:     u.op.Action,
			Before:     u.before[k],
			After:      a.Snapshot(),
		})
	}
	if e.audit != nil {
		for _, ev := range u.audits {
			ev.AuditID = uuid.NewString()
			ev.OccurredAt = u.now
			ev.RecordedAt = e.Now()
			ev.ActorID = u.op.Actor.ID
			ev.ActorType = u.op.Actor.Type
			ev.Result = audit.ResultSuccess
			if _, err := e.audit.Append(ctx, ev); err != nil {
				e.log.Error("audit append failed", zap.String("action", u.op.Action), zap.String("object", ev.ObjectType+"/"+ev.ObjectID), zap.Error(err))
			}
		}
	}
	for _, k := range u.changedOrder {
		a := u.changed[k]
		ev := notify.Event{
			Type:       notify.EventBalanceChanged,
			Action:     u.op.Action,
			Owner:      k,
			AccountID:  a.ID,
			Available:  a.Available,
			Frozen:     a.Frozen,
			Pending:    a.Pending,
			Display:    a.Display,
			Status:     string(a.Status),
			OccurredAt: u.now,
		}
		if err := e.notifier.Notify(ctx, ev); err != nil {
			e.log.Warn("balance notification failed", zap.String("owner", k), zap.Error(err))
		}
	}
	for _, hook := range u.hooks {
		hook(ctx)
	}
}

// Leg is one signed change to one bucket of one account.
type Leg struct {
	Owner  Owner
	Bucket Bucket
	Delta  int64
}

func Debit(o Owner, b Bucket, amount int64) Leg  { return Leg{Owner: o, Bucket: b, Delta: -amount} }
func Credit(o Owner, b Bucket, amount int64) Leg { return Leg{Owner: o, Bucket: b, Delta: amount} }

// Unit is the handle a service gets inside Execute.
type Unit struct {
	tx  Tx
	op  Op
	now time.Time

	before       map[string][]byte
	changed      map[string]Account
	changedOrder []string
	audits       []audit.Event
	hooks        []func(context.Context)
}

func (u *Unit) Tx() Tx         { return u.tx }
func (u *Unit) Now() time.Time { return u.now }
func (u *Unit) Actor() Actor   { return u.op.Actor }
func (u *Unit) Action() string { return u.op.Action }

// Lock takes the per-account locks for owners and snapshots their state for
// the audit trail.
func (u *Unit) Lock(ctx context.Context, owners ...Owner) error {
	if err := u.tx.Lock(ctx, owners...); err != nil {
		return err
	}
	for _, o := range owners {
		k := o.Key()
		if _, ok := u.before[k]; ok {
			continue
		}
		if a, err := u.tx.Account(o); err == nil {
			u.before[k] = a.Snapshot()
		}
	}
	return nil
}

func (u *Unit) Account(o Owner) (Account, error) {
	return u.tx.Account(o)
}

// Apply validates every leg against a private copy of the touched accounts
// and only then writes them back, so a rejected leg leaves nothing staged.
// Unless external is set the deltas must sum to zero.
func (u *Unit) Apply(ctx context.Context, legs []Leg, external bool) error {
	if len(legs) == 0 {
		return ErrEmptyTransfer
	}
	staged := make(map[string]Account, len(legs))
	order := make([]string, 0, len(legs))
	var sum int64
	for _, l := range legs {
		if !l.Bucket.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownBucket, l.Bucket)
		}
		if l.Delta == 0 || l.Delta == math.MinInt64 {
			return ErrInvalidAmount
		}
		k := l.Owner.Key()
		a, ok := staged[k]
		if !ok {
			var err error
			a, err = u.tx.Account(l.Owner)
			if err != nil {
				return err
			}
			order = append(order, k)
		}
		if l.Bucket == BucketAvailable && l.Delta < 0 && !a.Status.AllowsDebit() {
			return fmt.Errorf("%w: %s is %s", ErrAccountBlocked, k, a.Status)
		}
		if err := a.applyDelta(l.Bucket, l.Delta); err != nil {
			return err
		}
		staged[k] = a
		next, ok := addInt64(sum, l.Delta)
		if !ok {
			return fmt.Errorf("%w: net transfer delta overflows", ErrInvalidAmount)
		}
		sum = next
	}
	if !external && sum != 0 {
		return fmt.Errorf("%w: net %d", ErrUnbalancedTransfer, sum)
	}
	for _, k := range order {
		a := staged[k]
		a.recompute()
		a.UpdatedAt = u.now
		if err := a.CheckIntegrity(); err != nil {
			return err
		}
		if err := u.put(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

func (u *Unit) put(ctx context.Context, a Account) error {
	if err := u.tx.PutAccount(ctx, a); err != nil {
		return err
	}
	stored, err := u.tx.Account(a.Owner)
	if err != nil {
		return err
	}
	k := a.Key()
	if _, ok := u.changed[k]; !ok {
		u.changedOrder = append(u.changedOrder, k)
	}
	u.changed[k] = stored
	return nil
}

// SetStatus changes the administrative status of a locked account.
func (u *Unit) SetStatus(ctx context.Context, o Owner, status AccountStatus) (Account, error) {
	if !status.Valid() {
		return Account{}, fmt.Errorf("%w: unknown account status %q", ErrInvalidTransition, status)
	}
	a, err := u.tx.Account(o)
	if err != nil {
		return Account{}, err
	}
	a.Status = status
	a.UpdatedAt = u.now
	a.recompute()
	if err := u.put(ctx, a); err != nil {
		return Account{}, err
	}
	return u.tx.Account(o)
}

// Record inserts a ledger entry. Zero fields get defaults: a fresh id, the
// unit's timestamp, success status and the owner's account id.
func (u *Unit) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = u.now
	}
	if e.Status == "" {
		e.Status = EntrySuccess
	}
	if e.Status.Terminal() && e.ProcessedAt == nil {
		p := u.now
		e.ProcessedAt = &p
	}
	if e.AccountID == "" && e.Owner.Kind != OwnerExternal {
		a, err := u.tx.Account(e.Owner)
		if err != nil {
			return Entry{}, err
		}
		e.AccountID = a.ID
	}
	if err := e.Validate(); err != nil {
		return Entry{}, err
	}
	if err := u.tx.InsertEntry(ctx, e); err != nil {
		return Entry{}, err
	}
	u.Audit("entry", e.ID, "entry_recorded", nil, entrySnapshot(e))
	return e, nil
}

// Finalize moves a pending entry to a terminal status.
func (u *Unit) Finalize(ctx context.Context, id string, status EntryStatus, failureReason string) (Entry, error) {
	cur, err := u.tx.Entry(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	next, err := cur.Finalize(status, failureReason, u.now)
	if err != nil {
		return Entry{}, err
	}
	if err := u.tx.UpdateEntry(ctx, next); err != nil {
		return Entry{}, err
	}
	u.Audit("entry", id, "entry_"+string(status), entrySnapshot(cur), entrySnapshot(next))
	return next, nil
}

// Audit queues an audit event for an object other than an account balance.
func (u *Unit) Audit(objectType, objectID, action string, before, after []byte) {
	u.audits = append(u.audits, audit.Event{
		ObjectType: objectType,
		ObjectID:   objectID,
		Action:     action,
		Before:     before,
		After:      after,
	})
}

// AfterCommit registers fn to run once the unit has committed.
func (u *Unit) AfterCommit(fn func(ctx context.Context)) {
	u.hooks = append(u.hooks, fn)
}

func entrySnapshot(e Entry) []byte {
	b, _ := json.Marshal(map[string]any{
		"entry_id":       e.ID,
		"owner":          e.Owner.Key(),
		"kind":           e.Kind,
		"amount":         e.Amount,
		"status":         e.Status,
		"correlation_id": e.CorrelationID,
	})
	return b
}

// Transfer is a caller-described atomic mutation: legs plus the entries
// documenting them.
type Transfer struct {
	Action   string
	Actor    Actor
	Legs     []Leg
	External bool
	Entries  []Entry
}

type Result struct {
	EntryIDs []string
	Balances map[string]Balance
}

func (e *Engine) Transfer(ctx context.Context, t Transfer) (Result, error) {
	action := t.Action
	if action == "" {
		action = "transfer"
	}
	var res Result
	err := e.Execute(ctx, Op{Action: action, Actor: t.Actor}, func(u *Unit) error {
		owners := make([]Owner, 0, len(t.Legs))
		for _, l := range t.Legs {
			owners = append(owners, l.Owner)
		}
		if err := u.Lock(ctx, owners...); err != nil {
			return err
		}
		if err := u.Apply(ctx, t.Legs, t.External); err != nil {
			return err
		}
		res = Result{Balances: make(map[string]Balance, len(owners))}
		for _, in := range t.Entries {
			rec, err := u.Record(ctx, in)
			if err != nil {
				return err
			}
			res.EntryIDs = append(res.EntryIDs, rec.ID)
		}
		for _, o := range owners {
			a, err := u.Account(o)
			if err != nil {
				return err
			}
			res.Balances[o.Key()] = a.Balance()
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// TransferBetweenAccounts moves amount from one available bucket to another
// and writes the transfer_out/transfer_in pair.
func (e *Engine) TransferBetweenAccounts(ctx context.Context, from, to Owner, amount int64, reason string, actor Actor) (Result, error) {
	if amount <= 0 {
		return Result{}, ErrInvalidAmount
	}
	if from.Key() == to.Key() {
		return Result{}, fmt.Errorf("%w: source and destination are the same account", ErrInvalidOwner)
	}
	ref := uuid.NewString()
	return e.Transfer(ctx, Transfer{
		Action: "transfer_between_accounts",
		Actor:  actor,
		Legs:   []Leg{Debit(from, BucketAvailable, amount), Credit(to, BucketAvailable, amount)},
		Entries: []Entry{
			{Owner: from, Kind: KindTransferOut, Amount: amount, Counterparty: to, Reference: ref, Reason: reason},
			{Owner: to, Kind: KindTransferIn, Amount: amount, Counterparty: from, Reference: ref, Reason: reason},
		},
	})
}

// GetBalance returns the owner's buckets, creating a zero user account on
// first use.
func (e *Engine) GetBalance(ctx context.Context, owner Owner) (Balance, error) {
	if err := owner.Validate(); err != nil {
		return Balance{}, err
	}
	a, err := e.store.GetAccount(ctx, owner)
	if err == nil {
		return a.Balance(), nil
	}
	if !errors.Is(err, ErrAccountNotFound) || owner.IsSystem() {
		return Balance{}, err
	}
	var out Balance
	err = e.Execute(ctx, Op{Action: "open_account", Actor: EngineActor}, func(u *Unit) error {
		if err := u.Lock(ctx, owner); err != nil {
			return err
		}
		a, err := u.Account(owner)
		if err != nil {
			return err
		}
		out = a.Balance()
		return nil
	})
	return out, err
}

// History is the read-only entry query for audit and reporting.
func (e *Engine) History(ctx context.Context, f EntryFilter) ([]Entry, error) {
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return nil, fmt.Errorf("%w: history range ends before it starts", ErrInvalidRange)
	}
	return e.store.ListEntries(ctx, f)
}

func (e *Engine) SetAccountStatus(ctx context.Context, owner Owner, status AccountStatus, actor Actor, reason string) (Account, error) {
	var out Account
	err := e.Execute(ctx, Op{Action: "set_account_status", Actor: actor}, func(u *Unit) error {
		if err := u.Lock(ctx, owner); err != nil {
			return err
		}
		a, err := u.SetStatus(ctx, owner, status)
		if err != nil {
			return err
		}
		u.Audit("account_status", owner.Key(), "set_account_status:"+reason, nil, a.Snapshot())
		out = a
		return nil
	})
	return out, err
}
