package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed schema.sql
var Schema string

// Migrate applies the embedded schema. It is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, Schema)
	return err
}

// PostgresStore persists the ledger through database/sql with the pgx
// driver. Account rows are locked with SELECT ... FOR UPDATE.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// mapPgError folds driver errors into the ledger taxonomy.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
	case "23505":
		switch pgErr.ConstraintName {
		case "ledger_entries_correlation_id_key":
			return fmt.Errorf("%w: %s", ErrDuplicateCorrelation, pgErr.Detail)
		case "accounts_single_system":
			return ErrSystemAccountExists
		}
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
	case "23514":
		return fmt.Errorf("%w: check %s violated", ErrIntegrity, pgErr.ConstraintName)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

const accountCols = `account_id, owner_key, status, available, frozen, pending, display, version, created_at, updated_at`

func scanAccount(r rowScanner) (Account, error) {
	var a Account
	var ownerKey, status string
	if err := r.Scan(&a.ID, &ownerKey, &status, &a.Available, &a.Frozen, &a.Pending, &a.Display, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Account{}, err
	}
	owner, err := ParseOwner(ownerKey)
	if err != nil {
		return Account{}, err
	}
	a.Owner = owner
	a.Status = AccountStatus(status)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, nil
}

const entryCols = `entry_id, owner_key, COALESCE(account_id, ''), COALESCE(correlation_id, ''), kind, amount, status,
  counterparty_key, reference, reason, failure_reason, reflects_pending, metadata, created_at, processed_at`

func scanEntry(r rowScanner) (Entry, error) {
	var e Entry
	var ownerKey, kind, status, counterparty string
	var meta []byte
	var processed sql.NullTime
	if err := r.Scan(&e.ID, &ownerKey, &e.AccountID, &e.CorrelationID, &kind, &e.Amount, &status,
		&counterparty, &e.Reference, &e.Reason, &e.FailureReason, &e.ReflectsPending, &meta, &e.CreatedAt, &processed); err != nil {
		return Entry{}, err
	}
	owner, err := ParseOwner(ownerKey)
	if err != nil {
		return Entry{}, err
	}
	e.Owner = owner
	if counterparty != "" {
		if cp, err := ParseOwner(counterparty); err == nil {
			e.Counterparty = cp
		}
	}
	e.Kind = EntryKind(kind)
	e.Status = EntryStatus(status)
	e.CreatedAt = e.CreatedAt.UTC()
	if processed.Valid {
		p := processed.Time.UTC()
		e.ProcessedAt = &p
	}
	if len(meta) > 0 && string(meta) != "{}" {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return Entry{}, err
		}
	}
	return e, nil
}

const holdCols = `hold_id, account_id, owner_key, amount, reason, tag, status, unlocks_at, unlocked_at, closed_reason, created_at, updated_at`

func scanHold(r rowScanner) (Hold, error) {
	var h Hold
	var ownerKey, reason, status string
	var unlocked sql.NullTime
	if err := r.Scan(&h.ID, &h.AccountID, &ownerKey, &h.Amount, &reason, &h.Tag, &status, &h.UnlocksAt, &unlocked, &h.ClosedReason, &h.CreatedAt, &h.UpdatedAt); err != nil {
		return Hold{}, err
	}
	owner, err := ParseOwner(ownerKey)
	if err != nil {
		return Hold{}, err
	}
	h.Owner = owner
	h.Reason = HoldReason(reason)
	h.Status = HoldStatus(status)
	h.UnlocksAt = h.UnlocksAt.UTC()
	h.CreatedAt = h.CreatedAt.UTC()
	h.UpdatedAt = h.UpdatedAt.UTC()
	if unlocked.Valid {
		u := unlocked.Time.UTC()
		h.UnlockedAt = &u
	}
	return h, nil
}

const withdrawalCols = `withdrawal_id, user_id, account_id, amount, status, payout, entry_id, processed_by, processing_at,
  decided_by, decided_at, reject_reason, note, created_at, updated_at`

func scanWithdrawal(r rowScanner) (Withdrawal, error) {
	var w Withdrawal
	var status string
	var payout []byte
	var processing, decided sql.NullTime
	if err := r.Scan(&w.ID, &w.UserID, &w.AccountID, &w.Amount, &status, &payout, &w.EntryID, &w.ProcessedBy, &processing,
		&w.DecidedBy, &decided, &w.RejectReason, &w.Note, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return Withdrawal{}, err
	}
	w.Status = WithdrawalStatus(status)
	if err := json.Unmarshal(payout, &w.Payout); err != nil {
		return Withdrawal{}, err
	}
	if processing.Valid {
		p := processing.Time.UTC()
		w.ProcessingAt = &p
	}
	if decided.Valid {
		d := decided.Time.UTC()
		w.DecidedAt = &d
	}
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return w, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func marshalMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, mapPgError(err)
	}
	return &pgTx{tx: tx, held: make(map[string]bool), accounts: make(map[string]Account)}, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, owner Owner) (Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE owner_key = $1`, owner.Key()))
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	return a, err
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountCols+` FROM accounts ORDER BY owner_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Account, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetEntry(ctx context.Context, id string) (Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, `SELECT `+entryCols+` FROM ledger_entries WHERE entry_id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrEntryNotFound
	}
	return e, err
}

func (s *PostgresStore) EntryByCorrelation(ctx context.Context, correlationID string) (Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, `SELECT `+entryCols+` FROM ledger_entries WHERE correlation_id = $1`, correlationID))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrEntryNotFound
	}
	return e, err
}

// where accumulates positional predicates.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, strings.ReplaceAll(clause, "?", fmt.Sprintf("$%d", len(w.args))))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (w *where) page(limit, offset int) string {
	out := ""
	if limit > 0 {
		w.args = append(w.args, limit)
		out += fmt.Sprintf(" LIMIT $%d", len(w.args))
	}
	if offset > 0 {
		w.args = append(w.args, offset)
		out += fmt.Sprintf(" OFFSET $%d", len(w.args))
	}
	return out
}

func (s *PostgresStore) ListEntries(ctx context.Context, f EntryFilter) ([]Entry, error) {
	var w where
	if f.Owner != nil {
		w.add("owner_key = ?", f.Owner.Key())
	}
	if len(f.Kinds) > 0 {
		kinds := make([]string, 0, len(f.Kinds))
		for _, k := range f.Kinds {
			kinds = append(kinds, string(k))
		}
		w.add("kind = ANY(?)", kinds)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			statuses = append(statuses, string(st))
		}
		w.add("status = ANY(?)", statuses)
	}
	if !f.From.IsZero() {
		w.add("created_at >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		w.add("created_at < ?", f.To.UTC())
	}
	if f.CorrelationID != "" {
		w.add("correlation_id = ?", f.CorrelationID)
	}
	if f.Reference != "" {
		w.add("reference = ?", f.Reference)
	}
	q := `SELECT ` + entryCols + ` FROM ledger_entries` + w.String() + ` ORDER BY seq`
	q += w.page(f.Limit, f.Offset)
	rows, err := s.db.QueryContext(ctx, q, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetHold(ctx context.Context, id string) (Hold, error) {
	h, err := scanHold(s.db.QueryRowContext(ctx, `SELECT `+holdCols+` FROM escrow_holds WHERE hold_id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Hold{}, ErrHoldNotFound
	}
	return h, err
}

func (s *PostgresStore) ListHolds(ctx context.Context, f HoldFilter) ([]Hold, error) {
	var w where
	if f.Owner != nil {
		w.add("owner_key = ?", f.Owner.Key())
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if !f.UnlocksBefore.IsZero() {
		w.add("unlocks_at <= ?", f.UnlocksBefore.UTC())
	}
	if f.Tag != "" {
		w.add("tag = ?", f.Tag)
	}
	q := `SELECT ` + holdCols + ` FROM escrow_holds` + w.String() + ` ORDER BY unlocks_at, seq`
	q += w.page(f.Limit, 0)
	rows, err := s.db.QueryContext(ctx, q, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Hold, 0)
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetWithdrawal(ctx context.Context, id string) (Withdrawal, error) {
	wd, err := scanWithdrawal(s.db.QueryRowContext(ctx, `SELECT `+withdrawalCols+` FROM withdrawal_requests WHERE withdrawal_id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Withdrawal{}, ErrWithdrawalNotFound
	}
	return wd, err
}

func (s *PostgresStore) ListWithdrawals(ctx context.Context, f WithdrawalFilter) ([]Withdrawal, error) {
	var w where
	if f.UserID != "" {
		w.add("user_id = ?", f.UserID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			statuses = append(statuses, string(st))
		}
		w.add("status = ANY(?)", statuses)
	}
	q := `SELECT ` + withdrawalCols + ` FROM withdrawal_requests` + w.String() + ` ORDER BY seq`
	q += w.page(f.Limit, 0)
	rows, err := s.db.QueryContext(ctx, q, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Withdrawal, 0)
	for rows.Next() {
		wd, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wd)
	}
	return out, rows.Err()
}

type pgTx struct {
	tx       *sql.Tx
	done     bool
	held     map[string]bool
	maxHeld  string
	accounts map[string]Account
}

func (t *pgTx) Lock(ctx context.Context, owners ...Owner) error {
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
		o := byKey[k]
		if o.Kind == OwnerUser {
			const ins = `
INSERT INTO accounts (account_id, owner_key, owner_kind, user_id, status, created_at, updated_at)
VALUES ($1, $2, 'user', $3, 'ACTIVE', NOW(), NOW())
ON CONFLICT (owner_key) DO NOTHING
`
			if _, err := t.tx.ExecContext(ctx, ins, uuid.NewString(), k, o.ID); err != nil {
				return mapPgError(err)
			}
		}
		a, err := scanAccount(t.tx.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE owner_key = $1 FOR UPDATE`, k))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAccountNotFound
		}
		if err != nil {
			return mapPgError(err)
		}
		t.held[k] = true
		t.maxHeld = k
		t.accounts[k] = a
	}
	return nil
}

func (t *pgTx) requireLock(o Owner) error {
	if o.Kind == OwnerExternal {
		return nil
	}
	if !t.held[o.Key()] {
		return ErrNotLocked
	}
	return nil
}

func (t *pgTx) Account(owner Owner) (Account, error) {
	if err := t.requireLock(owner); err != nil {
		return Account{}, err
	}
	a, ok := t.accounts[owner.Key()]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return a, nil
}

func (t *pgTx) PutAccount(ctx context.Context, a Account) error {
	if t.done {
		return ErrTxDone
	}
	if err := t.requireLock(a.Owner); err != nil {
		return err
	}
	const q = `
UPDATE accounts
SET status = $2, available = $3, frozen = $4, pending = $5, display = $6,
    version = version + 1, updated_at = $7
WHERE account_id = $1 AND version = $8
`
	res, err := t.tx.ExecContext(ctx, q, a.ID, string(a.Status), a.Available, a.Frozen, a.Pending, a.Display, a.UpdatedAt.UTC(), a.Version)
	if err != nil {
		return mapPgError(err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: account %s version moved", ErrConflict, a.ID)
	}
	a.Version++
	t.accounts[a.Key()] = a
	return nil
}

func (t *pgTx) CreateSystemAccount(ctx context.Context, id string, now time.Time) (Account, error) {
	if t.done {
		return Account{}, ErrTxDone
	}
	k := SystemOwner().Key()
	if !t.held[k] && t.maxHeld != "" && k < t.maxHeld {
		return Account{}, ErrLockOrder
	}
	const ins = `
INSERT INTO accounts (account_id, owner_key, owner_kind, status, created_at, updated_at)
VALUES ($1, $2, 'system', 'ACTIVE', $3, $3)
ON CONFLICT DO NOTHING
`
	res, err := t.tx.ExecContext(ctx, ins, id, k, now.UTC())
	if err != nil {
		return Account{}, mapPgError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Account{}, ErrSystemAccountExists
	}
	a, err := scanAccount(t.tx.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE owner_key = $1 FOR UPDATE`, k))
	if err != nil {
		return Account{}, mapPgError(err)
	}
	t.held[k] = true
	if k > t.maxHeld {
		t.maxHeld = k
	}
	t.accounts[k] = a
	return a, nil
}

func (t *pgTx) InsertEntry(ctx context.Context, e Entry) error {
	if t.done {
		return ErrTxDone
	}
	if err := t.requireLock(e.Owner); err != nil {
		return err
	}
	meta, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}
	counterparty := ""
	if !e.Counterparty.IsZero() {
		counterparty = e.Counterparty.Key()
	}
	const q = `
INSERT INTO ledger_entries (
  entry_id, owner_key, account_id, correlation_id, kind, amount, status,
  counterparty_key, reference, reason, failure_reason, reflects_pending, metadata, created_at, processed_at
)
VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb, $14, $15)
`
	_, err = t.tx.ExecContext(ctx, q,
		e.ID, e.Owner.Key(), e.AccountID, e.CorrelationID, string(e.Kind), e.Amount, string(e.Status),
		counterparty, e.Reference, e.Reason, e.FailureReason, e.ReflectsPending, meta, e.CreatedAt.UTC(), nullTime(e.ProcessedAt),
	)
	return mapPgError(err)
}

func (t *pgTx) Entry(ctx context.Context, id string) (Entry, error) {
	e, err := scanEntry(t.tx.QueryRowContext(ctx, `SELECT `+entryCols+` FROM ledger_entries WHERE entry_id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrEntryNotFound
	}
	return e, mapPgError(err)
}

func (t *pgTx) UpdateEntry(ctx context.Context, e Entry) error {
	if t.done {
		return ErrTxDone
	}
	if err := t.requireLock(e.Owner); err != nil {
		return err
	}
	meta, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}
	const q = `
UPDATE ledger_entries
SET status = $2, failure_reason = $3, processed_at = $4, metadata = $5::jsonb
WHERE entry_id = $1 AND status = 'pending'
`
	res, err := t.tx.ExecContext(ctx, q, e.ID, string(e.Status), e.FailureReason, nullTime(e.ProcessedAt), meta)
	if err != nil {
		return mapPgError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := t.Entry(ctx, e.ID); err != nil {
			return err
		}
		return ErrEntryFinalized
	}
	return nil
}

func (t *pgTx) InsertHold(ctx context.Context, h Hold) error {
	if t.done {
		return ErrTxDone
	}
	if err := t.requireLock(h.Owner); err != nil {
		return err
	}
	const q = `
INSERT INTO escrow_holds (hold_id, account_id, owner_key, amount, reason, tag, status, unlocks_at, unlocked_at, closed_reason, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`
	_, err := t.tx.ExecContext(ctx, q, h.ID, h.AccountID, h.Owner.Key(), h.Amount, string(h.Reason), h.Tag, string(h.Status),
		h.UnlocksAt.UTC(), nullTime(h.UnlockedAt), h.ClosedReason, h.CreatedAt.UTC(), h.UpdatedAt.UTC())
	return mapPgError(err)
}

func (t *pgTx) Hold(ctx context.Context, id string) (Hold, error) {
	h, err := scanHold(t.tx.QueryRowContext(ctx, `SELECT `+holdCols+` FROM escrow_holds WHERE hold_id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Hold{}, ErrHoldNotFound
	}
	return h, mapPgError(err)
}

func (t *pgTx) ClaimHold(ctx context.Context, id string, to HoldStatus, reason string, at time.Time) (Hold, bool, error) {
	if t.done {
		return Hold{}, false, ErrTxDone
	}
	if !to.Disposition() {
		return Hold{}, false, ErrInvalidDisposition
	}
	cur, err := t.Hold(ctx, id)
	if err != nil {
		return Hold{}, false, err
	}
	if err := t.requireLock(cur.Owner); err != nil {
		return Hold{}, false, err
	}
	const q = `
UPDATE escrow_holds
SET status = $2, closed_reason = $3, unlocked_at = CASE WHEN $5::boolean THEN $4::timestamptz END, updated_at = $4
WHERE hold_id = $1 AND status = 'FROZEN'
RETURNING ` + holdCols
	h, err := scanHold(t.tx.QueryRowContext(ctx, q, id, string(to), reason, at.UTC(), to.ReturnsFunds()))
	if errors.Is(err, sql.ErrNoRows) {
		return cur, false, nil
	}
	if err != nil {
		return Hold{}, false, mapPgError(err)
	}
	return h, true, nil
}

func (t *pgTx) FrozenHoldTotal(ctx context.Context, accountID string) (int64, error) {
	var total int64
	err := t.tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount), 0) FROM escrow_holds WHERE account_id = $1 AND status = 'FROZEN'`, accountID).Scan(&total)
	return total, mapPgError(err)
}

func (t *pgTx) InsertWithdrawal(ctx context.Context, w Withdrawal) error {
	if t.done {
		return ErrTxDone
	}
	if err := t.requireLock(w.Owner()); err != nil {
		return err
	}
	payout, err := json.Marshal(w.Payout)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO withdrawal_requests (
  withdrawal_id, user_id, account_id, amount, status, payout, entry_id,
  processed_by, processing_at, decided_by, decided_at, reject_reason, note, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11, $12, $13, $14, $15)
`
	_, err = t.tx.ExecContext(ctx, q, w.ID, w.UserID, w.AccountID, w.Amount, string(w.Status), string(payout), w.EntryID,
		w.ProcessedBy, nullTime(w.ProcessingAt), w.DecidedBy, nullTime(w.DecidedAt), w.RejectReason, w.Note, w.CreatedAt.UTC(), w.UpdatedAt.UTC())
	return mapPgError(err)
}

func (t *pgTx) Withdrawal(ctx context.Context, id string) (Withdrawal, error) {
	w, err := scanWithdrawal(t.tx.QueryRowContext(ctx, `SELECT `+withdrawalCols+` FROM withdrawal_requests WHERE withdrawal_id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Withdrawal{}, ErrWithdrawalNotFound
	}
	return w, mapPgError(err)
}

func (t *pgTx) UpdateWithdrawal(ctx context.Context, w Withdrawal, from WithdrawalStatus) (bool, error) {
	if t.done {
		return false, ErrTxDone
	}
	if err := t.requireLock(w.Owner()); err != nil {
		return false, err
	}
	const q = `
UPDATE withdrawal_requests
SET status = $3, processed_by = $4, processing_at = $5, decided_by = $6, decided_at = $7,
    reject_reason = $8, note = $9, updated_at = $10
WHERE withdrawal_id = $1 AND status = $2
`
	res, err := t.tx.ExecContext(ctx, q, w.ID, string(from), string(w.Status), w.ProcessedBy, nullTime(w.ProcessingAt),
		w.DecidedBy, nullTime(w.DecidedAt), w.RejectReason, w.Note, w.UpdatedAt.UTC())
	if err != nil {
		return false, mapPgError(err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (t *pgTx) SumWithdrawals(ctx context.Context, userID string, since time.Time, statuses []WithdrawalStatus) (int64, error) {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}
	var total int64
	const q = `
SELECT COALESCE(SUM(amount), 0)
FROM withdrawal_requests
WHERE user_id = $1 AND created_at >= $2 AND status = ANY($3)
`
	err := t.tx.QueryRowContext(ctx, q, userID, since.UTC(), names).Scan(&total)
	return total, mapPgError(err)
}

func (t *pgTx) Commit(_ context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	return mapPgError(t.tx.Commit())
}

func (t *pgTx) Rollback() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	return t.tx.Rollback()
}
