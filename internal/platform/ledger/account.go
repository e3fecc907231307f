package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type OwnerKind string

const (
	OwnerUser   OwnerKind = "user"
	OwnerSystem OwnerKind = "system"
	// OwnerExternal names a party outside the ledger (a payment gateway, a
	// payout rail). It may own ledger entries but never an account.
	OwnerExternal OwnerKind = "external"
)

// Owner identifies the holder of an account or the subject of an entry.
// The platform is an explicit variant rather than a sentinel user id.
type Owner struct {
	Kind OwnerKind
	ID   string
}

func UserOwner(userID string) Owner { return Owner{Kind: OwnerUser, ID: userID} }

func SystemOwner() Owner { return Owner{Kind: OwnerSystem} }

func ExternalOwner(ref string) Owner { return Owner{Kind: OwnerExternal, ID: ref} }

func (o Owner) IsZero() bool   { return o.Kind == "" && o.ID == "" }
func (o Owner) IsSystem() bool { return o.Kind == OwnerSystem }

// Key is the stable, unique storage key of the owner. Account locks are
// always taken in ascending Key order.
func (o Owner) Key() string {
	switch o.Kind {
	case OwnerSystem:
		return "system"
	case OwnerUser:
		return "user:" + o.ID
	case OwnerExternal:
		return "external:" + o.ID
	default:
		return ""
	}
}

func (o Owner) String() string { return o.Key() }

// Validate reports whether o may own an account.
func (o Owner) Validate() error {
	switch o.Kind {
	case OwnerSystem:
		if o.ID != "" {
			return fmt.Errorf("%w: system owner carries no id", ErrInvalidOwner)
		}
		return nil
	case OwnerUser:
		if strings.TrimSpace(o.ID) == "" {
			return fmt.Errorf("%w: user id is required", ErrInvalidOwner)
		}
		return nil
	case OwnerExternal:
		return fmt.Errorf("%w: external parties do not hold accounts", ErrInvalidOwner)
	default:
		return fmt.Errorf("%w: unknown owner kind %q", ErrInvalidOwner, o.Kind)
	}
}

// ParseOwner is the inverse of Key. The bare user id form is accepted for
// convenience at the ops boundary.
func ParseOwner(key string) (Owner, error) {
	key = strings.TrimSpace(key)
	switch {
	case key == "system":
		return SystemOwner(), nil
	case strings.HasPrefix(key, "user:"):
		o := UserOwner(strings.TrimPrefix(key, "user:"))
		return o, o.Validate()
	case strings.HasPrefix(key, "external:"):
		return ExternalOwner(strings.TrimPrefix(key, "external:")), nil
	case key == "":
		return Owner{}, fmt.Errorf("%w: empty owner", ErrInvalidOwner)
	default:
		return UserOwner(key), nil
	}
}

type Bucket string

const (
	BucketAvailable Bucket = "available"
	BucketFrozen    Bucket = "frozen"
	BucketPending   Bucket = "pending"
)

func (b Bucket) Valid() bool {
	switch b {
	case BucketAvailable, BucketFrozen, BucketPending:
		return true
	}
	return false
}

// AccountStatus is the administrative lock on an account. FROZEN here is
// unrelated to the frozen balance bucket.
type AccountStatus string

const (
	AccountActive    AccountStatus = "ACTIVE"
	AccountSuspended AccountStatus = "SUSPENDED"
	AccountFrozen    AccountStatus = "FROZEN"
)

func (s AccountStatus) Valid() bool {
	switch s {
	case AccountActive, AccountSuspended, AccountFrozen:
		return true
	}
	return false
}

// AllowsDebit reports whether money may leave the available bucket.
func (s AccountStatus) AllowsDebit() bool { return s == AccountActive }

type Balance struct {
	Available int64 `json:"available"`
	Frozen    int64 `json:"frozen"`
	Pending   int64 `json:"pending"`
	Display   int64 `json:"display"`
}

func (b Balance) Total() int64 { return b.Available + b.Frozen + b.Pending }

type Account struct {
	ID        string
	Owner     Owner
	Status    AccountStatus
	Available int64
	Frozen    int64
	Pending   int64
	// Display is cached for readers; it is recomputed from the buckets on
	// every mutation and never used as an input.
	Display   int64
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewAccount(id string, owner Owner, now time.Time) Account {
	return Account{
		ID:        id,
		Owner:     owner,
		Status:    AccountActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (a Account) Key() string { return a.Owner.Key() }

func (a Account) Balance() Balance {
	return Balance{Available: a.Available, Frozen: a.Frozen, Pending: a.Pending, Display: a.Display}
}

func (a Account) bucket(b Bucket) int64 {
	switch b {
	case BucketAvailable:
		return a.Available
	case BucketFrozen:
		return a.Frozen
	default:
		return a.Pending
	}
}

// applyDelta changes one bucket. A negative available bucket is an ordinary
// insufficient-funds rejection; a negative frozen or pending bucket means a
// caller tried to release money that was never reserved.
func (a *Account) applyDelta(b Bucket, delta int64) error {
	if !b.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownBucket, b)
	}
	next, ok := addInt64(a.bucket(b), delta)
	if !ok {
		return fmt.Errorf("%w: %s %s bucket overflows (%d%+d)", ErrInvalidAmount, a.Key(), b, a.bucket(b), delta)
	}
	if next < 0 {
		if b == BucketAvailable {
			return fmt.Errorf("%w: %s available=%d requested=%d", ErrInsufficientFunds, a.Key(), a.Available, -delta)
		}
		return integrity(a.Key(), "%s bucket would go negative (%d%+d)", b, a.bucket(b), delta)
	}
	switch b {
	case BucketAvailable:
		a.Available = next
	case BucketFrozen:
		a.Frozen = next
	case BucketPending:
		a.Pending = next
	}
	if _, ok := a.total(); !ok {
		return fmt.Errorf("%w: %s balance total overflows", ErrInvalidAmount, a.Key())
	}
	return nil
}

// addInt64 returns x+y and false when the sum overflows.
func addInt64(x, y int64) (int64, bool) {
	s := x + y
	if (y > 0 && s < x) || (y < 0 && s > x) {
		return 0, false
	}
	return s, true
}

func (a Account) total() (int64, bool) {
	t, ok := addInt64(a.Available, a.Frozen)
	if !ok {
		return 0, false
	}
	return addInt64(t, a.Pending)
}

func (a *Account) recompute() {
	a.Display = a.Available + a.Frozen + a.Pending
}

// CheckIntegrity verifies the bucket invariants of a stored account.
func (a Account) CheckIntegrity() error {
	if a.Available < 0 || a.Frozen < 0 || a.Pending < 0 {
		return integrity(a.Key(), "negative bucket available=%d frozen=%d pending=%d", a.Available, a.Frozen, a.Pending)
	}
	total, ok := a.total()
	if !ok {
		return integrity(a.Key(), "available+frozen+pending overflows")
	}
	if a.Display != total {
		return integrity(a.Key(), "display %d != available+frozen+pending %d", a.Display, total)
	}
	return nil
}

func (a Account) Snapshot() []byte {
	b, _ := json.Marshal(map[string]any{
		"account_id": a.ID,
		"owner":      a.Key(),
		"status":     a.Status,
		"available":  a.Available,
		"frozen":     a.Frozen,
		"pending":    a.Pending,
		"display":    a.Display,
	})
	return b
}
