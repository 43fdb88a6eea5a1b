package ledger

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrAccountNotFound is returned when an account id does not resolve.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when creating an account whose id is taken.
	ErrAccountExists = errors.New("account already exists")

	// ErrTransferNotFound is returned when a transfer id does not resolve.
	ErrTransferNotFound = errors.New("transfer not found")

	// ErrDuplicateFingerprint signals that a record with the same dedup
	// fingerprint is already stored. It is an integrity failure and is never
	// retried.
	ErrDuplicateFingerprint = errors.New("duplicate transfer fingerprint")

	// ErrBusy is returned when an account lock could not be acquired within
	// the configured wait.
	ErrBusy = errors.New("account busy")

	// ErrNegativeBalance guards the balance >= 0 invariant.
	ErrNegativeBalance = errors.New("balance cannot be negative")

	// ErrNotLocked is returned when a unit touches an account it does not hold.
	ErrNotLocked = errors.New("account not locked by this unit")
)

// Status is the lifecycle state of a transfer record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Account holds a balance. Balances only change inside WithLockedAccounts.
type Account struct {
	ID        string
	Name      string
	Balance   decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transfer is one stored movement of funds between two accounts.
type Transfer struct {
	ID          string
	SenderID    string
	ReceiverID  string
	Amount      decimal.Decimal
	Description string
	Status      Status
	Fingerprint string
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Correction carries an administrative edit. Nil fields are left untouched.
type Correction struct {
	Description *string
	Status      *Status
	UpdatedAt   time.Time
}

// Unit is the view a transfer gets of the store while it holds the account
// locks. Mutations are staged and become visible only when the unit commits.
type Unit interface {
	Balance(ctx context.Context, accountID string) (decimal.Decimal, error)
	SetBalance(ctx context.Context, accountID string, balance decimal.Decimal) error
	FingerprintExists(ctx context.Context, fingerprint string, since time.Time) (bool, error)
	SumCompletedSent(ctx context.Context, accountID string, window TimeRange) (decimal.Decimal, error)
	Append(ctx context.Context, t Transfer) (Transfer, error)
}

// Store is implemented by the account and ledger backends (in-memory, Postgres).
type Store interface {
	// WithLockedAccounts resolves every id, returning ErrAccountNotFound before
	// any lock is taken, then locks the accounts in ascending id order and runs
	// fn. Staged mutations commit only when fn returns nil.
	WithLockedAccounts(ctx context.Context, ids []string, fn func(ctx context.Context, u Unit) error) error

	CreateAccount(ctx context.Context, a Account) (Account, error)
	Account(ctx context.Context, id string) (Account, error)
	Accounts(ctx context.Context) ([]Account, error)

	Transfer(ctx context.Context, id string) (Transfer, error)
	// Transfers returns matching records newest first. A nil opts matches all.
	Transfers(ctx context.Context, opts *ListOptions) ([]Transfer, error)
	SumCompletedSent(ctx context.Context, accountID string, window TimeRange) (decimal.Decimal, error)
	UpdateTransfer(ctx context.Context, id string, c Correction) (Transfer, error)
}

// canonicalIDs returns the distinct ids in ascending order, the global lock order.
func canonicalIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
