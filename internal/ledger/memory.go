package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const defaultLockTimeout = 5 * time.Second

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a concurrency-safe in-memory Store. Account locks come from
// a per-account lock table; mu only guards the maps and is held briefly.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]Account
	transfers    map[string]Transfer
	seq          map[string]int
	fingerprints map[string]string
	next         int

	locks       *lockTable
	lockTimeout time.Duration
}

// MemoryOption customises a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithLockTimeout bounds how long WithLockedAccounts waits for account locks.
func WithLockTimeout(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.lockTimeout = d }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		accounts:     make(map[string]Account),
		transfers:    make(map[string]Transfer),
		seq:          make(map[string]int),
		fingerprints: make(map[string]string),
		locks:        newLockTable(),
		lockTimeout:  defaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) WithLockedAccounts(ctx context.Context, ids []string, fn func(ctx context.Context, u Unit) error) error {
	ids = canonicalIDs(ids)

	s.mu.RLock()
	for _, id := range ids {
		if _, ok := s.accounts[id]; !ok {
			s.mu.RUnlock()
			return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
		}
	}
	s.mu.RUnlock()

	release, err := s.locks.acquire(ctx, ids, s.lockTimeout)
	if err != nil {
		return err
	}
	defer release()

	u := &memoryUnit{store: s, locked: make(map[string]struct{}, len(ids)), balances: make(map[string]decimal.Decimal)}
	for _, id := range ids {
		u.locked[id] = struct{}{}
	}

	if err := fn(ctx, u); err != nil {
		return err
	}
	return s.commit(u)
}

func (s *MemoryStore) commit(u *memoryUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range u.appended {
		if _, taken := s.fingerprints[t.Fingerprint]; taken {
			return fmt.Errorf("%w: %s", ErrDuplicateFingerprint, t.Fingerprint)
		}
	}

	now := time.Now().UTC()
	for id, balance := range u.balances {
		a := s.accounts[id]
		a.Balance = balance
		a.UpdatedAt = now
		s.accounts[id] = a
	}
	for _, t := range u.appended {
		s.insert(t)
	}
	return nil
}

func (s *MemoryStore) insert(t Transfer) {
	s.next++
	s.transfers[t.ID] = t
	s.seq[t.ID] = s.next
	s.fingerprints[t.Fingerprint] = t.ID
}

func (s *MemoryStore) CreateAccount(_ context.Context, a Account) (Account, error) {
	if a.Balance.IsNegative() {
		return Account{}, ErrNegativeBalance
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.UpdatedAt = a.CreatedAt

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[a.ID]; exists {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountExists, a.ID)
	}
	s.accounts[a.ID] = a
	return a, nil
}

func (s *MemoryStore) Account(_ context.Context, id string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return a, nil
}

func (s *MemoryStore) Accounts(_ context.Context) ([]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Transfer(_ context.Context, id string) (Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transfers[id]
	if !ok {
		return Transfer{}, fmt.Errorf("%w: %s", ErrTransferNotFound, id)
	}
	return t, nil
}

func (s *MemoryStore) Transfers(_ context.Context, opts *ListOptions) ([]Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Transfer, 0)
	for _, t := range s.transfers {
		if opts.matches(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return s.seq[out[i].ID] > s.seq[out[j].ID]
	})
	if opts != nil && opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *MemoryStore) SumCompletedSent(_ context.Context, accountID string, window TimeRange) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sumCompletedSent(accountID, window), nil
}

// sumCompletedSent must be called with mu held.
func (s *MemoryStore) sumCompletedSent(accountID string, window TimeRange) decimal.Decimal {
	total := decimal.Zero
	for _, t := range s.transfers {
		if t.SenderID == accountID && t.Status == StatusCompleted && window.Contains(t.CreatedAt) {
			total = total.Add(t.Amount)
		}
	}
	return total
}

func (s *MemoryStore) UpdateTransfer(_ context.Context, id string, c Correction) (Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[id]
	if !ok {
		return Transfer{}, fmt.Errorf("%w: %s", ErrTransferNotFound, id)
	}
	if c.Description != nil {
		t.Description = *c.Description
	}
	if c.Status != nil {
		t.Status = *c.Status
	}
	t.UpdatedAt = c.UpdatedAt
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}
	s.transfers[id] = t
	return t, nil
}

type memoryUnit struct {
	store    *MemoryStore
	locked   map[string]struct{}
	balances map[string]decimal.Decimal
	appended []Transfer
}

func (u *memoryUnit) holds(id string) error {
	if _, ok := u.locked[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotLocked, id)
	}
	return nil
}

func (u *memoryUnit) Balance(_ context.Context, accountID string) (decimal.Decimal, error) {
	if err := u.holds(accountID); err != nil {
		return decimal.Zero, err
	}
	if staged, ok := u.balances[accountID]; ok {
		return staged, nil
	}
	u.store.mu.RLock()
	defer u.store.mu.RUnlock()
	return u.store.accounts[accountID].Balance, nil
}

func (u *memoryUnit) SetBalance(_ context.Context, accountID string, balance decimal.Decimal) error {
	if err := u.holds(accountID); err != nil {
		return err
	}
	if balance.IsNegative() {
		return fmt.Errorf("%w: %s", ErrNegativeBalance, accountID)
	}
	u.balances[accountID] = balance
	return nil
}

func (u *memoryUnit) FingerprintExists(_ context.Context, fingerprint string, since time.Time) (bool, error) {
	for _, t := range u.appended {
		if t.Fingerprint == fingerprint && !t.CreatedAt.Before(since) {
			return true, nil
		}
	}

	u.store.mu.RLock()
	defer u.store.mu.RUnlock()
	id, ok := u.store.fingerprints[fingerprint]
	if !ok {
		return false, nil
	}
	return !u.store.transfers[id].CreatedAt.Before(since), nil
}

func (u *memoryUnit) SumCompletedSent(_ context.Context, accountID string, window TimeRange) (decimal.Decimal, error) {
	u.store.mu.RLock()
	total := u.store.sumCompletedSent(accountID, window)
	u.store.mu.RUnlock()

	for _, t := range u.appended {
		if t.SenderID == accountID && t.Status == StatusCompleted && window.Contains(t.CreatedAt) {
			total = total.Add(t.Amount)
		}
	}
	return total, nil
}

func (u *memoryUnit) Append(_ context.Context, t Transfer) (Transfer, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}

	for _, staged := range u.appended {
		if staged.Fingerprint == t.Fingerprint {
			return Transfer{}, fmt.Errorf("%w: %s", ErrDuplicateFingerprint, t.Fingerprint)
		}
	}
	u.store.mu.RLock()
	_, taken := u.store.fingerprints[t.Fingerprint]
	u.store.mu.RUnlock()
	if taken {
		return Transfer{}, fmt.Errorf("%w: %s", ErrDuplicateFingerprint, t.Fingerprint)
	}

	u.appended = append(u.appended, t)
	return t, nil
}
