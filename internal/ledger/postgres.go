package ledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	pgUniqueViolation  = "23505"
	pgLockNotAvailable = "55P03"

	transferColumns = `id::text, sender_id, receiver_id, amount::text, description, status,
        fingerprint, completed_at, created_at, updated_at`
	accountColumns = `id, name, balance::text, created_at, updated_at`
)

//go:embed schema.sql
var schema string

var _ Store = (*PostgresStore)(nil)

// PostgresStore keeps accounts and transfer records in PostgreSQL. Account
// locks are row locks taken with SELECT ... FOR UPDATE inside the unit's
// transaction.
type PostgresStore struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore constructs a Postgres-backed store. lockTimeout bounds row
// lock waits; zero leaves the server default.
func NewPostgresStore(db *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{db: db, lockTimeout: lockTimeout}
}

// Migrate creates the tables and indexes when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := tx.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) WithLockedAccounts(ctx context.Context, ids []string, fn func(ctx context.Context, u Unit) error) error {
	ids = canonicalIDs(ids)

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := ensureAccounts(ctx, tx, ids); err != nil {
		return err
	}

	if s.lockTimeout > 0 {
		timeout := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}
	}

	// One row at a time so the lock order is the canonical id order.
	for _, id := range ids {
		var balance string
		if err := tx.QueryRow(ctx, `SELECT balance::text FROM accounts WHERE id = $1 FOR UPDATE`, id).Scan(&balance); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
			}
			return translateLockError(err, id)
		}
	}

	u := &pgUnit{tx: tx, locked: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		u.locked[id] = struct{}{}
	}

	if err := fn(ctx, u); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateFingerprint
		}
		return fmt.Errorf("commit transfer: %w", err)
	}
	return nil
}

func ensureAccounts(ctx context.Context, tx pgx.Tx, ids []string) error {
	rows, err := tx.Query(ctx, `SELECT id FROM accounts WHERE id = ANY($1)`, ids)
	if err != nil {
		return err
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return err
	}

	present := make(map[string]struct{}, len(found))
	for _, id := range found {
		present[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := present[id]; !ok {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
		}
	}
	return nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a Account) (Account, error) {
	if a.Balance.IsNegative() {
		return Account{}, ErrNegativeBalance
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	row := s.db.QueryRow(ctx, `INSERT INTO accounts (id, name, balance, created_at, updated_at)
        VALUES ($1, $2, $3::numeric, $4, $4)
        RETURNING `+accountColumns, a.ID, a.Name, a.Balance.String(), a.CreatedAt)
	created, err := scanAccount(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Account{}, fmt.Errorf("%w: %s", ErrAccountExists, a.ID)
		}
		return Account{}, err
	}
	return created, nil
}

func (s *PostgresStore) Account(ctx context.Context, id string) (Account, error) {
	a, err := scanAccount(s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
		}
		return Account{}, err
	}
	return a, nil
}

func (s *PostgresStore) Accounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Transfer(ctx context.Context, id string) (Transfer, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Transfer{}, fmt.Errorf("%w: %s", ErrTransferNotFound, id)
	}
	t, err := scanTransfer(s.db.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transfer{}, fmt.Errorf("%w: %s", ErrTransferNotFound, id)
		}
		return Transfer{}, err
	}
	return t, nil
}

func (s *PostgresStore) Transfers(ctx context.Context, opts *ListOptions) ([]Transfer, error) {
	query, args := buildTransfersQuery(opts)
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Transfer, 0)
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func buildTransfersQuery(opts *ListOptions) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if opts != nil {
		if opts.AccountID != "" {
			p := arg(opts.AccountID)
			where = append(where, fmt.Sprintf("(sender_id = %s OR receiver_id = %s)", p, p))
		}
		if opts.SenderID != "" {
			where = append(where, "sender_id = "+arg(opts.SenderID))
		}
		if opts.Status != nil {
			where = append(where, "status = "+arg(string(*opts.Status)))
		}
		if opts.Created != nil {
			if low, ok := opts.Created.From(); ok {
				where = append(where, "created_at >= "+arg(low))
			}
			if high, ok := opts.Created.To(); ok {
				where = append(where, "created_at < "+arg(high))
			}
		}
	}

	query := `SELECT ` + transferColumns + ` FROM transfers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if opts != nil && opts.Limit > 0 {
		query += " LIMIT " + arg(opts.Limit)
	}
	return query, args
}

func (s *PostgresStore) SumCompletedSent(ctx context.Context, accountID string, window TimeRange) (decimal.Decimal, error) {
	return sumCompletedSent(ctx, s.db, accountID, window)
}

func (s *PostgresStore) UpdateTransfer(ctx context.Context, id string, c Correction) (Transfer, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Transfer{}, fmt.Errorf("%w: %s", ErrTransferNotFound, id)
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	var status *string
	if c.Status != nil {
		v := string(*c.Status)
		status = &v
	}

	row := s.db.QueryRow(ctx, `UPDATE transfers
        SET description = COALESCE($2, description),
            status = COALESCE($3, status),
            updated_at = $4
        WHERE id = $1
        RETURNING `+transferColumns, id, c.Description, status, c.UpdatedAt)
	t, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transfer{}, fmt.Errorf("%w: %s", ErrTransferNotFound, id)
		}
		return Transfer{}, err
	}
	return t, nil
}

type pgUnit struct {
	tx     pgx.Tx
	locked map[string]struct{}
}

func (u *pgUnit) holds(id string) error {
	if _, ok := u.locked[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotLocked, id)
	}
	return nil
}

func (u *pgUnit) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	if err := u.holds(accountID); err != nil {
		return decimal.Zero, err
	}
	var raw string
	if err := u.tx.QueryRow(ctx, `SELECT balance::text FROM accounts WHERE id = $1`, accountID).Scan(&raw); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

func (u *pgUnit) SetBalance(ctx context.Context, accountID string, balance decimal.Decimal) error {
	if err := u.holds(accountID); err != nil {
		return err
	}
	if balance.IsNegative() {
		return fmt.Errorf("%w: %s", ErrNegativeBalance, accountID)
	}
	_, err := u.tx.Exec(ctx, `UPDATE accounts SET balance = $2::numeric, updated_at = NOW() WHERE id = $1`, accountID, balance.String())
	return err
}

func (u *pgUnit) FingerprintExists(ctx context.Context, fingerprint string, since time.Time) (bool, error) {
	var exists bool
	err := u.tx.QueryRow(ctx, `SELECT EXISTS (
        SELECT 1 FROM transfers WHERE fingerprint = $1 AND created_at >= $2)`, fingerprint, since).Scan(&exists)
	return exists, err
}

func (u *pgUnit) SumCompletedSent(ctx context.Context, accountID string, window TimeRange) (decimal.Decimal, error) {
	return sumCompletedSent(ctx, u.tx, accountID, window)
}

func (u *pgUnit) Append(ctx context.Context, t Transfer) (Transfer, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}

	row := u.tx.QueryRow(ctx, `INSERT INTO transfers
        (id, sender_id, receiver_id, amount, description, status, fingerprint, completed_at, created_at, updated_at)
        VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10)
        RETURNING `+transferColumns,
		t.ID, t.SenderID, t.ReceiverID, t.Amount.String(), t.Description, string(t.Status),
		t.Fingerprint, t.CompletedAt, t.CreatedAt, t.UpdatedAt)
	stored, err := scanTransfer(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Transfer{}, fmt.Errorf("%w: %s", ErrDuplicateFingerprint, t.Fingerprint)
		}
		return Transfer{}, err
	}
	return stored, nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func sumCompletedSent(ctx context.Context, q queryRower, accountID string, window TimeRange) (decimal.Decimal, error) {
	var low, high *time.Time
	if v, ok := window.From(); ok {
		low = &v
	}
	if v, ok := window.To(); ok {
		high = &v
	}

	var raw string
	err := q.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0)::text FROM transfers
        WHERE sender_id = $1 AND status = 'completed'
          AND ($2::timestamptz IS NULL OR created_at >= $2)
          AND ($3::timestamptz IS NULL OR created_at < $3)`, accountID, low, high).Scan(&raw)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		a       Account
		balance string
	)
	if err := row.Scan(&a.ID, &a.Name, &balance, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Account{}, err
	}
	b, err := decimal.NewFromString(balance)
	if err != nil {
		return Account{}, fmt.Errorf("decode balance for %s: %w", a.ID, err)
	}
	a.Balance = b
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, nil
}

func scanTransfer(row pgx.Row) (Transfer, error) {
	var (
		t      Transfer
		amount string
		status string
	)
	if err := row.Scan(&t.ID, &t.SenderID, &t.ReceiverID, &amount, &t.Description, &status,
		&t.Fingerprint, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return Transfer{}, err
	}
	a, err := decimal.NewFromString(amount)
	if err != nil {
		return Transfer{}, fmt.Errorf("decode amount for %s: %w", t.ID, err)
	}
	t.Amount = a
	t.Status = Status(status)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if t.CompletedAt != nil {
		completed := t.CompletedAt.UTC()
		t.CompletedAt = &completed
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func translateLockError(err error, id string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
		return fmt.Errorf("%w: lock wait on %s: %s", ErrBusy, id, pgErr.Message)
	}
	return err
}
