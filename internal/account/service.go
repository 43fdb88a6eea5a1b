package account

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/ledgercore/ledgercore/internal/ledger"
	"github.com/ledgercore/ledgercore/internal/transfer"
)

const maxNameLength = 255

// Service exposes account bookkeeping. Balances only change through the
// transfer engine; this service sets the opening balance and reads.
type Service struct {
	store ledger.Store
}

// NewService builds an account service instance.
func NewService(store ledger.Store) *Service {
	return &Service{store: store}
}

// CreateInput captures data required to open an account.
type CreateInput struct {
	// ID is optional; a UUID is generated when empty.
	ID             string
	Name           string
	InitialBalance string
}

// Create opens an account with its opening balance.
func (s *Service) Create(ctx context.Context, input CreateInput) (ledger.Account, error) {
	var verr transfer.ValidationError

	name := strings.TrimSpace(input.Name)
	if name == "" {
		verr.Add("name", "name is required")
	} else if utf8.RuneCountInString(name) > maxNameLength {
		verr.Add("name", "name must not exceed %d characters", maxNameLength)
	}

	balance := decimal.Zero
	if raw := strings.TrimSpace(input.InitialBalance); raw != "" {
		b, err := decimal.NewFromString(raw)
		switch {
		case err != nil:
			verr.Add("initial_balance", "initial_balance must be a number")
		case b.IsNegative():
			verr.Add("initial_balance", "initial_balance must not be negative")
		case !b.Equal(b.Truncate(2)):
			verr.Add("initial_balance", "initial_balance must have at most 2 decimal places")
		default:
			balance = b
		}
	}

	if len(verr.Fields) > 0 {
		return ledger.Account{}, &verr
	}

	return s.store.CreateAccount(ctx, ledger.Account{
		ID:      strings.TrimSpace(input.ID),
		Name:    name,
		Balance: balance,
	})
}

// Get retrieves an account.
func (s *Service) Get(ctx context.Context, id string) (ledger.Account, error) {
	return s.store.Account(ctx, id)
}

// List returns every account ordered by id.
func (s *Service) List(ctx context.Context) ([]ledger.Account, error) {
	return s.store.Accounts(ctx)
}
