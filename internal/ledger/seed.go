package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// DevelopmentAccounts are the fixture accounts loaded in local environments.
func DevelopmentAccounts() []Account {
	return []Account{
		{ID: "acc-001", Name: "Juan Pérez", Balance: decimal.NewFromInt(5000)},
		{ID: "acc-002", Name: "María García", Balance: decimal.NewFromInt(3000)},
		{ID: "acc-003", Name: "Carlos López", Balance: decimal.NewFromInt(2000)},
	}
}

// Seed creates the given accounts, leaving any that already exist untouched.
func Seed(ctx context.Context, s Store, accounts ...Account) error {
	for _, a := range accounts {
		if _, err := s.CreateAccount(ctx, a); err != nil && !errors.Is(err, ErrAccountExists) {
			return err
		}
	}
	return nil
}
