package transfer

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientFunds matches every *InsufficientFundsError.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDailyLimitExceeded matches every *DailyLimitError.
	ErrDailyLimitExceeded = errors.New("daily transfer limit exceeded")

	// ErrDuplicateTransfer is returned when an identical transfer was already
	// recorded inside the suppression window.
	ErrDuplicateTransfer = errors.New("duplicate transfer")
)

// ValidationError carries per-field messages for malformed input.
type ValidationError struct {
	Fields map[string][]string
}

// Add records a message for field.
func (e *ValidationError) Add(field, format string, args ...any) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], fmt.Sprintf(format, args...))
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+strings.Join(e.Fields[f], ", "))
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// InsufficientFundsError reports the sender's balance at the time of the check.
type InsufficientFundsError struct {
	Balance decimal.Decimal
	Amount  decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("%s: balance %s, requested %s", ErrInsufficientFunds, e.Balance.StringFixed(2), e.Amount.StringFixed(2))
}

func (e *InsufficientFundsError) Is(target error) bool { return target == ErrInsufficientFunds }

// DailyLimitError reports how much of the daily allowance is already used.
type DailyLimitError struct {
	Limit            decimal.Decimal
	TransferredToday decimal.Decimal
	Remaining        decimal.Decimal
	Balance          decimal.Decimal
}

func (e *DailyLimitError) Error() string {
	return fmt.Sprintf("%s: limit %s, transferred today %s, remaining %s",
		ErrDailyLimitExceeded, e.Limit.StringFixed(2), e.TransferredToday.StringFixed(2), e.Remaining.StringFixed(2))
}

func (e *DailyLimitError) Is(target error) bool { return target == ErrDailyLimitExceeded }
