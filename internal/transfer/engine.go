package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgercore/ledgercore/internal/ledger"
	"github.com/ledgercore/ledgercore/internal/notification"
)

// Options are the transfer rules. Zero fields take the defaults, so a zero
// DailyLimit means 5000, not a frozen account.
type Options struct {
	DailyLimit decimal.Decimal
	MaxAmount  decimal.Decimal
	// DuplicateWindow is raised to MinDuplicateWindow when shorter.
	DuplicateWindow time.Duration
	// Location defines calendar days for the daily limit.
	Location *time.Location
	Clock    func() time.Time
	// NotifyTimeout bounds the post-commit notification.
	NotifyTimeout time.Duration
}

// DefaultOptions returns the production rules: 5000 per day, 999999.99 per
// transfer, a five minute duplicate window, days in UTC.
func DefaultOptions() Options {
	return Options{
		DailyLimit:      decimal.NewFromInt(5000),
		MaxAmount:       decimal.RequireFromString("999999.99"),
		DuplicateWindow: 5 * time.Minute,
		Location:        time.UTC,
		Clock:           time.Now,
		NotifyTimeout:   2 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DailyLimit.IsZero() {
		o.DailyLimit = d.DailyLimit
	}
	if o.MaxAmount.IsZero() {
		o.MaxAmount = d.MaxAmount
	}
	switch {
	case o.DuplicateWindow == 0:
		o.DuplicateWindow = d.DuplicateWindow
	case o.DuplicateWindow < MinDuplicateWindow:
		o.DuplicateWindow = MinDuplicateWindow
	}
	if o.Location == nil {
		o.Location = d.Location
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	if o.NotifyTimeout <= 0 {
		o.NotifyTimeout = d.NotifyTimeout
	}
	return o
}

// Engine applies transfers between accounts. It is safe for concurrent use;
// transfers sharing an account serialize on that account's lock.
type Engine struct {
	store    ledger.Store
	notifier notification.Notifier
	logger   *slog.Logger
	opts     Options
}

// NewEngine constructs an engine. notifier may be nil.
func NewEngine(store ledger.Store, notifier notification.Notifier, logger *slog.Logger, opts Options) *Engine {
	return &Engine{store: store, notifier: notifier, logger: logger, opts: opts.withDefaults()}
}

// DailyLimit returns the configured per-account daily cap.
func (e *Engine) DailyLimit() decimal.Decimal { return e.opts.DailyLimit }

// attempt is the state shared by the checks of one submission.
type attempt struct {
	request
	unit          ledger.Unit
	now           time.Time
	senderBalance decimal.Decimal
	fingerprint   string
}

type check func(ctx context.Context, a *attempt) error

// Submit validates and applies a transfer. On success the sender is debited,
// the receiver credited and a completed record appended, all in one unit.
func (e *Engine) Submit(ctx context.Context, in SubmitInput) (ledger.Transfer, error) {
	req, err := e.validate(in)
	if err != nil {
		return ledger.Transfer{}, err
	}

	checks := []check{e.loadSender, e.checkSolvency, e.checkDailyLimit, e.checkDuplicate}

	var stored ledger.Transfer
	err = e.store.WithLockedAccounts(ctx, []string{req.senderID, req.receiverID}, func(ctx context.Context, u ledger.Unit) error {
		// Read after the lock wait so records are stamped in commit order.
		a := &attempt{request: req, unit: u, now: e.opts.Clock().UTC()}
		for _, c := range checks {
			if err := c(ctx, a); err != nil {
				return err
			}
		}
		rec, err := e.apply(ctx, a)
		if err != nil {
			return err
		}
		stored = rec
		return nil
	})
	if err != nil {
		e.logRejection(ctx, req, err)
		return ledger.Transfer{}, err
	}

	e.logger.InfoContext(ctx, "transfer completed",
		slog.String("transfer_id", stored.ID),
		slog.String("sender_id", stored.SenderID),
		slog.String("receiver_id", stored.ReceiverID),
		slog.String("amount", stored.Amount.StringFixed(amountScale)),
	)
	e.notify(ctx, stored)
	return stored, nil
}

func (e *Engine) loadSender(ctx context.Context, a *attempt) error {
	balance, err := a.unit.Balance(ctx, a.senderID)
	if err != nil {
		return fmt.Errorf("read sender balance: %w", err)
	}
	a.senderBalance = balance
	return nil
}

func (e *Engine) checkSolvency(_ context.Context, a *attempt) error {
	if a.senderBalance.LessThan(a.amount) {
		return &InsufficientFundsError{Balance: a.senderBalance, Amount: a.amount}
	}
	return nil
}

func (e *Engine) checkDailyLimit(ctx context.Context, a *attempt) error {
	sent, err := a.unit.SumCompletedSent(ctx, a.senderID, e.day(a.now))
	if err != nil {
		return fmt.Errorf("sum transferred today: %w", err)
	}
	if sent.Add(a.amount).GreaterThan(e.opts.DailyLimit) {
		return &DailyLimitError{
			Limit:            e.opts.DailyLimit,
			TransferredToday: sent,
			Remaining:        remaining(e.opts.DailyLimit, sent),
			Balance:          a.senderBalance,
		}
	}
	return nil
}

func (e *Engine) checkDuplicate(ctx context.Context, a *attempt) error {
	a.fingerprint = Fingerprint(a.senderID, a.receiverID, a.amount, a.now.In(e.opts.Location))
	exists, err := a.unit.FingerprintExists(ctx, a.fingerprint, a.now.Add(-e.opts.DuplicateWindow))
	if err != nil {
		return fmt.Errorf("lookup fingerprint: %w", err)
	}
	if exists {
		return ErrDuplicateTransfer
	}
	return nil
}

func (e *Engine) apply(ctx context.Context, a *attempt) (ledger.Transfer, error) {
	receiverBalance, err := a.unit.Balance(ctx, a.receiverID)
	if err != nil {
		return ledger.Transfer{}, fmt.Errorf("read receiver balance: %w", err)
	}
	if err := a.unit.SetBalance(ctx, a.senderID, a.senderBalance.Sub(a.amount)); err != nil {
		return ledger.Transfer{}, fmt.Errorf("debit sender: %w", err)
	}
	if err := a.unit.SetBalance(ctx, a.receiverID, receiverBalance.Add(a.amount)); err != nil {
		return ledger.Transfer{}, fmt.Errorf("credit receiver: %w", err)
	}

	completedAt := a.now
	return a.unit.Append(ctx, ledger.Transfer{
		SenderID:    a.senderID,
		ReceiverID:  a.receiverID,
		Amount:      a.amount,
		Description: a.description,
		Status:      ledger.StatusCompleted,
		Fingerprint: a.fingerprint,
		CompletedAt: &completedAt,
		CreatedAt:   a.now,
		UpdatedAt:   a.now,
	})
}

func (e *Engine) notify(ctx context.Context, t ledger.Transfer) {
	if e.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.NotifyTimeout)
	defer cancel()

	msg := notification.TransferCompleted(t.ID, t.SenderID, t.ReceiverID, t.Amount, t.CreatedAt)
	if err := e.notifier.Send(ctx, msg); err != nil {
		e.logger.WarnContext(ctx, "transfer notification failed",
			slog.String("transfer_id", t.ID), slog.Any("error", err))
	}
}

func (e *Engine) logRejection(ctx context.Context, req request, err error) {
	attrs := []any{
		slog.String("sender_id", req.senderID),
		slog.String("receiver_id", req.receiverID),
		slog.String("amount", req.amount.StringFixed(amountScale)),
		slog.Any("error", err),
	}
	switch {
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrDailyLimitExceeded),
		errors.Is(err, ErrDuplicateTransfer),
		errors.Is(err, ledger.ErrAccountNotFound):
		e.logger.InfoContext(ctx, "transfer rejected", attrs...)
	case errors.Is(err, ledger.ErrBusy):
		e.logger.WarnContext(ctx, "transfer lock wait timed out", attrs...)
	default:
		e.logger.ErrorContext(ctx, "transfer failed", attrs...)
	}
}

// day returns the calendar day containing t in the reference timezone.
func (e *Engine) day(t time.Time) ledger.TimeRange {
	local := t.In(e.opts.Location)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, e.opts.Location)
	return ledger.Between(start, start.AddDate(0, 0, 1))
}

func remaining(limit, used decimal.Decimal) decimal.Decimal {
	if left := limit.Sub(used); left.IsPositive() {
		return left
	}
	return decimal.Zero
}

// Transfer returns one record.
func (e *Engine) Transfer(ctx context.Context, id string) (ledger.Transfer, error) {
	return e.store.Transfer(ctx, id)
}

// Transfers returns every record, newest first.
func (e *Engine) Transfers(ctx context.Context) ([]ledger.Transfer, error) {
	return e.store.Transfers(ctx, nil)
}

// TransfersByAccount returns records where the account is sender or
// receiver, newest first, optionally filtered by status.
func (e *Engine) TransfersByAccount(ctx context.Context, accountID string, status *ledger.Status) ([]ledger.Transfer, error) {
	if _, err := e.store.Account(ctx, accountID); err != nil {
		return nil, err
	}
	opts := ledger.NewListOptions().SetAccount(accountID)
	if status != nil {
		if !status.Valid() {
			var verr ValidationError
			verr.Add("status", "status must be one of pending, completed, failed")
			return nil, &verr
		}
		opts.SetStatus(*status)
	}
	return e.store.Transfers(ctx, opts)
}

// Correct edits the description and/or status of a record. Balances are not
// touched, and a record corrected away from completed stops counting toward
// the sender's daily total.
func (e *Engine) Correct(ctx context.Context, id string, in CorrectionInput) (ledger.Transfer, error) {
	c, err := validateCorrection(in)
	if err != nil {
		return ledger.Transfer{}, err
	}
	c.UpdatedAt = e.opts.Clock().UTC()

	t, err := e.store.UpdateTransfer(ctx, id, c)
	if err != nil {
		return ledger.Transfer{}, err
	}
	e.logger.InfoContext(ctx, "transfer corrected", slog.String("transfer_id", id), slog.String("status", string(t.Status)))
	return t, nil
}

// Balance returns an account's current balance.
func (e *Engine) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	a, err := e.store.Account(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return a.Balance, nil
}

// TodayTransferred sums the account's completed outgoing transfers for the
// current calendar day.
func (e *Engine) TodayTransferred(ctx context.Context, accountID string) (decimal.Decimal, error) {
	if _, err := e.store.Account(ctx, accountID); err != nil {
		return decimal.Zero, err
	}
	return e.store.SumCompletedSent(ctx, accountID, e.day(e.opts.Clock()))
}

// RemainingToday is the part of the daily limit the account can still send.
func (e *Engine) RemainingToday(ctx context.Context, accountID string) (decimal.Decimal, error) {
	sent, err := e.TodayTransferred(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return remaining(e.opts.DailyLimit, sent), nil
}
