package reporting

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgercore/ledgercore/internal/ledger"
	"github.com/ledgercore/ledgercore/internal/transfer"
)

const (
	csvSeparator   = ';'
	timestampStyle = "2006-01-02 15:04:05"
	notAvailable   = "N/A"
)

var csvHeader = []string{
	"ID", "Sender ID", "Sender Name", "Receiver ID", "Receiver Name",
	"Amount", "Description", "Status", "Fingerprint", "Completed At", "Created At",
}

// Service builds read-only reports. It never mutates the store.
type Service struct {
	store  ledger.Store
	engine *transfer.Engine
	loc    *time.Location
}

// NewService wires a report service. loc is the timezone used to print
// timestamps; nil means UTC.
func NewService(store ledger.Store, engine *transfer.Engine, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{store: store, engine: engine, loc: loc}
}

// Statistics summarises an account's completed outgoing transfers together
// with its balance and daily allowance.
type Statistics struct {
	AccountID        string
	TransferCount    int
	TotalSent        decimal.Decimal
	AverageSent      decimal.Decimal
	LargestSent      decimal.Decimal
	SmallestSent     decimal.Decimal
	CurrentBalance   decimal.Decimal
	TransferredToday decimal.Decimal
	RemainingToday   decimal.Decimal
	DailyLimit       decimal.Decimal
}

// SentSummary lists an account's completed outgoing transfers.
type SentSummary struct {
	AccountID string
	Count     int
	Total     decimal.Decimal
	Transfers []ledger.Transfer
}

func (s *Service) completedSent(ctx context.Context, accountID string) ([]ledger.Transfer, error) {
	if _, err := s.store.Account(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.Transfers(ctx, ledger.NewListOptions().SetSender(accountID).SetStatus(ledger.StatusCompleted))
}

// Statistics computes the account statistics.
func (s *Service) Statistics(ctx context.Context, accountID string) (Statistics, error) {
	sent, err := s.completedSent(ctx, accountID)
	if err != nil {
		return Statistics{}, err
	}

	stats := Statistics{AccountID: accountID, TransferCount: len(sent), DailyLimit: s.engine.DailyLimit()}
	for i, t := range sent {
		stats.TotalSent = stats.TotalSent.Add(t.Amount)
		if i == 0 || t.Amount.GreaterThan(stats.LargestSent) {
			stats.LargestSent = t.Amount
		}
		if i == 0 || t.Amount.LessThan(stats.SmallestSent) {
			stats.SmallestSent = t.Amount
		}
	}
	if stats.TransferCount > 0 {
		stats.AverageSent = stats.TotalSent.DivRound(decimal.NewFromInt(int64(stats.TransferCount)), 2)
	}

	if stats.CurrentBalance, err = s.engine.Balance(ctx, accountID); err != nil {
		return Statistics{}, err
	}
	if stats.TransferredToday, err = s.engine.TodayTransferred(ctx, accountID); err != nil {
		return Statistics{}, err
	}
	stats.RemainingToday = stats.DailyLimit.Sub(stats.TransferredToday)
	if stats.RemainingToday.IsNegative() {
		stats.RemainingToday = decimal.Zero
	}
	return stats, nil
}

// SentTotals returns the count, sum and list of completed outgoing transfers.
func (s *Service) SentTotals(ctx context.Context, accountID string) (SentSummary, error) {
	sent, err := s.completedSent(ctx, accountID)
	if err != nil {
		return SentSummary{}, err
	}
	summary := SentSummary{AccountID: accountID, Count: len(sent), Transfers: sent}
	for _, t := range sent {
		summary.Total = summary.Total.Add(t.Amount)
	}
	return summary, nil
}

// ExportCSV writes matching transfers, newest first, as semicolon separated
// values with a header row.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, opts *ledger.ListOptions) error {
	transfers, err := s.store.Transfers(ctx, opts)
	if err != nil {
		return err
	}
	accounts, err := s.store.Accounts(ctx)
	if err != nil {
		return err
	}
	names := make(map[string]string, len(accounts))
	for _, a := range accounts {
		names[a.ID] = a.Name
	}

	cw := csv.NewWriter(w)
	cw.Comma = csvSeparator
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, t := range transfers {
		completed := notAvailable
		if t.CompletedAt != nil {
			completed = t.CompletedAt.In(s.loc).Format(timestampStyle)
		}
		row := []string{
			t.ID,
			t.SenderID, names[t.SenderID],
			t.ReceiverID, names[t.ReceiverID],
			t.Amount.StringFixed(2),
			t.Description,
			string(t.Status),
			t.Fingerprint,
			completed,
			t.CreatedAt.In(s.loc).Format(timestampStyle),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write transfer %s: %w", t.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
