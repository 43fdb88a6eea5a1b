package reporting

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ledgercore/ledgercore/internal/ledger"
	"github.com/ledgercore/ledgercore/internal/transfer"
)

// Handler exposes reporting endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a reporting handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Statistics returns an account's transfer statistics.
func (h *Handler) Statistics(c *fiber.Ctx) error {
	stats, err := h.service.Statistics(c.UserContext(), c.Params("accountId"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"account_id":        stats.AccountID,
		"transfer_count":    stats.TransferCount,
		"total_sent":        stats.TotalSent.StringFixed(2),
		"average_sent":      stats.AverageSent.StringFixed(2),
		"largest_sent":      stats.LargestSent.StringFixed(2),
		"smallest_sent":     stats.SmallestSent.StringFixed(2),
		"current_balance":   stats.CurrentBalance.StringFixed(2),
		"transferred_today": stats.TransferredToday.StringFixed(2),
		"remaining_today":   stats.RemainingToday.StringFixed(2),
		"daily_limit":       stats.DailyLimit.StringFixed(2),
	})
}

// Sent returns an account's completed outgoing transfers and their total.
func (h *Handler) Sent(c *fiber.Ctx) error {
	summary, err := h.service.SentTotals(c.UserContext(), c.Params("accountId"))
	if err != nil {
		return err
	}
	list := make([]transfer.Response, 0, len(summary.Transfers))
	for _, t := range summary.Transfers {
		list = append(list, transfer.NewResponse(t))
	}
	return c.JSON(fiber.Map{
		"account_id": summary.AccountID,
		"count":      summary.Count,
		"total":      summary.Total.StringFixed(2),
		"transfers":  list,
	})
}

// ExportCSV streams transfers as a CSV attachment. Optional account_id and
// status query parameters narrow the export.
func (h *Handler) ExportCSV(c *fiber.Ctx) error {
	opts := ledger.NewListOptions()
	if accountID := c.Query("account_id"); accountID != "" {
		opts.SetAccount(accountID)
	}
	if v := c.Query("status"); v != "" {
		status := ledger.Status(strings.ToLower(v))
		if !status.Valid() {
			return fiber.NewError(http.StatusBadRequest, "status must be one of pending, completed, failed")
		}
		opts.SetStatus(status)
	}

	var buf bytes.Buffer
	if err := h.service.ExportCSV(c.UserContext(), &buf, opts); err != nil {
		return err
	}

	filename := fmt.Sprintf("transfers_%s.csv", time.Now().In(h.service.loc).Format("2006-01-02_15-04-05"))
	c.Set(fiber.HeaderContentType, "text/csv; charset=utf-8")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, filename))
	return c.Status(http.StatusOK).Send(buf.Bytes())
}
