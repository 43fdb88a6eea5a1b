package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/ledgercore/ledgercore/internal/ledger"
	"github.com/ledgercore/ledgercore/internal/transfer"
)

const internalErrorMessage = "internal server error"

// ErrorHandler renders handler errors as JSON. Validation and business-rule
// failures carry their details; anything unclassified is reported generically
// unless debug is set.
func ErrorHandler(debug bool, logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var (
			validation   *transfer.ValidationError
			insufficient *transfer.InsufficientFundsError
			dailyLimit   *transfer.DailyLimitError
			fiberErr     *fiber.Error
		)

		switch {
		case errors.As(err, &validation):
			return c.Status(http.StatusUnprocessableEntity).JSON(fiber.Map{
				"message": "the given data was invalid",
				"errors":  validation.Fields,
			})

		case errors.As(err, &insufficient):
			return c.Status(http.StatusUnprocessableEntity).JSON(fiber.Map{
				"message":         "insufficient funds",
				"errors":          fiber.Map{"amount": []string{"amount exceeds the available balance"}},
				"current_balance": insufficient.Balance.StringFixed(2),
			})

		case errors.As(err, &dailyLimit):
			return c.Status(http.StatusUnprocessableEntity).JSON(fiber.Map{
				"message":           "daily transfer limit exceeded",
				"errors":            fiber.Map{"amount": []string{"amount exceeds the remaining daily allowance"}},
				"daily_limit":       dailyLimit.Limit.StringFixed(2),
				"transferred_today": dailyLimit.TransferredToday.StringFixed(2),
				"remaining_today":   dailyLimit.Remaining.StringFixed(2),
				"current_balance":   dailyLimit.Balance.StringFixed(2),
			})

		case errors.Is(err, transfer.ErrDuplicateTransfer):
			return c.Status(http.StatusConflict).JSON(fiber.Map{
				"message": "duplicate transfer detected, wait a few minutes before retrying",
			})

		case errors.Is(err, ledger.ErrDuplicateFingerprint), errors.Is(err, ledger.ErrAccountExists):
			return c.Status(http.StatusConflict).JSON(fiber.Map{"message": err.Error()})

		case errors.Is(err, ledger.ErrAccountNotFound), errors.Is(err, ledger.ErrTransferNotFound):
			return c.Status(http.StatusNotFound).JSON(fiber.Map{"message": err.Error()})

		case errors.Is(err, ledger.ErrBusy):
			c.Set(fiber.HeaderRetryAfter, "1")
			return c.Status(http.StatusServiceUnavailable).JSON(fiber.Map{
				"message": "account is busy, retry shortly",
			})

		case errors.As(err, &fiberErr):
			return c.Status(fiberErr.Code).JSON(fiber.Map{"message": fiberErr.Message})
		}

		requestID := GetRequestID(c)
		logger.Error("unhandled error",
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.String("request_id", requestID),
			slog.Any("error", err),
		)

		body := fiber.Map{"message": internalErrorMessage}
		if debug {
			body["detail"] = err.Error()
		}
		return c.Status(http.StatusInternalServerError).JSON(body)
	}
}
