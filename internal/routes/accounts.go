package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ledgercore/ledgercore/internal/account"
	"github.com/ledgercore/ledgercore/internal/transfer"
)

// RegisterAccountRoutes wires account endpoints. Balance and daily usage are
// served by the transfer handler since they read through the engine.
func RegisterAccountRoutes(r fiber.Router, h *account.Handler, th *transfer.Handler) {
	r.Post("/accounts", h.Create)
	r.Get("/accounts", h.List)
	r.Get("/accounts/:accountId", h.Get)
	r.Get("/accounts/:accountId/balance", th.Balance)
	r.Get("/accounts/:accountId/today", th.Today)
	r.Get("/accounts/:accountId/transfers", th.AccountTransfers)
}
