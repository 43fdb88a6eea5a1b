package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ledgercore/ledgercore/internal/reporting"
)

// RegisterReportRoutes wires read-only reporting endpoints.
func RegisterReportRoutes(r fiber.Router, h *reporting.Handler) {
	r.Get("/reports/accounts/:accountId/statistics", h.Statistics)
	r.Get("/reports/accounts/:accountId/sent", h.Sent)
	r.Get("/reports/transfers.csv", h.ExportCSV)
}
