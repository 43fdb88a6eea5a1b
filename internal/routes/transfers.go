package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ledgercore/ledgercore/internal/transfer"
)

// RegisterTransferRoutes wires transfer endpoints.
func RegisterTransferRoutes(r fiber.Router, h *transfer.Handler) {
	r.Post("/transfers", h.Submit)
	r.Get("/transfers", h.List)
	r.Get("/transfers/:id", h.Get)
	r.Patch("/transfers/:id", h.Correct)
}
