package account

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ledgercore/ledgercore/internal/ledger"
)

// Handler exposes account HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds an account HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createRequest struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	InitialBalance string `json:"initial_balance"`
}

type accountResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Balance   string    `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newAccountResponse(a ledger.Account) accountResponse {
	return accountResponse{
		ID:        a.ID,
		Name:      a.Name,
		Balance:   a.Balance.StringFixed(2),
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

// Create opens an account.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "malformed request body")
	}
	a, err := h.service.Create(c.UserContext(), CreateInput{ID: req.ID, Name: req.Name, InitialBalance: req.InitialBalance})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": newAccountResponse(a)})
}

// Get returns one account.
func (h *Handler) Get(c *fiber.Ctx) error {
	a, err := h.service.Get(c.UserContext(), c.Params("accountId"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": newAccountResponse(a)})
}

// List returns all accounts.
func (h *Handler) List(c *fiber.Ctx) error {
	accounts, err := h.service.List(c.UserContext())
	if err != nil {
		return err
	}
	out := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, newAccountResponse(a))
	}
	return c.JSON(fiber.Map{"data": out})
}
