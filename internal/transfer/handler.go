package transfer

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ledgercore/ledgercore/internal/ledger"
)

// Handler exposes transfer endpoints. Domain errors are returned as-is and
// rendered by the application's error handler.
type Handler struct {
	engine *Engine
}

// NewHandler constructs a transfer handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

type submitRequest struct {
	SenderID    string          `json:"sender_id"`
	ReceiverID  string          `json:"receiver_id"`
	Amount      json.RawMessage `json:"amount"`
	Description string          `json:"description"`
}

type correctRequest struct {
	Description *string `json:"description"`
	Status      *string `json:"status"`
}

// Response is the JSON shape of a transfer record.
type Response struct {
	ID          string     `json:"id"`
	SenderID    string     `json:"sender_id"`
	ReceiverID  string     `json:"receiver_id"`
	Amount      string     `json:"amount"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	Fingerprint string     `json:"fingerprint"`
	CompletedAt *time.Time `json:"completed_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewResponse renders a record.
func NewResponse(t ledger.Transfer) Response {
	return Response{
		ID:          t.ID,
		SenderID:    t.SenderID,
		ReceiverID:  t.ReceiverID,
		Amount:      t.Amount.StringFixed(amountScale),
		Description: t.Description,
		Status:      string(t.Status),
		Fingerprint: t.Fingerprint,
		CompletedAt: t.CompletedAt,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func newResponses(ts []ledger.Transfer) []Response {
	out := make([]Response, 0, len(ts))
	for _, t := range ts {
		out = append(out, NewResponse(t))
	}
	return out
}

// Submit processes a transfer between two accounts.
func (h *Handler) Submit(c *fiber.Ctx) error {
	var req submitRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "malformed request body")
	}

	rec, err := h.engine.Submit(c.UserContext(), SubmitInput{
		SenderID:    req.SenderID,
		ReceiverID:  req.ReceiverID,
		Amount:      rawAmount(req.Amount),
		Description: req.Description,
	})
	if err != nil {
		return err
	}

	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"message": "transfer completed",
		"data":    NewResponse(rec),
	})
}

// rawAmount accepts both JSON numbers and numeric strings.
func rawAmount(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "null" {
		return ""
	}
	return strings.Trim(s, `"`)
}

// List returns all transfers newest first, or one account's transfers when
// account_id is given.
func (h *Handler) List(c *fiber.Ctx) error {
	if accountID := c.Query("account_id"); accountID != "" {
		return h.listForAccount(c, accountID)
	}
	if c.Query("status") != "" {
		return fiber.NewError(http.StatusBadRequest, "status filter requires account_id")
	}

	list, err := h.engine.Transfers(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": newResponses(list)})
}

// AccountTransfers returns the transfers of the account in the path.
func (h *Handler) AccountTransfers(c *fiber.Ctx) error {
	return h.listForAccount(c, c.Params("accountId"))
}

func (h *Handler) listForAccount(c *fiber.Ctx, accountID string) error {
	var status *ledger.Status
	if v := c.Query("status"); v != "" {
		s := ledger.Status(strings.ToLower(v))
		status = &s
	}

	list, err := h.engine.TransfersByAccount(c.UserContext(), accountID, status)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": newResponses(list)})
}

// Get returns one transfer.
func (h *Handler) Get(c *fiber.Ctx) error {
	rec, err := h.engine.Transfer(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": NewResponse(rec)})
}

// Correct applies an administrative edit to a transfer.
func (h *Handler) Correct(c *fiber.Ctx) error {
	var req correctRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "malformed request body")
	}

	rec, err := h.engine.Correct(c.UserContext(), c.Params("id"), CorrectionInput{
		Description: req.Description,
		Status:      req.Status,
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"message": "transfer updated",
		"data":    NewResponse(rec),
	})
}

// Balance returns an account's balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	accountID := c.Params("accountId")
	balance, err := h.engine.Balance(c.UserContext(), accountID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"account_id": accountID,
		"balance":    balance.StringFixed(amountScale),
		"timestamp":  time.Now().UTC(),
	})
}

// Today returns what an account has sent today and what it may still send.
func (h *Handler) Today(c *fiber.Ctx) error {
	accountID := c.Params("accountId")
	sent, err := h.engine.TodayTransferred(c.UserContext(), accountID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"account_id":        accountID,
		"transferred_today": sent.StringFixed(amountScale),
		"remaining_today":   remaining(h.engine.DailyLimit(), sent).StringFixed(amountScale),
		"daily_limit":       h.engine.DailyLimit().StringFixed(amountScale),
	})
}
