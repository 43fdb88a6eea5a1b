package transfer

import (
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/ledgercore/ledgercore/internal/ledger"
)

const (
	maxDescriptionLength = 255
	amountScale          = 2
)

// SubmitInput is a transfer request as received from a caller. Amount is kept
// as text so malformed numbers surface as a field error.
type SubmitInput struct {
	SenderID    string
	ReceiverID  string
	Amount      string
	Description string
}

// CorrectionInput is an administrative edit. Nil fields are left untouched.
type CorrectionInput struct {
	Description *string
	Status      *string
}

type request struct {
	senderID    string
	receiverID  string
	amount      decimal.Decimal
	description string
}

func (e *Engine) validate(in SubmitInput) (request, error) {
	var verr ValidationError
	req := request{
		senderID:    strings.TrimSpace(in.SenderID),
		receiverID:  strings.TrimSpace(in.ReceiverID),
		description: in.Description,
	}

	if req.senderID == "" {
		verr.Add("sender_id", "sender_id is required")
	}
	if req.receiverID == "" {
		verr.Add("receiver_id", "receiver_id is required")
	}
	if req.senderID != "" && req.senderID == req.receiverID {
		verr.Add("receiver_id", "receiver_id must be different from sender_id")
	}

	raw := strings.TrimSpace(in.Amount)
	switch amount, err := decimal.NewFromString(raw); {
	case raw == "":
		verr.Add("amount", "amount is required")
	case err != nil:
		verr.Add("amount", "amount must be a number")
	case !amount.IsPositive():
		verr.Add("amount", "amount must be greater than 0")
	case amount.GreaterThan(e.opts.MaxAmount):
		verr.Add("amount", "amount must not exceed %s", e.opts.MaxAmount.StringFixed(amountScale))
	case !amount.Equal(amount.Truncate(amountScale)):
		verr.Add("amount", "amount must have at most %d decimal places", amountScale)
	default:
		req.amount = amount
	}

	if utf8.RuneCountInString(in.Description) > maxDescriptionLength {
		verr.Add("description", "description must not exceed %d characters", maxDescriptionLength)
	}

	return req, verr.orNil()
}

func validateCorrection(in CorrectionInput) (ledger.Correction, error) {
	var (
		verr ValidationError
		c    ledger.Correction
	)

	if in.Description == nil && in.Status == nil {
		verr.Add("status", "at least one of description or status is required")
	}
	if in.Description != nil {
		if utf8.RuneCountInString(*in.Description) > maxDescriptionLength {
			verr.Add("description", "description must not exceed %d characters", maxDescriptionLength)
		}
		c.Description = in.Description
	}
	if in.Status != nil {
		s := ledger.Status(strings.ToLower(strings.TrimSpace(*in.Status)))
		if !s.Valid() {
			verr.Add("status", "status must be one of pending, completed, failed")
		}
		c.Status = &s
	}

	return c, verr.orNil()
}
