package notification

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// KindTransferCompleted is emitted once a transfer has been committed.
	KindTransferCompleted = "transfer_completed"
)

// Message describes a notification payload.
type Message struct {
	Kind        string          `json:"kind"`
	Destination string          `json:"destination"`
	Body        string          `json:"body"`
	TransferID  string          `json:"transfer_id"`
	SenderID    string          `json:"sender_id"`
	Amount      decimal.Decimal `json:"amount"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// TransferCompleted builds the message sent to the receiver of a transfer.
func TransferCompleted(transferID, senderID, receiverID string, amount decimal.Decimal, at time.Time) Message {
	return Message{
		Kind:        KindTransferCompleted,
		Destination: receiverID,
		Body:        fmt.Sprintf("You received %s from account %s", amount.StringFixed(2), senderID),
		TransferID:  transferID,
		SenderID:    senderID,
		Amount:      amount,
		OccurredAt:  at,
	}
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the structured logger. It is the
// fallback when no broker is configured.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(ctx context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.InfoContext(ctx, "notification",
		slog.String("kind", message.Kind),
		slog.String("destination", message.Destination),
		slog.String("transfer_id", message.TransferID),
		slog.String("body", message.Body),
	)
	return nil
}
