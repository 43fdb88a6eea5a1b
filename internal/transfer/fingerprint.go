package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/shopspring/decimal"
)

const fingerprintLayout = "2006-01-02 15:04"

// MinDuplicateWindow is the fingerprint bucket width and the shortest
// accepted duplicate window.
const MinDuplicateWindow = time.Minute

// Fingerprint is the dedup key of a transfer: a SHA-256 over the parties, the
// amount and the minute the transfer was submitted in. Two transfers with the
// same parties and amount in the same minute share a fingerprint.
func Fingerprint(senderID, receiverID string, amount decimal.Decimal, at time.Time) string {
	h := sha256.New()
	for _, part := range []string{senderID, receiverID, amount.StringFixed(2), at.Format(fingerprintLayout)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
