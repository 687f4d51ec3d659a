package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Withdrawal is a user request to pay out part of a balance. Status only
// moves forward: pending → locked → approved|rejected, or pending straight
// to a terminal state. Rows are never deleted; the record doubles as the
// audit trail, so ProcessedAt is written exactly once, at the terminal
// transition.
type Withdrawal struct {
	ID            string
	UserID        string
	Currency      string
	Amount        decimal.Decimal
	WalletAddress string
	Status        WithdrawalStatus
	Operator      string // admin identity that processed the request ("" until then)
	AdminNotes    string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
}
