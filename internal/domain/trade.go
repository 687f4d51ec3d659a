package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade represents a leveraged simulated trade opened against a reference
// price. The resolution state is split across two fields on purpose:
// Result is the internal lifecycle value and Status is what the user sees.
// An admin decision recorded before expiry changes neither field; it only
// queues the outcome the settlement engine will apply.
type Trade struct {
	ID         string          // Opaque unique identifier (assigned by the store)
	UserID     string          // Owner of the trade
	Pair       string          // Trading pair (e.g., "BTCUSDT")
	Side       TradeSide       // LONG or SHORT
	Leverage   int64           // Positive multiplier applied to the raw price move
	Amount     decimal.Decimal // Risk capital staked on the trade
	EntryPrice decimal.Decimal // Reference price at open
	ExitPrice  *decimal.Decimal // Price used at settlement (nil while open)
	Currency   string          // Settlement currency for the ledger effect
	ExpiresAt  time.Time       // Earliest instant the trade may settle

	Result             TradeResult // pending until settled, then win|loss
	Status             TradeStatus // OPEN until settled, then WIN|LOSS
	AdminAction        AdminAction // queued override decision, if any
	AdminActionAt      *time.Time
	ResultDeterminedAt *time.Time
	FinalPnL           *decimal.Decimal // set exactly once, at settlement

	CreatedAt time.Time
}

// IsPending reports whether the trade still awaits settlement.
func (t *Trade) IsPending() bool {
	return t.Result == ResultPending
}

// Due reports whether the trade has reached its expiry and may settle.
func (t *Trade) Due(now time.Time) bool {
	return t.IsPending() && !now.Before(t.ExpiresAt)
}
