package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BalanceEntry is the spendable balance for one (user, currency) pair.
// It is the single source of truth for withdrawable funds. Only two
// operations mutate it: settlement applying a signed final PnL, and
// withdrawal approval debiting the withdrawal amount. Debits never take
// the committed balance below zero.
type BalanceEntry struct {
	UserID    string
	Currency  string
	Balance   decimal.Decimal
	UpdatedAt time.Time
}
