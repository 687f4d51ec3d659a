package pnl

import (
	"fmt"

	"github.com/shopspring/decimal"

	"simex/internal/domain"
	"simex/internal/ports"
)

// Fixed raw magnitudes for admin-forced outcomes. A forced win pays half
// the leveraged stake, a forced loss costs the full leveraged stake. The
// asymmetry is a business rule and must not be "corrected".
var (
	overrideWinRate  = decimal.NewFromFloat(0.5)
	overrideLossRate = decimal.NewFromInt(-1)
)

// Compute turns entry/exit prices, side, leverage and staked amount into a
// signed profit/loss and its win/loss classification:
//
//	raw = (exit-entry)/entry for LONG, (entry-exit)/entry for SHORT
//	pnl = raw * leverage * amount
//
// A zero PnL classifies as a win. The function is pure and deterministic;
// non-positive prices, leverage or amount are rejected with ErrInvalidInput.
func Compute(entry, exit decimal.Decimal, side domain.TradeSide, leverage int64, amount decimal.Decimal) (decimal.Decimal, domain.TradeResult, error) {
	if !entry.IsPositive() {
		return decimal.Zero, "", fmt.Errorf("entry price must be positive, got %s: %w", entry, ports.ErrInvalidInput)
	}
	if !exit.IsPositive() {
		return decimal.Zero, "", fmt.Errorf("exit price must be positive, got %s: %w", exit, ports.ErrInvalidInput)
	}
	if !side.IsValid() {
		return decimal.Zero, "", fmt.Errorf("unknown trade side %q: %w", side, ports.ErrInvalidInput)
	}
	if leverage <= 0 {
		return decimal.Zero, "", fmt.Errorf("leverage must be positive, got %d: %w", leverage, ports.ErrInvalidInput)
	}
	if !amount.IsPositive() {
		return decimal.Zero, "", fmt.Errorf("amount must be positive, got %s: %w", amount, ports.ErrInvalidInput)
	}

	raw := exit.Sub(entry).Div(entry)
	if side == domain.Short {
		raw = entry.Sub(exit).Div(entry)
	}
	pnl := raw.Mul(decimal.NewFromInt(leverage)).Mul(amount)
	return pnl, classify(pnl), nil
}

// Override computes the synthetic PnL for an admin-forced outcome, using
// the same leverage/amount scaling as Compute but with the raw move pinned
// to the fixed override magnitude for the chosen direction.
func Override(decision domain.AdminAction, leverage int64, amount decimal.Decimal) (decimal.Decimal, domain.TradeResult, error) {
	if !decision.IsValid() {
		return decimal.Zero, "", fmt.Errorf("unknown admin decision %q: %w", decision, ports.ErrInvalidInput)
	}
	if leverage <= 0 {
		return decimal.Zero, "", fmt.Errorf("leverage must be positive, got %d: %w", leverage, ports.ErrInvalidInput)
	}
	if !amount.IsPositive() {
		return decimal.Zero, "", fmt.Errorf("amount must be positive, got %s: %w", amount, ports.ErrInvalidInput)
	}

	rate := overrideLossRate
	if decision == domain.AdminActionWin {
		rate = overrideWinRate
	}
	pnl := amount.Mul(decimal.NewFromInt(leverage)).Mul(rate)
	return pnl, decision.Result(), nil
}

// classify maps a signed PnL to its outcome; zero counts as a win.
func classify(pnl decimal.Decimal) domain.TradeResult {
	if pnl.Sign() >= 0 {
		return domain.ResultWin
	}
	return domain.ResultLoss
}
