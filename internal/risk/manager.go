package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"simex/internal/domain"
	"simex/internal/ports"
)

// Config holds the limits applied to incoming trade requests.
type Config struct {
	MinLeverage int64
	MaxLeverage int64
	MinAmount   decimal.Decimal
	MaxAmount   decimal.Decimal
	MinDuration time.Duration
	MaxDuration time.Duration
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		MinLeverage: 1,
		MaxLeverage: 125,
		MinAmount:   decimal.NewFromInt(1),
		MaxAmount:   decimal.NewFromInt(100000),
		MinDuration: time.Minute,
		MaxDuration: 30 * 24 * time.Hour,
	}
}

// Manager validates trade requests against configured limits before they
// reach the store. Settlement never consults it; a trade that was accepted
// settles under the rules that admitted it.
type Manager struct {
	cfg Config
}

// NewManager creates a manager, falling back to defaults for unset limits.
func NewManager(cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.MinLeverage <= 0 {
		cfg.MinLeverage = def.MinLeverage
	}
	if cfg.MaxLeverage <= 0 {
		cfg.MaxLeverage = def.MaxLeverage
	}
	if cfg.MinAmount.IsZero() {
		cfg.MinAmount = def.MinAmount
	}
	if cfg.MaxAmount.IsZero() {
		cfg.MaxAmount = def.MaxAmount
	}
	if cfg.MinDuration <= 0 {
		cfg.MinDuration = def.MinDuration
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = def.MaxDuration
	}
	return &Manager{cfg: cfg}
}

// ValidateTrade checks a new trade request against the limits. All
// violations report ports.ErrInvalidInput so callers can branch on kind.
func (m *Manager) ValidateTrade(trade *domain.Trade, now time.Time) error {
	if trade == nil {
		return fmt.Errorf("trade is required: %w", ports.ErrInvalidInput)
	}
	if trade.UserID == "" {
		return fmt.Errorf("user id is required: %w", ports.ErrInvalidInput)
	}
	if trade.Pair == "" {
		return fmt.Errorf("pair is required: %w", ports.ErrInvalidInput)
	}
	if trade.Currency == "" {
		return fmt.Errorf("currency is required: %w", ports.ErrInvalidInput)
	}
	if !trade.Side.IsValid() {
		return fmt.Errorf("side must be LONG or SHORT, got %q: %w", trade.Side, ports.ErrInvalidInput)
	}
	if trade.Leverage < m.cfg.MinLeverage || trade.Leverage > m.cfg.MaxLeverage {
		return fmt.Errorf("leverage %d outside allowed range [%d, %d]: %w",
			trade.Leverage, m.cfg.MinLeverage, m.cfg.MaxLeverage, ports.ErrInvalidInput)
	}
	if trade.Amount.LessThan(m.cfg.MinAmount) || trade.Amount.GreaterThan(m.cfg.MaxAmount) {
		return fmt.Errorf("amount %s outside allowed range [%s, %s]: %w",
			trade.Amount, m.cfg.MinAmount, m.cfg.MaxAmount, ports.ErrInvalidInput)
	}
	if !trade.EntryPrice.IsPositive() {
		return fmt.Errorf("entry price must be positive, got %s: %w", trade.EntryPrice, ports.ErrInvalidInput)
	}

	duration := trade.ExpiresAt.Sub(now)
	if duration < m.cfg.MinDuration {
		return fmt.Errorf("trade duration %s below minimum %s: %w", duration, m.cfg.MinDuration, ports.ErrInvalidInput)
	}
	if duration > m.cfg.MaxDuration {
		return fmt.Errorf("trade duration %s above maximum %s: %w", duration, m.cfg.MaxDuration, ports.ErrInvalidInput)
	}
	return nil
}
