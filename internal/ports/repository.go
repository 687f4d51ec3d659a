package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"simex/internal/domain"
)

// TradeStore defines the interface for storing and retrieving trades.
type TradeStore interface {
	// CreateTrade saves a new trade and returns its assigned ID.
	CreateTrade(ctx context.Context, trade *domain.Trade) (string, error)
	// FindTradeByID retrieves a trade by its unique ID.
	// Returns nil, nil if not found.
	FindTradeByID(ctx context.Context, id string) (*domain.Trade, error)
	// RecordAdminDecision writes the override decision, conditioned on the
	// trade result still being pending. Returns false with a nil error when
	// the condition did not hold (zero rows affected).
	RecordAdminDecision(ctx context.Context, id string, decision domain.AdminAction, at time.Time) (bool, error)
	// SettleTrade commits the terminal result, status mirror, exit price,
	// final PnL and determination time in one conditional update guarded on
	// trade_result = pending. Returns false with a nil error when another
	// settlement already won the compare-and-set.
	SettleTrade(ctx context.Context, id string, result domain.TradeResult, exitPrice *decimal.Decimal, finalPnL decimal.Decimal, at time.Time) (bool, error)
	// FindDueTrades retrieves pending trades whose expiry is at or before
	// asOf, oldest expiry first, up to limit.
	FindDueTrades(ctx context.Context, asOf time.Time, limit int) ([]*domain.Trade, error)
}

// BalanceStore is the balance ledger: the durable per-(user, currency)
// spendable balance with atomic mutation semantics. Concurrent mutations on
// the same pair are serialized by the store, not by application locks.
type BalanceStore interface {
	// GetBalance returns the current balance, zero for a missing entry.
	GetBalance(ctx context.Context, userID, currency string) (decimal.Decimal, error)
	// Credit applies a signed amount (settlement uses signed PnL) and
	// creates the entry on first use.
	Credit(ctx context.Context, userID, currency string, amount decimal.Decimal) error
	// Debit subtracts a positive amount only when the balance covers it,
	// as a single conditional update. Fails with ErrInsufficientBalance
	// otherwise; the committed balance never goes negative through Debit.
	Debit(ctx context.Context, userID, currency string, amount decimal.Decimal) error
}

// WithdrawalStore defines the interface for withdrawal request state.
// Every transition method is a conditional update returning false with a
// nil error when the guard did not hold, so workflows can distinguish lost
// races from infrastructure failures.
type WithdrawalStore interface {
	// CreateWithdrawal saves a new pending request and returns its ID.
	CreateWithdrawal(ctx context.Context, w *domain.Withdrawal) (string, error)
	// FindWithdrawalByID retrieves a withdrawal by ID.
	// Returns nil, nil if not found.
	FindWithdrawalByID(ctx context.Context, id string) (*domain.Withdrawal, error)
	// LockWithdrawal moves pending → locked for the given operator.
	LockWithdrawal(ctx context.Context, id, operator string) (bool, error)
	// ApproveWithdrawal moves pending|locked → approved and stamps
	// processed_at, operator and notes.
	ApproveWithdrawal(ctx context.Context, id, operator, notes string, at time.Time) (bool, error)
	// RevertApproval undoes a just-committed approval, restoring the given
	// previous status and clearing processed_at. Used when the ledger debit
	// fails after the status write.
	RevertApproval(ctx context.Context, id string, previous domain.WithdrawalStatus) (bool, error)
	// RejectWithdrawal moves pending|locked → rejected and stamps
	// processed_at, operator and notes.
	RejectWithdrawal(ctx context.Context, id, operator, notes string, at time.Time) (bool, error)
}
