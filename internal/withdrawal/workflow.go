package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"simex/internal/domain"
	"simex/internal/ports"
)

const defaultStorageTimeout = 5 * time.Second

// Workflow drives a withdrawal request through its state machine. Approval
// is non-idempotent by design but must be exactly-once: the status write is
// a compare-and-set from pending|locked, and the ledger debit is a single
// conditional update, so two concurrent approvals produce exactly one
// approval and one debit, with the loser told which race it lost.
type Workflow struct {
	withdrawals ports.WithdrawalStore
	ledger      ports.BalanceStore
	notifier    ports.Notifier
	logger      ports.Logger

	storageTimeout time.Duration
}

// Config holds the dependencies for the withdrawal workflow.
type Config struct {
	Withdrawals ports.WithdrawalStore
	Ledger      ports.BalanceStore
	Notifier    ports.Notifier
	Logger      ports.Logger

	// StorageTimeout bounds each store call. Zero means the default.
	StorageTimeout time.Duration
}

// New creates a withdrawal workflow instance.
func New(cfg Config) (*Workflow, error) {
	if cfg.Withdrawals == nil || cfg.Ledger == nil || cfg.Notifier == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for withdrawal workflow")
	}
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = defaultStorageTimeout
	}
	return &Workflow{
		withdrawals:    cfg.Withdrawals,
		ledger:         cfg.Ledger,
		notifier:       cfg.Notifier,
		logger:         cfg.Logger,
		storageTimeout: cfg.StorageTimeout,
	}, nil
}

// GetBalance returns the spendable balance for a (user, currency) pair,
// zero when no entry exists yet.
func (w *Workflow) GetBalance(ctx context.Context, userID, currency string) (decimal.Decimal, error) {
	if userID == "" || currency == "" {
		return decimal.Zero, fmt.Errorf("GetBalance: user and currency are required: %w", ports.ErrInvalidInput)
	}
	sctx, cancel := w.storeCtx(ctx)
	defer cancel()
	balance, err := w.ledger.GetBalance(sctx, userID, currency)
	if err != nil {
		return decimal.Zero, wrapStorage("GetBalance", err)
	}
	return balance, nil
}

// Lock claims a pending withdrawal for processing by the given operator.
func (w *Workflow) Lock(ctx context.Context, id, operator string) error {
	op := "Lock"
	if id == "" || operator == "" {
		return fmt.Errorf("%s: id and operator are required: %w", op, ports.ErrInvalidInput)
	}

	sctx, cancel := w.storeCtx(ctx)
	defer cancel()
	locked, err := w.withdrawals.LockWithdrawal(sctx, id, operator)
	if err != nil {
		return wrapStorage(op, err)
	}
	if !locked {
		wd, findErr := w.find(ctx, id)
		if findErr != nil {
			return findErr
		}
		if wd == nil {
			return fmt.Errorf("%s: withdrawal %s: %w", op, id, ports.ErrWithdrawalNotFound)
		}
		return fmt.Errorf("%s: withdrawal %s is %s: %w", op, id, wd.Status, ports.ErrAlreadyLocked)
	}
	w.logger.Info(ctx, op+": withdrawal locked", map[string]interface{}{"withdrawalID": id, "operator": operator})
	return nil
}

// Approve transitions a pending or locked withdrawal to approved and debits
// the ledger. Status write and debit form one logical transaction: when the
// debit fails the status is reverted, so an approved row always has its
// matching debit.
func (w *Workflow) Approve(ctx context.Context, id, operator, note string) (*domain.Withdrawal, error) {
	op := "Approve"
	if id == "" || operator == "" {
		return nil, fmt.Errorf("%s: id and operator are required: %w", op, ports.ErrInvalidInput)
	}

	wd, err := w.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if wd == nil {
		return nil, fmt.Errorf("%s: withdrawal %s: %w", op, id, ports.ErrWithdrawalNotFound)
	}
	switch wd.Status {
	case domain.WithdrawalApproved:
		return nil, fmt.Errorf("%s: withdrawal %s: %w", op, id, ports.ErrAlreadyApproved)
	case domain.WithdrawalRejected:
		return nil, fmt.Errorf("%s: withdrawal %s is rejected: %w", op, id, ports.ErrInvalidStatus)
	}
	previous := wd.Status

	balance, err := w.GetBalance(ctx, wd.UserID, wd.Currency)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(wd.Amount) {
		return nil, fmt.Errorf("%s: withdrawal %s needs %s, balance is %s: %w",
			op, id, wd.Amount, balance, ports.ErrInsufficientBalance)
	}

	now := time.Now().UTC()
	sctx, cancel := w.storeCtx(ctx)
	approved, err := w.withdrawals.ApproveWithdrawal(sctx, id, operator, note, now)
	cancel()
	if err != nil {
		return nil, wrapStorage(op, err)
	}
	if !approved {
		// A concurrent approval or rejection won between our read and the
		// conditional update.
		return nil, fmt.Errorf("%s: withdrawal %s changed state concurrently: %w", op, id, ports.ErrInvalidStatus)
	}

	if err := w.debitOrRevert(ctx, wd, previous); err != nil {
		return nil, err
	}

	w.logger.Info(ctx, op+": withdrawal approved", map[string]interface{}{
		"withdrawalID": id,
		"operator":     operator,
		"amount":       wd.Amount.String(),
		"currency":     wd.Currency,
	})
	w.notify(ctx, wd.UserID, "Withdrawal approved",
		fmt.Sprintf("Your withdrawal of %s %s to %s was approved.", wd.Amount.StringFixed(2), wd.Currency, wd.WalletAddress),
		"withdrawals")

	wd.Status = domain.WithdrawalApproved
	wd.Operator = operator
	wd.AdminNotes = note
	wd.ProcessedAt = &now
	return wd, nil
}

// Reject transitions a pending or locked withdrawal to rejected. There is
// no ledger effect.
func (w *Workflow) Reject(ctx context.Context, id, operator, note string) (*domain.Withdrawal, error) {
	op := "Reject"
	if id == "" || operator == "" {
		return nil, fmt.Errorf("%s: id and operator are required: %w", op, ports.ErrInvalidRequest)
	}

	wd, err := w.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if wd == nil {
		return nil, fmt.Errorf("%s: withdrawal %s: %w", op, id, ports.ErrInvalidRequest)
	}
	switch wd.Status {
	case domain.WithdrawalApproved:
		return nil, fmt.Errorf("%s: withdrawal %s: %w", op, id, ports.ErrAlreadyApproved)
	case domain.WithdrawalRejected:
		return nil, fmt.Errorf("%s: withdrawal %s: %w", op, id, ports.ErrAlreadyRejected)
	}

	now := time.Now().UTC()
	sctx, cancel := w.storeCtx(ctx)
	rejected, err := w.withdrawals.RejectWithdrawal(sctx, id, operator, note, now)
	cancel()
	if err != nil {
		return nil, wrapStorage(op, err)
	}
	if !rejected {
		return nil, fmt.Errorf("%s: withdrawal %s changed state concurrently: %w", op, id, ports.ErrInvalidStatus)
	}

	w.logger.Info(ctx, op+": withdrawal rejected", map[string]interface{}{"withdrawalID": id, "operator": operator})
	w.notify(ctx, wd.UserID, "Withdrawal rejected",
		fmt.Sprintf("Your withdrawal of %s %s was rejected.", wd.Amount.StringFixed(2), wd.Currency),
		"withdrawals")

	wd.Status = domain.WithdrawalRejected
	wd.Operator = operator
	wd.AdminNotes = note
	wd.ProcessedAt = &now
	return wd, nil
}

// debitOrRevert performs the ledger debit backing a just-approved
// withdrawal and rolls the status back when the debit fails. A failed
// rollback is logged as a reconciliation-required event before the debit
// error is returned.
func (w *Workflow) debitOrRevert(ctx context.Context, wd *domain.Withdrawal, previous domain.WithdrawalStatus) error {
	op := "debitOrRevert"
	sctx, cancel := w.storeCtx(ctx)
	debitErr := w.ledger.Debit(sctx, wd.UserID, wd.Currency, wd.Amount)
	cancel()
	if debitErr == nil {
		return nil
	}

	if !errors.Is(debitErr, ports.ErrInsufficientBalance) {
		debitErr = wrapStorage(op, debitErr)
	} else {
		debitErr = fmt.Errorf("%s: withdrawal %s: %w", op, wd.ID, ports.ErrInsufficientBalance)
	}
	w.logger.Warn(ctx, op+": ledger debit failed, reverting approval", map[string]interface{}{
		"withdrawalID": wd.ID,
		"previous":     previous,
		"error":        debitErr.Error(),
	})

	rctx, cancel := w.storeCtx(ctx)
	reverted, revertErr := w.withdrawals.RevertApproval(rctx, wd.ID, previous)
	cancel()
	if revertErr != nil || !reverted {
		if revertErr == nil {
			revertErr = fmt.Errorf("approval revert affected no rows")
		}
		// Reconciliation-required: the row says approved but no debit
		// exists. Log everything a manual repair needs.
		w.logger.Error(ctx, revertErr, op+": RECONCILIATION REQUIRED: approved withdrawal has no ledger debit", map[string]interface{}{
			"withdrawalID":   wd.ID,
			"userID":         wd.UserID,
			"currency":       wd.Currency,
			"amount":         wd.Amount.String(),
			"attemptedState": domain.WithdrawalApproved,
			"expectedState":  previous,
		})
	}
	return debitErr
}

func (w *Workflow) find(ctx context.Context, id string) (*domain.Withdrawal, error) {
	sctx, cancel := w.storeCtx(ctx)
	defer cancel()
	wd, err := w.withdrawals.FindWithdrawalByID(sctx, id)
	if err != nil {
		return nil, wrapStorage("find", err)
	}
	return wd, nil
}

func (w *Workflow) notify(ctx context.Context, userID, title, message, category string) {
	if err := w.notifier.Notify(ctx, userID, title, message, category); err != nil {
		w.logger.Warn(ctx, "notification delivery failed", map[string]interface{}{
			"userID": userID,
			"title":  title,
			"error":  err.Error(),
		})
	}
}

func (w *Workflow) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, w.storageTimeout)
}

func wrapStorage(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s timed out: %w", op, ports.ErrStorageUnavailable)
	}
	return fmt.Errorf("%s: %v: %w", op, err, ports.ErrStorageUnavailable)
}
