package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"simex/internal/domain"
	"simex/internal/pnl"
	"simex/internal/ports"
)

const (
	defaultStorageTimeout = 5 * time.Second
	defaultLedgerRetryMax = 5
)

// Engine resolves exactly one terminal outcome per trade and applies it to
// the balance ledger. It is invoked at-least-once per expired trade by an
// external scheduler, so every path must be idempotent: the terminal
// transition is a compare-and-set on trade_result, and losing that race is
// reported as ErrTradeAlreadyCompleted rather than applied twice.
type Engine struct {
	trades   ports.TradeStore
	ledger   ports.BalanceStore
	feed     ports.PriceFeed
	notifier ports.Notifier
	logger   ports.Logger

	storageTimeout time.Duration
	ledgerRetryMax int
}

// Config holds the dependencies and tuning for the settlement engine.
type Config struct {
	Trades   ports.TradeStore
	Ledger   ports.BalanceStore
	Feed     ports.PriceFeed
	Notifier ports.Notifier
	Logger   ports.Logger

	// StorageTimeout bounds each store and feed call. Zero means the default.
	StorageTimeout time.Duration
	// LedgerRetryMax caps the retry attempts for applying a committed
	// settlement to the ledger. Zero means the default.
	LedgerRetryMax int
}

// New creates a settlement engine instance.
func New(cfg Config) (*Engine, error) {
	if cfg.Trades == nil || cfg.Ledger == nil || cfg.Feed == nil || cfg.Notifier == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for settlement engine")
	}
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = defaultStorageTimeout
	}
	if cfg.LedgerRetryMax <= 0 {
		cfg.LedgerRetryMax = defaultLedgerRetryMax
	}
	return &Engine{
		trades:         cfg.Trades,
		ledger:         cfg.Ledger,
		feed:           cfg.Feed,
		notifier:       cfg.Notifier,
		logger:         cfg.Logger,
		storageTimeout: cfg.StorageTimeout,
		ledgerRetryMax: cfg.LedgerRetryMax,
	}, nil
}

// Result is the outcome of a successful settlement.
type Result struct {
	TradeResult domain.TradeResult
	FinalPnL    decimal.Decimal
}

// SettleTrade resolves a trade at or after its expiry. The trade record is
// the durable intent: once the terminal result is committed, the ledger
// mutation is retried until it lands or the retry budget is exhausted, in
// which case a reconciliation-required event is logged and the caller gets
// a retryable error.
func (e *Engine) SettleTrade(ctx context.Context, tradeID string) (Result, error) {
	op := "SettleTrade"
	if tradeID == "" {
		return Result{}, fmt.Errorf("%s: trade id is required: %w", op, ports.ErrInvalidInput)
	}

	trade, err := e.findTrade(ctx, tradeID)
	if err != nil {
		return Result{}, err
	}
	if trade == nil {
		e.logger.Error(ctx, ports.ErrTradeNotFound, op+": trade missing", map[string]interface{}{"tradeID": tradeID})
		return Result{}, fmt.Errorf("%s: trade %s: %w", op, tradeID, ports.ErrTradeNotFound)
	}
	if !trade.IsPending() {
		// Duplicate invocation from the at-least-once scheduler; safe no-op.
		e.logger.Info(ctx, op+": trade already settled, skipping", map[string]interface{}{"tradeID": tradeID, "result": trade.Result})
		return Result{}, fmt.Errorf("%s: trade %s: %w", op, tradeID, ports.ErrTradeAlreadyCompleted)
	}
	now := time.Now().UTC()
	if now.Before(trade.ExpiresAt) {
		return Result{}, fmt.Errorf("%s: trade %s not expired until %s: %w", op, tradeID, trade.ExpiresAt, ports.ErrInvalidRequest)
	}

	finalPnL, result, exitPrice, err := e.resolveOutcome(ctx, trade)
	if err != nil {
		return Result{}, err
	}

	settled, err := e.commitSettlement(ctx, trade.ID, result, exitPrice, finalPnL, now)
	if err != nil {
		return Result{}, err
	}
	if !settled {
		// Another settlement won the compare-and-set between our read and
		// the update. Nothing was applied on this path.
		e.logger.Warn(ctx, op+": lost settlement race", map[string]interface{}{"tradeID": trade.ID})
		return Result{}, fmt.Errorf("%s: trade %s: %w", op, tradeID, ports.ErrTradeAlreadyCompleted)
	}
	e.logger.Info(ctx, op+": trade settled", map[string]interface{}{
		"tradeID": trade.ID,
		"result":  result,
		"pnl":     finalPnL.String(),
	})

	if err := e.applyToLedger(ctx, trade, finalPnL); err != nil {
		return Result{}, err
	}

	e.notify(ctx, trade.UserID, "Trade settled",
		fmt.Sprintf("Your %s %s trade settled as %s with PnL %s %s.", trade.Side, trade.Pair, result, finalPnL.StringFixed(2), trade.Currency),
		"trades")

	return Result{TradeResult: result, FinalPnL: finalPnL}, nil
}

// RecordAdminDecision queues an override decision for a still-pending
// trade. The decision stays invisible to the user: neither trade_result nor
// status changes until settlement.
func (e *Engine) RecordAdminDecision(ctx context.Context, tradeID string, decision domain.AdminAction) error {
	op := "RecordAdminDecision"
	if tradeID == "" {
		return fmt.Errorf("%s: trade id is required: %w", op, ports.ErrInvalidInput)
	}
	if !decision.IsValid() {
		return fmt.Errorf("%s: decision must be win or loss, got %q: %w", op, decision, ports.ErrInvalidInput)
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	recorded, err := e.trades.RecordAdminDecision(sctx, tradeID, decision, time.Now().UTC())
	if err != nil {
		return wrapStorage(op, err)
	}
	if !recorded {
		trade, findErr := e.findTrade(ctx, tradeID)
		if findErr != nil {
			return findErr
		}
		if trade == nil {
			return fmt.Errorf("%s: trade %s: %w", op, tradeID, ports.ErrTradeNotFound)
		}
		return fmt.Errorf("%s: trade %s: %w", op, tradeID, ports.ErrTradeAlreadyCompleted)
	}
	e.logger.Info(ctx, op+": override recorded", map[string]interface{}{"tradeID": tradeID, "decision": decision})
	return nil
}

// resolveOutcome computes the final PnL, either from the queued admin
// override or from the current reference price.
func (e *Engine) resolveOutcome(ctx context.Context, trade *domain.Trade) (decimal.Decimal, domain.TradeResult, *decimal.Decimal, error) {
	op := "resolveOutcome"
	if trade.AdminAction != domain.AdminActionNone {
		finalPnL, result, err := pnl.Override(trade.AdminAction, trade.Leverage, trade.Amount)
		if err != nil {
			return decimal.Zero, "", nil, fmt.Errorf("%s: trade %s: %w", op, trade.ID, err)
		}
		e.logger.Debug(ctx, op+": using admin override", map[string]interface{}{"tradeID": trade.ID, "decision": trade.AdminAction})
		return finalPnL, result, nil, nil
	}

	fctx, cancel := e.storeCtx(ctx)
	defer cancel()
	exitPrice, err := e.feed.CurrentPrice(fctx, trade.Pair)
	if err != nil {
		e.logger.Error(ctx, err, op+": reference price fetch failed", map[string]interface{}{"tradeID": trade.ID, "pair": trade.Pair})
		return decimal.Zero, "", nil, fmt.Errorf("%s: trade %s: %w", op, trade.ID, ports.ErrPriceUnavailable)
	}
	finalPnL, result, err := pnl.Compute(trade.EntryPrice, exitPrice, trade.Side, trade.Leverage, trade.Amount)
	if err != nil {
		return decimal.Zero, "", nil, fmt.Errorf("%s: trade %s: %w", op, trade.ID, err)
	}
	return finalPnL, result, &exitPrice, nil
}

// commitSettlement writes the terminal state, guarded on the result still
// being pending.
func (e *Engine) commitSettlement(ctx context.Context, tradeID string, result domain.TradeResult, exitPrice *decimal.Decimal, finalPnL decimal.Decimal, at time.Time) (bool, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	settled, err := e.trades.SettleTrade(sctx, tradeID, result, exitPrice, finalPnL, at)
	if err != nil {
		return false, wrapStorage("commitSettlement", err)
	}
	return settled, nil
}

// applyToLedger credits the signed PnL with bounded retries. The settled
// trade row already holds the authoritative outcome, so an exhausted retry
// budget is a reconciliation case, never a reversal.
func (e *Engine) applyToLedger(ctx context.Context, trade *domain.Trade, finalPnL decimal.Decimal) error {
	op := "applyToLedger"
	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= e.ledgerRetryMax; attempt++ {
		sctx, cancel := e.storeCtx(ctx)
		lastErr = e.ledger.Credit(sctx, trade.UserID, trade.Currency, finalPnL)
		cancel()
		if lastErr == nil {
			if attempt > 1 {
				e.logger.Info(ctx, op+": ledger credit succeeded after retry", map[string]interface{}{"tradeID": trade.ID, "attempt": attempt})
			}
			return nil
		}
		e.logger.Warn(ctx, op+": ledger credit failed", map[string]interface{}{
			"tradeID": trade.ID,
			"attempt": attempt,
			"error":   lastErr.Error(),
		})
		if attempt == e.ledgerRetryMax {
			break
		}
		// A timed-out attempt is exactly the transient failure the budget
		// exists for; only the caller's own cancellation cuts retries short.
		select {
		case <-ctx.Done():
		case <-time.After(b.Duration()):
		}
		if ctx.Err() != nil {
			e.logger.Warn(ctx, op+": retries interrupted by caller", map[string]interface{}{
				"tradeID": trade.ID,
				"cause":   ctx.Err().Error(),
			})
			break
		}
	}

	// Reconciliation-required: the trade row says settled but the ledger
	// never recorded the PnL. Log everything a manual repair needs.
	e.logger.Error(ctx, lastErr, op+": RECONCILIATION REQUIRED: settled trade has no ledger effect", map[string]interface{}{
		"tradeID":  trade.ID,
		"userID":   trade.UserID,
		"currency": trade.Currency,
		"pnl":      finalPnL.String(),
		"attempts": e.ledgerRetryMax,
	})
	return fmt.Errorf("%s: trade %s: ledger credit failed after %d attempts: %w", op, trade.ID, e.ledgerRetryMax, ports.ErrStorageUnavailable)
}

func (e *Engine) findTrade(ctx context.Context, tradeID string) (*domain.Trade, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	trade, err := e.trades.FindTradeByID(sctx, tradeID)
	if err != nil {
		return nil, wrapStorage("findTrade", err)
	}
	return trade, nil
}

// notify delivers a best-effort user notification; failures are logged and
// never propagated.
func (e *Engine) notify(ctx context.Context, userID, title, message, category string) {
	if err := e.notifier.Notify(ctx, userID, title, message, category); err != nil {
		e.logger.Warn(ctx, "notification delivery failed", map[string]interface{}{
			"userID": userID,
			"title":  title,
			"error":  err.Error(),
		})
	}
}

func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.storageTimeout)
}

// wrapStorage converts infrastructure failures, including bounded-timeout
// expiry, into the retryable storage error.
func wrapStorage(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s timed out: %w", op, ports.ErrStorageUnavailable)
	}
	return fmt.Errorf("%s: %v: %w", op, err, ports.ErrStorageUnavailable)
}
