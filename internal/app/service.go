package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"simex/config"
	"simex/internal/ports"
	"simex/internal/settlement"
)

// SettlementService runs the settlement scheduler: a periodic scan for
// expired trades, each handed to the settlement engine. The engine is
// idempotent, so overlapping scans or restarts never double-settle.
type SettlementService struct {
	cfg    *config.Config
	logger ports.Logger
	engine *settlement.Engine
	trades ports.TradeStore
}

// NewSettlementService creates a new application service instance.
func NewSettlementService(
	cfg *config.Config,
	logger ports.Logger,
	engine *settlement.Engine,
	trades ports.TradeStore,
) (*SettlementService, error) {

	// Validate dependencies
	if cfg == nil || logger == nil || engine == nil || trades == nil {
		return nil, fmt.Errorf("missing required dependencies for SettlementService")
	}

	// Validate config values needed by service
	if cfg.SettleInterval <= 0 {
		return nil, fmt.Errorf("configuration SettleInterval must be positive")
	}
	if cfg.SettleBatchSize <= 0 {
		return nil, fmt.Errorf("configuration SettleBatchSize must be positive")
	}

	return &SettlementService{
		cfg:    cfg,
		logger: logger,
		engine: engine,
		trades: trades,
	}, nil
}

// Start begins the scheduler's main loop and blocks until the context is
// cancelled or a shutdown signal arrives.
func (s *SettlementService) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting Settlement Service...", map[string]interface{}{
		"interval":  s.cfg.SettleInterval.String(),
		"batchSize": s.cfg.SettleBatchSize,
	})

	// Create a context that can be canceled by signals
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	// Run one scan immediately so a backlog from downtime is drained
	// without waiting for the first tick.
	s.settleDue(ctx)

	ticker := time.NewTicker(s.cfg.SettleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "Settlement Service stopped.")
			return nil
		case <-ticker.C:
			s.settleDue(ctx)
		}
	}
}

// settleDue scans for expired pending trades and settles each one. A
// failure on one trade never blocks the rest of the batch.
func (s *SettlementService) settleDue(ctx context.Context) {
	op := "settleDue"
	due, err := s.trades.FindDueTrades(ctx, time.Now().UTC(), s.cfg.SettleBatchSize)
	if err != nil {
		s.logger.Error(ctx, err, op+": failed to query due trades")
		return
	}
	if len(due) == 0 {
		s.logger.Debug(ctx, op+": no due trades")
		return
	}
	s.logger.Info(ctx, op+": settling due trades", map[string]interface{}{"count": len(due)})

	var settled, skipped, failed int
	for _, trade := range due {
		if ctx.Err() != nil {
			s.logger.Info(ctx, op+": scan interrupted by shutdown", map[string]interface{}{"remaining": len(due) - settled - skipped - failed})
			return
		}
		_, err := s.engine.SettleTrade(ctx, trade.ID)
		switch {
		case err == nil:
			settled++
		case errors.Is(err, ports.ErrTradeAlreadyCompleted):
			// Another scan or a direct invocation got there first.
			skipped++
		default:
			failed++
			s.logger.Error(ctx, err, op+": trade settlement failed, will retry next scan", map[string]interface{}{"tradeID": trade.ID})
		}
	}
	s.logger.Info(ctx, op+": scan complete", map[string]interface{}{
		"settled": settled,
		"skipped": skipped,
		"failed":  failed,
	})
}
