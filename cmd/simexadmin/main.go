// Command simexadmin drives the back-office operations: opening trades,
// queueing override decisions, settling trades by hand, and working the
// withdrawal queue.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"simex/config"
	"simex/internal/adapters/binanceclient"
	"simex/internal/adapters/logger"
	"simex/internal/adapters/notifier"
	"simex/internal/adapters/sqlite"
	"simex/internal/domain"
	"simex/internal/risk"
	"simex/internal/settlement"
	"simex/internal/withdrawal"
)

const usage = `Usage: simexadmin <command> [flags]

Commands:
  open        open a trade for a user
  decide      queue a win/loss override for a pending trade
  settle      settle an expired trade now
  balance     print a user's balance
  deposit     credit a user's balance
  request     create a withdrawal request
  lock        lock a pending withdrawal for review
  approve     approve a withdrawal and debit the balance
  reject      reject a withdrawal
`

type env struct {
	cfg      *config.Config
	logger   *logger.StdLogger
	repo     *sqlite.Repository
	feed     *binanceclient.Client
	engine   *settlement.Engine
	workflow *withdrawal.Workflow
	limits   *risk.Manager
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}
	appLogger := logger.NewStdLogger(cfg.LogLevel)

	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer repo.Close()

	feed, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize Binance price feed: %v", err)
	}

	notify, err := notifier.New(appLogger)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize notifier: %v", err)
	}

	engine, err := settlement.New(settlement.Config{
		Trades:         repo,
		Ledger:         repo,
		Feed:           feed,
		Notifier:       notify,
		Logger:         appLogger,
		StorageTimeout: cfg.StorageTimeout,
		LedgerRetryMax: cfg.LedgerRetryMax,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize settlement engine: %v", err)
	}

	workflow, err := withdrawal.New(withdrawal.Config{
		Withdrawals:    repo,
		Ledger:         repo,
		Notifier:       notify,
		Logger:         appLogger,
		StorageTimeout: cfg.StorageTimeout,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize withdrawal workflow: %v", err)
	}

	e := &env{
		cfg:      cfg,
		logger:   appLogger,
		repo:     repo,
		feed:     feed,
		engine:   engine,
		workflow: workflow,
		limits:   risk.NewManager(risk.DefaultConfig()),
	}

	ctx := context.Background()
	args := os.Args[2:]
	switch os.Args[1] {
	case "open":
		err = e.openTrade(ctx, args)
	case "decide":
		err = e.decide(ctx, args)
	case "settle":
		err = e.settle(ctx, args)
	case "balance":
		err = e.balance(ctx, args)
	case "deposit":
		err = e.deposit(ctx, args)
	case "request":
		err = e.requestWithdrawal(ctx, args)
	case "lock":
		err = e.lockWithdrawal(ctx, args)
	case "approve":
		err = e.approveWithdrawal(ctx, args)
	case "reject":
		err = e.rejectWithdrawal(ctx, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", os.Args[1], err)
	}
}

func (e *env) openTrade(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("open", flag.ExitOnError)
	user := fs.String("user", "", "user ID")
	pair := fs.String("pair", "BTCUSDT", "trading pair")
	side := fs.String("side", "LONG", "LONG or SHORT")
	leverage := fs.Int64("leverage", 10, "leverage multiplier")
	amount := fs.String("amount", "", "staked amount")
	price := fs.String("price", "", "entry price (fetched from the feed when empty)")
	currency := fs.String("currency", "USDT", "settlement currency")
	duration := fs.Duration("duration", time.Hour, "time until expiry")
	if err := fs.Parse(args); err != nil {
		return err
	}

	amt, err := decimal.NewFromString(*amount)
	if err != nil {
		return fmt.Errorf("invalid -amount %q: %w", *amount, err)
	}

	var entry decimal.Decimal
	if *price != "" {
		entry, err = decimal.NewFromString(*price)
		if err != nil {
			return fmt.Errorf("invalid -price %q: %w", *price, err)
		}
	} else {
		entry, err = e.feedPrice(ctx, *pair)
		if err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	trade := &domain.Trade{
		UserID:     *user,
		Pair:       *pair,
		Side:       domain.TradeSide(*side),
		Leverage:   *leverage,
		Amount:     amt,
		EntryPrice: entry,
		Currency:   *currency,
		ExpiresAt:  now.Add(*duration),
	}
	if err := e.limits.ValidateTrade(trade, now); err != nil {
		return err
	}

	id, err := e.repo.CreateTrade(ctx, trade)
	if err != nil {
		return err
	}
	fmt.Printf("trade %s opened: %s %s %dx %s @ %s, expires %s\n",
		id, trade.Side, trade.Pair, trade.Leverage, trade.Amount, trade.EntryPrice, trade.ExpiresAt.Format(time.RFC3339))
	return nil
}

func (e *env) feedPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	fctx, cancel := context.WithTimeout(ctx, e.cfg.StorageTimeout)
	defer cancel()
	return e.feed.CurrentPrice(fctx, pair)
}

func (e *env) decide(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("decide", flag.ExitOnError)
	id := fs.String("trade", "", "trade ID")
	decision := fs.String("decision", "", "win or loss")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := e.engine.RecordAdminDecision(ctx, *id, domain.AdminAction(*decision)); err != nil {
		return err
	}
	fmt.Printf("decision %q queued for trade %s\n", *decision, *id)
	return nil
}

func (e *env) settle(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("settle", flag.ExitOnError)
	id := fs.String("trade", "", "trade ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	res, err := e.engine.SettleTrade(ctx, *id)
	if err != nil {
		return err
	}
	fmt.Printf("trade %s settled: %s, pnl %s\n", *id, res.TradeResult, res.FinalPnL)
	return nil
}

func (e *env) balance(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("balance", flag.ExitOnError)
	user := fs.String("user", "", "user ID")
	currency := fs.String("currency", "USDT", "currency")
	if err := fs.Parse(args); err != nil {
		return err
	}
	bal, err := e.workflow.GetBalance(ctx, *user, *currency)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s: %s\n", *user, *currency, bal)
	return nil
}

func (e *env) deposit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("deposit", flag.ExitOnError)
	user := fs.String("user", "", "user ID")
	currency := fs.String("currency", "USDT", "currency")
	amount := fs.String("amount", "", "amount to credit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	amt, err := decimal.NewFromString(*amount)
	if err != nil {
		return fmt.Errorf("invalid -amount %q: %w", *amount, err)
	}
	if !amt.IsPositive() {
		return fmt.Errorf("deposit amount must be positive, got %s", amt)
	}
	if err := e.repo.Credit(ctx, *user, *currency, amt); err != nil {
		return err
	}
	fmt.Printf("credited %s %s to %s\n", amt, *currency, *user)
	return nil
}

func (e *env) requestWithdrawal(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("request", flag.ExitOnError)
	user := fs.String("user", "", "user ID")
	currency := fs.String("currency", "USDT", "currency")
	amount := fs.String("amount", "", "amount to withdraw")
	address := fs.String("address", "", "destination wallet address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	amt, err := decimal.NewFromString(*amount)
	if err != nil {
		return fmt.Errorf("invalid -amount %q: %w", *amount, err)
	}
	id, err := e.repo.CreateWithdrawal(ctx, &domain.Withdrawal{
		UserID:        *user,
		Currency:      *currency,
		Amount:        amt,
		WalletAddress: *address,
	})
	if err != nil {
		return err
	}
	fmt.Printf("withdrawal %s created: %s %s to %s\n", id, amt, *currency, *address)
	return nil
}

func (e *env) lockWithdrawal(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("lock", flag.ExitOnError)
	id := fs.String("withdrawal", "", "withdrawal ID")
	operator := fs.String("operator", "", "operator name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := e.workflow.Lock(ctx, *id, *operator); err != nil {
		return err
	}
	fmt.Printf("withdrawal %s locked by %s\n", *id, *operator)
	return nil
}

func (e *env) approveWithdrawal(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("approve", flag.ExitOnError)
	id := fs.String("withdrawal", "", "withdrawal ID")
	operator := fs.String("operator", "", "operator name")
	note := fs.String("note", "", "admin note")
	if err := fs.Parse(args); err != nil {
		return err
	}
	wd, err := e.workflow.Approve(ctx, *id, *operator, *note)
	if err != nil {
		return err
	}
	fmt.Printf("withdrawal %s approved: %s %s debited from %s\n", wd.ID, wd.Amount, wd.Currency, wd.UserID)
	return nil
}

func (e *env) rejectWithdrawal(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reject", flag.ExitOnError)
	id := fs.String("withdrawal", "", "withdrawal ID")
	operator := fs.String("operator", "", "operator name")
	note := fs.String("note", "", "admin note")
	if err := fs.Parse(args); err != nil {
		return err
	}
	wd, err := e.workflow.Reject(ctx, *id, *operator, *note)
	if err != nil {
		return err
	}
	fmt.Printf("withdrawal %s rejected\n", wd.ID)
	return nil
}
