package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"simex/internal/domain"
	"simex/internal/ports"
)

// casMaxAttempts bounds the read-compare-swap loop on balance rows. The
// loop only spins when another writer landed between our read and update,
// so a handful of attempts is plenty.
const casMaxAttempts = 10

// Repository implements ports.TradeStore, ports.BalanceStore and
// ports.WithdrawalStore using SQLite. Every state transition is a
// conditional UPDATE checked via RowsAffected, which gives the
// compare-and-set semantics the engines rely on.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/simex.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency between the scheduler and handlers.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db.SetMaxOpenConns(1) // SQLite handles concurrency internally; the Go driver benefits from limiting connections
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite database ready", map[string]interface{}{"path": dbPath})

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		pair TEXT NOT NULL,
		side TEXT NOT NULL,
		leverage INTEGER NOT NULL,
		amount TEXT NOT NULL,
		entry_price TEXT NOT NULL,
		exit_price TEXT DEFAULT NULL,
		currency TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		trade_result TEXT NOT NULL DEFAULT 'pending',
		status TEXT NOT NULL DEFAULT 'OPEN',
		admin_action TEXT DEFAULT NULL,
		admin_action_at TIMESTAMP DEFAULT NULL,
		result_determined_at TIMESTAMP DEFAULT NULL,
		final_pnl TEXT DEFAULT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		balance TEXT NOT NULL DEFAULT '0',
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, currency)
	);

	CREATE TABLE IF NOT EXISTS withdrawals (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		amount TEXT NOT NULL,
		wallet_address TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		operator TEXT NOT NULL DEFAULT '',
		admin_notes TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		processed_at TIMESTAMP DEFAULT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_trades_due ON trades (trade_result, expires_at);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_user ON withdrawals (user_id, status);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- TradeStore Implementation ---

// CreateTrade saves a new trade and returns its assigned ID.
func (r *Repository) CreateTrade(ctx context.Context, trade *domain.Trade) (string, error) {
	if trade.ID == "" {
		trade.ID = uuid.NewString()
	}
	if trade.Result == "" {
		trade.Result = domain.ResultPending
	}
	if trade.Status == "" {
		trade.Status = trade.Result.Status()
	}
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = time.Now().UTC()
	}

	const query = `
	INSERT INTO trades (id, user_id, pair, side, leverage, amount, entry_price, exit_price,
	                    currency, expires_at, trade_result, status, admin_action, admin_action_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		trade.ID, trade.UserID, trade.Pair, string(trade.Side), trade.Leverage,
		trade.Amount.String(), trade.EntryPrice.String(), decimalPtrToNull(trade.ExitPrice),
		trade.Currency, trade.ExpiresAt, string(trade.Result), string(trade.Status),
		actionToNull(trade.AdminAction), timePtrToNull(trade.AdminActionAt), trade.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to insert trade for user %s: %w", trade.UserID, err)
	}
	r.logger.Debug(ctx, "Trade created", map[string]interface{}{"tradeID": trade.ID, "pair": trade.Pair})
	return trade.ID, nil
}

// FindTradeByID retrieves a trade by its unique ID.
func (r *Repository) FindTradeByID(ctx context.Context, id string) (*domain.Trade, error) {
	const query = `
	SELECT id, user_id, pair, side, leverage, amount, entry_price, exit_price, currency,
	       expires_at, trade_result, status, admin_action, admin_action_at, result_determined_at,
	       final_pnl, created_at
	FROM trades
	WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	trade, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.logger.Debug(ctx, "Trade not found by ID", map[string]interface{}{"tradeID": id})
			return nil, nil // Not an error, just not found
		}
		return nil, fmt.Errorf("failed to query trade by ID %s: %w", id, err)
	}
	return trade, nil
}

// RecordAdminDecision writes the override decision, conditioned on the
// trade still being pending.
func (r *Repository) RecordAdminDecision(ctx context.Context, id string, decision domain.AdminAction, at time.Time) (bool, error) {
	const query = `
	UPDATE trades
	SET admin_action = ?, admin_action_at = ?
	WHERE id = ? AND trade_result = ?`

	result, err := r.db.ExecContext(ctx, query, string(decision), at, id, string(domain.ResultPending))
	if err != nil {
		return false, fmt.Errorf("failed to record admin decision for trade %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected recording decision for trade %s: %w", id, err)
	}
	if rows > 0 {
		r.logger.Debug(ctx, "Admin decision recorded", map[string]interface{}{"tradeID": id, "decision": decision})
	}
	return rows > 0, nil
}

// SettleTrade commits the terminal state in one conditional update guarded
// on trade_result = 'pending'. Zero rows affected means another settlement
// already won.
func (r *Repository) SettleTrade(ctx context.Context, id string, result domain.TradeResult, exitPrice *decimal.Decimal, finalPnL decimal.Decimal, at time.Time) (bool, error) {
	const query = `
	UPDATE trades
	SET trade_result = ?, status = ?, exit_price = COALESCE(?, exit_price),
	    final_pnl = ?, result_determined_at = ?
	WHERE id = ? AND trade_result = ?`

	res, err := r.db.ExecContext(ctx, query,
		string(result), string(result.Status()), decimalPtrToNull(exitPrice),
		finalPnL.String(), at, id, string(domain.ResultPending))
	if err != nil {
		return false, fmt.Errorf("failed to settle trade %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected settling trade %s: %w", id, err)
	}
	if rows > 0 {
		r.logger.Debug(ctx, "Trade settled", map[string]interface{}{"tradeID": id, "result": result, "pnl": finalPnL.String()})
	}
	return rows > 0, nil
}

// FindDueTrades retrieves pending trades whose expiry has passed, oldest
// expiry first.
func (r *Repository) FindDueTrades(ctx context.Context, asOf time.Time, limit int) ([]*domain.Trade, error) {
	const query = `
	SELECT id, user_id, pair, side, leverage, amount, entry_price, exit_price, currency,
	       expires_at, trade_result, status, admin_action, admin_action_at, result_determined_at,
	       final_pnl, created_at
	FROM trades
	WHERE trade_result = ? AND expires_at <= ?
	ORDER BY expires_at ASC
	LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, string(domain.ResultPending), asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due trades: %w", err)
	}
	defer rows.Close()

	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade during FindDueTrades: %w", err)
		}
		trades = append(trades, trade)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating due trade rows: %w", err)
	}
	return trades, nil
}

// --- BalanceStore Implementation ---

// GetBalance returns the current balance, zero for a missing entry.
func (r *Repository) GetBalance(ctx context.Context, userID, currency string) (decimal.Decimal, error) {
	const query = `SELECT balance FROM balances WHERE user_id = ? AND currency = ?`
	var raw string
	err := r.db.QueryRowContext(ctx, query, userID, currency).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("failed to query balance for %s/%s: %w", userID, currency, err)
	}
	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt balance value '%s' for %s/%s: %w", raw, userID, currency, err)
	}
	return balance, nil
}

// Credit applies a signed amount, creating the entry on first use. The
// write is a compare-and-swap on the previous balance text so concurrent
// mutations on the same (user, currency) pair never lose updates.
func (r *Repository) Credit(ctx context.Context, userID, currency string, amount decimal.Decimal) error {
	if err := r.ensureBalanceRow(ctx, userID, currency); err != nil {
		return err
	}
	for attempt := 0; attempt < casMaxAttempts; attempt++ {
		current, err := r.GetBalance(ctx, userID, currency)
		if err != nil {
			return err
		}
		swapped, err := r.swapBalance(ctx, userID, currency, current, current.Add(amount))
		if err != nil {
			return err
		}
		if swapped {
			r.logger.Debug(ctx, "Balance credited", map[string]interface{}{"userID": userID, "currency": currency, "amount": amount.String()})
			return nil
		}
	}
	return fmt.Errorf("credit for %s/%s lost %d consecutive balance swaps: %w", userID, currency, casMaxAttempts, ports.ErrStorageUnavailable)
}

// Debit subtracts a positive amount only when the balance covers it. The
// balance check and the write form one compare-and-swap, so the committed
// balance can never go negative through Debit, regardless of concurrency.
func (r *Repository) Debit(ctx context.Context, userID, currency string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("debit amount must be positive, got %s: %w", amount, ports.ErrInvalidInput)
	}
	for attempt := 0; attempt < casMaxAttempts; attempt++ {
		current, err := r.GetBalance(ctx, userID, currency)
		if err != nil {
			return err
		}
		if current.LessThan(amount) {
			return fmt.Errorf("debit of %s %s exceeds balance %s for %s: %w", amount, currency, current, userID, ports.ErrInsufficientBalance)
		}
		swapped, err := r.swapBalance(ctx, userID, currency, current, current.Sub(amount))
		if err != nil {
			return err
		}
		if swapped {
			r.logger.Debug(ctx, "Balance debited", map[string]interface{}{"userID": userID, "currency": currency, "amount": amount.String()})
			return nil
		}
	}
	return fmt.Errorf("debit for %s/%s lost %d consecutive balance swaps: %w", userID, currency, casMaxAttempts, ports.ErrStorageUnavailable)
}

func (r *Repository) ensureBalanceRow(ctx context.Context, userID, currency string) error {
	const query = `INSERT OR IGNORE INTO balances (user_id, currency, balance, updated_at) VALUES (?, ?, '0', ?)`
	if _, err := r.db.ExecContext(ctx, query, userID, currency, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to ensure balance row for %s/%s: %w", userID, currency, err)
	}
	return nil
}

// swapBalance writes the new balance only if the stored value still equals
// the one we read. A missing row counts as a lost swap when expected is
// zero and the row was never created.
func (r *Repository) swapBalance(ctx context.Context, userID, currency string, expected, next decimal.Decimal) (bool, error) {
	const query = `UPDATE balances SET balance = ?, updated_at = ? WHERE user_id = ? AND currency = ? AND balance = ?`
	res, err := r.db.ExecContext(ctx, query, next.String(), time.Now().UTC(), userID, currency, expected.String())
	if err != nil {
		return false, fmt.Errorf("failed to swap balance for %s/%s: %w", userID, currency, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected swapping balance for %s/%s: %w", userID, currency, err)
	}
	return rows > 0, nil
}

// --- WithdrawalStore Implementation ---

// CreateWithdrawal saves a new pending request and returns its ID.
func (r *Repository) CreateWithdrawal(ctx context.Context, w *domain.Withdrawal) (string, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.Status == "" {
		w.Status = domain.WithdrawalPending
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}

	const query = `
	INSERT INTO withdrawals (id, user_id, currency, amount, wallet_address, status, operator, admin_notes, created_at, processed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		w.ID, w.UserID, w.Currency, w.Amount.String(), w.WalletAddress,
		string(w.Status), w.Operator, w.AdminNotes, w.CreatedAt, timePtrToNull(w.ProcessedAt))
	if err != nil {
		return "", fmt.Errorf("failed to insert withdrawal for user %s: %w", w.UserID, err)
	}
	r.logger.Debug(ctx, "Withdrawal created", map[string]interface{}{"withdrawalID": w.ID, "amount": w.Amount.String()})
	return w.ID, nil
}

// FindWithdrawalByID retrieves a withdrawal by ID.
func (r *Repository) FindWithdrawalByID(ctx context.Context, id string) (*domain.Withdrawal, error) {
	const query = `
	SELECT id, user_id, currency, amount, wallet_address, status, operator, admin_notes, created_at, processed_at
	FROM withdrawals
	WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	w, err := scanWithdrawal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.logger.Debug(ctx, "Withdrawal not found by ID", map[string]interface{}{"withdrawalID": id})
			return nil, nil // Not an error, just not found
		}
		return nil, fmt.Errorf("failed to query withdrawal by ID %s: %w", id, err)
	}
	return w, nil
}

// LockWithdrawal moves pending → locked for the given operator.
func (r *Repository) LockWithdrawal(ctx context.Context, id, operator string) (bool, error) {
	const query = `UPDATE withdrawals SET status = ?, operator = ? WHERE id = ? AND status = ?`
	res, err := r.db.ExecContext(ctx, query, string(domain.WithdrawalLocked), operator, id, string(domain.WithdrawalPending))
	if err != nil {
		return false, fmt.Errorf("failed to lock withdrawal %s: %w", id, err)
	}
	return rowsAffected(res, "lock withdrawal "+id)
}

// ApproveWithdrawal moves pending|locked → approved and stamps the
// processing metadata.
func (r *Repository) ApproveWithdrawal(ctx context.Context, id, operator, notes string, at time.Time) (bool, error) {
	const query = `
	UPDATE withdrawals
	SET status = ?, operator = ?, admin_notes = ?, processed_at = ?
	WHERE id = ? AND status IN (?, ?)`

	res, err := r.db.ExecContext(ctx, query,
		string(domain.WithdrawalApproved), operator, notes, at,
		id, string(domain.WithdrawalPending), string(domain.WithdrawalLocked))
	if err != nil {
		return false, fmt.Errorf("failed to approve withdrawal %s: %w", id, err)
	}
	return rowsAffected(res, "approve withdrawal "+id)
}

// RevertApproval restores the pre-approval status and clears processed_at.
// Operator is kept when the row was locked before approval, since the lock
// itself remains valid.
func (r *Repository) RevertApproval(ctx context.Context, id string, previous domain.WithdrawalStatus) (bool, error) {
	const query = `
	UPDATE withdrawals
	SET status = ?, processed_at = NULL, admin_notes = '',
	    operator = CASE WHEN ? = 'pending' THEN '' ELSE operator END
	WHERE id = ? AND status = ?`

	res, err := r.db.ExecContext(ctx, query, string(previous), string(previous), id, string(domain.WithdrawalApproved))
	if err != nil {
		return false, fmt.Errorf("failed to revert approval of withdrawal %s: %w", id, err)
	}
	return rowsAffected(res, "revert approval of withdrawal "+id)
}

// RejectWithdrawal moves pending|locked → rejected and stamps the
// processing metadata.
func (r *Repository) RejectWithdrawal(ctx context.Context, id, operator, notes string, at time.Time) (bool, error) {
	const query = `
	UPDATE withdrawals
	SET status = ?, operator = ?, admin_notes = ?, processed_at = ?
	WHERE id = ? AND status IN (?, ?)`

	res, err := r.db.ExecContext(ctx, query,
		string(domain.WithdrawalRejected), operator, notes, at,
		id, string(domain.WithdrawalPending), string(domain.WithdrawalLocked))
	if err != nil {
		return false, fmt.Errorf("failed to reject withdrawal %s: %w", id, err)
	}
	return rowsAffected(res, "reject withdrawal "+id)
}

// --- Helper Functions ---

func rowsAffected(res sql.Result, op string) (bool, error) {
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected for %s: %w", op, err)
	}
	return rows > 0, nil
}

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanTrade scans a row into a domain.Trade struct.
func scanTrade(s scanner) (*domain.Trade, error) {
	t := &domain.Trade{}
	var (
		side, result, status        string
		amount, entryPrice          string
		exitPrice, finalPnL, action sql.NullString
		adminAt, determinedAt       sql.NullTime
	)
	err := s.Scan(
		&t.ID, &t.UserID, &t.Pair, &side, &t.Leverage, &amount, &entryPrice, &exitPrice,
		&t.Currency, &t.ExpiresAt, &result, &status, &action, &adminAt, &determinedAt,
		&finalPnL, &t.CreatedAt)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	t.Side = domain.TradeSide(side)
	t.Result = domain.TradeResult(result)
	t.Status = domain.TradeStatus(status)
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("corrupt amount '%s': %w", amount, err)
	}
	if t.EntryPrice, err = decimal.NewFromString(entryPrice); err != nil {
		return nil, fmt.Errorf("corrupt entry price '%s': %w", entryPrice, err)
	}
	if t.ExitPrice, err = nullToDecimalPtr(exitPrice); err != nil {
		return nil, err
	}
	if t.FinalPnL, err = nullToDecimalPtr(finalPnL); err != nil {
		return nil, err
	}
	if action.Valid {
		t.AdminAction = domain.AdminAction(action.String)
	}
	if adminAt.Valid {
		at := adminAt.Time
		t.AdminActionAt = &at
	}
	if determinedAt.Valid {
		at := determinedAt.Time
		t.ResultDeterminedAt = &at
	}
	return t, nil
}

// scanWithdrawal scans a row into a domain.Withdrawal struct.
func scanWithdrawal(s scanner) (*domain.Withdrawal, error) {
	w := &domain.Withdrawal{}
	var (
		amount, status string
		processedAt    sql.NullTime
	)
	err := s.Scan(
		&w.ID, &w.UserID, &w.Currency, &amount, &w.WalletAddress,
		&status, &w.Operator, &w.AdminNotes, &w.CreatedAt, &processedAt)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	w.Status = domain.WithdrawalStatus(status)
	if w.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("corrupt withdrawal amount '%s': %w", amount, err)
	}
	if processedAt.Valid {
		at := processedAt.Time
		w.ProcessedAt = &at
	}
	return w, nil
}

func decimalPtrToNull(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func nullToDecimalPtr(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil, fmt.Errorf("corrupt decimal value '%s': %w", ns.String, err)
	}
	return &d, nil
}

func actionToNull(a domain.AdminAction) sql.NullString {
	if a == domain.AdminActionNone {
		return sql.NullString{}
	}
	return sql.NullString{String: string(a), Valid: true}
}

func timePtrToNull(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
