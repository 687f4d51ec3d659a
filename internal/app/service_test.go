package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simex/config"
	"simex/internal/domain"
	"simex/internal/settlement"
)

// Mock implementations
type mockLogger struct {
	mu        sync.Mutex
	debugMsgs []string
	infoMsgs  []string
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debugMsgs = append(m.debugMsgs, msg)
}

func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoMsgs = append(m.infoMsgs, msg)
}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnMsgs = append(m.warnMsgs, msg)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMsgs = append(m.errorMsgs, msg)
}

type mockTradeStore struct {
	mu     sync.Mutex
	trades map[string]*domain.Trade
}

func newMockTradeStore(trades ...*domain.Trade) *mockTradeStore {
	s := &mockTradeStore{trades: make(map[string]*domain.Trade)}
	for _, tr := range trades {
		cp := *tr
		s.trades[tr.ID] = &cp
	}
	return s
}

func (s *mockTradeStore) CreateTrade(ctx context.Context, trade *domain.Trade) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *trade
	s.trades[trade.ID] = &cp
	return trade.ID, nil
}

func (s *mockTradeStore) FindTradeByID(ctx context.Context, id string) (*domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.trades[id]
	if !ok {
		return nil, nil
	}
	cp := *tr
	return &cp, nil
}

func (s *mockTradeStore) RecordAdminDecision(ctx context.Context, id string, decision domain.AdminAction, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.trades[id]
	if !ok || tr.Result != domain.ResultPending {
		return false, nil
	}
	tr.AdminAction = decision
	tr.AdminActionAt = &at
	return true, nil
}

func (s *mockTradeStore) SettleTrade(ctx context.Context, id string, result domain.TradeResult, exitPrice *decimal.Decimal, finalPnL decimal.Decimal, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.trades[id]
	if !ok || tr.Result != domain.ResultPending {
		return false, nil
	}
	tr.Result = result
	tr.Status = result.Status()
	tr.ExitPrice = exitPrice
	tr.FinalPnL = &finalPnL
	tr.ResultDeterminedAt = &at
	return true, nil
}

func (s *mockTradeStore) FindDueTrades(ctx context.Context, asOf time.Time, limit int) ([]*domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*domain.Trade
	for _, tr := range s.trades {
		if tr.Result == domain.ResultPending && !tr.ExpiresAt.After(asOf) {
			cp := *tr
			due = append(due, &cp)
		}
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (s *mockTradeStore) get(id string) *domain.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trades[id]
}

type mockLedger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
}

func newMockLedger() *mockLedger {
	return &mockLedger{balances: make(map[string]decimal.Decimal)}
}

func (l *mockLedger) GetBalance(ctx context.Context, userID, currency string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID+"/"+currency], nil
}

func (l *mockLedger) Credit(ctx context.Context, userID, currency string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := userID + "/" + currency
	l.balances[key] = l.balances[key].Add(amount)
	return nil
}

func (l *mockLedger) Debit(ctx context.Context, userID, currency string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := userID + "/" + currency
	l.balances[key] = l.balances[key].Sub(amount)
	return nil
}

type mockFeed struct{ price decimal.Decimal }

func (f *mockFeed) CurrentPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	return f.price, nil
}

type mockNotifier struct{}

func (n *mockNotifier) Notify(ctx context.Context, userID, title, message, category string) error {
	return nil
}

// --- Helpers ---

func d(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	v, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return v
}

func testConfig() *config.Config {
	return &config.Config{
		SettleInterval:  time.Hour, // only the immediate scan runs in tests
		SettleBatchSize: 10,
	}
}

func dueTrade(t *testing.T, id string) *domain.Trade {
	t.Helper()
	return &domain.Trade{
		ID:         id,
		UserID:     "user-1",
		Pair:       "BTCUSDT",
		Side:       domain.Long,
		Leverage:   20,
		Amount:     d(t, "50"),
		EntryPrice: d(t, "50000"),
		Currency:   "USDT",
		ExpiresAt:  time.Now().UTC().Add(-time.Minute),
		Result:     domain.ResultPending,
		Status:     domain.StatusOpen,
		CreatedAt:  time.Now().UTC().Add(-time.Hour),
	}
}

func newTestService(t *testing.T, store *mockTradeStore, ledger *mockLedger, feed *mockFeed) *SettlementService {
	t.Helper()
	engine, err := settlement.New(settlement.Config{
		Trades:   store,
		Ledger:   ledger,
		Feed:     feed,
		Notifier: &mockNotifier{},
		Logger:   &mockLogger{},
	})
	require.NoError(t, err)

	svc, err := NewSettlementService(testConfig(), &mockLogger{}, engine, store)
	require.NoError(t, err)
	return svc
}

// --- Tests ---

func TestNewSettlementService_Validation(t *testing.T) {
	store := newMockTradeStore()
	engine, err := settlement.New(settlement.Config{
		Trades:   store,
		Ledger:   newMockLedger(),
		Feed:     &mockFeed{price: d(t, "1")},
		Notifier: &mockNotifier{},
		Logger:   &mockLogger{},
	})
	require.NoError(t, err)

	_, err = NewSettlementService(nil, &mockLogger{}, engine, store)
	assert.Error(t, err)

	_, err = NewSettlementService(&config.Config{SettleInterval: 0, SettleBatchSize: 10}, &mockLogger{}, engine, store)
	assert.Error(t, err)

	_, err = NewSettlementService(&config.Config{SettleInterval: time.Second, SettleBatchSize: 0}, &mockLogger{}, engine, store)
	assert.Error(t, err)

	_, err = NewSettlementService(testConfig(), &mockLogger{}, engine, store)
	assert.NoError(t, err)
}

func TestStart_SettlesBacklogThenStops(t *testing.T) {
	store := newMockTradeStore(dueTrade(t, "trade-1"), dueTrade(t, "trade-2"))
	ledger := newMockLedger()
	svc := newTestService(t, store, ledger, &mockFeed{price: d(t, "52000")})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := svc.Start(ctx)
	require.NoError(t, err, "Start returns nil on context cancellation")

	assert.Equal(t, domain.ResultWin, store.get("trade-1").Result)
	assert.Equal(t, domain.ResultWin, store.get("trade-2").Result)

	balance, err := ledger.GetBalance(context.Background(), "user-1", "USDT")
	require.NoError(t, err)
	assert.True(t, balance.Equal(d(t, "80")), "both settlements credited: balance = %s", balance)
}

func TestSettleDue_SkipsFutureAndSettledTrades(t *testing.T) {
	future := dueTrade(t, "trade-future")
	future.ExpiresAt = time.Now().UTC().Add(time.Hour)
	settled := dueTrade(t, "trade-settled")
	settled.Result = domain.ResultLoss
	settled.Status = domain.StatusLoss

	store := newMockTradeStore(dueTrade(t, "trade-due"), future, settled)
	ledger := newMockLedger()
	svc := newTestService(t, store, ledger, &mockFeed{price: d(t, "52000")})

	svc.settleDue(context.Background())

	assert.Equal(t, domain.ResultWin, store.get("trade-due").Result)
	assert.Equal(t, domain.ResultPending, store.get("trade-future").Result, "unexpired trade untouched")
	assert.Equal(t, domain.ResultLoss, store.get("trade-settled").Result, "settled trade untouched")

	balance, err := ledger.GetBalance(context.Background(), "user-1", "USDT")
	require.NoError(t, err)
	assert.True(t, balance.Equal(d(t, "40")), "exactly one credit: balance = %s", balance)
}

func TestSettleDue_Rescan_IsIdempotent(t *testing.T) {
	store := newMockTradeStore(dueTrade(t, "trade-1"))
	ledger := newMockLedger()
	svc := newTestService(t, store, ledger, &mockFeed{price: d(t, "52000")})
	ctx := context.Background()

	svc.settleDue(ctx)
	svc.settleDue(ctx)

	balance, err := ledger.GetBalance(ctx, "user-1", "USDT")
	require.NoError(t, err)
	assert.True(t, balance.Equal(d(t, "40")), "single ledger effect across rescans: balance = %s", balance)
}
