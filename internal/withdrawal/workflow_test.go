package withdrawal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simex/internal/domain"
	"simex/internal/ports"
)

// --- Mocks ---

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockWithdrawalStore struct {
	mu          sync.Mutex
	withdrawals map[string]*domain.Withdrawal

	findErr    error
	approveErr error
	revertErr  error
	// loseApproveRace makes the conditional approve report zero rows.
	loseApproveRace bool
	revertCalls     int
}

func newMockWithdrawalStore(ws ...*domain.Withdrawal) *mockWithdrawalStore {
	s := &mockWithdrawalStore{withdrawals: make(map[string]*domain.Withdrawal)}
	for _, w := range ws {
		cp := *w
		s.withdrawals[w.ID] = &cp
	}
	return s
}

func (s *mockWithdrawalStore) CreateWithdrawal(ctx context.Context, w *domain.Withdrawal) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.withdrawals[w.ID] = &cp
	return w.ID, nil
}

func (s *mockWithdrawalStore) FindWithdrawalByID(ctx context.Context, id string) (*domain.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	w, ok := s.withdrawals[id]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (s *mockWithdrawalStore) LockWithdrawal(ctx context.Context, id, operator string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdrawals[id]
	if !ok || w.Status != domain.WithdrawalPending {
		return false, nil
	}
	w.Status = domain.WithdrawalLocked
	w.Operator = operator
	return true, nil
}

func (s *mockWithdrawalStore) ApproveWithdrawal(ctx context.Context, id, operator, notes string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.approveErr != nil {
		return false, s.approveErr
	}
	if s.loseApproveRace {
		return false, nil
	}
	w, ok := s.withdrawals[id]
	if !ok || (w.Status != domain.WithdrawalPending && w.Status != domain.WithdrawalLocked) {
		return false, nil
	}
	w.Status = domain.WithdrawalApproved
	w.Operator = operator
	w.AdminNotes = notes
	w.ProcessedAt = &at
	return true, nil
}

func (s *mockWithdrawalStore) RevertApproval(ctx context.Context, id string, previous domain.WithdrawalStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revertCalls++
	if s.revertErr != nil {
		return false, s.revertErr
	}
	w, ok := s.withdrawals[id]
	if !ok || w.Status != domain.WithdrawalApproved {
		return false, nil
	}
	w.Status = previous
	w.ProcessedAt = nil
	w.AdminNotes = ""
	if previous == domain.WithdrawalPending {
		w.Operator = ""
	}
	return true, nil
}

func (s *mockWithdrawalStore) RejectWithdrawal(ctx context.Context, id, operator, notes string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdrawals[id]
	if !ok || (w.Status != domain.WithdrawalPending && w.Status != domain.WithdrawalLocked) {
		return false, nil
	}
	w.Status = domain.WithdrawalRejected
	w.Operator = operator
	w.AdminNotes = notes
	w.ProcessedAt = &at
	return true, nil
}

func (s *mockWithdrawalStore) get(id string) *domain.Withdrawal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withdrawals[id]
}

type mockLedger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal

	debitErr   error
	debitCalls int
}

func newMockLedger() *mockLedger {
	return &mockLedger{balances: make(map[string]decimal.Decimal)}
}

func ledgerKey(userID, currency string) string { return userID + "/" + currency }

func (l *mockLedger) GetBalance(ctx context.Context, userID, currency string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[ledgerKey(userID, currency)], nil
}

func (l *mockLedger) Credit(ctx context.Context, userID, currency string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ledgerKey(userID, currency)
	l.balances[key] = l.balances[key].Add(amount)
	return nil
}

func (l *mockLedger) Debit(ctx context.Context, userID, currency string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debitCalls++
	if l.debitErr != nil {
		return l.debitErr
	}
	key := ledgerKey(userID, currency)
	if l.balances[key].LessThan(amount) {
		return ports.ErrInsufficientBalance
	}
	l.balances[key] = l.balances[key].Sub(amount)
	return nil
}

func (l *mockLedger) set(userID, currency, amount string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[ledgerKey(userID, currency)] = decimal.RequireFromString(amount)
}

type mockNotifier struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (n *mockNotifier) Notify(ctx context.Context, userID, title, message, category string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	return n.err
}

// --- Helpers ---

func d(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	v, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return v
}

func pendingWithdrawal(t *testing.T, id, amount string) *domain.Withdrawal {
	t.Helper()
	return &domain.Withdrawal{
		ID:            id,
		UserID:        "user-1",
		Currency:      "USDT",
		Amount:        d(t, amount),
		WalletAddress: "0xabc123",
		Status:        domain.WithdrawalPending,
		CreatedAt:     time.Now().UTC().Add(-time.Hour),
	}
}

func newTestWorkflow(t *testing.T, store *mockWithdrawalStore, ledger *mockLedger, notifier *mockNotifier) *Workflow {
	t.Helper()
	wf, err := New(Config{
		Withdrawals: store,
		Ledger:      ledger,
		Notifier:    notifier,
		Logger:      &mockLogger{},
	})
	require.NoError(t, err)
	return wf
}

// --- Tests ---

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestGetBalance(t *testing.T) {
	ledger := newMockLedger()
	ledger.set("user-1", "USDT", "1000")
	wf := newTestWorkflow(t, newMockWithdrawalStore(), ledger, &mockNotifier{})

	balance, err := wf.GetBalance(context.Background(), "user-1", "USDT")
	require.NoError(t, err)
	assert.True(t, balance.Equal(d(t, "1000")))

	// Unknown pair reads as zero.
	balance, err = wf.GetBalance(context.Background(), "user-2", "USDT")
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	_, err = wf.GetBalance(context.Background(), "", "USDT")
	assert.ErrorIs(t, err, ports.ErrInvalidInput)
}

func TestApprove_FullFlow(t *testing.T) {
	store := newMockWithdrawalStore(pendingWithdrawal(t, "w-1", "200"))
	ledger := newMockLedger()
	ledger.set("user-1", "USDT", "1000")
	notifier := &mockNotifier{}
	wf := newTestWorkflow(t, store, ledger, notifier)
	ctx := context.Background()

	require.NoError(t, wf.Lock(ctx, "w-1", "admin-1"))
	assert.Equal(t, domain.WithdrawalLocked, store.get("w-1").Status)

	approved, err := wf.Approve(ctx, "w-1", "admin-1", "verified")
	require.NoError(t, err)
	require.NotNil(t, approved)
	assert.Equal(t, domain.WithdrawalApproved, approved.Status)
	assert.Equal(t, "admin-1", approved.Operator)
	assert.Equal(t, "verified", approved.AdminNotes)
	require.NotNil(t, approved.ProcessedAt)

	balance, err := ledger.GetBalance(ctx, "user-1", "USDT")
	require.NoError(t, err)
	assert.True(t, balance.Equal(d(t, "800")), "balance = %s", balance)
	assert.Equal(t, 1, ledger.debitCalls, "exactly one debit")
	assert.Equal(t, 1, notifier.calls)
}

func TestApprove_StraightFromPending(t *testing.T) {
	store := newMockWithdrawalStore(pendingWithdrawal(t, "w-1", "50"))
	ledger := newMockLedger()
	ledger.set("user-1", "USDT", "100")
	wf := newTestWorkflow(t, store, ledger, &mockNotifier{})

	approved, err := wf.Approve(context.Background(), "w-1", "admin-1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalApproved, approved.Status)
}

func TestApprove_InsufficientBalance(t *testing.T) {
	store := newMockWithdrawalStore(pendingWithdrawal(t, "w-1", "200"))
	ledger := newMockLedger()
	ledger.set("user-1", "USDT", "199.99")
	wf := newTestWorkflow(t, store, ledger, &mockNotifier{})

	_, err := wf.Approve(context.Background(), "w-1", "admin-1", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrInsufficientBalance)

	// Nothing moved: no status change, no debit.
	assert.Equal(t, domain.WithdrawalPending, store.get("w-1").Status)
	assert.Equal(t, 0, ledger.debitCalls)
}

func TestApprove_DebitFailureRevertsStatus(t *testing.T) {
	store := newMockWithdrawalStore(pendingWithdrawal(t, "w-1", "200"))
	ledger := newMockLedger()
	ledger.set("user-1", "USDT", "1000")
	ledger.debitErr = errors.New("ledger write failed")
	wf := newTestWorkflow(t, store, ledger, &mockNotifier{})

	_, err := wf.Approve(context.Background(), "w-1", "admin-1", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrStorageUnavailable)

	// The approval was rolled back so no approved row exists without a debit.
	stored := store.get("w-1")
	assert.Equal(t, domain.WithdrawalPending, stored.Status)
	assert.Nil(t, stored.ProcessedAt)
	assert.Equal(t, 1, store.revertCalls)
}

func TestApprove_DebitInsufficientRevertsStatus(t *testing.T) {
	// The pre-check passes but the conditional debit fails, e.g. a
	// concurrent withdrawal drained the balance in between.
	store := newMockWithdrawalStore(pendingWithdrawal(t, "w-1", "200"))
	ledger := newMockLedger()
	ledger.set("user-1", "USDT", "1000")
	ledger.debitErr = ports.ErrInsufficientBalance
	wf := newTestWorkflow(t, store, ledger, &mockNotifier{})

	_, err := wf.Approve(context.Background(), "w-1", "admin-1", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrInsufficientBalance)
	assert.Equal(t, domain.WithdrawalPending, store.get("w-1").Status)
}

func TestApprove_RevertFailureStillReturnsDebitError(t *testing.T) {
	store := newMockWithdrawalStore(pendingWithdrawal(t, "w-1", "200"))
	store.revertErr = errors.New("revert failed")
	ledger := newMockLedger()
	ledger.set("user-1", "USDT", "1000")
	ledger.debitErr = errors.New("ledger write failed")
	wf := newTestWorkflow(t, store, ledger, &mockNotifier{})

	_, err := wf.Approve(context.Background(), "w-1", "admin-1", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrStorageUnavailable)
	assert.Equal(t, 1, store.revertCalls)
}

func TestApprove_TerminalStates(t *testing.T) {
	approvedAt := time.Now().UTC()
	alreadyApproved := pendingWithdrawal(t, "w-approved", "100")
	alreadyApproved.Status = domain.WithdrawalApproved
	alreadyApproved.ProcessedAt = &approvedAt
	rejected := pendingWithdrawal(t, "w-rejected", "100")
	rejected.Status = domain.WithdrawalRejected

	store := newMockWithdrawalStore(alreadyApproved, rejected)
	ledger := newMockLedger()
	ledger.set("user-1", "USDT", "1000")
	wf := newTestWorkflow(t, store, ledger, &mockNotifier{})
	ctx := context.Background()

	_, err := wf.Approve(ctx, "w-approved", "admin-1", "")
	assert.ErrorIs(t, err, ports.ErrAlreadyApproved)

	_, err = wf.Approve(ctx, "w-rejected", "admin-1", "")
	assert.ErrorIs(t, err, ports.ErrInvalidStatus)

	_, err = wf.Approve(ctx, "missing", "admin-1", "")
	assert.ErrorIs(t, err, ports.ErrWithdrawalNotFound)

	assert.Equal(t, 0, ledger.debitCalls, "terminal states never reach the ledger")
}

func TestApprove_LostRace(t *testing.T) {
	store := newMockWithdrawalStore(pendingWithdrawal(t, "w-1", "100"))
	store.loseApproveRace = true
	ledger := newMockLedger()
	ledger.set("user-1", "USDT", "1000")
	wf := newTestWorkflow(t, store, ledger, &mockNotifier{})

	_, err := wf.Approve(context.Background(), "w-1", "admin-1", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrInvalidStatus)
	assert.Equal(t, 0, ledger.debitCalls, "losing the race applies no debit")
}

func TestApprove_InvalidInput(t *testing.T) {
	wf := newTestWorkflow(t, newMockWithdrawalStore(), newMockLedger(), &mockNotifier{})

	_, err := wf.Approve(context.Background(), "", "admin-1", "")
	assert.ErrorIs(t, err, ports.ErrInvalidInput)
	_, err = wf.Approve(context.Background(), "w-1", "", "")
	assert.ErrorIs(t, err, ports.ErrInvalidInput)
}

func TestLock(t *testing.T) {
	store := newMockWithdrawalStore(pendingWithdrawal(t, "w-1", "100"))
	wf := newTestWorkflow(t, store, newMockLedger(), &mockNotifier{})
	ctx := context.Background()

	require.NoError(t, wf.Lock(ctx, "w-1", "admin-1"))

	// Second lock reports the conflict.
	err := wf.Lock(ctx, "w-1", "admin-2")
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrAlreadyLocked)
	assert.Equal(t, "admin-1", store.get("w-1").Operator, "first lock holds")

	err = wf.Lock(ctx, "missing", "admin-1")
	assert.ErrorIs(t, err, ports.ErrWithdrawalNotFound)

	err = wf.Lock(ctx, "", "admin-1")
	assert.ErrorIs(t, err, ports.ErrInvalidInput)
}

func TestReject(t *testing.T) {
	store := newMockWithdrawalStore(pendingWithdrawal(t, "w-1", "100"))
	ledger := newMockLedger()
	ledger.set("user-1", "USDT", "1000")
	notifier := &mockNotifier{}
	wf := newTestWorkflow(t, store, ledger, notifier)
	ctx := context.Background()

	rejected, err := wf.Reject(ctx, "w-1", "admin-1", "bad address")
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalRejected, rejected.Status)
	assert.Equal(t, "bad address", rejected.AdminNotes)
	require.NotNil(t, rejected.ProcessedAt)

	// Rejection never touches the balance.
	balance, err := ledger.GetBalance(ctx, "user-1", "USDT")
	require.NoError(t, err)
	assert.True(t, balance.Equal(d(t, "1000")))
	assert.Equal(t, 1, notifier.calls)

	// Repeat rejection and post-rejection approval both fail.
	_, err = wf.Reject(ctx, "w-1", "admin-1", "again")
	assert.ErrorIs(t, err, ports.ErrAlreadyRejected)
	_, err = wf.Approve(ctx, "w-1", "admin-1", "")
	assert.ErrorIs(t, err, ports.ErrInvalidStatus)
}

func TestReject_FromLocked(t *testing.T) {
	store := newMockWithdrawalStore(pendingWithdrawal(t, "w-1", "100"))
	wf := newTestWorkflow(t, store, newMockLedger(), &mockNotifier{})
	ctx := context.Background()

	require.NoError(t, wf.Lock(ctx, "w-1", "admin-1"))
	rejected, err := wf.Reject(ctx, "w-1", "admin-1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalRejected, rejected.Status)
}

func TestReject_InvalidRequests(t *testing.T) {
	approvedAt := time.Now().UTC()
	approved := pendingWithdrawal(t, "w-approved", "100")
	approved.Status = domain.WithdrawalApproved
	approved.ProcessedAt = &approvedAt
	store := newMockWithdrawalStore(approved)
	wf := newTestWorkflow(t, store, newMockLedger(), &mockNotifier{})
	ctx := context.Background()

	_, err := wf.Reject(ctx, "missing", "admin-1", "")
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)

	_, err = wf.Reject(ctx, "", "admin-1", "")
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)

	_, err = wf.Reject(ctx, "w-approved", "admin-1", "")
	assert.ErrorIs(t, err, ports.ErrAlreadyApproved)
}

func TestApprove_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	// Two withdrawals of 80 against a balance of 100: both pre-checks can
	// pass, but the conditional debit lets exactly one through.
	store := newMockWithdrawalStore(
		pendingWithdrawal(t, "w-1", "80"),
		pendingWithdrawal(t, "w-2", "80"),
	)
	ledger := newMockLedger()
	ledger.set("user-1", "USDT", "100")
	wf := newTestWorkflow(t, store, ledger, &mockNotifier{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{"w-1", "w-2"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = wf.Approve(context.Background(), id, "admin-1", "")
		}(i, id)
	}
	wg.Wait()

	var approved, failed int
	for _, err := range errs {
		if err == nil {
			approved++
		} else {
			failed++
			assert.ErrorIs(t, err, ports.ErrInsufficientBalance)
		}
	}
	assert.Equal(t, 1, approved, "exactly one approval goes through")
	assert.Equal(t, 1, failed)

	balance, err := ledger.GetBalance(context.Background(), "user-1", "USDT")
	require.NoError(t, err)
	assert.True(t, balance.Equal(d(t, "20")), "balance = %s", balance)

	// The loser was reverted to pending.
	statuses := []domain.WithdrawalStatus{store.get("w-1").Status, store.get("w-2").Status}
	assert.Contains(t, statuses, domain.WithdrawalApproved)
	assert.Contains(t, statuses, domain.WithdrawalPending)
}
