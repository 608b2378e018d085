package usecase_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoeShih716/go-tx-ledger/internal/app/core/adapter/out/memory"
	"github.com/JoeShih716/go-tx-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-tx-ledger/internal/app/core/usecase"
)

// newTestLedger 建立記憶體帳本與引擎，balances 為期初餘額
func newTestLedger(t *testing.T, balances map[int64]int64, opts ...usecase.EngineOption) (*usecase.TransactionEngine, *memory.Store) {
	t.Helper()

	store, err := memory.NewStore(seedForTest(balances), nil)
	require.NoError(t, err)

	return usecase.NewTransactionEngine(store, opts...), store
}

func TestDepositCommits(t *testing.T) {
	t.Parallel()

	engine, store := newTestLedger(t, map[int64]int64{1: 0})
	ctx := context.Background()

	tran, err := engine.Deposit(ctx, 1, 100, "dep-1")
	require.NoError(t, err)

	assert.Equal(t, domain.TransactionStatusCommitted, tran.Status)
	assert.NotZero(t, tran.CompletedAt)
	assert.NotZero(t, tran.Sequence)

	require.Len(t, tran.Postings, 1)
	assert.Equal(t, int64(100), tran.Postings[0].Amount)
	assert.Equal(t, int64(100), tran.Postings[0].ResultingBalance)

	acc, err := store.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), acc.Balance)
	assert.Equal(t, uint64(1), acc.Version)
}

func TestWithdrawCommits(t *testing.T) {
	t.Parallel()

	engine, store := newTestLedger(t, map[int64]int64{1: 100})
	ctx := context.Background()

	tran, err := engine.Withdraw(ctx, 1, 40, "wd-1")
	require.NoError(t, err)

	require.Len(t, tran.Postings, 1)
	assert.Equal(t, int64(-40), tran.Postings[0].Amount)
	assert.Equal(t, int64(60), tran.Postings[0].ResultingBalance)

	acc, err := store.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(60), acc.Balance)
}

func TestWithdrawInsufficientRecordsFailure(t *testing.T) {
	t.Parallel()

	engine, store := newTestLedger(t, map[int64]int64{1: 30})
	ctx := context.Background()

	tran, err := engine.Withdraw(ctx, 1, 50, "wd-over")
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	// 業務失敗必須留下終態紀錄
	require.NotNil(t, tran)
	assert.Equal(t, domain.TransactionStatusFailed, tran.Status)
	assert.Equal(t, domain.FailReasonInsufficientFunds, tran.FailReason)
	assert.Empty(t, tran.Postings)
	assert.NotZero(t, tran.CompletedAt)

	stored, err := store.GetTransactionByKey(ctx, "wd-over")
	require.NoError(t, err)
	assert.Equal(t, tran.ID, stored.ID)

	acc, err := store.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(30), acc.Balance)
}

func TestTransferMovesFunds(t *testing.T) {
	t.Parallel()

	engine, store := newTestLedger(t, map[int64]int64{1: 100, 2: 0})
	ctx := context.Background()

	tran, err := engine.Transfer(ctx, 1, 2, 50, "tr-1")
	require.NoError(t, err)

	// debit 在前，兩筆總和為零
	require.Len(t, tran.Postings, 2)
	assert.Equal(t, int64(1), tran.Postings[0].AccountID)
	assert.Equal(t, int64(-50), tran.Postings[0].Amount)
	assert.Equal(t, int64(50), tran.Postings[0].ResultingBalance)
	assert.Equal(t, int64(2), tran.Postings[1].AccountID)
	assert.Equal(t, int64(50), tran.Postings[1].Amount)
	assert.Equal(t, int64(50), tran.Postings[1].ResultingBalance)
	assert.Zero(t, tran.Postings[0].Amount+tran.Postings[1].Amount)

	from, err := store.GetAccount(ctx, 1)
	require.NoError(t, err)
	to, err := store.GetAccount(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(50), from.Balance)
	assert.Equal(t, int64(50), to.Balance)
}

func TestTransferInsufficientLeavesBothUntouched(t *testing.T) {
	t.Parallel()

	engine, store := newTestLedger(t, map[int64]int64{1: 30, 2: 0})
	ctx := context.Background()

	tran, err := engine.Transfer(ctx, 1, 2, 50, "tr-over")
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	require.NotNil(t, tran)
	assert.Equal(t, domain.TransactionStatusFailed, tran.Status)

	from, err := store.GetAccount(ctx, 1)
	require.NoError(t, err)
	to, err := store.GetAccount(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(30), from.Balance)
	assert.Equal(t, int64(0), to.Balance)
}

func TestIdempotentReplay(t *testing.T) {
	t.Parallel()

	engine, store := newTestLedger(t, map[int64]int64{1: 0})
	ctx := context.Background()

	first, err := engine.Deposit(ctx, 1, 100, "dep-1")
	require.NoError(t, err)

	second, err := engine.Deposit(ctx, 1, 100, "dep-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	// 重送不得影響任何帳戶
	acc, err := store.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), acc.Balance)
}

func TestIdempotentReplayIgnoresNewAmount(t *testing.T) {
	t.Parallel()

	engine, store := newTestLedger(t, map[int64]int64{1: 0})
	ctx := context.Background()

	first, err := engine.Deposit(ctx, 1, 100, "dep-1")
	require.NoError(t, err)

	// 同鍵不同金額: 回傳第一次的結果，新金額被忽略
	second, err := engine.Deposit(ctx, 1, 999, "dep-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(100), second.Amount)

	acc, err := store.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), acc.Balance)
}

func TestFailedReplayReturnsSameOutcome(t *testing.T) {
	t.Parallel()

	engine, _ := newTestLedger(t, map[int64]int64{1: 30})
	ctx := context.Background()

	first, err := engine.Withdraw(ctx, 1, 50, "wd-over")
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	require.NotNil(t, first)

	second, err := engine.Withdraw(ctx, 1, 50, "wd-over")
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	require.NotNil(t, second)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.FailReason, second.FailReason)
}

func TestMissingIdempotencyKey(t *testing.T) {
	t.Parallel()

	engine, _ := newTestLedger(t, map[int64]int64{1: 100})

	tran, err := engine.Deposit(context.Background(), 1, 100, "")
	assert.ErrorIs(t, err, domain.ErrMissingIdempotencyKey)
	assert.Nil(t, tran)
}

func TestNonPositiveAmount(t *testing.T) {
	t.Parallel()

	engine, store := newTestLedger(t, map[int64]int64{1: 100})
	ctx := context.Background()

	tran, err := engine.Deposit(ctx, 1, 0, "dep-zero")
	assert.ErrorIs(t, err, domain.ErrAmountMustBePositive)
	assert.Nil(t, tran)

	tran, err = engine.Withdraw(ctx, 1, -5, "wd-neg")
	assert.ErrorIs(t, err, domain.ErrAmountMustBePositive)
	assert.Nil(t, tran)

	// 驗證錯誤不留任何紀錄
	_, err = store.GetTransactionByKey(ctx, "dep-zero")
	assert.ErrorIs(t, err, domain.ErrTransactionNotFound)
}

func TestSelfTransfer(t *testing.T) {
	t.Parallel()

	engine, store := newTestLedger(t, map[int64]int64{1: 100})
	ctx := context.Background()

	tran, err := engine.Transfer(ctx, 1, 1, 10, "tr-self")
	assert.ErrorIs(t, err, domain.ErrSelfTransfer)
	assert.Nil(t, tran)

	_, err = store.GetTransactionByKey(ctx, "tr-self")
	assert.ErrorIs(t, err, domain.ErrTransactionNotFound)
}

func TestUnknownAccount(t *testing.T) {
	t.Parallel()

	engine, _ := newTestLedger(t, map[int64]int64{1: 100})

	tran, err := engine.Deposit(context.Background(), 42, 10, "dep-ghost")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	assert.Nil(t, tran)
}

func TestClosedAccountRejected(t *testing.T) {
	t.Parallel()

	engine, store := newTestLedger(t, map[int64]int64{1: 100})
	ctx := context.Background()

	closed := domain.NewAccount(1, "owner-1", 100)
	closed.Status = domain.AccountStatusClosed
	require.NoError(t, store.PutAccount(ctx, closed))

	tran, err := engine.Withdraw(ctx, 1, 10, "wd-closed")
	assert.ErrorIs(t, err, domain.ErrAccountInactive)
	assert.Nil(t, tran)

	_, err = store.GetTransactionByKey(ctx, "wd-closed")
	assert.ErrorIs(t, err, domain.ErrTransactionNotFound)

	acc, err := store.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), acc.Balance)
}

func TestConcurrentOverdrawCommitsExactlyOne(t *testing.T) {
	t.Parallel()

	engine, store := newTestLedger(t, map[int64]int64{1: 100})
	ctx := context.Background()

	const workers = 4
	results := make([]*domain.Transaction, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = engine.Withdraw(ctx, 1, 80, fmt.Sprintf("wd-%d", i))
		}(i)
	}
	wg.Wait()

	committed, failed := 0, 0
	for i := 0; i < workers; i++ {
		require.NotNil(t, results[i], "worker %d", i)
		switch results[i].Status {
		case domain.TransactionStatusCommitted:
			assert.NoError(t, errs[i])
			committed++
		case domain.TransactionStatusFailed:
			assert.ErrorIs(t, errs[i], domain.ErrInsufficientBalance)
			failed++
		}
	}
	assert.Equal(t, 1, committed)
	assert.Equal(t, workers-1, failed)

	acc, err := store.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(20), acc.Balance)
}

func TestConcurrentSameKeyExecutesOnce(t *testing.T) {
	t.Parallel()

	engine, store := newTestLedger(t, map[int64]int64{1: 0})
	ctx := context.Background()

	const workers = 8
	results := make([]*domain.Transaction, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = engine.Deposit(ctx, 1, 100, "dep-race")
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i], "worker %d", i)
		require.NotNil(t, results[i], "worker %d", i)
		assert.Equal(t, results[0].ID, results[i].ID)
		assert.Equal(t, domain.TransactionStatusCommitted, results[i].Status)
	}

	// 恰好執行一次
	acc, err := store.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), acc.Balance)
}

func TestConcurrentOppositeTransfers(t *testing.T) {
	t.Parallel()

	engine, store := newTestLedger(t, map[int64]int64{1: 1000, 2: 1000})
	ctx := context.Background()

	const rounds = 20
	var wg sync.WaitGroup
	errCh := make(chan error, rounds*2)

	// 反向轉帳同時進行: 升冪鎖定順序保證不死鎖
	for i := 0; i < rounds; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := engine.Transfer(ctx, 1, 2, 10, fmt.Sprintf("ab-%d", i))
			errCh <- err
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := engine.Transfer(ctx, 2, 1, 10, fmt.Sprintf("ba-%d", i))
			errCh <- err
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		assert.NoError(t, err)
	}

	a, err := store.GetAccount(ctx, 1)
	require.NoError(t, err)
	b, err := store.GetAccount(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), a.Balance+b.Balance)
}

func TestLockTimeoutReturnsBusy(t *testing.T) {
	t.Parallel()

	accounts := map[int64]*domain.Account{1: domain.NewAccount(1, "owner-1", 0)}
	store, err := memory.NewStore(accounts, nil, memory.WithLockTimeout(50*time.Millisecond))
	require.NoError(t, err)
	engine := usecase.NewTransactionEngine(store)
	ctx := context.Background()

	entered := make(chan struct{})
	blocked := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.WithAtomicAccounts(ctx, []int64{1}, func(scope usecase.AtomicScope) error {
			close(entered)
			<-blocked
			return nil
		})
	}()
	<-entered

	tran, err := engine.Deposit(ctx, 1, 100, "dep-busy")
	assert.ErrorIs(t, err, domain.ErrBusy)
	assert.Nil(t, tran)

	// 未執行的 claim 必須被釋放，重送才能重新來過
	_, err = store.GetTransactionByKey(ctx, "dep-busy")
	assert.ErrorIs(t, err, domain.ErrTransactionNotFound)

	close(blocked)
	require.NoError(t, <-done)

	tran, err = engine.Deposit(ctx, 1, 100, "dep-busy")
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusCommitted, tran.Status)
}

type captureNotifier struct {
	events chan usecase.TransactionEvent
}

func (n *captureNotifier) Notify(ctx context.Context, event usecase.TransactionEvent) {
	n.events <- event
}

func TestNotifierReceivesCommittedEvent(t *testing.T) {
	t.Parallel()

	notifier := &captureNotifier{events: make(chan usecase.TransactionEvent, 1)}
	engine, _ := newTestLedger(t, map[int64]int64{1: 0}, usecase.WithNotifier(notifier))

	tran, err := engine.Deposit(context.Background(), 1, 100, "dep-1")
	require.NoError(t, err)

	select {
	case event := <-notifier.events:
		assert.Equal(t, tran.ID, event.TransactionID)
		assert.Equal(t, domain.TransactionKindDeposit, event.Kind)
		assert.Equal(t, int64(100), event.Amount)
	case <-time.After(time.Second):
		t.Fatal("notify not delivered")
	}
}

// conflictStore 讓前 N 次 WithAtomicAccounts 回傳寫入衝突，之後委派給真的 Store
type conflictStore struct {
	*memory.Store
	conflicts atomic.Int32
}

func (s *conflictStore) WithAtomicAccounts(ctx context.Context, ids []int64, fn func(scope usecase.AtomicScope) error) error {
	if s.conflicts.Add(-1) >= 0 {
		return domain.ErrConflict
	}
	return s.Store.WithAtomicAccounts(ctx, ids, fn)
}

func TestConflictRetryEventuallyCommits(t *testing.T) {
	t.Parallel()

	inner, err := memory.NewStore(seedForTest(map[int64]int64{1: 0}), nil)
	require.NoError(t, err)
	store := &conflictStore{Store: inner}
	store.conflicts.Store(2)

	engine := usecase.NewTransactionEngine(store,
		usecase.WithConflictRetry(3, time.Millisecond))

	tran, err := engine.Deposit(context.Background(), 1, 100, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusCommitted, tran.Status)

	acc, err := inner.GetAccount(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), acc.Balance)
}

func TestConflictRetryExhaustedReleasesClaim(t *testing.T) {
	t.Parallel()

	inner, err := memory.NewStore(seedForTest(map[int64]int64{1: 0}), nil)
	require.NoError(t, err)
	store := &conflictStore{Store: inner}
	store.conflicts.Store(1 << 30)

	engine := usecase.NewTransactionEngine(store,
		usecase.WithConflictRetry(2, time.Millisecond))

	ctx := context.Background()
	tran, err := engine.Deposit(ctx, 1, 100, "dep-1")
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Nil(t, tran)

	// 重試耗盡是暫時性失敗: claim 必須被釋放，同鍵可以重送
	_, err = inner.GetTransactionByKey(ctx, "dep-1")
	assert.ErrorIs(t, err, domain.ErrTransactionNotFound)

	// 重試額度之外不得多打一次 store
	used := (1 << 30) - store.conflicts.Load()
	assert.Equal(t, int32(3), used)

	store.conflicts.Store(0)
	tran, err = engine.Deposit(ctx, 1, 100, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusCommitted, tran.Status)
}

func seedForTest(balances map[int64]int64) map[int64]*domain.Account {
	accounts := make(map[int64]*domain.Account, len(balances))
	for id, b := range balances {
		accounts[id] = domain.NewAccount(id, fmt.Sprintf("owner-%d", id), b)
	}
	return accounts
}
