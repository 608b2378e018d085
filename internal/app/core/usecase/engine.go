package usecase

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/JoeShih716/go-tx-ledger/internal/app/core/domain"
)

const (
	defaultMaxRetries   = 3
	defaultRetryBackoff = 10 * time.Millisecond
	defaultPendingPoll  = 5 * time.Millisecond
	defaultPendingWait  = 3 * time.Second
)

// EngineOption 引擎的配置選項函數
type EngineOption func(*TransactionEngine)

// WithNotifier 設定 commit 後的通知發送器
func WithNotifier(n Notifier) EngineOption {
	return func(e *TransactionEngine) { e.notifier = n }
}

// WithLogger 設定 logger
func WithLogger(log *logrus.Entry) EngineOption {
	return func(e *TransactionEngine) { e.log = log }
}

// WithClock 設定時鐘 (測試用)
func WithClock(now func() time.Time) EngineOption {
	return func(e *TransactionEngine) { e.now = now }
}

// WithConflictRetry 設定衝突重試次數與間隔
func WithConflictRetry(max int, backoff time.Duration) EngineOption {
	return func(e *TransactionEngine) {
		e.maxRetries = max
		e.retryBackoff = backoff
	}
}

// WithPendingWait 設定等待併發同鍵交易結果的輪詢間隔與上限
func WithPendingWait(poll, max time.Duration) EngineOption {
	return func(e *TransactionEngine) {
		e.pendingPoll = poll
		e.pendingWait = max
	}
}

// TransactionEngine 交易引擎: 以原子性的工作單元執行存款/提款/轉帳
//
// 併發控制與冪等去重都由引擎負責:
//   - 每個操作只鎖定自己涉及的帳戶，順序升冪避免死鎖
//   - 同一個冪等鍵恰好執行一次，重送回傳第一次的結果
//   - 衝突重試迴圈由引擎持有，不放在儲存層
type TransactionEngine struct {
	store     LedgerStore
	validator *Validator
	notifier  Notifier
	log       *logrus.Entry
	now       func() time.Time

	maxRetries   int
	retryBackoff time.Duration
	pendingPoll  time.Duration
	pendingWait  time.Duration
}

func NewTransactionEngine(store LedgerStore, opts ...EngineOption) *TransactionEngine {
	e := &TransactionEngine{
		store:        store,
		validator:    NewValidator(store),
		log:          logrus.WithField("component", "engine"),
		now:          time.Now,
		maxRetries:   defaultMaxRetries,
		retryBackoff: defaultRetryBackoff,
		pendingPoll:  defaultPendingPoll,
		pendingWait:  defaultPendingWait,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Deposit 存款
func (e *TransactionEngine) Deposit(ctx context.Context, accountID, amount int64, idemKey string) (*domain.Transaction, error) {
	return e.submit(ctx, &OperationRequest{
		Kind:           domain.TransactionKindDeposit,
		To:             accountID,
		Amount:         amount,
		IdempotencyKey: idemKey,
	})
}

// Withdraw 提款
func (e *TransactionEngine) Withdraw(ctx context.Context, accountID, amount int64, idemKey string) (*domain.Transaction, error) {
	return e.submit(ctx, &OperationRequest{
		Kind:           domain.TransactionKindWithdrawal,
		From:           accountID,
		Amount:         amount,
		IdempotencyKey: idemKey,
	})
}

// Transfer 轉帳
func (e *TransactionEngine) Transfer(ctx context.Context, fromID, toID, amount int64, idemKey string) (*domain.Transaction, error) {
	return e.submit(ctx, &OperationRequest{
		Kind:           domain.TransactionKindTransfer,
		From:           fromID,
		To:             toID,
		Amount:         amount,
		IdempotencyKey: idemKey,
	})
}

// submit 三種操作共用的執行流程
//
// 業務失敗 (如餘額不足) 會留下終態 failed 紀錄並連同 sentinel error 一起回傳；
// 驗證錯誤與暫時性錯誤只回傳 error，不留任何紀錄
func (e *TransactionEngine) submit(ctx context.Context, req *OperationRequest) (*domain.Transaction, error) {
	if req.IdempotencyKey == "" {
		return nil, domain.ErrMissingIdempotencyKey
	}

	// 1. 冪等查詢: 同鍵已有交易就不再執行
	existing, err := e.store.GetTransactionByKey(ctx, req.IdempotencyKey)
	if err == nil {
		return e.resolveExisting(ctx, existing)
	}
	if !errors.Is(err, domain.ErrTransactionNotFound) {
		return nil, err
	}

	// 2. 驗證
	// 餘額不足是業務失敗而非驗證錯誤: 必須留下可重送的終態紀錄
	op, err := e.validator.Validate(ctx, req)
	precheckFailed := false
	if err != nil {
		if !errors.Is(err, domain.ErrInsufficientBalance) {
			return nil, err
		}
		precheckFailed = true
	}

	// 3. 建立 pending 交易，以唯一鍵 claim
	// 輸掉 claim 競賽的一方改為等待贏家的結果
	tran := domain.NewTransaction(req.Kind, req.From, req.To, req.Amount, req.IdempotencyKey, e.now())
	if err := e.store.CreateTransaction(ctx, tran); err != nil {
		if errors.Is(err, domain.ErrTransactionAlreadyProcessed) {
			return e.awaitOutcome(ctx, req.IdempotencyKey)
		}
		return nil, err
	}

	if precheckFailed {
		return e.fail(ctx, tran, domain.FailReasonInsufficientFunds)
	}

	// 4. Atomic Scope + 衝突重試
	return e.execute(ctx, op, tran)
}

func (e *TransactionEngine) execute(ctx context.Context, op *NormalizedOp, tran *domain.Transaction) (*domain.Transaction, error) {
	var err error
	for attempt := 0; ; attempt++ {
		// 重試前清掉上一輪在 scope 內暫存的變更
		tran.Status = domain.TransactionStatusPending
		tran.Postings = nil
		tran.CompletedAt = 0

		err = e.store.WithAtomicAccounts(ctx, op.LockIDs, func(scope AtomicScope) error {
			return e.apply(scope, op, tran)
		})
		if err == nil {
			e.notifyCommitted(tran)
			return tran, nil
		}
		// 重試額度用完就直接放棄，不再多等一輪 backoff
		if !errors.Is(err, domain.ErrConflict) || attempt >= e.maxRetries {
			break
		}
		e.log.WithFields(logrus.Fields{
			"transaction_id": tran.ID,
			"attempt":        attempt + 1,
		}).Warn("write conflict, retrying")
		select {
		case <-ctx.Done():
			err = domain.ErrBusy
		case <-time.After(e.retryBackoff):
			continue
		}
		break
	}

	// commit 時發現的業務失敗: 放棄 scope，留下終態 failed 紀錄
	switch {
	case errors.Is(err, domain.ErrInsufficientBalance):
		return e.fail(ctx, tran, domain.FailReasonInsufficientFunds)
	case errors.Is(err, domain.ErrAccountInactive):
		return e.fail(ctx, tran, domain.FailReasonAccountInactive)
	}

	// 暫時性失敗: 釋放未執行的 claim，讓同鍵重送能重新來過
	if relErr := e.store.ReleaseTransaction(ctx, tran.ID); relErr != nil {
		e.log.WithField("transaction_id", tran.ID).WithError(relErr).Error("release pending claim failed")
	}
	return nil, err
}

// apply 在 Atomic Scope 內執行權威檢查並暫存所有寫入
func (e *TransactionEngine) apply(scope AtomicScope, op *NormalizedOp, tran *domain.Transaction) error {
	now := e.now()
	postings := make([]domain.Posting, 0, len(op.Legs))
	for _, leg := range op.Legs {
		acc, err := scope.Account(leg.AccountID)
		if err != nil {
			return err
		}
		// 鎖定後的新鮮讀取: 這裡才是餘額與狀態的權威判定
		if err := acc.Apply(leg.Amount); err != nil {
			return err
		}
		if err := scope.UpdateAccount(acc); err != nil {
			return err
		}
		postings = append(postings, domain.NewPosting(tran.ID, leg.AccountID, leg.Amount, acc.Balance, now))
	}

	for _, p := range postings {
		if err := scope.AppendPosting(p); err != nil {
			return err
		}
	}

	tran.Postings = postings
	tran.Status = domain.TransactionStatusCommitted
	tran.CompletedAt = now.UnixMilli()
	return scope.CommitTransaction(tran)
}

// fail 將交易轉為終態 failed 並回傳
// failed 本身是合法、可重送的業務結果，所以 error 帶回對應的 sentinel
func (e *TransactionEngine) fail(ctx context.Context, tran *domain.Transaction, reason domain.FailReason) (*domain.Transaction, error) {
	failed, err := e.store.FailTransaction(ctx, tran.ID, reason, e.now())
	if err != nil {
		return nil, pkgerrors.Wrap(err, "mark transaction failed")
	}
	e.log.WithFields(logrus.Fields{
		"transaction_id": failed.ID,
		"kind":           failed.Kind.String(),
		"reason":         string(failed.FailReason),
	}).Info("transaction failed")
	return failed, failed.FailureErr()
}

// resolveExisting 處理同鍵已存在的交易
func (e *TransactionEngine) resolveExisting(ctx context.Context, existing *domain.Transaction) (*domain.Transaction, error) {
	if existing.Status.Terminal() {
		return existing, existing.FailureErr()
	}
	return e.awaitOutcome(ctx, existing.IdempotencyKey)
}

// awaitOutcome 等待併發中的同鍵交易進入終態
//
// 絕不重複執行: 只輪詢結果。等待逾時回傳 ErrBusy (可重試)；
// 若 claim 被贏家因暫時性失敗釋放，同樣回傳 ErrBusy
func (e *TransactionEngine) awaitOutcome(ctx context.Context, idemKey string) (*domain.Transaction, error) {
	deadline := time.NewTimer(e.pendingWait)
	defer deadline.Stop()
	tick := time.NewTicker(e.pendingPoll)
	defer tick.Stop()

	for {
		tran, err := e.store.GetTransactionByKey(ctx, idemKey)
		switch {
		case errors.Is(err, domain.ErrTransactionNotFound):
			return nil, domain.ErrBusy
		case err != nil:
			return nil, err
		case tran.Status.Terminal():
			return tran, tran.FailureErr()
		}

		select {
		case <-ctx.Done():
			return nil, domain.ErrBusy
		case <-deadline.C:
			return nil, domain.ErrBusy
		case <-tick.C:
		}
	}
}

// notifyCommitted 在 commit 之後發送通知 (fire-and-forget)
// 使用獨立的 context，不因原請求結束而中斷，也絕不影響交易結果
func (e *TransactionEngine) notifyCommitted(tran *domain.Transaction) {
	if e.notifier == nil {
		return
	}
	event := TransactionEvent{
		TransactionID: tran.ID,
		Kind:          tran.Kind,
		From:          tran.From,
		To:            tran.To,
		Amount:        tran.Amount,
		CompletedAt:   tran.CompletedAt,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		e.notifier.Notify(ctx, event)
	}()
}
