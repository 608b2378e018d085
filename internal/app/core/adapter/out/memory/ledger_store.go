package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"github.com/JoeShih716/go-tx-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-tx-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-tx-ledger/pkg/wal"
)

const defaultLockTimeout = 3 * time.Second

// Option Store 的配置選項函數
type Option func(*Store)

// WithLockTimeout 設定帳戶鎖的等待上限，超過回傳 ErrBusy
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// Store 是記憶體帳本
//
// 結構:
//
//	accounts: 帳戶資料 Map (committed 狀態)
//	locks: 每個帳戶一個 binary semaphore，升冪取得避免死鎖
//	transactions / byKey: 交易紀錄與冪等鍵索引
//	postings / postingSum: 每帳戶的過帳歷史與簽名總和 (不變式稽核用)
//	baseline: 從 account-management 匯入時的期初餘額
//	wal: Write-Ahead Log 實例 (可為 nil)
//
// 不相關帳戶的操作完全平行；同帳戶的變更透過帳戶鎖全序化
type Store struct {
	mu       sync.RWMutex
	accounts map[int64]*domain.Account
	locks    map[int64]chan struct{}

	transactions map[uuid.UUID]*domain.Transaction
	byKey        map[string]uuid.UUID

	postings   map[int64][]domain.Posting
	postingSum map[int64]int64
	baseline   map[int64]int64

	// seq: 全局順序號，終態交易落地時分配
	seq uint64

	wal         *wal.WAL
	lockTimeout time.Duration
}

// NewStore 建立記憶體帳本並從 WAL 恢復狀態
//
// 參數:
//
//	accounts: 期初帳戶資料 (WAL 重放前的狀態)
//	w: Write-Ahead Log 實例，nil 表示不做持久化
//
// 回傳:
//
//	*Store: Store 實例
//	error: 初始化錯誤 (如 WAL 恢復失敗)
func NewStore(accounts map[int64]*domain.Account, w *wal.WAL, opts ...Option) (*Store, error) {
	s := &Store{
		accounts:     make(map[int64]*domain.Account, len(accounts)),
		locks:        make(map[int64]chan struct{}, len(accounts)),
		transactions: make(map[uuid.UUID]*domain.Transaction),
		byKey:        make(map[string]uuid.UUID),
		postings:     make(map[int64][]domain.Posting),
		postingSum:   make(map[int64]int64),
		baseline:     make(map[int64]int64),
		wal:          w,
		lockTimeout:  defaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	for id, acc := range accounts {
		s.accounts[id] = acc.Clone()
		s.baseline[id] = acc.Balance
	}
	if err := s.recoverFromWAL(); err != nil {
		return nil, err
	}
	return s, nil
}

// walRecord WAL 的單筆紀錄: 帳戶匯入或終態交易，兩者擇一
// 帳戶匯入也要落盤，重啟後記憶體帳本才找得到帳戶
type walRecord struct {
	Account     *domain.Account     `json:"account,omitempty"`
	Transaction *domain.Transaction `json:"transaction,omitempty"`
}

// recoverFromWAL 從 WAL 檔案恢復帳本狀態
// 依寫入順序重放帳戶匯入與終態交易即可重建餘額
func (s *Store) recoverFromWAL() error {
	if s.wal == nil {
		return nil
	}

	history := make([]walRecord, 0)
	err := s.wal.ReadAll(func(jsonRaw []byte) error {
		var rec walRecord
		if err := json.Unmarshal(jsonRaw, &rec); err != nil {
			return err
		}
		history = append(history, rec)
		return nil
	})
	if err != nil {
		return pkgerrors.Wrap(err, "read wal")
	}

	for i := range history {
		if acc := history[i].Account; acc != nil {
			s.applyRecoveredAccount(acc)
		}
		if tran := history[i].Transaction; tran != nil {
			if err := s.applyRecovered(tran); err != nil {
				return pkgerrors.Wrapf(err, "replay transaction %s", tran.ID)
			}
		}
	}
	return nil
}

// applyRecoveredAccount 恢復單筆帳戶匯入 (語意同 PutAccount，不寫入 WAL)
func (s *Store) applyRecoveredAccount(acc *domain.Account) {
	if existing, ok := s.accounts[acc.ID]; ok {
		existing.Status = acc.Status
		existing.OwnerID = acc.OwnerID
		existing.AllowOverdraft = acc.AllowOverdraft
		return
	}
	s.accounts[acc.ID] = acc.Clone()
	s.baseline[acc.ID] = acc.Balance
}

// applyRecovered 恢復單筆終態交易至記憶體 (不寫入 WAL)
// 只有 NewStore 呼叫，無需 Lock (單執行緒)
func (s *Store) applyRecovered(tran *domain.Transaction) error {
	if !tran.Status.Terminal() {
		return pkgerrors.Errorf("non-terminal transaction in wal: %s", tran.Status)
	}

	if tran.Status == domain.TransactionStatusCommitted {
		for _, p := range tran.Postings {
			acc, ok := s.accounts[p.AccountID]
			if !ok {
				return domain.ErrAccountNotFound
			}
			acc.Balance = p.ResultingBalance
			acc.Version++
			s.postings[p.AccountID] = append(s.postings[p.AccountID], p)
			s.postingSum[p.AccountID] += p.Amount
		}
	}

	s.transactions[tran.ID] = tran.Clone()
	s.byKey[tran.IdempotencyKey] = tran.ID
	if tran.Sequence > s.seq {
		s.seq = tran.Sequence
	}
	return nil
}

// lockFor 取得帳戶的 semaphore (lazy 建立)
func (s *Store) lockFor(id int64) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[id] = ch
	}
	return ch
}

// acquire 依升冪順序取得帳戶鎖，整組等待時間以 lockTimeout 為上限
func (s *Store) acquire(ctx context.Context, ids []int64) (func(), error) {
	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()

	held := make([]chan struct{}, 0, len(ids))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}

	for _, id := range ids {
		ch := s.lockFor(id)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-ctx.Done():
			release()
			return nil, domain.ErrBusy
		case <-timer.C:
			release()
			return nil, domain.ErrBusy
		}
	}
	return release, nil
}

// WithAtomicAccounts 實作 usecase.LedgerStore
func (s *Store) WithAtomicAccounts(ctx context.Context, ids []int64, fn func(scope usecase.AtomicScope) error) error {
	// 防禦性排序: 鎖定順序是 Store 的契約，不依賴呼叫端
	sorted := make([]int64, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	release, err := s.acquire(ctx, sorted)
	if err != nil {
		return err
	}
	defer release()

	sc := newScope(s, sorted)
	if err := fn(sc); err != nil {
		// 放棄: scope 只動到複本，共享狀態未被觸碰
		return err
	}
	return s.commitScope(sc)
}

// commitScope 將 scope 暫存的寫入一次性落地
// WAL 先行: 落盤成功才更新記憶體狀態
func (s *Store) commitScope(sc *scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sc.tran != nil {
		stored, ok := s.transactions[sc.tran.ID]
		if !ok {
			return domain.ErrTransactionNotFound
		}
		if stored.Status.Terminal() {
			return domain.ErrTransactionTerminal
		}
		s.seq++
		sc.tran.Sequence = s.seq

		if err := s.appendWAL(walRecord{Transaction: sc.tran}); err != nil {
			return err
		}
	}

	for id, acc := range sc.updated {
		s.accounts[id] = acc
	}
	for _, p := range sc.postings {
		s.postings[p.AccountID] = append(s.postings[p.AccountID], p)
		s.postingSum[p.AccountID] += p.Amount
	}
	if sc.tran != nil {
		s.transactions[sc.tran.ID] = sc.tran.Clone()
	}
	return nil
}

// GetAccount 讀取帳戶 (回傳複本)
func (s *Store) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return acc.Clone(), nil
}

// PutAccount 匯入帳戶資料 (account-management 同步用)
// 匯入時的餘額視為期初餘額，納入不變式稽核的基準
// 匯入紀錄同樣 WAL 先行，重啟後帳戶才存在
func (s *Store) PutAccount(ctx context.Context, acc *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendWAL(walRecord{Account: acc.Clone()}); err != nil {
		return err
	}
	if existing, ok := s.accounts[acc.ID]; ok {
		// 已存在的帳戶只允許更新狀態與擁有者，餘額由引擎管理
		existing.Status = acc.Status
		existing.OwnerID = acc.OwnerID
		existing.AllowOverdraft = acc.AllowOverdraft
		return nil
	}
	s.accounts[acc.ID] = acc.Clone()
	s.baseline[acc.ID] = acc.Balance
	return nil
}

// GetTransaction 以交易 ID 查詢
func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tran, ok := s.transactions[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return tran.Clone(), nil
}

// GetTransactionByKey 以冪等鍵查詢
func (s *Store) GetTransactionByKey(ctx context.Context, idemKey string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[idemKey]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	tran, ok := s.transactions[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return tran.Clone(), nil
}

// ListPostings 查詢帳戶的過帳歷史 (新到舊)
func (s *Store) ListPostings(ctx context.Context, accountID int64, rng usecase.PostingRange) ([]domain.Posting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.accounts[accountID]; !ok {
		return nil, domain.ErrAccountNotFound
	}

	offset := rng.Offset
	if offset < 0 {
		offset = 0
	}

	all := s.postings[accountID]
	page := make([]domain.Posting, 0, rng.Limit)
	for i := len(all) - 1 - offset; i >= 0 && len(page) < rng.Limit; i-- {
		page = append(page, all[i])
	}
	return page, nil
}

// SumPostings 期初餘額 + 所有 committed 過帳的簽名總和
func (s *Store) SumPostings(ctx context.Context, accountID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.accounts[accountID]; !ok {
		return 0, domain.ErrAccountNotFound
	}
	return s.baseline[accountID] + s.postingSum[accountID], nil
}

// CreateTransaction 建立 pending 交易並 claim 冪等鍵
// pending claim 只存在記憶體，終態落地時才寫 WAL
func (s *Store) CreateTransaction(ctx context.Context, tran *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[tran.IdempotencyKey]; ok {
		return domain.ErrTransactionAlreadyProcessed
	}
	s.transactions[tran.ID] = tran.Clone()
	s.byKey[tran.IdempotencyKey] = tran.ID
	return nil
}

// FailTransaction 將 pending 交易轉為 failed (write-once)
func (s *Store) FailTransaction(ctx context.Context, id uuid.UUID, reason domain.FailReason, at time.Time) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tran, ok := s.transactions[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	if tran.Status.Terminal() {
		// 終態不可變: 原封不動回傳既有結果
		return tran.Clone(), nil
	}

	tran.Status = domain.TransactionStatusFailed
	tran.FailReason = reason
	tran.CompletedAt = at.UnixMilli()
	s.seq++
	tran.Sequence = s.seq

	// failed 也是合法的冪等結果，需要持久化
	if err := s.appendWAL(walRecord{Transaction: tran}); err != nil {
		return nil, err
	}
	return tran.Clone(), nil
}

// appendWAL 先寫 WAL 並 fsync，落盤成功才算數
func (s *Store) appendWAL(rec walRecord) error {
	if s.wal == nil {
		return nil
	}
	if err := s.wal.Append(rec); err != nil {
		return domain.ErrWALWriteFailed
	}
	if err := s.wal.Sync(); err != nil {
		return domain.ErrWALWriteFailed
	}
	return nil
}

// ReleaseTransaction 釋放未執行的 pending claim
// 交易不存在或已進入終態時不做任何事
func (s *Store) ReleaseTransaction(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tran, ok := s.transactions[id]
	if !ok || tran.Status.Terminal() {
		return nil
	}
	delete(s.transactions, id)
	delete(s.byKey, tran.IdempotencyKey)
	return nil
}

var _ usecase.LedgerStore = (*Store)(nil)
