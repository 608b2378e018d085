package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/JoeShih716/go-tx-ledger/internal/app/core/domain"
)

// AtomicScope 是 WithAtomicAccounts 內的工作單元
// 範圍內的帳戶已被鎖定，讀到的是最新狀態；所有寫入一起 commit 或一起放棄
type AtomicScope interface {
	// Account 讀取範圍內的帳戶 (鎖定後的新鮮讀取)
	Account(id int64) (*domain.Account, error)
	// UpdateAccount 暫存餘額與版本寫入
	UpdateAccount(acc *domain.Account) error
	// AppendPosting 暫存一筆過帳紀錄
	AppendPosting(p domain.Posting) error
	// CommitTransaction 暫存交易終態寫入 (pending -> committed)
	CommitTransaction(tran *domain.Transaction) error
}

// LedgerStore 是帳本儲存層的介面
// Balance/Version 只能透過 WithAtomicAccounts 修改，沒有其他合法路徑
type LedgerStore interface {
	// GetAccount 讀取帳戶 (committed 狀態)
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)
	// PutAccount 匯入帳戶資料，僅供 account-management 同步與測試使用
	PutAccount(ctx context.Context, acc *domain.Account) error

	// GetTransaction 以交易 ID 查詢
	GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	// GetTransactionByKey 以冪等鍵查詢
	GetTransactionByKey(ctx context.Context, idemKey string) (*domain.Transaction, error)
	// ListPostings 查詢帳戶的過帳歷史 (新到舊)
	ListPostings(ctx context.Context, accountID int64, rng PostingRange) ([]domain.Posting, error)
	// SumPostings 計算帳戶所有 committed 過帳的簽名總和 (稽核用)
	SumPostings(ctx context.Context, accountID int64) (int64, error)

	// CreateTransaction 建立 pending 交易並 claim 冪等鍵
	// 同鍵已存在時回傳 ErrTransactionAlreadyProcessed
	CreateTransaction(ctx context.Context, tran *domain.Transaction) error
	// FailTransaction 將 pending 交易轉為 failed (write-once)
	// 若交易已是終態，原封不動回傳既有紀錄
	FailTransaction(ctx context.Context, id uuid.UUID, reason domain.FailReason, at time.Time) (*domain.Transaction, error)
	// ReleaseTransaction 釋放一筆未執行的 pending claim (暫時性失敗後呼叫)
	ReleaseTransaction(ctx context.Context, id uuid.UUID) error

	// WithAtomicAccounts 以升冪順序鎖定指定帳戶，執行 fn
	// fn 回傳 nil 時所有暫存寫入一起落地；否則全部放棄
	// 鎖等待逾時回傳 ErrBusy，偵測到寫入衝突回傳 ErrConflict
	WithAtomicAccounts(ctx context.Context, ids []int64, fn func(scope AtomicScope) error) error
}
