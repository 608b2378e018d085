package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// amount 使用int64，並定義精度：小數點後 4 位
const (
	CurrencyScale = 10000
)

// TransactionKind 交易類型
type TransactionKind uint8

const (
	// 存款
	TransactionKindDeposit TransactionKind = 1
	// 提款
	TransactionKindWithdrawal TransactionKind = 2
	// 轉帳
	TransactionKindTransfer TransactionKind = 3
)

func (k TransactionKind) String() string {
	switch k {
	case TransactionKindDeposit:
		return "deposit"
	case TransactionKindWithdrawal:
		return "withdrawal"
	case TransactionKindTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// TransactionStatus 交易狀態
// 狀態機: pending -> committed | failed，終態不可再變更
type TransactionStatus uint8

const (
	TransactionStatusPending   TransactionStatus = 1
	TransactionStatusCommitted TransactionStatus = 2
	TransactionStatusFailed    TransactionStatus = 3
)

func (s TransactionStatus) String() string {
	switch s {
	case TransactionStatusPending:
		return "pending"
	case TransactionStatusCommitted:
		return "committed"
	case TransactionStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal 判斷是否為終態 (committed / failed)
func (s TransactionStatus) Terminal() bool {
	return s == TransactionStatusCommitted || s == TransactionStatusFailed
}

// FailReason 交易失敗原因碼，存進 Store 讓同 Key 重送能拿到一致的結果
type FailReason string

const (
	FailReasonNone              FailReason = ""
	FailReasonInsufficientFunds FailReason = "insufficient_funds"
	FailReasonAccountInactive   FailReason = "account_inactive"
)

// Posting 過帳紀錄: 一筆簽名金額套用到單一帳戶
// credit 為正、debit 為負。寫入後不可更新、不可刪除
type Posting struct {
	// ID: ULID，可依時間排序
	ID string
	// TransactionID: 所屬交易
	TransactionID uuid.UUID
	AccountID     int64
	// Amount: 簽名金額
	Amount int64
	// ResultingBalance: 套用後的餘額快照
	ResultingBalance int64
	// CreatedAt: unix milli
	CreatedAt int64
}

// NewPosting 建立一筆過帳紀錄
func NewPosting(tranID uuid.UUID, accountID, amount, resultingBalance int64, now time.Time) Posting {
	return Posting{
		ID:               ulid.Make().String(),
		TransactionID:    tranID,
		AccountID:        accountID,
		Amount:           amount,
		ResultingBalance: resultingBalance,
		CreatedAt:        now.UnixMilli(),
	}
}

// Transaction 交易 注意欄位排序以避免 Padding
type Transaction struct {
	// Sequence: 全局唯一的順序號 (由 Store 在 commit 時分配，1, 2, 3...)
	// 用於 WAL 重放確保順序一致
	Sequence uint64
	// From, To: 帳戶 ID (deposit 只用 To，withdrawal 只用 From)
	From int64
	To   int64
	// Amount: 金額 (正整數，最小貨幣單位)
	Amount int64
	// CreatedAt, CompletedAt: unix milli，CompletedAt 在進入終態時寫入
	CreatedAt   int64
	CompletedAt int64
	// IdempotencyKey: 呼叫端帶入的冪等鍵，全局唯一
	IdempotencyKey string
	// Postings: commit 時產生的過帳紀錄 (transfer 為 debit+credit 兩筆，總和為零)
	Postings []Posting
	// FailReason: 只在 Status == failed 時有值
	FailReason FailReason
	// ID: 外部追蹤號 (UUID)
	ID uuid.UUID
	// Kind, Status: 放到最後面，利用 Padding 空間
	Kind   TransactionKind
	Status TransactionStatus
}

// NewTransaction 建立一筆 pending 交易
func NewTransaction(kind TransactionKind, from, to, amount int64, idemKey string, now time.Time) *Transaction {
	return &Transaction{
		ID:             uuid.New(),
		Kind:           kind,
		Status:         TransactionStatusPending,
		From:           from,
		To:             to,
		Amount:         amount,
		IdempotencyKey: idemKey,
		CreatedAt:      now.UnixMilli(),
	}
}

// LockIDs 回傳需要鎖定的帳號 ID，並確保順序以避免死鎖
func (t *Transaction) LockIDs() (ids []int64) {
	// 預先宣告一個容量為 2 的 slice，避免多次分配
	ids = make([]int64, 0, 2)
	switch t.Kind {
	case TransactionKindTransfer:
		if t.From < t.To {
			ids = append(ids, t.From, t.To)
		} else {
			ids = append(ids, t.To, t.From)
		}
	case TransactionKindDeposit:
		ids = append(ids, t.To)
	case TransactionKindWithdrawal:
		ids = append(ids, t.From)
	}
	return ids
}

// FailureErr 將已儲存的失敗原因對應回 sentinel error
// 讓同一個冪等鍵的重送拿到與第一次完全相同的回傳組合
func (t *Transaction) FailureErr() error {
	if t.Status != TransactionStatusFailed {
		return nil
	}
	switch t.FailReason {
	case FailReasonInsufficientFunds:
		return ErrInsufficientBalance
	case FailReasonAccountInactive:
		return ErrAccountInactive
	default:
		return nil
	}
}

// Clone 深拷貝交易 (含 Postings)
func (t *Transaction) Clone() *Transaction {
	cp := *t
	if t.Postings != nil {
		cp.Postings = make([]Posting, len(t.Postings))
		copy(cp.Postings, t.Postings)
	}
	return &cp
}
