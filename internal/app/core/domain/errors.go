package domain

import "errors"

var (
	// ErrAmountMustBePositive 金額必須為正數
	ErrAmountMustBePositive = errors.New("amount must be positive")

	// ErrMissingIdempotencyKey 未帶冪等鍵
	ErrMissingIdempotencyKey = errors.New("idempotency key is required")

	// ErrSelfTransfer 不允許轉帳給自己
	ErrSelfTransfer = errors.New("self transfer not allowed")

	// ErrInsufficientBalance 餘額不足
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrAccountNotFound 找不到帳戶
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountInactive 帳戶已關閉，不可交易
	ErrAccountInactive = errors.New("account inactive")

	// ErrTransactionNotFound 找不到交易
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrTransactionAlreadyProcessed 同一個冪等鍵已有交易
	ErrTransactionAlreadyProcessed = errors.New("transaction already processed")

	// ErrTransactionTerminal 交易已進入終態，不可再轉移狀態
	ErrTransactionTerminal = errors.New("transaction already terminal")

	// ErrConflict 寫入衝突 (可重試)
	ErrConflict = errors.New("write conflict")

	// ErrBusy 鎖等待逾時 (可重試)
	ErrBusy = errors.New("ledger busy")

	// ErrStorageUnavailable 儲存層暫時不可用 (可重試)
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrBalanceInvariant 餘額與過帳總和不一致 (致命，不自動修正，留給維運介入)
	ErrBalanceInvariant = errors.New("balance invariant violation")

	// ErrWALWriteFailed WAL 寫入失敗
	ErrWALWriteFailed = errors.New("wal write failed")
)

// Transient 判斷錯誤是否可安全地以同一個冪等鍵重試
func Transient(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrBusy) ||
		errors.Is(err, ErrStorageUnavailable)
}
