package domain

// AccountStatus 帳戶狀態
// 為了節省記憶體，使用 uint8
type AccountStatus uint8

const (
	// 啟用中
	AccountStatusActive AccountStatus = 1
	// 已關閉 (不可再交易)
	AccountStatusClosed AccountStatus = 2
)

// String 回傳狀態的文字表示 (對外輸出用)
func (s AccountStatus) String() string {
	switch s {
	case AccountStatusActive:
		return "active"
	case AccountStatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Account 帳戶
// 帳戶的建立與關閉由外部的 account-management 負責，
// 引擎只讀取 Status/OwnerID，並在 Atomic Scope 內更新 Balance 與 Version
type Account struct {
	ID      int64
	OwnerID string
	Status  AccountStatus
	// Balance: 餘額 (整數最小貨幣單位，不用浮點數)
	Balance int64
	// Version: 單調遞增版本號，每次餘額變動 +1
	Version uint64
	// AllowOverdraft: 是否允許透支 (目前所有帳戶類型皆為 false)
	AllowOverdraft bool
}

func NewAccount(id int64, ownerID string, balance int64) *Account {
	return &Account{
		ID:      id,
		OwnerID: ownerID,
		Status:  AccountStatusActive,
		Balance: balance,
	}
}

// Active 判斷帳戶是否可交易
func (a *Account) Active() bool {
	return a.Status == AccountStatusActive
}

// Apply 套用一筆簽名金額 (credit 為正、debit 為負) 並遞增版本
//
// 回傳:
//
//	error: 帳戶不可用或餘額不足
func (a *Account) Apply(amount int64) error {
	if !a.Active() {
		return ErrAccountInactive
	}
	if amount < 0 && !a.AllowOverdraft && a.Balance+amount < 0 {
		return ErrInsufficientBalance
	}

	a.Balance += amount
	a.Version++
	return nil
}

// Clone 回傳帳戶的複本，避免呼叫端直接改動共享狀態
func (a *Account) Clone() *Account {
	cp := *a
	return &cp
}
