package usecase

import (
	"context"

	"github.com/JoeShih716/go-tx-ledger/internal/app/core/domain"
)

// OperationRequest 調用端送進引擎的操作請求
// deposit 只用 To，withdrawal 只用 From，transfer 兩者都用
type OperationRequest struct {
	Kind           domain.TransactionKind
	From           int64
	To             int64
	Amount         int64
	IdempotencyKey string
}

// Leg 單一帳戶上的一筆簽名金額 (credit 為正、debit 為負)
type Leg struct {
	AccountID int64
	Amount    int64
}

// NormalizedOp 驗證過的操作: 簽名 legs (debit 在前) 與升冪的鎖定順序
type NormalizedOp struct {
	Kind    domain.TransactionKind
	Legs    []Leg
	LockIDs []int64
}

// AccountReader 帳戶狀態查詢 (由 account-management 的資料餵進 Store)
type AccountReader interface {
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)
}

// Validator 在任何寫入發生前檢查金額、狀態與帳戶資格
// 除了帳戶查詢之外沒有副作用
type Validator struct {
	accounts AccountReader
}

func NewValidator(accounts AccountReader) *Validator {
	return &Validator{accounts: accounts}
}

// Validate 檢查操作請求並回傳正規化後的結果
//
// 餘額檢查只是 fast-path 預檢，不是權威判定；
// 引擎在 Atomic Scope 內會用鎖定後的新鮮讀取再檢查一次
func (v *Validator) Validate(ctx context.Context, req *OperationRequest) (*NormalizedOp, error) {
	if req.Amount <= 0 {
		return nil, domain.ErrAmountMustBePositive
	}
	if req.IdempotencyKey == "" {
		return nil, domain.ErrMissingIdempotencyKey
	}

	op := &NormalizedOp{Kind: req.Kind}
	switch req.Kind {
	case domain.TransactionKindDeposit:
		op.Legs = []Leg{{AccountID: req.To, Amount: req.Amount}}
	case domain.TransactionKindWithdrawal:
		op.Legs = []Leg{{AccountID: req.From, Amount: -req.Amount}}
	case domain.TransactionKindTransfer:
		if req.From == req.To {
			return nil, domain.ErrSelfTransfer
		}
		// debit 在前，兩筆總和為零
		op.Legs = []Leg{
			{AccountID: req.From, Amount: -req.Amount},
			{AccountID: req.To, Amount: req.Amount},
		}
	default:
		return nil, domain.ErrAmountMustBePositive
	}

	for _, leg := range op.Legs {
		acc, err := v.accounts.GetAccount(ctx, leg.AccountID)
		if err != nil {
			return nil, err
		}
		if !acc.Active() {
			return nil, domain.ErrAccountInactive
		}
		if leg.Amount < 0 && !acc.AllowOverdraft && acc.Balance < req.Amount {
			return nil, domain.ErrInsufficientBalance
		}
	}

	op.LockIDs = lockOrder(op.Legs)
	return op, nil
}

// lockOrder 回傳 legs 涉及的帳戶 ID，升冪排序以避免死鎖
func lockOrder(legs []Leg) []int64 {
	ids := make([]int64, 0, 2)
	for _, leg := range legs {
		ids = append(ids, leg.AccountID)
	}
	if len(ids) == 2 && ids[0] > ids[1] {
		ids[0], ids[1] = ids[1], ids[0]
	}
	return ids
}
