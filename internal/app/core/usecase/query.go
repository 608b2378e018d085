package usecase

import (
	"context"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"github.com/JoeShih716/go-tx-ledger/internal/app/core/domain"
)

// DefaultPostingLimit 歷史查詢預設一頁 50 筆
const DefaultPostingLimit = 50

// PostingRange 過帳歷史的查詢範圍
type PostingRange struct {
	Limit  int
	Offset int
}

// QueryService 讀取側服務: 只看得到 committed 的過帳，沒有任何寫入能力
type QueryService struct {
	store LedgerStore
}

func NewQueryService(store LedgerStore) *QueryService {
	return &QueryService{store: store}
}

// GetBalance 取得帳戶餘額
func (q *QueryService) GetBalance(ctx context.Context, accountID int64) (int64, error) {
	acc, err := q.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// GetTransaction 以交易 ID 查詢
func (q *QueryService) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return q.store.GetTransaction(ctx, id)
}

// ListPostings 查詢帳戶的過帳歷史
func (q *QueryService) ListPostings(ctx context.Context, accountID int64, rng PostingRange) ([]domain.Posting, error) {
	if rng.Limit <= 0 {
		rng.Limit = DefaultPostingLimit
	}
	if rng.Offset < 0 {
		rng.Offset = 0
	}
	return q.store.ListPostings(ctx, accountID, rng)
}

// VerifyBalance 稽核帳戶餘額不變式: balance == sum(postings.amount)
// 不一致代表程式錯誤，回傳 ErrBalanceInvariant 讓維運介入，絕不自動修正
func (q *QueryService) VerifyBalance(ctx context.Context, accountID int64) error {
	acc, err := q.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	sum, err := q.store.SumPostings(ctx, accountID)
	if err != nil {
		return err
	}
	if acc.Balance != sum {
		return pkgerrors.Wrapf(domain.ErrBalanceInvariant,
			"account %d: balance=%d postings=%d", accountID, acc.Balance, sum)
	}
	return nil
}
