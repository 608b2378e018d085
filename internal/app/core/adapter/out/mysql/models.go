package mysql

import (
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"github.com/JoeShih716/go-tx-ledger/internal/app/core/domain"
)

// sqlAccount 對應資料庫的 accounts 表
type sqlAccount struct {
	ID             int64  `gorm:"primaryKey"`
	OwnerID        string `gorm:"size:64"`
	Status         uint8
	Balance        int64
	Version        uint64
	AllowOverdraft bool
	// OpeningBalance: 匯入時的期初餘額，不變式稽核的基準
	OpeningBalance int64
	UpdatedAt      int64 `gorm:"autoUpdateTime:milli"` // 自動更新時間
}

func (*sqlAccount) TableName() string {
	return "accounts"
}

func (a *sqlAccount) toDomain() *domain.Account {
	return &domain.Account{
		ID:             a.ID,
		OwnerID:        a.OwnerID,
		Status:         domain.AccountStatus(a.Status),
		Balance:        a.Balance,
		Version:        a.Version,
		AllowOverdraft: a.AllowOverdraft,
	}
}

// sqlTransaction 對應資料庫的 transactions 表
// idem_key 的唯一索引就是冪等 claim 的依據
type sqlTransaction struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	RefID         []byte `gorm:"column:ref_id;type:binary(16);uniqueIndex"` // 對應 domain.Transaction.ID
	IdemKey       string `gorm:"column:idem_key;size:128;uniqueIndex"`
	Kind          uint8
	Status        uint8
	FailReason    string `gorm:"size:32"`
	FromAccountID int64
	ToAccountID   int64
	Amount        int64
	CreatedAt     int64
	CompletedAt   int64
}

func (*sqlTransaction) TableName() string {
	return "transactions"
}

func (t *sqlTransaction) toDomain() (*domain.Transaction, error) {
	refID, err := uuid.FromBytes(t.RefID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "parse transaction ref_id")
	}
	return &domain.Transaction{
		ID:             refID,
		Kind:           domain.TransactionKind(t.Kind),
		Status:         domain.TransactionStatus(t.Status),
		FailReason:     domain.FailReason(t.FailReason),
		From:           t.FromAccountID,
		To:             t.ToAccountID,
		Amount:         t.Amount,
		IdempotencyKey: t.IdemKey,
		CreatedAt:      t.CreatedAt,
		CompletedAt:    t.CompletedAt,
	}, nil
}

// sqlPosting 對應資料庫的 postings 表，寫入後不可變
type sqlPosting struct {
	ID               string `gorm:"primaryKey;size:26"` // ULID
	TranRefID        []byte `gorm:"column:tran_ref_id;type:binary(16);index"`
	AccountID        int64  `gorm:"index:idx_postings_account"`
	Amount           int64
	ResultingBalance int64
	CreatedAt        int64 `gorm:"index:idx_postings_account"`
}

func (*sqlPosting) TableName() string {
	return "postings"
}

func (p *sqlPosting) toDomain() (domain.Posting, error) {
	tranID, err := uuid.FromBytes(p.TranRefID)
	if err != nil {
		return domain.Posting{}, pkgerrors.Wrap(err, "parse posting tran_ref_id")
	}
	return domain.Posting{
		ID:               p.ID,
		TransactionID:    tranID,
		AccountID:        p.AccountID,
		Amount:           p.Amount,
		ResultingBalance: p.ResultingBalance,
		CreatedAt:        p.CreatedAt,
	}, nil
}
