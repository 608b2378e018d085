package mysql

import (
	"context"
	"sort"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/JoeShih716/go-tx-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-tx-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-tx-ledger/pkg/mysql"
)

// MySQL error numbers
const (
	errDupEntry        = 1062
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
)

// Store 是 MySQL 帳本 (GORM)
// WithAtomicAccounts 以 SELECT ... FOR UPDATE 悲觀鎖定帳戶列
type Store struct {
	client *mysql.Client
}

func NewStore(client *mysql.Client) *Store {
	return &Store{client: client}
}

// AutoMigrate 建立資料表 (部署初始化用)
func (s *Store) AutoMigrate() error {
	return s.client.DB().AutoMigrate(&sqlAccount{}, &sqlTransaction{}, &sqlPosting{})
}

// mapErr 將 MySQL/GORM 錯誤對應到 domain 的錯誤分類
func mapErr(err error) error {
	var myErr *gomysql.MySQLError
	if pkgerrors.As(err, &myErr) {
		switch myErr.Number {
		case errDupEntry:
			return domain.ErrTransactionAlreadyProcessed
		case errDeadlock:
			return domain.ErrConflict
		case errLockWaitTimeout:
			return domain.ErrBusy
		}
	}
	return pkgerrors.Wrap(domain.ErrStorageUnavailable, err.Error())
}

// WithAtomicAccounts 實作 usecase.LedgerStore
func (s *Store) WithAtomicAccounts(ctx context.Context, ids []int64, fn func(scope usecase.AtomicScope) error) error {
	sorted := make([]int64, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return s.client.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 悲觀鎖: 依升冪一次鎖定所有涉及的帳戶列
		var rows []sqlAccount
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id IN ?", sorted).
			Order("id").
			Find(&rows).Error; err != nil {
			return mapErr(err)
		}

		locked := make(map[int64]*sqlAccount, len(rows))
		for i := range rows {
			locked[rows[i].ID] = &rows[i]
		}

		sc := &scope{
			tx:       tx,
			locked:   locked,
			loadedAt: make(map[int64]uint64, len(rows)),
		}
		return fn(sc)
	})
}

// scope 在單一 GORM 交易內執行
type scope struct {
	tx     *gorm.DB
	locked map[int64]*sqlAccount
	// loadedAt: 讀取當下的版本號，更新時做樂觀檢查 (悲觀鎖之外的保險)
	loadedAt map[int64]uint64
}

func (sc *scope) Account(id int64) (*domain.Account, error) {
	row, ok := sc.locked[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}

	// 讀取時稽核餘額不變式
	var posted int64
	if err := sc.tx.Model(&sqlPosting{}).
		Where("account_id = ?", id).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&posted).Error; err != nil {
		return nil, mapErr(err)
	}
	if want := row.OpeningBalance + posted; row.Balance != want {
		return nil, pkgerrors.Wrapf(domain.ErrBalanceInvariant,
			"account %d: balance=%d postings=%d", id, row.Balance, want)
	}

	sc.loadedAt[id] = row.Version
	return row.toDomain(), nil
}

func (sc *scope) UpdateAccount(acc *domain.Account) error {
	loaded, ok := sc.loadedAt[acc.ID]
	if !ok {
		return pkgerrors.Errorf("account %d not read in this scope", acc.ID)
	}

	res := sc.tx.Model(&sqlAccount{}).
		Where("id = ? AND version = ?", acc.ID, loaded).
		Updates(map[string]any{"balance": acc.Balance, "version": acc.Version})
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (sc *scope) AppendPosting(p domain.Posting) error {
	row := sqlPosting{
		ID:               p.ID,
		TranRefID:        p.TransactionID[:],
		AccountID:        p.AccountID,
		Amount:           p.Amount,
		ResultingBalance: p.ResultingBalance,
		CreatedAt:        p.CreatedAt,
	}
	if err := sc.tx.Create(&row).Error; err != nil {
		return mapErr(err)
	}
	return nil
}

func (sc *scope) CommitTransaction(tran *domain.Transaction) error {
	res := sc.tx.Model(&sqlTransaction{}).
		Where("ref_id = ? AND status = ?", tran.ID[:], uint8(domain.TransactionStatusPending)).
		Updates(map[string]any{
			"status":       uint8(domain.TransactionStatusCommitted),
			"completed_at": tran.CompletedAt,
		})
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrTransactionTerminal
	}
	return nil
}

var _ usecase.AtomicScope = (*scope)(nil)

// GetAccount 讀取帳戶
func (s *Store) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	var row sqlAccount
	err := s.client.DB().WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		if pkgerrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, mapErr(err)
	}
	return row.toDomain(), nil
}

// PutAccount 匯入帳戶資料
// 已存在的帳戶只更新狀態與擁有者，餘額由引擎管理
func (s *Store) PutAccount(ctx context.Context, acc *domain.Account) error {
	row := sqlAccount{
		ID:             acc.ID,
		OwnerID:        acc.OwnerID,
		Status:         uint8(acc.Status),
		Balance:        acc.Balance,
		Version:        acc.Version,
		AllowOverdraft: acc.AllowOverdraft,
		OpeningBalance: acc.Balance,
	}
	err := s.client.DB().WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner_id", "status", "allow_overdraft"}),
	}).Create(&row).Error
	if err != nil {
		return mapErr(err)
	}
	return nil
}

// GetTransaction 以交易 ID 查詢 (含過帳紀錄)
func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return s.getTransaction(ctx, "ref_id = ?", id[:])
}

// GetTransactionByKey 以冪等鍵查詢 (含過帳紀錄)
func (s *Store) GetTransactionByKey(ctx context.Context, idemKey string) (*domain.Transaction, error) {
	return s.getTransaction(ctx, "idem_key = ?", idemKey)
}

func (s *Store) getTransaction(ctx context.Context, query string, arg any) (*domain.Transaction, error) {
	var row sqlTransaction
	err := s.client.DB().WithContext(ctx).Where(query, arg).First(&row).Error
	if err != nil {
		if pkgerrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, mapErr(err)
	}

	tran, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	if tran.Status == domain.TransactionStatusCommitted {
		var rows []sqlPosting
		if err := s.client.DB().WithContext(ctx).
			Where("tran_ref_id = ?", row.RefID).
			Order("id").
			Find(&rows).Error; err != nil {
			return nil, mapErr(err)
		}
		tran.Postings = make([]domain.Posting, 0, len(rows))
		for i := range rows {
			p, err := rows[i].toDomain()
			if err != nil {
				return nil, err
			}
			tran.Postings = append(tran.Postings, p)
		}
	}
	return tran, nil
}

// ListPostings 查詢帳戶的過帳歷史 (新到舊)
func (s *Store) ListPostings(ctx context.Context, accountID int64, rng usecase.PostingRange) ([]domain.Posting, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	var rows []sqlPosting
	err := s.client.DB().WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC, id DESC").
		Limit(rng.Limit).
		Offset(rng.Offset).
		Find(&rows).Error
	if err != nil {
		return nil, mapErr(err)
	}

	page := make([]domain.Posting, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		page = append(page, p)
	}
	return page, nil
}

// SumPostings 期初餘額 + 所有 committed 過帳的簽名總和
func (s *Store) SumPostings(ctx context.Context, accountID int64) (int64, error) {
	var row sqlAccount
	err := s.client.DB().WithContext(ctx).Where("id = ?", accountID).First(&row).Error
	if err != nil {
		if pkgerrors.Is(err, gorm.ErrRecordNotFound) {
			return 0, domain.ErrAccountNotFound
		}
		return 0, mapErr(err)
	}

	var posted int64
	if err := s.client.DB().WithContext(ctx).Model(&sqlPosting{}).
		Where("account_id = ?", accountID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&posted).Error; err != nil {
		return 0, mapErr(err)
	}
	return row.OpeningBalance + posted, nil
}

// CreateTransaction 建立 pending 交易並以 idem_key 唯一索引 claim 冪等鍵
func (s *Store) CreateTransaction(ctx context.Context, tran *domain.Transaction) error {
	row := sqlTransaction{
		RefID:         tran.ID[:],
		IdemKey:       tran.IdempotencyKey,
		Kind:          uint8(tran.Kind),
		Status:        uint8(tran.Status),
		FromAccountID: tran.From,
		ToAccountID:   tran.To,
		Amount:        tran.Amount,
		CreatedAt:     tran.CreatedAt,
	}
	if err := s.client.DB().WithContext(ctx).Create(&row).Error; err != nil {
		return mapErr(err)
	}
	return nil
}

// FailTransaction 將 pending 交易轉為 failed (write-once)
func (s *Store) FailTransaction(ctx context.Context, id uuid.UUID, reason domain.FailReason, at time.Time) (*domain.Transaction, error) {
	res := s.client.DB().WithContext(ctx).Model(&sqlTransaction{}).
		Where("ref_id = ? AND status = ?", id[:], uint8(domain.TransactionStatusPending)).
		Updates(map[string]any{
			"status":       uint8(domain.TransactionStatusFailed),
			"fail_reason":  string(reason),
			"completed_at": at.UnixMilli(),
		})
	if res.Error != nil {
		return nil, mapErr(res.Error)
	}
	// 已是終態時 UPDATE 不中任何列，直接回傳既有紀錄
	return s.GetTransaction(ctx, id)
}

// ReleaseTransaction 釋放未執行的 pending claim
func (s *Store) ReleaseTransaction(ctx context.Context, id uuid.UUID) error {
	err := s.client.DB().WithContext(ctx).
		Where("ref_id = ? AND status = ?", id[:], uint8(domain.TransactionStatusPending)).
		Delete(&sqlTransaction{}).Error
	if err != nil {
		return mapErr(err)
	}
	return nil
}

var _ usecase.LedgerStore = (*Store)(nil)
