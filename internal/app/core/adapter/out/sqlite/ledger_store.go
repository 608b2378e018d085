package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	pkgerrors "github.com/pkg/errors"

	"github.com/JoeShih716/go-tx-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-tx-ledger/internal/app/core/usecase"
)

// Store 是 SQLite 帳本，CLI 的本地模式使用
// SQLite 的寫交易本身就是全庫序列化，_txlock=immediate 讓 BEGIN 直接取得寫鎖
type Store struct {
	db *sql.DB
}

// NewStore 開啟 (或建立) SQLite 帳本檔案
func NewStore(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "open sqlite")
	}
	// 單一寫連線避免 driver 層的鎖競爭
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		return nil, pkgerrors.Wrap(err, "setup schema")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// mapErr 將 SQLite 錯誤對應到 domain 的錯誤分類
func mapErr(err error) error {
	var sqErr sqlite3.Error
	if pkgerrors.As(err, &sqErr) {
		switch sqErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return domain.ErrBusy
		case sqlite3.ErrConstraint:
			return domain.ErrTransactionAlreadyProcessed
		}
	}
	return pkgerrors.Wrap(err, "sqlite")
}

// WithAtomicAccounts 實作 usecase.LedgerStore
func (s *Store) WithAtomicAccounts(ctx context.Context, ids []int64, fn func(scope usecase.AtomicScope) error) error {
	sorted := make([]int64, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}

	sc := &scope{
		tx:       tx,
		ids:      sorted,
		loadedAt: make(map[int64]uint64),
	}
	if err := fn(sc); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return mapErr(err)
	}
	return nil
}

// scope 在單一 SQL 交易內執行，所有寫入隨交易一起 commit 或 rollback
type scope struct {
	tx  *sql.Tx
	ids []int64
	// loadedAt: 讀取當下的版本號，更新時做樂觀檢查
	loadedAt map[int64]uint64
}

func (sc *scope) inScope(id int64) bool {
	for _, v := range sc.ids {
		if v == id {
			return true
		}
	}
	return false
}

func (sc *scope) Account(id int64) (*domain.Account, error) {
	if !sc.inScope(id) {
		return nil, pkgerrors.Errorf("account %d not locked in this scope", id)
	}

	row := sc.tx.QueryRow(`
	SELECT id, owner_id, status, balance, version, allow_overdraft, opening_balance
	FROM accounts WHERE id = $1`, id)

	var acc domain.Account
	var status uint8
	var overdraft int
	var opening int64
	if err := row.Scan(&acc.ID, &acc.OwnerID, &status, &acc.Balance, &acc.Version, &overdraft, &opening); err != nil {
		if pkgerrors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, mapErr(err)
	}
	acc.Status = domain.AccountStatus(status)
	acc.AllowOverdraft = overdraft != 0

	// 讀取時稽核餘額不變式
	var posted sql.NullInt64
	if err := sc.tx.QueryRow(`
	SELECT SUM(amount) FROM postings WHERE account_id = $1`, id).Scan(&posted); err != nil {
		return nil, mapErr(err)
	}
	if want := opening + posted.Int64; acc.Balance != want {
		return nil, pkgerrors.Wrapf(domain.ErrBalanceInvariant,
			"account %d: balance=%d postings=%d", id, acc.Balance, want)
	}

	sc.loadedAt[id] = acc.Version
	return &acc, nil
}

func (sc *scope) UpdateAccount(acc *domain.Account) error {
	loaded, ok := sc.loadedAt[acc.ID]
	if !ok {
		return pkgerrors.Errorf("account %d not read in this scope", acc.ID)
	}

	res, err := sc.tx.Exec(`
	UPDATE accounts SET balance = $1, version = $2
	WHERE id = $3 AND version = $4`,
		acc.Balance, acc.Version, acc.ID, loaded)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr(err)
	}
	if n == 0 {
		// 版本檢查失敗: 有人在我們讀取之後動過餘額
		return domain.ErrConflict
	}
	return nil
}

func (sc *scope) AppendPosting(p domain.Posting) error {
	_, err := sc.tx.Exec(`
	INSERT INTO postings(id, transaction_id, account_id, amount, resulting_balance, created_at)
	VALUES($1, $2, $3, $4, $5, $6)`,
		p.ID, p.TransactionID.String(), p.AccountID, p.Amount, p.ResultingBalance, p.CreatedAt)
	if err != nil {
		return mapErr(err)
	}
	return nil
}

func (sc *scope) CommitTransaction(tran *domain.Transaction) error {
	res, err := sc.tx.Exec(`
	UPDATE transactions SET status = $1, completed_at = $2
	WHERE id = $3 AND status = $4`,
		uint8(domain.TransactionStatusCommitted), tran.CompletedAt,
		tran.ID.String(), uint8(domain.TransactionStatusPending))
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr(err)
	}
	if n == 0 {
		return domain.ErrTransactionTerminal
	}
	return nil
}

var _ usecase.AtomicScope = (*scope)(nil)

// GetAccount 讀取帳戶
func (s *Store) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT id, owner_id, status, balance, version, allow_overdraft
	FROM accounts WHERE id = $1`, id)

	var acc domain.Account
	var status uint8
	var overdraft int
	if err := row.Scan(&acc.ID, &acc.OwnerID, &status, &acc.Balance, &acc.Version, &overdraft); err != nil {
		if pkgerrors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, mapErr(err)
	}
	acc.Status = domain.AccountStatus(status)
	acc.AllowOverdraft = overdraft != 0
	return &acc, nil
}

// PutAccount 匯入帳戶資料
// 已存在的帳戶只更新狀態與擁有者，餘額由引擎管理
func (s *Store) PutAccount(ctx context.Context, acc *domain.Account) error {
	overdraft := 0
	if acc.AllowOverdraft {
		overdraft = 1
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO accounts(id, owner_id, status, balance, version, allow_overdraft, opening_balance)
	VALUES($1, $2, $3, $4, 0, $5, $4)
	ON CONFLICT(id) DO UPDATE
	SET owner_id = $2, status = $3, allow_overdraft = $5`,
		acc.ID, acc.OwnerID, uint8(acc.Status), acc.Balance, overdraft)
	if err != nil {
		return mapErr(err)
	}
	return nil
}

// GetTransaction 以交易 ID 查詢 (含過帳紀錄)
func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return s.getTransaction(ctx, `WHERE id = $1`, id.String())
}

// GetTransactionByKey 以冪等鍵查詢 (含過帳紀錄)
func (s *Store) GetTransactionByKey(ctx context.Context, idemKey string) (*domain.Transaction, error) {
	return s.getTransaction(ctx, `WHERE idem_key = $1`, idemKey)
}

func (s *Store) getTransaction(ctx context.Context, where string, arg any) (*domain.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT id, idem_key, kind, status, fail_reason, from_account_id, to_account_id, amount, created_at, completed_at
	FROM transactions `+where, arg)

	var tran domain.Transaction
	var rawID string
	var kind, status uint8
	var reason string
	if err := row.Scan(&rawID, &tran.IdempotencyKey, &kind, &status, &reason,
		&tran.From, &tran.To, &tran.Amount, &tran.CreatedAt, &tran.CompletedAt); err != nil {
		if pkgerrors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, mapErr(err)
	}

	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "parse transaction id")
	}
	tran.ID = id
	tran.Kind = domain.TransactionKind(kind)
	tran.Status = domain.TransactionStatus(status)
	tran.FailReason = domain.FailReason(reason)

	if tran.Status == domain.TransactionStatusCommitted {
		if tran.Postings, err = s.postingsOf(ctx, tran.ID); err != nil {
			return nil, err
		}
	}
	return &tran, nil
}

func (s *Store) postingsOf(ctx context.Context, tranID uuid.UUID) ([]domain.Posting, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, transaction_id, account_id, amount, resulting_balance, created_at
	FROM postings WHERE transaction_id = $1 ORDER BY rowid`, tranID.String())
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var postings []domain.Posting
	for rows.Next() {
		p, err := scanPosting(rows)
		if err != nil {
			return nil, err
		}
		postings = append(postings, p)
	}
	return postings, rows.Err()
}

// ListPostings 查詢帳戶的過帳歷史 (新到舊)
func (s *Store) ListPostings(ctx context.Context, accountID int64, rng usecase.PostingRange) ([]domain.Posting, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
	SELECT id, transaction_id, account_id, amount, resulting_balance, created_at
	FROM postings WHERE account_id = $1
	ORDER BY created_at DESC, id DESC
	LIMIT $2 OFFSET $3`, accountID, rng.Limit, rng.Offset)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	page := make([]domain.Posting, 0, rng.Limit)
	for rows.Next() {
		p, err := scanPosting(rows)
		if err != nil {
			return nil, err
		}
		page = append(page, p)
	}
	return page, rows.Err()
}

func scanPosting(rows *sql.Rows) (domain.Posting, error) {
	var p domain.Posting
	var rawTranID string
	if err := rows.Scan(&p.ID, &rawTranID, &p.AccountID, &p.Amount, &p.ResultingBalance, &p.CreatedAt); err != nil {
		return p, mapErr(err)
	}
	tranID, err := uuid.Parse(rawTranID)
	if err != nil {
		return p, pkgerrors.Wrap(err, "parse posting transaction id")
	}
	p.TransactionID = tranID
	return p, nil
}

// SumPostings 期初餘額 + 所有 committed 過帳的簽名總和
func (s *Store) SumPostings(ctx context.Context, accountID int64) (int64, error) {
	var opening int64
	err := s.db.QueryRowContext(ctx,
		`SELECT opening_balance FROM accounts WHERE id = $1`, accountID).Scan(&opening)
	if err != nil {
		if pkgerrors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrAccountNotFound
		}
		return 0, mapErr(err)
	}

	var posted sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT SUM(amount) FROM postings WHERE account_id = $1`, accountID).Scan(&posted); err != nil {
		return 0, mapErr(err)
	}
	return opening + posted.Int64, nil
}

// CreateTransaction 建立 pending 交易並以唯一索引 claim 冪等鍵
func (s *Store) CreateTransaction(ctx context.Context, tran *domain.Transaction) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO transactions(id, idem_key, kind, status, fail_reason, from_account_id, to_account_id, amount, created_at, completed_at)
	VALUES($1, $2, $3, $4, '', $5, $6, $7, $8, 0)`,
		tran.ID.String(), tran.IdempotencyKey, uint8(tran.Kind), uint8(tran.Status),
		tran.From, tran.To, tran.Amount, tran.CreatedAt)
	if err != nil {
		return mapErr(err)
	}
	return nil
}

// FailTransaction 將 pending 交易轉為 failed (write-once)
func (s *Store) FailTransaction(ctx context.Context, id uuid.UUID, reason domain.FailReason, at time.Time) (*domain.Transaction, error) {
	_, err := s.db.ExecContext(ctx, `
	UPDATE transactions SET status = $1, fail_reason = $2, completed_at = $3
	WHERE id = $4 AND status = $5`,
		uint8(domain.TransactionStatusFailed), string(reason), at.UnixMilli(),
		id.String(), uint8(domain.TransactionStatusPending))
	if err != nil {
		return nil, mapErr(err)
	}
	// 已是終態時 UPDATE 不中任何列，直接回傳既有紀錄
	return s.GetTransaction(ctx, id)
}

// ReleaseTransaction 釋放未執行的 pending claim
func (s *Store) ReleaseTransaction(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
	DELETE FROM transactions WHERE id = $1 AND status = $2`,
		id.String(), uint8(domain.TransactionStatusPending))
	if err != nil {
		return mapErr(err)
	}
	return nil
}

var _ usecase.LedgerStore = (*Store)(nil)
