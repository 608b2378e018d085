package memory

import (
	pkgerrors "github.com/pkg/errors"

	"github.com/JoeShih716/go-tx-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-tx-ledger/internal/app/core/usecase"
)

// scope 是 WithAtomicAccounts 的工作單元
// 所有讀取走複本、所有寫入進暫存區，fn 成功後由 commitScope 一次落地
type scope struct {
	store *Store
	ids   map[int64]struct{}

	accounts map[int64]*domain.Account
	updated  map[int64]*domain.Account
	postings []domain.Posting
	tran     *domain.Transaction
}

func newScope(s *Store, ids []int64) *scope {
	idSet := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}
	return &scope{
		store:    s,
		ids:      idSet,
		accounts: make(map[int64]*domain.Account, len(ids)),
		updated:  make(map[int64]*domain.Account, len(ids)),
	}
}

// Account 鎖定後的新鮮讀取
// 讀取時順便稽核餘額不變式，違反直接擋下交易，不自動修正
func (sc *scope) Account(id int64) (*domain.Account, error) {
	if _, ok := sc.ids[id]; !ok {
		return nil, pkgerrors.Errorf("account %d not locked in this scope", id)
	}
	if acc, ok := sc.accounts[id]; ok {
		return acc, nil
	}

	sc.store.mu.RLock()
	defer sc.store.mu.RUnlock()
	stored, ok := sc.store.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	if want := sc.store.baseline[id] + sc.store.postingSum[id]; stored.Balance != want {
		return nil, pkgerrors.Wrapf(domain.ErrBalanceInvariant,
			"account %d: balance=%d postings=%d", id, stored.Balance, want)
	}

	cp := stored.Clone()
	sc.accounts[id] = cp
	return cp, nil
}

// UpdateAccount 暫存餘額與版本寫入
func (sc *scope) UpdateAccount(acc *domain.Account) error {
	if _, ok := sc.ids[acc.ID]; !ok {
		return pkgerrors.Errorf("account %d not locked in this scope", acc.ID)
	}
	sc.updated[acc.ID] = acc
	return nil
}

// AppendPosting 暫存一筆過帳紀錄
func (sc *scope) AppendPosting(p domain.Posting) error {
	if _, ok := sc.ids[p.AccountID]; !ok {
		return pkgerrors.Errorf("account %d not locked in this scope", p.AccountID)
	}
	sc.postings = append(sc.postings, p)
	return nil
}

// CommitTransaction 暫存交易終態寫入
func (sc *scope) CommitTransaction(tran *domain.Transaction) error {
	if tran.Status != domain.TransactionStatusCommitted {
		return pkgerrors.Errorf("commit requires committed status, got %s", tran.Status)
	}
	sc.tran = tran
	return nil
}

var _ usecase.AtomicScope = (*scope)(nil)
