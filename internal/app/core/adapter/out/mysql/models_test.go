package mysql

import (
	"testing"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoeShih716/go-tx-ledger/internal/app/core/domain"
)

func TestMapErr(t *testing.T) {
	t.Parallel()

	assert.ErrorIs(t, mapErr(&gomysql.MySQLError{Number: errDupEntry}), domain.ErrTransactionAlreadyProcessed)
	assert.ErrorIs(t, mapErr(&gomysql.MySQLError{Number: errDeadlock}), domain.ErrConflict)
	assert.ErrorIs(t, mapErr(&gomysql.MySQLError{Number: errLockWaitTimeout}), domain.ErrBusy)

	// 包裝過的 driver error 也要能分類
	wrapped := pkgerrors.Wrap(&gomysql.MySQLError{Number: errDeadlock}, "commit")
	assert.ErrorIs(t, mapErr(wrapped), domain.ErrConflict)

	// 其他一律視為儲存層暫時不可用
	assert.ErrorIs(t, mapErr(pkgerrors.New("connection reset")), domain.ErrStorageUnavailable)
}

func TestSQLAccountToDomain(t *testing.T) {
	t.Parallel()

	row := sqlAccount{
		ID:             7,
		OwnerID:        "owner-7",
		Status:         uint8(domain.AccountStatusClosed),
		Balance:        120,
		Version:        3,
		AllowOverdraft: true,
		OpeningBalance: 100,
	}

	acc := row.toDomain()
	assert.Equal(t, int64(7), acc.ID)
	assert.Equal(t, "owner-7", acc.OwnerID)
	assert.Equal(t, domain.AccountStatusClosed, acc.Status)
	assert.Equal(t, int64(120), acc.Balance)
	assert.Equal(t, uint64(3), acc.Version)
	assert.True(t, acc.AllowOverdraft)
}

func TestSQLTransactionToDomain(t *testing.T) {
	t.Parallel()

	refID := uuid.New()
	row := sqlTransaction{
		RefID:         refID[:],
		IdemKey:       "k1",
		Kind:          uint8(domain.TransactionKindTransfer),
		Status:        uint8(domain.TransactionStatusFailed),
		FailReason:    string(domain.FailReasonInsufficientFunds),
		FromAccountID: 1,
		ToAccountID:   2,
		Amount:        50,
		CreatedAt:     1000,
		CompletedAt:   2000,
	}

	tran, err := row.toDomain()
	require.NoError(t, err)
	assert.Equal(t, refID, tran.ID)
	assert.Equal(t, "k1", tran.IdempotencyKey)
	assert.Equal(t, domain.TransactionKindTransfer, tran.Kind)
	assert.Equal(t, domain.TransactionStatusFailed, tran.Status)
	assert.Equal(t, domain.FailReasonInsufficientFunds, tran.FailReason)
	assert.Equal(t, int64(1), tran.From)
	assert.Equal(t, int64(2), tran.To)
	assert.Equal(t, int64(50), tran.Amount)
	assert.ErrorIs(t, tran.FailureErr(), domain.ErrInsufficientBalance)

	// ref_id 不是 16 bytes 時必須報錯
	row.RefID = []byte{0x01, 0x02}
	_, err = row.toDomain()
	assert.Error(t, err)
}

func TestSQLPostingToDomain(t *testing.T) {
	t.Parallel()

	tranID := uuid.New()
	row := sqlPosting{
		ID:               "01HZXYXJ5M2T3V4W5X6Y7Z8A9B",
		TranRefID:        tranID[:],
		AccountID:        7,
		Amount:           -30,
		ResultingBalance: 70,
		CreatedAt:        1000,
	}

	p, err := row.toDomain()
	require.NoError(t, err)
	assert.Equal(t, row.ID, p.ID)
	assert.Equal(t, tranID, p.TransactionID)
	assert.Equal(t, int64(7), p.AccountID)
	assert.Equal(t, int64(-30), p.Amount)
	assert.Equal(t, int64(70), p.ResultingBalance)

	row.TranRefID = nil
	_, err = row.toDomain()
	assert.Error(t, err)
}

func TestTableNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "accounts", (*sqlAccount)(nil).TableName())
	assert.Equal(t, "transactions", (*sqlTransaction)(nil).TableName())
	assert.Equal(t, "postings", (*sqlPosting)(nil).TableName())
}
