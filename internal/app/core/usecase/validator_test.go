package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoeShih716/go-tx-ledger/internal/app/core/domain"
)

type fakeAccounts struct {
	m map[int64]*domain.Account
}

func (f *fakeAccounts) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	acc, ok := f.m[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return acc.Clone(), nil
}

func newTestValidator(accounts ...*domain.Account) *Validator {
	m := make(map[int64]*domain.Account, len(accounts))
	for _, acc := range accounts {
		m[acc.ID] = acc
	}
	return NewValidator(&fakeAccounts{m: m})
}

func TestValidateDeposit(t *testing.T) {
	t.Parallel()

	v := newTestValidator(domain.NewAccount(1, "owner-1", 0))

	op, err := v.Validate(context.Background(), &OperationRequest{
		Kind:           domain.TransactionKindDeposit,
		To:             1,
		Amount:         100,
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	require.Len(t, op.Legs, 1)
	assert.Equal(t, Leg{AccountID: 1, Amount: 100}, op.Legs[0])
	assert.Equal(t, []int64{1}, op.LockIDs)
}

func TestValidateWithdrawal(t *testing.T) {
	t.Parallel()

	v := newTestValidator(domain.NewAccount(1, "owner-1", 100))

	op, err := v.Validate(context.Background(), &OperationRequest{
		Kind:           domain.TransactionKindWithdrawal,
		From:           1,
		Amount:         40,
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	require.Len(t, op.Legs, 1)
	assert.Equal(t, Leg{AccountID: 1, Amount: -40}, op.Legs[0])
}

func TestValidateTransferLegs(t *testing.T) {
	t.Parallel()

	v := newTestValidator(
		domain.NewAccount(9, "owner-9", 100),
		domain.NewAccount(2, "owner-2", 0),
	)

	op, err := v.Validate(context.Background(), &OperationRequest{
		Kind:           domain.TransactionKindTransfer,
		From:           9,
		To:             2,
		Amount:         50,
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	// debit 在前，鎖定順序升冪
	require.Len(t, op.Legs, 2)
	assert.Equal(t, Leg{AccountID: 9, Amount: -50}, op.Legs[0])
	assert.Equal(t, Leg{AccountID: 2, Amount: 50}, op.Legs[1])
	assert.Equal(t, []int64{2, 9}, op.LockIDs)
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	active := domain.NewAccount(1, "owner-1", 100)
	closed := domain.NewAccount(2, "owner-2", 100)
	closed.Status = domain.AccountStatusClosed
	v := newTestValidator(active, closed)
	ctx := context.Background()

	cases := []struct {
		name string
		req  OperationRequest
		want error
	}{
		{
			name: "zero amount",
			req:  OperationRequest{Kind: domain.TransactionKindDeposit, To: 1, Amount: 0, IdempotencyKey: "k"},
			want: domain.ErrAmountMustBePositive,
		},
		{
			name: "negative amount",
			req:  OperationRequest{Kind: domain.TransactionKindDeposit, To: 1, Amount: -5, IdempotencyKey: "k"},
			want: domain.ErrAmountMustBePositive,
		},
		{
			name: "missing key",
			req:  OperationRequest{Kind: domain.TransactionKindDeposit, To: 1, Amount: 10},
			want: domain.ErrMissingIdempotencyKey,
		},
		{
			name: "self transfer",
			req:  OperationRequest{Kind: domain.TransactionKindTransfer, From: 1, To: 1, Amount: 10, IdempotencyKey: "k"},
			want: domain.ErrSelfTransfer,
		},
		{
			name: "unknown account",
			req:  OperationRequest{Kind: domain.TransactionKindDeposit, To: 42, Amount: 10, IdempotencyKey: "k"},
			want: domain.ErrAccountNotFound,
		},
		{
			name: "closed account",
			req:  OperationRequest{Kind: domain.TransactionKindDeposit, To: 2, Amount: 10, IdempotencyKey: "k"},
			want: domain.ErrAccountInactive,
		},
		{
			name: "insufficient funds",
			req:  OperationRequest{Kind: domain.TransactionKindWithdrawal, From: 1, Amount: 200, IdempotencyKey: "k"},
			want: domain.ErrInsufficientBalance,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			op, err := v.Validate(ctx, &tc.req)
			assert.ErrorIs(t, err, tc.want)
			assert.Nil(t, op)
		})
	}
}

func TestValidateOverdraftAccount(t *testing.T) {
	t.Parallel()

	acc := domain.NewAccount(1, "owner-1", 10)
	acc.AllowOverdraft = true
	v := newTestValidator(acc)

	// 允許透支的帳戶跳過餘額預檢
	op, err := v.Validate(context.Background(), &OperationRequest{
		Kind:           domain.TransactionKindWithdrawal,
		From:           1,
		Amount:         200,
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(-200), op.Legs[0].Amount)
}
