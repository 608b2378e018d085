package usecase

import (
	"context"

	"github.com/google/uuid"

	"github.com/JoeShih716/go-tx-ledger/internal/app/core/domain"
)

// TransactionEvent 交易 commit 後發出的通知事件
type TransactionEvent struct {
	TransactionID uuid.UUID
	Kind          domain.TransactionKind
	From          int64
	To            int64
	Amount        int64
	CompletedAt   int64
}

// Notifier 通知發送介面
// 引擎在 commit 之後以 fire-and-forget 方式呼叫，失敗不影響交易結果
type Notifier interface {
	Notify(ctx context.Context, event TransactionEvent)
}
