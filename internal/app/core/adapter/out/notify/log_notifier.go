package notify

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/JoeShih716/go-tx-ledger/internal/app/core/usecase"
)

// LogNotifier 把交易事件寫進 log
// 正式環境換成呼叫 notification-service 的實作；介面相同
type LogNotifier struct {
	log *logrus.Entry
}

func NewLogNotifier(log *logrus.Entry) *LogNotifier {
	if log == nil {
		log = logrus.WithField("component", "notifier")
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(ctx context.Context, event usecase.TransactionEvent) {
	n.log.WithFields(logrus.Fields{
		"transaction_id": event.TransactionID,
		"kind":           event.Kind.String(),
		"from":           event.From,
		"to":             event.To,
		"amount":         event.Amount,
		"completed_at":   event.CompletedAt,
	}).Info("transaction committed")
}

var _ usecase.Notifier = (*LogNotifier)(nil)
