package query

import (
	"context"

	"github.com/goliatone/go-payhooks/core"
)

type TransactionReader interface {
	Find(ctx context.Context, orderCode int64) (core.Transaction, error)
}

type DeliveryReader interface {
	Deliveries(ctx context.Context, orderCode int64) ([]core.WebhookDelivery, error)
}

type DeadLetterReader interface {
	ListDeadLetters(ctx context.Context, kind core.MessageKind, limit int) ([]core.DeadLetter, error)
}

type GetTransactionQuery struct {
	reader TransactionReader
}

func NewGetTransactionQuery(reader TransactionReader) *GetTransactionQuery {
	return &GetTransactionQuery{reader: reader}
}

func (q *GetTransactionQuery) Query(ctx context.Context, msg GetTransactionMessage) (core.Transaction, error) {
	if q == nil || q.reader == nil {
		return core.Transaction{}, queryDependencyError("query: transaction reader is required")
	}
	return q.reader.Find(ctx, msg.OrderCode)
}

type ListDeliveriesQuery struct {
	reader DeliveryReader
}

func NewListDeliveriesQuery(reader DeliveryReader) *ListDeliveriesQuery {
	return &ListDeliveriesQuery{reader: reader}
}

func (q *ListDeliveriesQuery) Query(ctx context.Context, msg ListDeliveriesMessage) ([]core.WebhookDelivery, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: delivery reader is required")
	}
	return q.reader.Deliveries(ctx, msg.OrderCode)
}

type ListDeadLettersQuery struct {
	reader DeadLetterReader
}

func NewListDeadLettersQuery(reader DeadLetterReader) *ListDeadLettersQuery {
	return &ListDeadLettersQuery{reader: reader}
}

func (q *ListDeadLettersQuery) Query(ctx context.Context, msg ListDeadLettersMessage) ([]core.DeadLetter, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: dead letter reader is required")
	}
	limit := msg.Limit
	if limit == 0 {
		limit = 50
	}
	return q.reader.ListDeadLetters(ctx, msg.Kind, limit)
}
