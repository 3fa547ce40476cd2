package query

import "github.com/goliatone/go-payhooks/core"

const (
	TypeGetTransaction  = "payhooks.query.transaction.get"
	TypeListDeliveries  = "payhooks.query.deliveries.list"
	TypeListDeadLetters = "payhooks.query.dead_letters.list"

	MaxDeadLetterLimit = 500
)

type GetTransactionMessage struct {
	OrderCode int64
}

func (GetTransactionMessage) Type() string { return TypeGetTransaction }

func (m GetTransactionMessage) Validate() error {
	if m.OrderCode <= 0 {
		return queryValidationError("order_code", "order code must be positive")
	}
	return nil
}

type ListDeliveriesMessage struct {
	OrderCode int64
}

func (ListDeliveriesMessage) Type() string { return TypeListDeliveries }

func (m ListDeliveriesMessage) Validate() error {
	if m.OrderCode <= 0 {
		return queryValidationError("order_code", "order code must be positive")
	}
	return nil
}

// ListDeadLettersMessage lists the newest dead letters first. An empty Kind
// lists every kind.
type ListDeadLettersMessage struct {
	Kind  core.MessageKind
	Limit int
}

func (ListDeadLettersMessage) Type() string { return TypeListDeadLetters }

func (m ListDeadLettersMessage) Validate() error {
	if m.Kind != "" && !m.Kind.Valid() {
		return queryValidationError("kind", "unknown message kind")
	}
	if m.Limit < 0 || m.Limit > MaxDeadLetterLimit {
		return queryValidationError("limit", "limit must be between 0 and 500")
	}
	return nil
}
