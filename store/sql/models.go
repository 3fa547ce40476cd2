package sqlstore

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/goliatone/go-payhooks/core"
)

type transactionRecord struct {
	bun.BaseModel `bun:"table:payment_transactions,alias:pt"`

	ID                   string     `bun:"id,pk"`
	OrderCode            int64      `bun:"order_code,notnull,unique"`
	Amount               int64      `bun:"amount,notnull"`
	Status               string     `bun:"status,notnull"`
	GatewayTransactionID string     `bun:"gateway_transaction_id,notnull"`
	LastEventTime        *time.Time `bun:"last_event_time,nullzero"`
	OwnerID              string     `bun:"owner_id,notnull"`
	OwnerEmail           string     `bun:"owner_email,notnull"`
	OwnerName            string     `bun:"owner_name,notnull"`
	Description          string     `bun:"description,notnull"`
	CreatedAt            time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt            time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// webhookDeliveryRecord is the idempotency ledger. The unique index on
// (order_code, gateway_transaction_id, applied_status) is the last line
// against a double apply.
type webhookDeliveryRecord struct {
	bun.BaseModel `bun:"table:payment_webhook_deliveries,alias:pwd"`

	ID                   string    `bun:"id,pk"`
	OrderCode            int64     `bun:"order_code,notnull"`
	GatewayTransactionID string    `bun:"gateway_transaction_id,notnull"`
	AppliedStatus        string    `bun:"applied_status,notnull"`
	EventTime            time.Time `bun:"event_time,notnull"`
	PayloadHash          string    `bun:"payload_hash,notnull"`
	CreatedAt            time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type deadLetterRecord struct {
	bun.BaseModel `bun:"table:queue_dead_letters,alias:qdl"`

	ID        string    `bun:"id,pk"`
	MessageID string    `bun:"message_id,notnull"`
	Kind      string    `bun:"kind,notnull"`
	Payload   []byte    `bun:"payload"`
	Reason    string    `bun:"reason,notnull"`
	Attempts  int       `bun:"attempts,notnull"`
	FailedAt  time.Time `bun:"failed_at,notnull"`
}

func newTransactionRecord(tx core.Transaction) *transactionRecord {
	record := &transactionRecord{
		ID:                   tx.ID,
		OrderCode:            tx.OrderCode,
		Amount:               tx.Amount,
		Status:               string(tx.Status),
		GatewayTransactionID: tx.GatewayTransactionID,
		OwnerID:              tx.OwnerID,
		OwnerEmail:           tx.OwnerEmail,
		OwnerName:            tx.OwnerName,
		Description:          tx.Description,
		CreatedAt:            tx.CreatedAt,
		UpdatedAt:            tx.UpdatedAt,
	}
	if !tx.LastEventTime.IsZero() {
		at := tx.LastEventTime.UTC()
		record.LastEventTime = &at
	}
	return record
}

func (r *transactionRecord) toDomain() core.Transaction {
	tx := core.Transaction{
		ID:                   r.ID,
		OrderCode:            r.OrderCode,
		Amount:               r.Amount,
		Status:               core.TransactionStatus(r.Status),
		GatewayTransactionID: r.GatewayTransactionID,
		OwnerID:              r.OwnerID,
		OwnerEmail:           r.OwnerEmail,
		OwnerName:            r.OwnerName,
		Description:          r.Description,
		CreatedAt:            r.CreatedAt.UTC(),
		UpdatedAt:            r.UpdatedAt.UTC(),
	}
	if r.LastEventTime != nil {
		tx.LastEventTime = r.LastEventTime.UTC()
	}
	return tx
}

func newDeliveryRecord(delivery core.WebhookDelivery) *webhookDeliveryRecord {
	return &webhookDeliveryRecord{
		ID:                   delivery.ID,
		OrderCode:            delivery.OrderCode,
		GatewayTransactionID: delivery.GatewayTransactionID,
		AppliedStatus:        string(delivery.AppliedStatus),
		EventTime:            delivery.EventTime.UTC(),
		PayloadHash:          delivery.PayloadHash,
		CreatedAt:            delivery.CreatedAt,
	}
}

func (r *webhookDeliveryRecord) toDomain() core.WebhookDelivery {
	return core.WebhookDelivery{
		ID:                   r.ID,
		OrderCode:            r.OrderCode,
		GatewayTransactionID: r.GatewayTransactionID,
		AppliedStatus:        core.TransactionStatus(r.AppliedStatus),
		EventTime:            r.EventTime.UTC(),
		PayloadHash:          r.PayloadHash,
		CreatedAt:            r.CreatedAt.UTC(),
	}
}

func newDeadLetterRecord(letter core.DeadLetter) *deadLetterRecord {
	return &deadLetterRecord{
		ID:        letter.ID,
		MessageID: letter.MessageID,
		Kind:      string(letter.Kind),
		Payload:   append([]byte(nil), letter.Payload...),
		Reason:    letter.Reason,
		Attempts:  letter.Attempts,
		FailedAt:  letter.FailedAt.UTC(),
	}
}

func (r *deadLetterRecord) toDomain() core.DeadLetter {
	return core.DeadLetter{
		ID:        r.ID,
		MessageID: r.MessageID,
		Kind:      core.MessageKind(r.Kind),
		Payload:   append([]byte(nil), r.Payload...),
		Reason:    r.Reason,
		Attempts:  r.Attempts,
		FailedAt:  r.FailedAt.UTC(),
	}
}
