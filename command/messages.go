package command

import (
	"strings"

	"github.com/goliatone/go-payhooks/core"
)

const (
	TypeReconcileWebhook  = "payhooks.command.webhook.reconcile"
	TypePublishMessage    = "payhooks.command.queue.publish"
	TypeCreateTransaction = "payhooks.command.transaction.create"
)

// ReconcileWebhookMessage carries a webhook body exactly as received.
type ReconcileWebhookMessage struct {
	RawBody   []byte
	Signature string
}

func (ReconcileWebhookMessage) Type() string { return TypeReconcileWebhook }

func (m ReconcileWebhookMessage) Validate() error {
	if len(m.RawBody) == 0 {
		return commandValidationError("raw_body", "webhook body is required")
	}
	return nil
}

type PublishMessage struct {
	Message core.QueueMessage
}

func (PublishMessage) Type() string { return TypePublishMessage }

func (m PublishMessage) Validate() error {
	return commandWrapValidation(m.Message.Validate(), "command: invalid queue message")
}

type CreateTransactionMessage struct {
	Transaction core.Transaction
}

func (CreateTransactionMessage) Type() string { return TypeCreateTransaction }

func (m CreateTransactionMessage) Validate() error {
	if m.Transaction.OrderCode <= 0 {
		return commandValidationError("order_code", "order code must be positive")
	}
	if m.Transaction.Amount <= 0 {
		return commandValidationError("amount", "amount must be positive")
	}
	if email := strings.TrimSpace(m.Transaction.OwnerEmail); email != "" && !strings.Contains(email, "@") {
		return commandValidationError("owner_email", "owner email is malformed")
	}
	return nil
}
