package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-payhooks/core"
	"github.com/goliatone/go-payhooks/webhooks"
)

type WebhookHandler interface {
	HandleWebhook(ctx context.Context, raw []byte, signature string) (webhooks.Acceptance, error)
}

type TransactionCreator interface {
	Create(ctx context.Context, tx core.Transaction) (core.Transaction, error)
}

// ReconcileWebhookCommand stores the Acceptance as the command result, also
// when the handler returns an error alongside it.
type ReconcileWebhookCommand struct {
	handler WebhookHandler
}

func NewReconcileWebhookCommand(handler WebhookHandler) *ReconcileWebhookCommand {
	return &ReconcileWebhookCommand{handler: handler}
}

func (c *ReconcileWebhookCommand) Execute(ctx context.Context, msg ReconcileWebhookMessage) error {
	if c == nil || c.handler == nil {
		return commandDependencyError("command: webhook handler is required")
	}
	out, err := c.handler.HandleWebhook(ctx, msg.RawBody, msg.Signature)
	storeResult(ctx, out)
	return err
}

type PublishCommand struct {
	publisher core.QueuePublisher
}

func NewPublishCommand(publisher core.QueuePublisher) *PublishCommand {
	return &PublishCommand{publisher: publisher}
}

func (c *PublishCommand) Execute(ctx context.Context, msg PublishMessage) error {
	if c == nil || c.publisher == nil {
		return commandDependencyError("command: queue publisher is required")
	}
	return c.publisher.Publish(ctx, msg.Message)
}

type CreateTransactionCommand struct {
	store TransactionCreator
}

func NewCreateTransactionCommand(store TransactionCreator) *CreateTransactionCommand {
	return &CreateTransactionCommand{store: store}
}

func (c *CreateTransactionCommand) Execute(ctx context.Context, msg CreateTransactionMessage) error {
	if c == nil || c.store == nil {
		return commandDependencyError("command: transaction store is required")
	}
	out, err := c.store.Create(ctx, msg.Transaction)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
