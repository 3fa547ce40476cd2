package command

import (
	"context"

	"github.com/goliatone/go-payhooks/adapters/gocommand"
	"github.com/goliatone/go-payhooks/webhooks"
)

// BusWebhookHandler sends webhooks through the command dispatcher so the
// registered ReconcileWebhookCommand, and any runner options around it,
// handle them.
type BusWebhookHandler struct{}

func NewBusWebhookHandler() BusWebhookHandler {
	return BusWebhookHandler{}
}

func (BusWebhookHandler) HandleWebhook(ctx context.Context, raw []byte, signature string) (webhooks.Acceptance, error) {
	out, _, err := gocommand.DispatchResult[ReconcileWebhookMessage, webhooks.Acceptance](ctx, ReconcileWebhookMessage{
		RawBody:   raw,
		Signature: signature,
	})
	return out, err
}

var _ WebhookHandler = BusWebhookHandler{}
